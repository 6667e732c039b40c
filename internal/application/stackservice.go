package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/stacksync/internal/domain/message"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

var errInterrupted = errors.New("interrupted before completion")

// StackService is the entry point used by the CLI. It wires the engine
// components together and journals every mutating operation.
type StackService struct {
	repo     driven.Repository
	platform driven.ReviewPlatform
	store    driven.SyncStore
	settings Settings

	walker    *HistoryWalker
	tracker   *CorrespondenceTracker
	synth     *BaseSynthesizer
	publisher *DiffPublisher
	rewriter  *HistoryRewriter
	lander    *LandEngine

	now func() time.Time
}

// NewStackService creates a StackService. prompter may be nil for
// non-interactive use.
func NewStackService(repo driven.Repository, platform driven.ReviewPlatform, store driven.SyncStore,
	prompter driven.NotePrompter, settings Settings) *StackService {
	walker := NewHistoryWalker(repo, settings.Trunk)
	tracker := NewCorrespondenceTracker(repo, platform, settings)
	synth := NewBaseSynthesizer(repo, settings)
	publisher := NewDiffPublisher(repo, platform, store, prompter, synth, settings)
	return &StackService{
		repo:      repo,
		platform:  platform,
		store:     store,
		settings:  settings,
		walker:    walker,
		tracker:   tracker,
		synth:     synth,
		publisher: publisher,
		rewriter:  NewHistoryRewriter(repo),
		lander:    NewLandEngine(repo, platform, store, walker, tracker, publisher, settings),
		now:       time.Now,
	}
}

// DiffOptions controls Diff.
type DiffOptions struct {
	// All publishes the whole chain instead of HEAD only.
	All           bool
	CherryPick    bool
	Note          string
	UpdateMessage bool
	Draft         bool
}

// DiffReport lists the per-commit results of a Diff.
type DiffReport struct {
	Results  []PublishResult
	Warnings []string
}

// Diff publishes HEAD, or the whole chain oldest first. Commit messages that
// gained a request link are rewritten once at the end, even when a later
// publish fails.
func (s *StackService) Diff(ctx context.Context, opts DiffOptions) (DiffReport, error) {
	var report DiffReport

	chain, err := s.walker.Walk(ctx, WalkOptions{})
	if err != nil {
		return report, err
	}
	targets, err := s.targets(chain, opts.All)
	if err != nil {
		return report, err
	}
	for _, i := range targets {
		lc := chain.Commits[i]
		if err := message.Validate(lc.Meta, s.settings.RequireTestPlan); err != nil {
			return report, fmt.Errorf("%s: %w", lc.Commit.ID.Short(), err)
		}
	}

	if err := s.refreshTrunk(ctx, chain); err != nil {
		return report, err
	}
	corrs, err := s.tracker.Track(ctx, chain, TrackOptions{CherryPick: opts.CherryPick})
	if err != nil {
		return report, err
	}
	for _, i := range targets {
		for _, d := range corrs[i].Drift {
			if d.Kind != model.DriftMessage {
				report.Warnings = append(report.Warnings, d.Detail)
			}
		}
	}
	taken, err := s.repo.RemoteBranches(ctx)
	if err != nil {
		return report, fmt.Errorf("list remote branches: %w", err)
	}

	opID := s.begin(ctx, model.OperationPublish, chain.Commits[targets[len(targets)-1]], corrs[targets[len(targets)-1]].RequestID)
	messages := make(map[int]string)
	var pubErr error
	for _, i := range targets {
		res, err := s.publisher.Publish(ctx, chain, corrs, i, PublishOptions{
			CherryPick:    opts.CherryPick,
			Note:          opts.Note,
			UpdateMessage: opts.UpdateMessage,
			Draft:         opts.Draft,
		}, taken)
		if err != nil {
			pubErr = err
			break
		}
		report.Results = append(report.Results, res)
		report.Warnings = append(report.Warnings, res.Warnings...)
		if res.NewMessage != "" {
			messages[i] = res.NewMessage
		}
		if res.Outcome == OutcomeCreated {
			req := res.Request
			corrs[i].Request = &req
			corrs[i].RequestID = req.ID
			corrs[i].State = model.StateCreated
		}
	}

	err = errors.Join(pubErr, s.rewrite(ctx, chain, messages))
	s.finish(ctx, opID, err)
	return report, err
}

// StackStatus is a read-only report of the chain.
type StackStatus struct {
	Trunk   string
	Entries []Correspondence
}

// Status reports every chain commit with its request state and drift. It
// works on a dirty checkout and changes nothing.
func (s *StackService) Status(ctx context.Context, cherryPick bool) (StackStatus, error) {
	status := StackStatus{Trunk: s.settings.Trunk}
	chain, err := s.walker.Walk(ctx, WalkOptions{ReadOnly: true})
	if err != nil {
		return status, err
	}
	if len(chain.Commits) == 0 {
		return status, nil
	}
	if err := s.refreshTrunk(ctx, chain); err != nil {
		return status, err
	}
	status.Entries, err = s.tracker.Track(ctx, chain, TrackOptions{CherryPick: cherryPick, CheckLandable: true})
	return status, err
}

// Land lands one request; see LandEngine.
func (s *StackService) Land(ctx context.Context, opts LandOptions) (LandResult, error) {
	opID := s.begin(ctx, model.OperationLand, model.LocalCommit{}, 0)
	res, err := s.lander.Land(ctx, opts)
	s.finish(ctx, opID, err)
	return res, err
}

// RewriteReport lists the chain positions whose message changed.
type RewriteReport struct {
	Rewritten []int
	Warnings  []string
}

// Amend pulls the remote title, description, reviewers and approvers into
// the local commit messages.
func (s *StackService) Amend(ctx context.Context, all bool) (RewriteReport, error) {
	var report RewriteReport
	chain, err := s.walker.Walk(ctx, WalkOptions{})
	if err != nil {
		return report, err
	}
	targets, err := s.targets(chain, all)
	if err != nil {
		return report, err
	}

	opID := s.begin(ctx, model.OperationAmend, chain.Commits[targets[len(targets)-1]], 0)
	messages := make(map[int]string)
	for _, i := range targets {
		lc := chain.Commits[i]
		corr, err := s.tracker.lookup(ctx, lc)
		if err != nil {
			s.finish(ctx, opID, err)
			return report, err
		}
		for _, d := range corr.Drift {
			report.Warnings = append(report.Warnings, d.Detail)
		}
		if corr.Request == nil {
			continue
		}
		req := corr.Request

		meta := message.ParseBody(req.Description)
		meta.Title = req.Title
		meta.Reviewers = lc.Meta.Reviewers
		if len(req.Reviewers) > 0 {
			meta.Reviewers = req.Reviewers
		}
		meta.ApprovedBy = req.Approval.ApprovedBy
		meta.ReviewRequestRef = lc.Meta.ReviewRequestRef

		if msg := message.Format(meta); msg != lc.Commit.Message {
			messages[i] = msg
			report.Rewritten = append(report.Rewritten, i)
		}
		if req.IsOpen() {
			s.agree(ctx, *req, meta)
		}
	}

	err = s.rewrite(ctx, chain, messages)
	s.finish(ctx, opID, err)
	return report, err
}

// agree records the pulled title and description as published so the next
// publish treats them as the common starting point.
func (s *StackService) agree(ctx context.Context, req model.ReviewRequest, meta model.CommitMetadata) {
	rec, err := s.store.LastPublished(ctx, req.ID)
	if err != nil {
		slog.Warn("failed to read publish record", "request", req.ID, "error", err)
		return
	}
	if rec == nil {
		rec = &model.PublishedRecord{RequestID: req.ID, HeadCommit: req.HeadCommit}
	}
	rec.Title = meta.Title
	rec.Description = message.RequestBody(meta)
	rec.PublishedAt = s.now().UTC()
	if err := s.store.RecordPublished(ctx, *rec); err != nil {
		slog.Warn("failed to record published state", "request", req.ID, "error", err)
	}
}

// Format rewrites local messages into canonical form and reports policy
// problems as warnings.
func (s *StackService) Format(ctx context.Context, all bool) (RewriteReport, error) {
	var report RewriteReport
	chain, err := s.walker.Walk(ctx, WalkOptions{})
	if err != nil {
		return report, err
	}
	targets, err := s.targets(chain, all)
	if err != nil {
		return report, err
	}

	messages := make(map[int]string)
	for _, i := range targets {
		lc := chain.Commits[i]
		if err := message.Validate(lc.Meta, s.settings.RequireTestPlan); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s %q: %v", lc.Commit.ID.Short(), lc.Meta.Title, err))
		}
		if msg := message.Format(lc.Meta); msg != lc.Commit.Message {
			messages[i] = msg
			report.Rewritten = append(report.Rewritten, i)
		}
	}
	if len(messages) == 0 {
		return report, nil
	}

	opID := s.begin(ctx, model.OperationFormat, chain.Commits[targets[len(targets)-1]], 0)
	err = s.rewrite(ctx, chain, messages)
	s.finish(ctx, opID, err)
	return report, err
}

// Close closes the requests of the selected commits, deletes their branches
// and removes the request link from the local messages.
func (s *StackService) Close(ctx context.Context, all bool) (RewriteReport, error) {
	var report RewriteReport
	chain, err := s.walker.Walk(ctx, WalkOptions{})
	if err != nil {
		return report, err
	}
	targets, err := s.targets(chain, all)
	if err != nil {
		return report, err
	}
	taken, err := s.repo.RemoteBranches(ctx)
	if err != nil {
		return report, fmt.Errorf("list remote branches: %w", err)
	}

	opID := s.begin(ctx, model.OperationClose, chain.Commits[targets[len(targets)-1]], 0)
	messages := make(map[int]string)
	var closeErr error
	for _, i := range targets {
		lc := chain.Commits[i]
		if !lc.Meta.HasRequest() {
			continue
		}
		corr, err := s.tracker.lookup(ctx, lc)
		if err != nil {
			closeErr = err
			break
		}
		if corr.State == model.StateLanded {
			report.Warnings = append(report.Warnings, fmt.Sprintf("request #%d already landed; left alone", corr.RequestID))
			continue
		}
		if req := corr.openRequest(); req != nil {
			closed := model.RequestClosed
			if err := s.platform.UpdateRequest(ctx, req.ID, driven.RequestUpdate{State: &closed}); err != nil {
				closeErr = fmt.Errorf("close request #%d: %w", req.ID, err)
				break
			}
			slog.Info("closed review request", "request", req.ID)
			for _, b := range []string{req.HeadRef, s.synth.obsolete(req.BaseRef)} {
				if b == "" {
					continue
				}
				if w := s.publisher.deleteBranch(ctx, b, taken); w != "" {
					report.Warnings = append(report.Warnings, w)
				}
			}
			if err := s.store.ForgetPublished(ctx, req.ID); err != nil {
				slog.Warn("failed to forget published state", "request", req.ID, "error", err)
			}
		}

		meta := lc.Meta
		meta.ReviewRequestRef = ""
		meta.ApprovedBy = nil
		messages[i] = message.Format(meta)
		report.Rewritten = append(report.Rewritten, i)
	}

	err = errors.Join(closeErr, s.rewrite(ctx, chain, messages))
	s.finish(ctx, opID, err)
	return report, err
}

// List returns the open requests authored by the current user.
func (s *StackService) List(ctx context.Context) ([]model.ReviewRequest, error) {
	reqs, err := s.platform.ListOpenRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	return reqs, nil
}

// Journal returns the most recent operations, newest first.
func (s *StackService) Journal(ctx context.Context, limit int) ([]model.Operation, error) {
	return s.store.RecentOperations(ctx, limit)
}

// Interrupted returns operations that never finished and marks them as
// interrupted so each is reported once. The remote is reconciled by the next
// publish; nothing is replayed.
func (s *StackService) Interrupted(ctx context.Context) ([]model.Operation, error) {
	ops, err := s.store.UnfinishedOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	for _, op := range ops {
		if err := s.store.FinishOperation(ctx, op.ID, errInterrupted); err != nil {
			return ops, fmt.Errorf("mark operation %s interrupted: %w", op.ID, err)
		}
	}
	return ops, nil
}

func (s *StackService) targets(chain *Chain, all bool) ([]int, error) {
	n := len(chain.Commits)
	if n == 0 {
		return nil, ErrNoCommits
	}
	if !all {
		return []int{n - 1}, nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out, nil
}

// refreshTrunk fetches trunk and points the chain at its current tip.
func (s *StackService) refreshTrunk(ctx context.Context, chain *Chain) error {
	if err := s.repo.Fetch(ctx, s.settings.Trunk); err != nil {
		return fmt.Errorf("fetch %s: %w", s.settings.Trunk, err)
	}
	tip, err := s.repo.ResolveRemote(ctx, s.settings.Trunk)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.settings.Trunk, err)
	}
	chain.TrunkTip = tip
	return nil
}

func (s *StackService) rewrite(ctx context.Context, chain *Chain, messages map[int]string) error {
	if len(messages) == 0 {
		return nil
	}
	if err := s.rewriter.Rewrite(ctx, chain, messages); err != nil {
		return fmt.Errorf("rewrite local commits: %w", err)
	}
	return nil
}

func (s *StackService) begin(ctx context.Context, kind model.OperationKind, lc model.LocalCommit, id model.RequestID) string {
	opID, err := s.store.StartOperation(ctx, model.Operation{
		Kind:      kind,
		CommitID:  lc.Commit.ID,
		RequestID: id,
		StartedAt: s.now().UTC(),
	})
	if err != nil {
		slog.Warn("failed to journal operation", "kind", kind, "error", err)
		return ""
	}
	return opID
}

func (s *StackService) finish(ctx context.Context, opID string, opErr error) {
	if opID == "" {
		return
	}
	if err := s.store.FinishOperation(ctx, opID, opErr); err != nil {
		slog.Warn("failed to finish journal entry", "operation", opID, "error", err)
	}
}
