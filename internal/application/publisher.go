package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ericfisherdev/stacksync/internal/domain/message"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// PublishOptions controls DiffPublisher.Publish.
type PublishOptions struct {
	CherryPick bool
	// Note is the message of incremental update commits. When empty the
	// prompter is asked.
	Note string
	// UpdateMessage pushes the local title and description even when the
	// remote copy was edited since the last publish.
	UpdateMessage bool
	Draft         bool
}

// PublishOutcome says what a publish did to one request.
type PublishOutcome int

const (
	OutcomeUpToDate PublishOutcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeMetadataUpdated
	OutcomeAlreadyLanded
)

func (o PublishOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeMetadataUpdated:
		return "metadata updated"
	case OutcomeAlreadyLanded:
		return "already landed"
	default:
		return "up to date"
	}
}

// PublishResult reports the effect of publishing one commit.
type PublishResult struct {
	Index   int
	Outcome PublishOutcome
	Request model.ReviewRequest
	// NewMessage is set when the local commit message must be rewritten,
	// i.e. a request was created and its link has to be recorded.
	NewMessage string
	Warnings   []string
}

// DiffPublisher creates and updates the review request of one commit.
type DiffPublisher struct {
	repo     driven.Repository
	platform driven.ReviewPlatform
	store    driven.SyncStore
	prompter driven.NotePrompter
	synth    *BaseSynthesizer
	settings Settings
	now      func() time.Time
}

// NewDiffPublisher creates a publisher. prompter may be nil, in which case an
// update without a note is aborted.
func NewDiffPublisher(repo driven.Repository, platform driven.ReviewPlatform, store driven.SyncStore,
	prompter driven.NotePrompter, synth *BaseSynthesizer, settings Settings) *DiffPublisher {
	return &DiffPublisher{
		repo:     repo,
		platform: platform,
		store:    store,
		prompter: prompter,
		synth:    synth,
		settings: settings,
		now:      time.Now,
	}
}

// Publish brings the request of chain commit i in line with the local commit.
// corrs must come from a Track of the same chain; taken holds the remote
// branch names and receives the branches this call creates.
func (p *DiffPublisher) Publish(ctx context.Context, chain *Chain, corrs []Correspondence, i int,
	opts PublishOptions, taken map[string]model.CommitID) (PublishResult, error) {
	lc := chain.Commits[i]
	corr := corrs[i]
	result := PublishResult{Index: i}

	if err := message.Validate(lc.Meta, p.settings.RequireTestPlan); err != nil {
		return result, fmt.Errorf("%s: %w", lc.Commit.ID.Short(), err)
	}
	if corr.State == model.StateLanded {
		result.Outcome = OutcomeAlreadyLanded
		result.Request = *corr.Request
		return result, nil
	}

	plan, err := p.synth.Plan(ctx, chain, corrs, i, opts.CherryPick, taken)
	if err != nil {
		return result, err
	}

	req := corr.openRequest()
	if req == nil {
		return p.create(ctx, lc, plan, opts, taken)
	}
	return p.update(ctx, lc, *req, plan, opts, taken)
}

func (p *DiffPublisher) create(ctx context.Context, lc model.LocalCommit, plan BasePlan,
	opts PublishOptions, taken map[string]model.CommitID) (PublishResult, error) {
	result := PublishResult{Index: lc.Index}
	headName := uniqueBranchName(headBranchName(p.settings.BranchPrefix, lc.Meta.Title), taken)

	head, err := p.repo.CreateCommit(ctx, driven.NewCommit{
		Tree:      plan.HeadTree,
		Parents:   []model.CommitID{plan.BaseParent},
		Message:   lc.Commit.Message,
		Author:    p.stamp(lc.Commit.Author),
		Committer: p.stamp(lc.Commit.Committer),
	})
	if err != nil {
		return result, fmt.Errorf("create head commit: %w", err)
	}

	specs := []driven.PushSpec{{Source: head, Branch: headName, Force: true}}
	if plan.Push != nil {
		specs = append(specs, *plan.Push)
	}
	if err := p.repo.Push(ctx, specs); err != nil {
		delete(taken, headName)
		return result, fmt.Errorf("push %s: %w", headName, err)
	}
	recordPushed(taken, specs)

	body := message.RequestBody(lc.Meta)
	req, err := p.platform.CreateRequest(ctx, driven.NewRequest{
		HeadRef:     headName,
		BaseRef:     plan.BaseRef,
		Title:       lc.Meta.Title,
		Description: body,
		Draft:       opts.Draft,
	})
	if err != nil {
		if delErr := p.repo.Push(ctx, []driven.PushSpec{{Branch: headName, Force: true, Lease: head}}); delErr != nil {
			slog.Warn("failed to delete orphaned head branch", "branch", headName, "error", delErr)
		} else {
			delete(taken, headName)
		}
		return result, fmt.Errorf("create request for %s: %w", lc.Commit.ID.Short(), err)
	}
	slog.Info("created review request", "request", req.ID, "head", headName, "base", plan.BaseRef)

	if len(lc.Meta.Reviewers) > 0 {
		if err := p.platform.AddReviewers(ctx, req.ID, lc.Meta.Reviewers); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("request #%d: could not add reviewers: %v", req.ID, err))
		} else {
			req.Reviewers = mergeNames(req.Reviewers, lc.Meta.Reviewers)
		}
	}

	meta := lc.Meta
	meta.ReviewRequestRef = req.URL
	result.NewMessage = message.Format(meta)
	result.Outcome = OutcomeCreated
	result.Request = req

	p.record(ctx, model.PublishedRecord{
		RequestID:   req.ID,
		Title:       lc.Meta.Title,
		Description: body,
		HeadCommit:  head,
		BaseCommit:  plan.BaseParent,
		Tree:        plan.HeadTree,
	})
	return result, nil
}

func (p *DiffPublisher) update(ctx context.Context, lc model.LocalCommit, req model.ReviewRequest, plan BasePlan,
	opts PublishOptions, taken map[string]model.CommitID) (PublishResult, error) {
	result := PublishResult{Index: lc.Index}

	prHead, err := p.repo.ResolveRemote(ctx, req.HeadRef)
	if err != nil {
		return result, fmt.Errorf("request #%d head: %w", req.ID, err)
	}
	prCommit, err := p.repo.ReadCommit(ctx, prHead)
	if err != nil {
		return result, fmt.Errorf("request #%d head: %w", req.ID, err)
	}
	baseMerged, err := p.repo.IsAncestor(ctx, plan.BaseParent, prHead)
	if err != nil {
		return result, fmt.Errorf("request #%d base: %w", req.ID, err)
	}

	treeChanged := prCommit.Tree != plan.HeadTree
	needCommit := treeChanged || !baseMerged
	retarget := req.BaseRef != plan.BaseRef

	body := message.RequestBody(lc.Meta)
	rec, err := p.store.LastPublished(ctx, req.ID)
	if err != nil {
		slog.Warn("failed to read publish record", "request", req.ID, "error", err)
		rec = nil
	}
	pushMessage := false
	if !req.SameMessage(lc.Meta.Title, body) {
		switch {
		case opts.UpdateMessage:
			pushMessage = true
		case rec != nil && !sameRecorded(rec, lc.Meta.Title, body) && req.SameMessage(rec.Title, rec.Description):
			pushMessage = true
		default:
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"request #%d: title or description were edited on the platform; run amend to pull them or diff --update-message to overwrite",
				req.ID))
		}
	}

	newReviewers := missingNames(lc.Meta.Reviewers, append(slices.Clone(req.Reviewers), req.Approval.ApprovedBy...))

	if !needCommit && !retarget && !pushMessage && len(newReviewers) == 0 && plan.Obsolete == "" {
		result.Outcome = OutcomeUpToDate
		result.Request = req
		return result, nil
	}

	head := prHead
	if needCommit {
		note, err := p.note(ctx, req, lc, opts, treeChanged, plan.BaseRef)
		if err != nil {
			return result, err
		}
		parents := []model.CommitID{prHead}
		if !baseMerged {
			parents = append(parents, plan.BaseParent)
		}
		head, err = p.repo.CreateCommit(ctx, driven.NewCommit{
			Tree:      plan.HeadTree,
			Parents:   parents,
			Message:   note,
			Author:    p.stamp(lc.Commit.Author),
			Committer: p.stamp(lc.Commit.Committer),
		})
		if err != nil {
			return result, fmt.Errorf("create update commit: %w", err)
		}
	}

	var specs []driven.PushSpec
	if head != prHead {
		specs = append(specs, driven.PushSpec{Source: head, Branch: req.HeadRef})
	}
	if plan.Push != nil {
		specs = append(specs, *plan.Push)
	}
	if len(specs) > 0 {
		if err := p.repo.Push(ctx, specs); err != nil {
			return result, fmt.Errorf("push request #%d: %w", req.ID, err)
		}
		recordPushed(taken, specs)
	}

	var upd driven.RequestUpdate
	if retarget {
		upd.BaseRef = &plan.BaseRef
	}
	if pushMessage {
		upd.Title = &lc.Meta.Title
		upd.Description = &body
	}
	if !upd.IsEmpty() {
		if err := p.platform.UpdateRequest(ctx, req.ID, upd); err != nil {
			return result, fmt.Errorf("update request #%d: %w", req.ID, err)
		}
		if retarget {
			req.BaseRef = plan.BaseRef
		}
		if pushMessage {
			req.Title = lc.Meta.Title
			req.Description = body
		}
	}

	if len(newReviewers) > 0 {
		if err := p.platform.AddReviewers(ctx, req.ID, newReviewers); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("request #%d: could not add reviewers: %v", req.ID, err))
		} else {
			req.Reviewers = mergeNames(req.Reviewers, newReviewers)
		}
	}

	if plan.Obsolete != "" {
		if w := p.deleteBranch(ctx, plan.Obsolete, taken); w != "" {
			result.Warnings = append(result.Warnings, w)
		}
	}

	recTitle, recBody := lc.Meta.Title, body
	if !pushMessage && !req.SameMessage(lc.Meta.Title, body) && rec != nil {
		recTitle, recBody = rec.Title, rec.Description
	}
	p.record(ctx, model.PublishedRecord{
		RequestID:   req.ID,
		Title:       recTitle,
		Description: recBody,
		HeadCommit:  head,
		BaseCommit:  plan.BaseParent,
		Tree:        plan.HeadTree,
	})

	req.HeadCommit = head
	result.Request = req
	if needCommit {
		result.Outcome = OutcomeUpdated
	} else {
		result.Outcome = OutcomeMetadataUpdated
	}
	slog.Info("updated review request", "request", req.ID, "outcome", result.Outcome.String(), "head", head.Short())
	return result, nil
}

// note returns the message of an incremental update commit.
func (p *DiffPublisher) note(ctx context.Context, req model.ReviewRequest, lc model.LocalCommit,
	opts PublishOptions, treeChanged bool, base string) (string, error) {
	note := strings.TrimSpace(opts.Note)
	if note == "" && !treeChanged {
		return fmt.Sprintf("Merge %s into %s", base, req.HeadRef), nil
	}
	if note == "" && p.prompter != nil {
		answer, err := p.prompter.PromptUpdateNote(ctx, req, lc)
		if err != nil {
			return "", fmt.Errorf("prompt update note: %w", err)
		}
		note = strings.TrimSpace(answer)
	}
	if note == "" {
		return "", ErrAborted
	}
	return note, nil
}

// deleteBranch removes a remote branch with a lease on its known tip and
// returns a warning on failure.
func (p *DiffPublisher) deleteBranch(ctx context.Context, branch string, taken map[string]model.CommitID) string {
	tip, ok := taken[branch]
	if !ok || tip == "" {
		return ""
	}
	if err := p.repo.Push(ctx, []driven.PushSpec{{Branch: branch, Force: true, Lease: tip}}); err != nil {
		return fmt.Sprintf("could not delete branch %s: %v", branch, err)
	}
	delete(taken, branch)
	slog.Info("deleted branch", "branch", branch)
	return ""
}

func (p *DiffPublisher) record(ctx context.Context, rec model.PublishedRecord) {
	rec.PublishedAt = p.now().UTC()
	if err := p.store.RecordPublished(ctx, rec); err != nil {
		slog.Warn("failed to record published state", "request", rec.RequestID, "error", err)
	}
}

func (p *DiffPublisher) stamp(sig model.Signature) model.Signature {
	sig.When = p.now()
	return sig
}

func sameRecorded(rec *model.PublishedRecord, title, description string) bool {
	r := model.ReviewRequest{Title: rec.Title, Description: rec.Description}
	return r.SameMessage(title, description)
}

func recordPushed(taken map[string]model.CommitID, specs []driven.PushSpec) {
	for _, s := range specs {
		if s.Source == "" {
			delete(taken, s.Branch)
			continue
		}
		taken[s.Branch] = s.Source
	}
}

// missingNames returns the names of want not present in have, ignoring case.
func missingNames(want, have []string) []string {
	var out []string
	for _, w := range want {
		if !slices.ContainsFunc(have, func(h string) bool { return strings.EqualFold(h, w) }) {
			out = append(out, w)
		}
	}
	return out
}

func mergeNames(have, add []string) []string {
	return append(slices.Clone(have), missingNames(add, have)...)
}
