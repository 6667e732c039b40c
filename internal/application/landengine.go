package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/stacksync/internal/domain/message"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// LandOptions controls LandEngine.Land.
type LandOptions struct {
	CherryPick bool
	// Revision selects the chain commit to land; empty lands the oldest.
	Revision string
}

// LandResult reports a completed land.
type LandResult struct {
	Request  model.ReviewRequest
	TrunkTip model.CommitID
	// Rebased is true when the local branch was moved onto the new trunk.
	Rebased     bool
	Republished []PublishResult
	Warnings    []string
}

// LandEngine squash-merges one verified request into trunk and brings the
// rest of the local stack along.
type LandEngine struct {
	repo      driven.Repository
	platform  driven.ReviewPlatform
	store     driven.SyncStore
	walker    *HistoryWalker
	tracker   *CorrespondenceTracker
	publisher *DiffPublisher
	settings  Settings
}

// NewLandEngine creates a land engine.
func NewLandEngine(repo driven.Repository, platform driven.ReviewPlatform, store driven.SyncStore,
	walker *HistoryWalker, tracker *CorrespondenceTracker, publisher *DiffPublisher, settings Settings) *LandEngine {
	return &LandEngine{
		repo:      repo,
		platform:  platform,
		store:     store,
		walker:    walker,
		tracker:   tracker,
		publisher: publisher,
		settings:  settings,
	}
}

// landing is the verified state of a land in progress.
type landing struct {
	chain      *Chain
	corrs      []Correspondence
	index      int
	req        model.ReviewRequest
	prHead     model.CommitID
	mergeHead  model.CommitID
	retargeted bool
}

// Land verifies that merging the request yields exactly the local commit on
// top of trunk, merges it, then rebases and republishes the remaining stack.
// Every check runs before the first remote mutation.
func (e *LandEngine) Land(ctx context.Context, opts LandOptions) (LandResult, error) {
	var result LandResult

	l, err := e.prepare(ctx, opts)
	if err != nil {
		return result, err
	}

	if err := e.retarget(ctx, l); err != nil {
		e.rollback(ctx, l)
		return result, err
	}

	lc := l.chain.Commits[l.index]
	meta := message.ParseBody(l.req.Description)
	meta.Title = l.req.Title
	meta.Reviewers = lc.Meta.Reviewers
	meta.ApprovedBy = l.req.Approval.ApprovedBy
	meta.ReviewRequestRef = l.req.URL

	tip, err := e.platform.MergeRequest(ctx, l.req.ID, driven.MergeSpec{
		Title:        l.req.Title,
		Message:      message.LandingMessage(meta),
		ExpectedHead: l.mergeHead,
	})
	if err != nil {
		e.rollback(ctx, l)
		return result, fmt.Errorf("merge request #%d: %w", l.req.ID, err)
	}
	slog.Info("landed review request", "request", l.req.ID, "trunk", tip.Short())

	l.req.State = model.RequestMerged
	l.req.MergeCommit = tip
	result.Request = l.req
	result.TrunkTip = tip

	e.afterLand(ctx, l, opts, &result)
	return result, nil
}

// prepare runs every gate of a land and performs no remote mutation except
// the final rebase commit in cherry-pick mode.
func (e *LandEngine) prepare(ctx context.Context, opts LandOptions) (*landing, error) {
	chain, err := e.walker.Walk(ctx, WalkOptions{})
	if err != nil {
		return nil, err
	}
	if len(chain.Commits) == 0 {
		return nil, ErrNoCommits
	}

	i := 0
	if opts.Revision != "" {
		id, err := e.repo.ResolveRef(ctx, opts.Revision)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", opts.Revision, err)
		}
		var ok bool
		if i, ok = chain.Find(id); !ok {
			return nil, fmt.Errorf("commit %s is not between %s and HEAD", id.Short(), e.settings.Trunk)
		}
	}

	lc := chain.Commits[i]
	if err := message.Validate(lc.Meta, e.settings.RequireTestPlan); err != nil {
		return nil, fmt.Errorf("%s: %w", lc.Commit.ID.Short(), err)
	}
	if !lc.Meta.HasRequest() {
		return nil, fmt.Errorf("%s %q: %w", lc.Commit.ID.Short(), lc.Meta.Title, ErrNotPublished)
	}
	if !opts.CherryPick && i > 0 {
		return nil, fmt.Errorf("%s %q: %w", lc.Commit.ID.Short(), lc.Meta.Title, ErrParentNotLanded)
	}

	if err := e.repo.Fetch(ctx, e.settings.Trunk); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", e.settings.Trunk, err)
	}
	if chain.TrunkTip, err = e.repo.ResolveRemote(ctx, e.settings.Trunk); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", e.settings.Trunk, err)
	}

	corrs, err := e.tracker.Track(ctx, chain, TrackOptions{CherryPick: opts.CherryPick})
	if err != nil {
		return nil, err
	}
	corr := corrs[i]
	switch {
	case corr.State == model.StateLanded:
		return nil, fmt.Errorf("request #%d: %w", corr.RequestID, ErrAlreadyLanded)
	case corr.openRequest() == nil:
		return nil, fmt.Errorf("request %s: %w", lc.Meta.ReviewRequestRef, ErrRequestClosed)
	}
	req := *corr.Request
	if corr.State == model.StateNeedsUpdate {
		return nil, &TreeMismatchError{Request: req.ID, Merged: corr.PublishedTree, Local: lc.Commit.Tree, Unpublished: true}
	}
	if !e.settings.approved(req) {
		return nil, fmt.Errorf("request #%d (%s, %d approvals): %w",
			req.ID, req.Approval.Decision, len(req.Approval.ApprovedBy), ErrNotApproved)
	}

	prHead, err := e.repo.ResolveRemote(ctx, req.HeadRef)
	if err != nil {
		return nil, fmt.Errorf("request #%d head: %w", req.ID, err)
	}
	l := &landing{chain: chain, corrs: corrs, index: i, req: req, prHead: prHead, mergeHead: prHead}

	localTree, err := e.repo.CherryPick(ctx, lc.Commit.ID, chain.TrunkTip)
	if errors.Is(err, driven.ErrMergeConflict) {
		return nil, fmt.Errorf("%s %q: %w", lc.Commit.ID.Short(), lc.Meta.Title, ErrCherryPickConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("cherry-pick %s: %w", lc.Commit.ID.Short(), err)
	}

	if opts.CherryPick {
		if err := e.verifyCherryPick(ctx, l, localTree); err != nil {
			return nil, err
		}
		return l, nil
	}

	merged, err := e.repo.MergeTrees(ctx, chain.TrunkTip, prHead)
	if errors.Is(err, driven.ErrMergeConflict) {
		return nil, &TreeMismatchError{Request: req.ID, Local: localTree}
	}
	if err != nil {
		return nil, fmt.Errorf("merge request #%d into %s: %w", req.ID, e.settings.Trunk, err)
	}
	if merged != localTree {
		return nil, &TreeMismatchError{Request: req.ID, Merged: merged, Local: localTree}
	}
	return l, nil
}

// verifyCherryPick checks that the request still holds the published change
// and, when trunk moved underneath it, pushes a final commit whose squash
// yields exactly localTree.
func (e *LandEngine) verifyCherryPick(ctx context.Context, l *landing, localTree model.TreeID) error {
	lc := l.chain.Commits[l.index]
	trunkTip := l.chain.TrunkTip

	mb, err := e.repo.MergeBase(ctx, l.prHead, trunkTip)
	if err != nil {
		return fmt.Errorf("request #%d merge base: %w", l.req.ID, err)
	}
	head, err := e.repo.ReadCommit(ctx, l.prHead)
	if err != nil {
		return fmt.Errorf("request #%d head: %w", l.req.ID, err)
	}
	expected, err := e.repo.CherryPick(ctx, lc.Commit.ID, mb)
	if err != nil && !errors.Is(err, driven.ErrMergeConflict) {
		return fmt.Errorf("cherry-pick %s: %w", lc.Commit.ID.Short(), err)
	}
	if err != nil || expected != head.Tree {
		return &TreeMismatchError{Request: l.req.ID, Merged: head.Tree, Local: expected}
	}

	merged, err := e.repo.MergeTrees(ctx, trunkTip, l.prHead)
	if err != nil && !errors.Is(err, driven.ErrMergeConflict) {
		return fmt.Errorf("merge request #%d into %s: %w", l.req.ID, e.settings.Trunk, err)
	}
	if err == nil && merged == localTree {
		return nil
	}

	sig := lc.Commit.Committer
	sig.When = e.publisher.now()
	final, err := e.repo.CreateCommit(ctx, driven.NewCommit{
		Tree:      localTree,
		Parents:   []model.CommitID{l.prHead, trunkTip},
		Message:   fmt.Sprintf("Rebase onto %s", e.settings.Trunk),
		Author:    sig,
		Committer: sig,
	})
	if err != nil {
		return fmt.Errorf("create rebase commit: %w", err)
	}
	if err := e.repo.Push(ctx, []driven.PushSpec{{Source: final, Branch: l.req.HeadRef}}); err != nil {
		return fmt.Errorf("push rebase commit to %s: %w", l.req.HeadRef, err)
	}
	l.mergeHead = final
	return nil
}

func (e *LandEngine) retarget(ctx context.Context, l *landing) error {
	if l.req.BaseRef == e.settings.Trunk {
		return nil
	}
	trunk := e.settings.Trunk
	if err := e.platform.UpdateRequest(ctx, l.req.ID, driven.RequestUpdate{BaseRef: &trunk}); err != nil {
		return fmt.Errorf("retarget request #%d to %s: %w", l.req.ID, trunk, err)
	}
	l.retargeted = true
	return nil
}

// rollback undoes the reversible preparations of a failed merge.
func (e *LandEngine) rollback(ctx context.Context, l *landing) {
	if l.retargeted {
		base := l.req.BaseRef
		if err := e.platform.UpdateRequest(ctx, l.req.ID, driven.RequestUpdate{BaseRef: &base}); err != nil {
			slog.Warn("failed to restore request base", "request", l.req.ID, "base", base, "error", err)
		}
	}
	if l.mergeHead != l.prHead {
		spec := driven.PushSpec{Source: l.prHead, Branch: l.req.HeadRef, Force: true, Lease: l.mergeHead}
		if err := e.repo.Push(ctx, []driven.PushSpec{spec}); err != nil {
			slog.Warn("failed to restore request head", "request", l.req.ID, "head", l.prHead.Short(), "error", err)
		}
	}
}

// afterLand runs the local follow-ups of a successful merge. Failures here
// are warnings: the land itself already happened.
func (e *LandEngine) afterLand(ctx context.Context, l *landing, opts LandOptions, result *LandResult) {
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		slog.Warn(msg)
		result.Warnings = append(result.Warnings, msg)
	}

	if err := e.repo.Fetch(ctx, e.settings.Trunk); err != nil {
		warn("fetch %s after landing: %v", e.settings.Trunk, err)
		return
	}
	newTip, err := e.repo.ResolveRemote(ctx, e.settings.Trunk)
	if err != nil {
		warn("resolve %s after landing: %v", e.settings.Trunk, err)
		return
	}
	result.TrunkTip = newTip

	if err := e.fastForwardTrunk(ctx, newTip); err != nil {
		warn("local %s not updated: %v", e.settings.Trunk, err)
	}

	if err := e.rebaseRest(ctx, l, newTip); err != nil {
		warn("request #%d landed but the rest of the stack was not rebased: %v", l.req.ID, err)
		return
	}
	result.Rebased = true

	taken, err := e.repo.RemoteBranches(ctx)
	if err != nil {
		warn("list remote branches: %v", err)
		taken = map[string]model.CommitID{}
	}
	for _, b := range []string{l.req.HeadRef, e.publisher.synth.obsolete(l.req.BaseRef)} {
		if b == "" {
			continue
		}
		if w := e.publisher.deleteBranch(ctx, b, taken); w != "" {
			warn("%s", w)
		}
	}
	if err := e.store.ForgetPublished(ctx, l.req.ID); err != nil {
		slog.Warn("failed to forget published state", "request", l.req.ID, "error", err)
	}

	e.republish(ctx, l, opts, taken, result)
}

// fastForwardTrunk moves the local trunk branch when that loses nothing.
func (e *LandEngine) fastForwardTrunk(ctx context.Context, newTip model.CommitID) error {
	ref := "refs/heads/" + e.settings.Trunk
	local, err := e.repo.ResolveRef(ctx, ref)
	if errors.Is(err, driven.ErrRefNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	current, err := e.repo.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current == e.settings.Trunk {
		return fmt.Errorf("%s is checked out", e.settings.Trunk)
	}
	ff, err := e.repo.IsAncestor(ctx, local, newTip)
	if err != nil {
		return err
	}
	if !ff {
		return fmt.Errorf("%s has local commits", e.settings.Trunk)
	}
	return e.repo.UpdateRef(ctx, ref, newTip, local)
}

// rebaseRest replays every other chain commit onto the new trunk and moves
// the checked-out branch there. Commits that become empty are dropped.
func (e *LandEngine) rebaseRest(ctx context.Context, l *landing, newTip model.CommitID) error {
	onto := newTip
	ontoCommit, err := e.repo.ReadCommit(ctx, onto)
	if err != nil {
		return err
	}
	for j, lc := range l.chain.Commits {
		if j == l.index {
			continue
		}
		tree, err := e.repo.CherryPick(ctx, lc.Commit.ID, onto)
		if errors.Is(err, driven.ErrMergeConflict) {
			return fmt.Errorf("%s %q: %w", lc.Commit.ID.Short(), lc.Meta.Title, ErrCherryPickConflict)
		}
		if err != nil {
			return err
		}
		if tree == ontoCommit.Tree {
			slog.Info("dropping commit that became empty", "commit", lc.Commit.ID.Short())
			continue
		}
		id, err := e.repo.CreateCommit(ctx, driven.NewCommit{
			Tree:      tree,
			Parents:   []model.CommitID{onto},
			Message:   lc.Commit.Message,
			Author:    lc.Commit.Author,
			Committer: lc.Commit.Committer,
		})
		if err != nil {
			return err
		}
		onto = id
		ontoCommit = model.Commit{ID: id, Tree: tree}
	}
	return e.repo.ResetTo(ctx, onto)
}

// republish refreshes the dependents that were up to date before the land so
// their requests follow the rebased stack. Dependents with unpublished local
// changes are only moved off bases the land made obsolete; their new content
// waits for the next diff, which needs an update note.
func (e *LandEngine) republish(ctx context.Context, l *landing, opts LandOptions, taken map[string]model.CommitID, result *LandResult) {
	if len(l.chain.Commits) < 2 {
		return
	}
	wasCurrent := make(map[string]bool)
	for j, c := range l.corrs {
		if j != l.index && c.State == model.StateCreated {
			wasCurrent[c.Local.Meta.ReviewRequestRef] = true
		}
	}

	chain, err := e.walker.Walk(ctx, WalkOptions{})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("re-read stack: %v", err))
		return
	}
	corrs, err := e.tracker.Track(ctx, chain, TrackOptions{CherryPick: opts.CherryPick})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("re-read stack: %v", err))
		return
	}

	note := fmt.Sprintf("Rebase onto %s after landing #%d", e.settings.Trunk, l.req.ID)
	for j, c := range corrs {
		if !wasCurrent[c.Local.Meta.ReviewRequestRef] {
			e.retargetStale(ctx, corrs, j, opts.CherryPick, taken, result)
			continue
		}
		res, err := e.publisher.Publish(ctx, chain, corrs, j, PublishOptions{CherryPick: opts.CherryPick, Note: note}, taken)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("republish %s: %v", c.Local.Commit.ID.Short(), err))
			continue
		}
		if res.Request.ID != 0 {
			corrs[j].Request = &res.Request
		}
		result.Warnings = append(result.Warnings, res.Warnings...)
		result.Republished = append(result.Republished, res)
	}
}

// retargetStale points a dependent that was not republished at trunk once
// it no longer needs a synthetic base, and deletes that base.
func (e *LandEngine) retargetStale(ctx context.Context, corrs []Correspondence, j int, cherryPick bool, taken map[string]model.CommitID, result *LandResult) {
	req := corrs[j].openRequest()
	if req == nil || req.BaseRef == e.settings.Trunk {
		return
	}
	if !cherryPick && j > 0 && !ancestorsLanded(corrs[:j]) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"request #%d still targets %s; run diff to rebuild its base", req.ID, req.BaseRef))
		return
	}

	trunk := e.settings.Trunk
	if err := e.platform.UpdateRequest(ctx, req.ID, driven.RequestUpdate{BaseRef: &trunk}); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"request #%d still targets %s: %v; run diff to retarget it", req.ID, req.BaseRef, err))
		return
	}
	slog.Info("retargeted review request", "request", req.ID, "base", trunk)
	if obsolete := e.publisher.synth.obsolete(req.BaseRef); obsolete != "" {
		if w := e.publisher.deleteBranch(ctx, obsolete, taken); w != "" {
			result.Warnings = append(result.Warnings, w)
		}
	}
	req.BaseRef = trunk
	result.Warnings = append(result.Warnings, fmt.Sprintf(
		"request #%d now targets %s but has unpublished local changes; run diff to update it", req.ID, trunk))
}
