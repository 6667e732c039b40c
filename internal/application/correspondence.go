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

// Correspondence pairs a local commit with its live review request.
type Correspondence struct {
	Local     model.LocalCommit
	RequestID model.RequestID
	// Request is nil when the commit is untracked or its reference is unusable.
	Request *model.ReviewRequest
	State   model.PullRequestState
	// PublishedTree is the tree of the request head; empty when not open.
	PublishedTree model.TreeID
	Drift         []model.Drift
}

// HasDrift reports whether a drift of the given kind was detected.
func (c Correspondence) HasDrift(kind model.DriftKind) bool {
	for _, d := range c.Drift {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func (c Correspondence) openRequest() *model.ReviewRequest {
	if c.Request == nil || !c.Request.IsOpen() {
		return nil
	}
	return c.Request
}

// TrackOptions controls CorrespondenceTracker.Track.
type TrackOptions struct {
	CherryPick bool
	// CheckLandable runs the land-time equivalence check for approved
	// requests so they can be reported as ReadyToLand.
	CheckLandable bool
}

// CorrespondenceTracker derives each commit's PullRequestState from its
// metadata and the live platform state. It keeps nothing between runs.
type CorrespondenceTracker struct {
	repo     driven.Repository
	platform driven.ReviewPlatform
	settings Settings
}

// NewCorrespondenceTracker creates a tracker.
func NewCorrespondenceTracker(repo driven.Repository, platform driven.ReviewPlatform, settings Settings) *CorrespondenceTracker {
	return &CorrespondenceTracker{repo: repo, platform: platform, settings: settings}
}

// Track reconciles every commit of the chain, oldest first.
func (t *CorrespondenceTracker) Track(ctx context.Context, chain *Chain, opts TrackOptions) ([]Correspondence, error) {
	out := make([]Correspondence, len(chain.Commits))
	var fetch []string
	seen := make(map[string]bool)

	for i, lc := range chain.Commits {
		corr, err := t.lookup(ctx, lc)
		if err != nil {
			return nil, err
		}
		out[i] = corr
		if req := corr.openRequest(); req != nil {
			for _, b := range []string{req.HeadRef, req.BaseRef} {
				if !seen[b] {
					seen[b] = true
					fetch = append(fetch, b)
				}
			}
		}
	}

	if len(fetch) > 0 {
		if err := t.repo.Fetch(ctx, fetch...); err != nil {
			return nil, fmt.Errorf("fetch review branches: %w", err)
		}
	}

	for i := range out {
		if out[i].openRequest() == nil {
			continue
		}
		if err := t.compare(ctx, chain, out[:i], i, &out[i], opts); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// lookup resolves the request referenced by a commit without touching git.
func (t *CorrespondenceTracker) lookup(ctx context.Context, lc model.LocalCommit) (Correspondence, error) {
	corr := Correspondence{Local: lc, State: model.StateUntracked}
	ref := lc.Meta.ReviewRequestRef
	if ref == "" {
		return corr, nil
	}

	id, ok := t.platform.ParseRequestRef(ref)
	if !ok {
		corr.Drift = append(corr.Drift, model.Drift{
			Kind:   model.DriftRemoteClosed,
			Detail: fmt.Sprintf("Pull Request reference %q does not belong to this repository", ref),
			Local:  ref,
		})
		return corr, nil
	}
	corr.RequestID = id

	req, err := t.platform.GetRequest(ctx, id)
	if errors.Is(err, driven.ErrRequestNotFound) {
		corr.Drift = append(corr.Drift, model.Drift{
			Kind:   model.DriftRemoteClosed,
			Detail: fmt.Sprintf("request #%d no longer exists; it will be recreated on the next publish", id),
		})
		return corr, nil
	}
	if err != nil {
		return corr, fmt.Errorf("get request #%d: %w", id, err)
	}
	corr.Request = &req

	switch req.State {
	case model.RequestMerged:
		corr.State = model.StateLanded
	case model.RequestClosed:
		corr.Drift = append(corr.Drift, model.Drift{
			Kind:   model.DriftRemoteClosed,
			Detail: fmt.Sprintf("request #%d was closed; it will be recreated on the next publish", id),
		})
	}
	return corr, nil
}

// compare expects the same head tree the publisher would plan: the local
// tree, or a cherry-pick when every ancestor has landed.
func (t *CorrespondenceTracker) compare(ctx context.Context, chain *Chain, ancestors []Correspondence, i int, corr *Correspondence, opts TrackOptions) error {
	req := corr.Request
	local := corr.Local

	prHead, err := t.repo.ResolveRemote(ctx, req.HeadRef)
	if err != nil {
		return fmt.Errorf("request #%d head: %w", req.ID, err)
	}
	head, err := t.repo.ReadCommit(ctx, prHead)
	if err != nil {
		return fmt.Errorf("request #%d head: %w", req.ID, err)
	}
	corr.PublishedTree = head.Tree

	baseTip, err := t.repo.ResolveRemote(ctx, req.BaseRef)
	if err != nil {
		return fmt.Errorf("request #%d base: %w", req.ID, err)
	}
	mergeBase, err := t.repo.MergeBase(ctx, prHead, baseTip)
	if err != nil {
		return fmt.Errorf("request #%d merge base: %w", req.ID, err)
	}

	onTrunk := i > 0 && ancestorsLanded(ancestors)
	expected := local.Commit.Tree
	if opts.CherryPick || onTrunk {
		onto := mergeBase
		if onTrunk && !opts.CherryPick {
			onto = chain.TrunkTip
		}
		expected, err = t.repo.CherryPick(ctx, local.Commit.ID, onto)
		if errors.Is(err, driven.ErrMergeConflict) {
			expected = ""
		} else if err != nil {
			return fmt.Errorf("cherry-pick %s: %w", local.Commit.ID.Short(), err)
		}
	}
	if expected != "" && expected == head.Tree {
		corr.State = model.StateCreated
	} else {
		corr.State = model.StateNeedsUpdate
	}

	if !req.SameMessage(local.Meta.Title, message.RequestBody(local.Meta)) {
		corr.Drift = append(corr.Drift, model.Drift{
			Kind:   model.DriftMessage,
			Detail: fmt.Sprintf("title or description of request #%d differ from the local commit", req.ID),
			Local:  local.Meta.Title,
			Remote: req.Title,
		})
	}

	if !opts.CherryPick {
		if err := t.checkBase(ctx, i, onTrunk, corr, mergeBase); err != nil {
			return err
		}
	}

	if opts.CheckLandable && corr.State == model.StateCreated && t.settings.approved(*req) {
		ok, err := t.landable(ctx, chain, local, prHead, opts.CherryPick)
		if err != nil {
			return err
		}
		if ok {
			corr.State = model.StateReadyToLand
		}
	}
	return nil
}

// checkBase flags requests whose diff base no longer equals the local parent.
func (t *CorrespondenceTracker) checkBase(ctx context.Context, i int, onTrunk bool, corr *Correspondence, mergeBase model.CommitID) error {
	if onTrunk {
		if corr.Request.BaseRef != t.settings.Trunk {
			corr.Drift = append(corr.Drift, model.Drift{
				Kind:   model.DriftBase,
				Detail: fmt.Sprintf("request #%d targets %s but its ancestors have landed", corr.Request.ID, corr.Request.BaseRef),
			})
		}
		return nil
	}

	mb, err := t.repo.ReadCommit(ctx, mergeBase)
	if err != nil {
		return fmt.Errorf("read merge base: %w", err)
	}
	parent, err := t.repo.ReadCommit(ctx, corr.Local.Commit.Parent())
	if err != nil {
		return fmt.Errorf("read parent of %s: %w", corr.Local.Commit.ID.Short(), err)
	}

	wantTrunk := i == 0
	targetsTrunk := corr.Request.BaseRef == t.settings.Trunk
	switch {
	case mb.Tree != parent.Tree:
		corr.Drift = append(corr.Drift, model.Drift{
			Kind:   model.DriftBase,
			Detail: fmt.Sprintf("request #%d is diffed against %s, which no longer matches the local parent", corr.Request.ID, corr.Request.BaseRef),
			Local:  string(parent.Tree),
			Remote: string(mb.Tree),
		})
	case wantTrunk != targetsTrunk:
		corr.Drift = append(corr.Drift, model.Drift{
			Kind:   model.DriftBase,
			Detail: fmt.Sprintf("request #%d targets %s but its ancestors call for a different base", corr.Request.ID, corr.Request.BaseRef),
		})
	}
	return nil
}

// landable runs the land-time equivalence check without side effects.
func (t *CorrespondenceTracker) landable(ctx context.Context, chain *Chain, local model.LocalCommit, prHead model.CommitID, cherryPick bool) (bool, error) {
	if !cherryPick {
		onTrunk, err := t.repo.IsAncestor(ctx, local.Commit.Parent(), chain.TrunkTip)
		if err != nil || !onTrunk {
			return false, err
		}
	}
	localTree, err := t.repo.CherryPick(ctx, local.Commit.ID, chain.TrunkTip)
	if errors.Is(err, driven.ErrMergeConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cherryPick {
		// A final rebase commit is synthesized at land time, so applying
		// cleanly is enough.
		return true, nil
	}
	merged, err := t.repo.MergeTrees(ctx, chain.TrunkTip, prHead)
	if errors.Is(err, driven.ErrMergeConflict) {
		slog.Debug("request does not merge cleanly", "head", prHead.Short())
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return merged == localTree, nil
}
