package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// BasePlan says what a request's head should be diffed against.
type BasePlan struct {
	// BaseRef is the remote branch the request targets.
	BaseRef string
	// BaseParent is the commit a new head commit must have as parent so that
	// merge-base(head, BaseRef) yields exactly the local change.
	BaseParent model.CommitID
	// HeadTree is the tree the request head must have.
	HeadTree  model.TreeID
	Synthetic bool
	// Push, when set, updates the synthetic base and must go out in the same
	// atomic push as the head.
	Push *driven.PushSpec
	// Obsolete names a synthetic base the request no longer needs.
	Obsolete string
}

// BaseSynthesizer chooses or builds the base branch of each request.
type BaseSynthesizer struct {
	repo     driven.Repository
	settings Settings
	now      func() time.Time
}

// NewBaseSynthesizer creates a synthesizer.
func NewBaseSynthesizer(repo driven.Repository, settings Settings) *BaseSynthesizer {
	return &BaseSynthesizer{repo: repo, settings: settings, now: time.Now}
}

// Plan decides the base of chain commit i. taken maps remote branch names to
// their tips and reserves any new synthetic branch name.
func (s *BaseSynthesizer) Plan(ctx context.Context, chain *Chain, corrs []Correspondence, i int, cherryPick bool, taken map[string]model.CommitID) (BasePlan, error) {
	lc := chain.Commits[i]
	var current string
	if req := corrs[i].openRequest(); req != nil && req.BaseRef != s.settings.Trunk {
		current = req.BaseRef
	}

	if cherryPick || (i > 0 && ancestorsLanded(corrs[:i])) {
		tree, err := s.repo.CherryPick(ctx, lc.Commit.ID, chain.TrunkTip)
		if err != nil {
			if errors.Is(err, driven.ErrMergeConflict) {
				return BasePlan{}, fmt.Errorf("%s %q: %w", lc.Commit.ID.Short(), lc.Meta.Title, ErrCherryPickConflict)
			}
			return BasePlan{}, fmt.Errorf("cherry-pick %s: %w", lc.Commit.ID.Short(), err)
		}
		return BasePlan{
			BaseRef:    s.settings.Trunk,
			BaseParent: chain.TrunkTip,
			HeadTree:   tree,
			Obsolete:   s.obsolete(current),
		}, nil
	}

	if i == 0 {
		return BasePlan{
			BaseRef:    s.settings.Trunk,
			BaseParent: chain.Base,
			HeadTree:   lc.Commit.Tree,
			Obsolete:   s.obsolete(current),
		}, nil
	}

	return s.synthesize(ctx, chain, lc, current, taken)
}

func (s *BaseSynthesizer) synthesize(ctx context.Context, chain *Chain, lc model.LocalCommit, current string, taken map[string]model.CommitID) (BasePlan, error) {
	parent, err := s.repo.ReadCommit(ctx, lc.Commit.Parent())
	if err != nil {
		return BasePlan{}, fmt.Errorf("read parent of %s: %w", lc.Commit.ID.Short(), err)
	}
	want := parent.Tree

	name := current
	if name == "" {
		name = uniqueBranchName(baseBranchName(s.settings.BranchPrefix, s.settings.Trunk, lc.Meta.Title), taken)
	}
	oldTip := taken[name]

	plan := BasePlan{BaseRef: name, HeadTree: lc.Commit.Tree, Synthetic: true}
	parents := []model.CommitID{chain.Base}
	if oldTip != "" {
		old, err := s.readRemote(ctx, name, oldTip)
		if err != nil {
			return BasePlan{}, err
		}
		containsBase, err := s.repo.IsAncestor(ctx, chain.Base, oldTip)
		if err != nil {
			return BasePlan{}, fmt.Errorf("check base branch %s: %w", name, err)
		}
		if old.Tree == want && containsBase {
			plan.BaseParent = oldTip
			return plan, nil
		}
		parents = []model.CommitID{oldTip}
		if !containsBase {
			parents = append(parents, chain.Base)
		}
	}

	sig := lc.Commit.Committer
	sig.When = s.now()
	baseCommit, err := s.repo.CreateCommit(ctx, driven.NewCommit{
		Tree:      want,
		Parents:   parents,
		Message:   fmt.Sprintf("[stacksync] base for %s", lc.Meta.Title),
		Author:    sig,
		Committer: sig,
	})
	if err != nil {
		return BasePlan{}, fmt.Errorf("create base commit for %s: %w", lc.Commit.ID.Short(), err)
	}

	plan.BaseParent = baseCommit
	plan.Push = &driven.PushSpec{Source: baseCommit, Branch: name, Force: true, Lease: oldTip}
	return plan, nil
}

// readRemote reads a remote tip, fetching it when the object is not local yet.
func (s *BaseSynthesizer) readRemote(ctx context.Context, branch string, tip model.CommitID) (model.Commit, error) {
	c, err := s.repo.ReadCommit(ctx, tip)
	if errors.Is(err, driven.ErrRefNotFound) {
		if err := s.repo.Fetch(ctx, branch); err != nil {
			return model.Commit{}, fmt.Errorf("fetch %s: %w", branch, err)
		}
		c, err = s.repo.ReadCommit(ctx, tip)
	}
	if err != nil {
		return model.Commit{}, fmt.Errorf("read %s: %w", branch, err)
	}
	return c, nil
}

// obsolete returns the synthetic base to delete once a request targets trunk.
// Branches outside the configured prefix are never deleted.
func (s *BaseSynthesizer) obsolete(current string) string {
	if current == "" || !strings.HasPrefix(current, s.settings.BranchPrefix) {
		return ""
	}
	return current
}

func ancestorsLanded(corrs []Correspondence) bool {
	for _, c := range corrs {
		if c.State != model.StateLanded {
			return false
		}
	}
	return true
}
