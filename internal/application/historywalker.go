package application

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/stacksync/internal/domain/message"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// Chain is the linear run of local commits on top of trunk.
type Chain struct {
	Head model.CommitID
	// Base is merge-base(HEAD, trunk); every chain commit descends from it.
	Base model.CommitID
	// TrunkTip is the remote trunk tip as last fetched.
	TrunkTip model.CommitID
	// Commits are oldest first.
	Commits []model.LocalCommit
}

// Find returns the chain position of a commit.
func (c *Chain) Find(id model.CommitID) (int, bool) {
	for i, lc := range c.Commits {
		if lc.Commit.ID == id {
			return i, true
		}
	}
	return 0, false
}

// WalkOptions controls HistoryWalker.Walk.
type WalkOptions struct {
	// ReadOnly skips the clean-checkout precondition for callers that never
	// rewrite history.
	ReadOnly bool
}

// HistoryWalker enumerates the commits between trunk and HEAD.
type HistoryWalker struct {
	repo  driven.Repository
	trunk string
}

// NewHistoryWalker creates a walker for the given trunk branch.
func NewHistoryWalker(repo driven.Repository, trunk string) *HistoryWalker {
	return &HistoryWalker{repo: repo, trunk: trunk}
}

// Walk returns the chain from merge-base(HEAD, trunk) to HEAD, oldest first,
// with each commit's message parsed.
func (w *HistoryWalker) Walk(ctx context.Context, opts WalkOptions) (*Chain, error) {
	if !opts.ReadOnly {
		clean, err := w.repo.IsWorkingTreeClean(ctx)
		if err != nil {
			return nil, fmt.Errorf("check working tree: %w", err)
		}
		if !clean {
			return nil, ErrDirtyWorkingTree
		}
	}

	head, err := w.repo.ResolveRef(ctx, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	trunkTip, err := w.repo.ResolveRemote(ctx, w.trunk)
	if err != nil {
		return nil, fmt.Errorf("resolve trunk %s: %w", w.trunk, err)
	}
	base, err := w.repo.MergeBase(ctx, head, trunkTip)
	if err != nil {
		return nil, fmt.Errorf("merge base of HEAD and %s: %w", w.trunk, err)
	}

	commits, err := w.repo.ListCommits(ctx, base, head)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}

	chain := &Chain{Head: head, Base: base, TrunkTip: trunkTip}
	for i, c := range commits {
		if c.IsMerge() {
			return nil, fmt.Errorf("commit %s: %w", c.ID.Short(), ErrNotLinearHistory)
		}
		chain.Commits = append(chain.Commits, model.LocalCommit{
			Index:  i,
			Commit: c,
			Meta:   message.Parse(c.Message),
		})
	}
	return chain, nil
}
