package application

import (
	"context"
	"fmt"
	"slices"

	"github.com/ericfisherdev/stacksync/internal/domain/message"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// HistoryRewriter replaces commit messages in the local chain. Trees,
// authorship and commit order are preserved, so the working tree is untouched.
type HistoryRewriter struct {
	repo driven.Repository
}

// NewHistoryRewriter creates a rewriter.
func NewHistoryRewriter(repo driven.Repository) *HistoryRewriter {
	return &HistoryRewriter{repo: repo}
}

// Rewrite gives chain commit i the message messages[i] and re-creates every
// later commit on top. The checked-out branch moves only if it still points
// at chain.Head. On success chain reflects the new commits.
func (w *HistoryRewriter) Rewrite(ctx context.Context, chain *Chain, messages map[int]string) error {
	first := -1
	for i, lc := range chain.Commits {
		if msg, ok := messages[i]; ok && msg != lc.Commit.Message {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	commits := slices.Clone(chain.Commits)
	parent := commits[first].Commit.Parent()
	for i := first; i < len(commits); i++ {
		old := commits[i].Commit
		msg := old.Message
		if m, ok := messages[i]; ok {
			msg = m
		}
		id, err := w.repo.CreateCommit(ctx, driven.NewCommit{
			Tree:      old.Tree,
			Parents:   []model.CommitID{parent},
			Message:   msg,
			Author:    old.Author,
			Committer: old.Committer,
		})
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", old.ID.Short(), err)
		}
		c, err := w.repo.ReadCommit(ctx, id)
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", old.ID.Short(), err)
		}
		commits[i] = model.LocalCommit{Index: i, Commit: c, Meta: message.Parse(c.Message)}
		parent = id
	}

	if err := w.repo.UpdateRef(ctx, "HEAD", parent, chain.Head); err != nil {
		return fmt.Errorf("move HEAD to rewritten chain: %w", err)
	}
	chain.Commits = commits
	chain.Head = parent
	return nil
}
