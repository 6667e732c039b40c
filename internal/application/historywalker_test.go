package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/stacksync/internal/testutil"
)

func TestHistoryWalker_Walk(t *testing.T) {
	repo := testutil.NewFakeRepo("main", map[string]string{"README.md": "hello\n"})
	root := repo.Head()
	a := repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	b := repo.Commit("Add b\n\nNo plan here.", map[string]string{"b.txt": "b\n"})

	chain, err := NewHistoryWalker(repo, "main").Walk(context.Background(), WalkOptions{})
	require.NoError(t, err)

	assert.Equal(t, b, chain.Head)
	assert.Equal(t, root, chain.Base)
	assert.Equal(t, root, chain.TrunkTip)
	require.Len(t, chain.Commits, 2)
	assert.Equal(t, a, chain.Commits[0].Commit.ID)
	assert.Equal(t, 0, chain.Commits[0].Index)
	assert.Equal(t, "Add a", chain.Commits[0].Meta.Title)
	require.NotNil(t, chain.Commits[0].Meta.TestPlan)
	assert.Equal(t, "Add b", chain.Commits[1].Meta.Title)
	assert.Nil(t, chain.Commits[1].Meta.TestPlan)

	i, ok := chain.Find(b)
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = chain.Find("deadbeef")
	assert.False(t, ok)
}

func TestHistoryWalker_EmptyChain(t *testing.T) {
	repo := testutil.NewFakeRepo("main", map[string]string{"README.md": "hello\n"})

	chain, err := NewHistoryWalker(repo, "main").Walk(context.Background(), WalkOptions{})
	require.NoError(t, err)
	assert.Empty(t, chain.Commits)
}

func TestHistoryWalker_DirtyWorkingTree(t *testing.T) {
	repo := testutil.NewFakeRepo("main", map[string]string{"README.md": "hello\n"})
	repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	repo.Dirty = true

	walker := NewHistoryWalker(repo, "main")
	_, err := walker.Walk(context.Background(), WalkOptions{})
	assert.ErrorIs(t, err, ErrDirtyWorkingTree)

	chain, err := walker.Walk(context.Background(), WalkOptions{ReadOnly: true})
	require.NoError(t, err, "read-only walks ignore local changes")
	assert.Len(t, chain.Commits, 1)
}

func TestHistoryWalker_MergeCommit(t *testing.T) {
	repo := testutil.NewFakeRepo("main", map[string]string{"README.md": "hello\n"})
	repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	other := repo.RemoteCommit("main", "Upstream change", map[string]string{"up.txt": "up\n"})
	repo.MergeCommit("Merge main", other)

	_, err := NewHistoryWalker(repo, "main").Walk(context.Background(), WalkOptions{})
	assert.ErrorIs(t, err, ErrNotLinearHistory)
}
