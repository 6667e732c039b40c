package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// testRepo is a work tree cloned from a bare "origin" in a temp dir.
type testRepo struct {
	t      *testing.T
	dir    string
	remote string
	repo   *Repo
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test User", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test User", "GIT_COMMITTER_EMAIL=test@test.com",
		"GIT_CONFIG_NOSYSTEM=1", "HOME="+dir,
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func setupTestRepo(t *testing.T) *testRepo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	remote := filepath.Join(root, "origin.git")
	dir := filepath.Join(root, "work")
	require.NoError(t, os.Mkdir(dir, 0o755))

	runGit(t, root, "init", "--bare", "-q", remote)
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "remote", "add", "origin", remote)

	tr := &testRepo{t: t, dir: dir, remote: remote}
	tr.commit("Initial commit", map[string]string{"a.txt": "one\ntwo\nthree\n"})
	runGit(t, dir, "push", "-q", "origin", "main")

	cmd := exec.Command("git", "merge-tree", "--write-tree", "HEAD", "HEAD")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		t.Skip("git merge-tree --write-tree unavailable")
	}

	repo, err := Open(context.Background(), dir, "origin")
	require.NoError(t, err)
	tr.repo = repo
	return tr
}

func (r *testRepo) commit(msg string, files map[string]string) model.CommitID {
	r.t.Helper()
	for name, content := range files {
		require.NoError(r.t, os.WriteFile(filepath.Join(r.dir, name), []byte(content), 0o644))
	}
	runGit(r.t, r.dir, "add", "-A")
	runGit(r.t, r.dir, "commit", "-q", "-m", msg)
	return r.head()
}

func (r *testRepo) head() model.CommitID {
	r.t.Helper()
	return model.CommitID(runGit(r.t, r.dir, "rev-parse", "HEAD"))
}

func (r *testRepo) show(rev, path string) string {
	r.t.Helper()
	return runGit(r.t, r.dir, "show", rev+":"+path)
}

func TestOpen_NotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := Open(context.Background(), t.TempDir(), "origin")
	assert.ErrorIs(t, err, ErrNotGitRepo)
}

func TestOpen_FromSubdirectory(t *testing.T) {
	tr := setupTestRepo(t)
	sub := filepath.Join(tr.dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))

	repo, err := Open(context.Background(), sub, "origin")
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(tr.dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(repo.Dir())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, ".git", filepath.Base(repo.GitDir()))
}

func TestRemoteURL(t *testing.T) {
	tr := setupTestRepo(t)

	url, err := tr.repo.RemoteURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tr.remote, url)

	_, err = tr.repo.WithRemote("upstream").RemoteURL(context.Background())
	assert.Error(t, err)
}

func TestReadCommit(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	parent := tr.head()
	id := tr.commit("Add feature\n\nLonger body.\n\nReviewers: alice", map[string]string{"b.txt": "b\n"})

	c, err := tr.repo.ReadCommit(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, id, c.ID)
	assert.Equal(t, []model.CommitID{parent}, c.Parents)
	assert.Equal(t, "Add feature\n\nLonger body.\n\nReviewers: alice", c.Message)
	assert.Equal(t, "Test User", c.Author.Name)
	assert.Equal(t, "test@test.com", c.Committer.Email)
	assert.NotEmpty(t, c.Tree)
	assert.False(t, c.Author.When.IsZero())
}

func TestReadCommit_Missing(t *testing.T) {
	tr := setupTestRepo(t)
	_, err := tr.repo.ReadCommit(context.Background(), model.CommitID(strings.Repeat("0", 40)))
	assert.ErrorIs(t, err, driven.ErrRefNotFound)
}

func TestResolveRef(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()

	id, err := tr.repo.ResolveRef(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, tr.head(), id)

	remote, err := tr.repo.ResolveRemote(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, id, remote)

	_, err = tr.repo.ResolveRef(ctx, "no-such-branch")
	assert.ErrorIs(t, err, driven.ErrRefNotFound)
}

func TestCreateCommit_PreservesSignatures(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	base, err := tr.repo.ReadCommit(ctx, tr.head())
	require.NoError(t, err)

	when := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("", 2*3600))
	author := model.Signature{Name: "Ada", Email: "ada@example.com", When: when}
	committer := model.Signature{Name: "Bot", Email: "bot@example.com", When: when.Add(time.Hour)}

	id, err := tr.repo.CreateCommit(ctx, driven.NewCommit{
		Tree:      base.Tree,
		Parents:   []model.CommitID{base.ID},
		Message:   "Rewritten title\n\nBody",
		Author:    author,
		Committer: committer,
	})
	require.NoError(t, err)

	got, err := tr.repo.ReadCommit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, base.Tree, got.Tree)
	assert.Equal(t, "Rewritten title\n\nBody", got.Message)
	assert.Equal(t, "Ada", got.Author.Name)
	assert.True(t, got.Author.When.Equal(when))
	assert.True(t, got.Committer.When.Equal(when.Add(time.Hour)))
	_, offset := got.Author.When.Zone()
	assert.Equal(t, 2*3600, offset)
}

func TestListCommits_OldestFirst(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	base := tr.head()
	first := tr.commit("First", map[string]string{"b.txt": "b\n"})
	second := tr.commit("Second", map[string]string{"c.txt": "c\n"})

	commits, err := tr.repo.ListCommits(ctx, base, second)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, first, commits[0].ID)
	assert.Equal(t, second, commits[1].ID)

	none, err := tr.repo.ListCommits(ctx, second, second)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAncestry(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	base := tr.head()
	tip := tr.commit("Next", map[string]string{"b.txt": "b\n"})

	ok, err := tr.repo.IsAncestor(ctx, base, tip)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.repo.IsAncestor(ctx, tip, base)
	require.NoError(t, err)
	assert.False(t, ok)

	mb, err := tr.repo.MergeBase(ctx, base, tip)
	require.NoError(t, err)
	assert.Equal(t, base, mb)
}

func TestDiffTree(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	before, err := tr.repo.ReadCommit(ctx, tr.head())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(tr.dir, "a.txt")))
	after, err := tr.repo.ReadCommit(ctx, tr.commit("Swap files", map[string]string{"new file.txt": "x\n"}))
	require.NoError(t, err)

	delta, err := tr.repo.DiffTree(ctx, before.Tree, after.Tree)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.FileChange{
		{Status: model.ChangeDeleted, Path: "a.txt"},
		{Status: model.ChangeAdded, Path: "new file.txt"},
	}, delta.Changes)

	same, err := tr.repo.DiffTree(ctx, after.Tree, after.Tree)
	require.NoError(t, err)
	assert.True(t, same.IsEmpty())
}

func TestCherryPick(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	base := tr.head()

	runGit(t, tr.dir, "checkout", "-q", "-b", "feature")
	feature := tr.commit("Feature", map[string]string{"a.txt": "one\ntwo\nthree\nfour\n"})

	runGit(t, tr.dir, "checkout", "-q", "main")
	trunk := tr.commit("Trunk", map[string]string{"a.txt": "zero\none\ntwo\nthree\n"})

	tree, err := tr.repo.CherryPick(ctx, feature, trunk)
	require.NoError(t, err)

	picked, err := tr.repo.CreateCommit(ctx, driven.NewCommit{Tree: tree, Parents: []model.CommitID{trunk}, Message: "Picked"})
	require.NoError(t, err)
	assert.Equal(t, "zero\none\ntwo\nthree\nfour", tr.show(string(picked), "a.txt"))

	merged, err := tr.repo.MergeTrees(ctx, trunk, feature)
	require.NoError(t, err)
	assert.Equal(t, tree, merged)

	// Picking onto the original parent reproduces the commit's own tree.
	same, err := tr.repo.CherryPick(ctx, feature, base)
	require.NoError(t, err)
	c, err := tr.repo.ReadCommit(ctx, feature)
	require.NoError(t, err)
	assert.Equal(t, c.Tree, same)
}

func TestCherryPick_Conflict(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()

	runGit(t, tr.dir, "checkout", "-q", "-b", "feature")
	feature := tr.commit("Feature", map[string]string{"a.txt": "one\nTWO\nthree\n"})

	runGit(t, tr.dir, "checkout", "-q", "main")
	trunk := tr.commit("Trunk", map[string]string{"a.txt": "one\n2\nthree\n"})

	_, err := tr.repo.CherryPick(ctx, feature, trunk)
	require.ErrorIs(t, err, driven.ErrMergeConflict)
	assert.Contains(t, err.Error(), "a.txt")

	_, err = tr.repo.MergeTrees(ctx, trunk, feature)
	assert.ErrorIs(t, err, driven.ErrMergeConflict)
}

func TestUpdateRef_ExpectedOld(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	first := tr.head()
	second := tr.commit("Second", map[string]string{"b.txt": "b\n"})

	require.NoError(t, tr.repo.UpdateRef(ctx, "refs/heads/topic", first, ""))
	err := tr.repo.UpdateRef(ctx, "refs/heads/topic", second, second)
	require.ErrorIs(t, err, driven.ErrRefChanged)

	require.NoError(t, tr.repo.UpdateRef(ctx, "HEAD", first, second))
	assert.Equal(t, first, tr.head())
	branch, err := tr.repo.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestResetToAndWorkingTree(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	first := tr.head()
	tr.commit("Second", map[string]string{"b.txt": "b\n"})

	clean, err := tr.repo.IsWorkingTreeClean(ctx)
	require.NoError(t, err)
	assert.True(t, clean)

	require.NoError(t, tr.repo.ResetTo(ctx, first))
	assert.Equal(t, first, tr.head())
	assert.NoFileExists(t, filepath.Join(tr.dir, "b.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(tr.dir, "a.txt"), []byte("dirty\n"), 0o644))
	clean, err = tr.repo.IsWorkingTreeClean(ctx)
	require.NoError(t, err)
	assert.False(t, clean)

	// Untracked files do not count.
	runGit(t, tr.dir, "checkout", "--", "a.txt")
	require.NoError(t, os.WriteFile(filepath.Join(tr.dir, "scratch.txt"), []byte("x\n"), 0o644))
	clean, err = tr.repo.IsWorkingTreeClean(ctx)
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestCurrentBranch_Detached(t *testing.T) {
	tr := setupTestRepo(t)
	runGit(t, tr.dir, "checkout", "-q", "--detach")

	branch, err := tr.repo.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, branch)
}

func TestPushFetchAndRemoteBranches(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	first := tr.commit("First", map[string]string{"b.txt": "b\n"})
	second := tr.commit("Second", map[string]string{"c.txt": "c\n"})

	require.NoError(t, tr.repo.Push(ctx, []driven.PushSpec{
		{Source: first, Branch: "stacksync/first", Force: true},
		{Source: second, Branch: "stacksync/second", Force: true},
	}))

	branches, err := tr.repo.RemoteBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, branches["stacksync/first"])
	assert.Equal(t, second, branches["stacksync/second"])
	assert.Contains(t, branches, "main")

	// Fast-forward without force.
	require.NoError(t, tr.repo.Push(ctx, []driven.PushSpec{{Source: second, Branch: "stacksync/first"}}))
	require.NoError(t, tr.repo.Fetch(ctx, "stacksync/first"))
	tip, err := tr.repo.ResolveRemote(ctx, "stacksync/first")
	require.NoError(t, err)
	assert.Equal(t, second, tip)

	// Delete guarded by a lease.
	require.NoError(t, tr.repo.Push(ctx, []driven.PushSpec{{Branch: "stacksync/second", Force: true, Lease: second}}))
	branches, err = tr.repo.RemoteBranches(ctx)
	require.NoError(t, err)
	assert.NotContains(t, branches, "stacksync/second")

	err = tr.repo.Fetch(ctx, "stacksync/second")
	assert.ErrorIs(t, err, driven.ErrRefNotFound)
}

func TestPush_Rejected(t *testing.T) {
	tr := setupTestRepo(t)
	ctx := context.Background()
	base := tr.head()
	first := tr.commit("First", map[string]string{"b.txt": "b\n"})

	require.NoError(t, tr.repo.Push(ctx, []driven.PushSpec{{Source: first, Branch: "topic", Force: true}}))

	t.Run("stale lease", func(t *testing.T) {
		err := tr.repo.Push(ctx, []driven.PushSpec{{Source: base, Branch: "topic", Force: true, Lease: base}})
		assert.ErrorIs(t, err, driven.ErrPushRejected)
	})

	t.Run("branch must be absent", func(t *testing.T) {
		err := tr.repo.Push(ctx, []driven.PushSpec{{Source: base, Branch: "topic", Force: true}})
		assert.ErrorIs(t, err, driven.ErrPushRejected)
	})

	t.Run("non fast-forward", func(t *testing.T) {
		err := tr.repo.Push(ctx, []driven.PushSpec{{Source: base, Branch: "topic"}})
		assert.ErrorIs(t, err, driven.ErrPushRejected)
	})

	t.Run("atomic", func(t *testing.T) {
		err := tr.repo.Push(ctx, []driven.PushSpec{
			{Source: first, Branch: "other", Force: true},
			{Source: base, Branch: "topic"},
		})
		require.ErrorIs(t, err, driven.ErrPushRejected)
		branches, err := tr.repo.RemoteBranches(ctx)
		require.NoError(t, err)
		assert.NotContains(t, branches, "other")
	})
}

// stubRunner returns canned results and records invocations.
type stubRunner struct {
	results map[string]Result
	calls   []Invocation
}

func (s *stubRunner) Run(_ context.Context, inv Invocation) (Result, error) {
	s.calls = append(s.calls, inv)
	return s.results[inv.Args[0]], nil
}

func TestPush_StubbedOutput(t *testing.T) {
	runner := &stubRunner{results: map[string]Result{
		"rev-parse": {Stdout: "/work\n/work/.git\n"},
		"push": {
			Stdout:   "To origin\n!\trefs/heads/a:refs/heads/a\t[rejected] (stale info)\nDone\n",
			ExitCode: 1,
		},
	}}
	repo, err := Open(context.Background(), "/work", "origin", WithRunner(runner))
	require.NoError(t, err)

	err = repo.Push(context.Background(), []driven.PushSpec{
		{Source: "abc", Branch: "a", Force: true, Lease: "def"},
		{Branch: "b"},
	})
	require.ErrorIs(t, err, driven.ErrPushRejected)

	var gitErr *Error
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, "push", gitErr.Op)

	last := runner.calls[len(runner.calls)-1]
	assert.Equal(t, []string{
		"push", "--atomic", "--no-verify", "--porcelain",
		"--force-with-lease=refs/heads/a:def",
		"origin", "+abc:refs/heads/a", ":refs/heads/b",
	}, last.Args)
	assert.Equal(t, "/work", last.Dir)
}

func TestPush_Empty(t *testing.T) {
	runner := &stubRunner{results: map[string]Result{"rev-parse": {Stdout: "/w\n/w/.git\n"}}}
	repo, err := Open(context.Background(), "/w", "origin", WithRunner(runner))
	require.NoError(t, err)

	require.NoError(t, repo.Push(context.Background(), nil))
	assert.Len(t, runner.calls, 1)
}

func TestMergeTree_OldGit(t *testing.T) {
	runner := &stubRunner{results: map[string]Result{
		"rev-parse":  {Stdout: "/w\n/w/.git\n"},
		"merge-tree": {Stderr: "usage: git merge-tree <base-tree> <branch1> <branch2>", ExitCode: 129},
	}}
	repo, err := Open(context.Background(), "/w", "origin", WithRunner(runner))
	require.NoError(t, err)

	_, err = repo.MergeTrees(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrUnsupportedGit)
}
