// Package git implements driven.Repository by running the git binary.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Repository = (*Repo)(nil)

// Repo runs git commands against one work tree and one remote.
type Repo struct {
	dir    string
	gitDir string
	remote string
	runner Runner
}

// Option configures Repo.
type Option func(*Repo)

// WithRunner sets a custom command runner, mainly for tests.
func WithRunner(runner Runner) Option {
	return func(r *Repo) {
		r.runner = runner
	}
}

// Open locates the work tree containing path and returns a Repo that pushes
// to and fetches from remote.
func Open(ctx context.Context, path, remote string, opts ...Option) (*Repo, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	r := &Repo{dir: absPath, remote: remote, runner: NewExecRunner()}
	for _, opt := range opts {
		opt(r)
	}

	res, err := r.runner.Run(ctx, Invocation{Dir: absPath, Args: []string{"rev-parse", "--show-toplevel", "--absolute-git-dir"}})
	if err != nil {
		return nil, fmt.Errorf("run git: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if res.ExitCode != 0 || len(lines) != 2 {
		return nil, ErrNotGitRepo
	}
	r.dir, r.gitDir = lines[0], lines[1]
	return r, nil
}

// Dir returns the top-level directory of the work tree.
func (r *Repo) Dir() string {
	return r.dir
}

func (r *Repo) GitDir() string {
	return r.gitDir
}

// WithRemote returns a copy of r that pushes to and fetches from remote.
func (r *Repo) WithRemote(remote string) *Repo {
	c := *r
	c.remote = remote
	return &c
}

// RemoteURL returns the fetch URL of the configured remote.
func (r *Repo) RemoteURL(ctx context.Context) (string, error) {
	return r.runGit(ctx, "remote url", "remote", "get-url", r.remote)
}

// exec runs git and returns the raw result, failing only when git could not run.
func (r *Repo) exec(ctx context.Context, inv Invocation) (Result, error) {
	inv.Dir = r.dir
	res, err := r.runner.Run(ctx, inv)
	if err != nil {
		return res, &Error{Op: inv.Args[0], Cmd: "git " + strings.Join(inv.Args, " "), Err: err}
	}
	slog.Debug("git", "args", inv.Args, "exit", res.ExitCode)
	return res, nil
}

// runGit runs git and treats any non-zero exit as an error of operation op.
func (r *Repo) runGit(ctx context.Context, op string, args ...string) (string, error) {
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", r.failure(op, args, res, fmt.Errorf("exit status %d", res.ExitCode))
	}
	return strings.TrimRight(res.Stdout, "\n"), nil
}

func (r *Repo) failure(op string, args []string, res Result, err error) *Error {
	return &Error{Op: op, Cmd: "git " + strings.Join(args, " "), Output: res.Stderr, Err: err}
}

func (r *Repo) ReadCommit(ctx context.Context, id model.CommitID) (model.Commit, error) {
	args := []string{"cat-file", "commit", string(id)}
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return model.Commit{}, err
	}
	if res.ExitCode != 0 {
		return model.Commit{}, r.failure("read commit "+id.Short(), args, res, driven.ErrRefNotFound)
	}
	c, err := parseCommit(id, res.Stdout)
	if err != nil {
		return model.Commit{}, fmt.Errorf("read commit %s: %w", id.Short(), err)
	}
	return c, nil
}

func (r *Repo) ResolveRef(ctx context.Context, ref string) (model.CommitID, error) {
	args := []string{"rev-parse", "--verify", "--quiet", "--end-of-options", ref + "^{commit}"}
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", r.failure("resolve "+ref, args, res, driven.ErrRefNotFound)
	}
	return model.CommitID(strings.TrimSpace(res.Stdout)), nil
}

func (r *Repo) ResolveRemote(ctx context.Context, branch string) (model.CommitID, error) {
	return r.ResolveRef(ctx, r.trackingRef(branch))
}

func (r *Repo) trackingRef(branch string) string {
	return "refs/remotes/" + r.remote + "/" + branch
}

func (r *Repo) MergeBase(ctx context.Context, a, b model.CommitID) (model.CommitID, error) {
	args := []string{"merge-base", string(a), string(b)}
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", r.failure(fmt.Sprintf("merge base of %s and %s", a.Short(), b.Short()), args, res, driven.ErrRefNotFound)
	}
	return model.CommitID(strings.TrimSpace(res.Stdout)), nil
}

func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant model.CommitID) (bool, error) {
	args := []string{"merge-base", "--is-ancestor", string(ancestor), string(descendant)}
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, r.failure("is-ancestor", args, res, fmt.Errorf("exit status %d", res.ExitCode))
	}
}

func (r *Repo) ListCommits(ctx context.Context, base, head model.CommitID) ([]model.Commit, error) {
	out, err := r.runGit(ctx, "list commits", "rev-list", "--reverse", "--topo-order", string(base)+".."+string(head))
	if err != nil {
		return nil, err
	}
	var commits []model.Commit
	for _, line := range strings.Fields(out) {
		c, err := r.ReadCommit(ctx, model.CommitID(line))
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

func (r *Repo) DiffTree(ctx context.Context, a, b model.TreeID) (model.TreeDelta, error) {
	out, err := r.runGit(ctx, "diff trees", "diff-tree", "-r", "-z", "--name-status", "--no-renames", string(a), string(b))
	if err != nil {
		return model.TreeDelta{}, err
	}
	return parseNameStatus(out), nil
}

func (r *Repo) CreateCommit(ctx context.Context, c driven.NewCommit) (model.CommitID, error) {
	args := []string{"commit-tree", string(c.Tree)}
	for _, p := range c.Parents {
		args = append(args, "-p", string(p))
	}
	msg := c.Message
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	inv := Invocation{
		Args:  args,
		Env:   append(identityEnv("AUTHOR", c.Author), identityEnv("COMMITTER", c.Committer)...),
		Stdin: msg,
	}
	res, err := r.exec(ctx, inv)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", r.failure("create commit", args, res, fmt.Errorf("exit status %d", res.ExitCode))
	}
	return model.CommitID(strings.TrimSpace(res.Stdout)), nil
}

// identityEnv overrides git's configured identity with the non-empty parts of sig.
func identityEnv(role string, sig model.Signature) []string {
	var env []string
	if sig.Name != "" {
		env = append(env, "GIT_"+role+"_NAME="+sig.Name)
	}
	if sig.Email != "" {
		env = append(env, "GIT_"+role+"_EMAIL="+sig.Email)
	}
	if !sig.When.IsZero() {
		env = append(env, "GIT_"+role+"_DATE="+formatDate(sig))
	}
	return env
}

func (r *Repo) CherryPick(ctx context.Context, commit, onto model.CommitID) (model.TreeID, error) {
	c, err := r.ReadCommit(ctx, commit)
	if err != nil {
		return "", err
	}
	if c.Parent() == "" {
		return "", fmt.Errorf("cherry-pick %s: root commits are not supported", commit.Short())
	}
	return r.mergeTree(ctx, "cherry-pick "+commit.Short(),
		"--merge-base="+string(c.Parent()), string(onto), string(commit))
}

func (r *Repo) MergeTrees(ctx context.Context, ours, theirs model.CommitID) (model.TreeID, error) {
	return r.mergeTree(ctx, fmt.Sprintf("merge %s into %s", theirs.Short(), ours.Short()), string(ours), string(theirs))
}

// mergeTree runs an in-memory merge that never touches the index or work tree.
func (r *Repo) mergeTree(ctx context.Context, op string, mergeArgs ...string) (model.TreeID, error) {
	args := append([]string{"merge-tree", "--write-tree", "--no-messages"}, mergeArgs...)
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return "", err
	}
	switch res.ExitCode {
	case 0:
		tree, _, _ := strings.Cut(res.Stdout, "\n")
		return model.TreeID(strings.TrimSpace(tree)), nil
	case 1:
		return "", r.failure(op, args, Result{Stderr: conflictedPaths(res.Stdout)}, driven.ErrMergeConflict)
	case 129:
		return "", r.failure(op, args, res, ErrUnsupportedGit)
	default:
		return "", r.failure(op, args, res, fmt.Errorf("exit status %d", res.ExitCode))
	}
}

func (r *Repo) UpdateRef(ctx context.Context, name string, target, expectedOld model.CommitID) error {
	args := []string{"update-ref", "-m", "stacksync", name, string(target)}
	if expectedOld != "" {
		args = append(args, string(expectedOld))
	}
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	if expectedOld != "" {
		if cur, err := r.ResolveRef(ctx, name); err == nil && cur != expectedOld {
			return r.failure("update "+name, args, res, driven.ErrRefChanged)
		}
	}
	return r.failure("update "+name, args, res, fmt.Errorf("exit status %d", res.ExitCode))
}

func (r *Repo) ResetTo(ctx context.Context, commit model.CommitID) error {
	_, err := r.runGit(ctx, "reset to "+commit.Short(), "reset", "--keep", string(commit))
	return err
}

// CurrentBranch returns the checked-out branch, or "" when HEAD is detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	args := []string{"symbolic-ref", "--quiet", "--short", "HEAD"}
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return "", err
	}
	switch res.ExitCode {
	case 0:
		return strings.TrimSpace(res.Stdout), nil
	case 1:
		return "", nil
	default:
		return "", r.failure("current branch", args, res, fmt.Errorf("exit status %d", res.ExitCode))
	}
}

func (r *Repo) IsWorkingTreeClean(ctx context.Context) (bool, error) {
	out, err := r.runGit(ctx, "status", "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

func (r *Repo) Push(ctx context.Context, specs []driven.PushSpec) error {
	if len(specs) == 0 {
		return nil
	}
	args := pushArgs(r.remote, specs)
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	if pushRejected(res) {
		return r.failure("push", args, res, driven.ErrPushRejected)
	}
	return r.failure("push", args, res, fmt.Errorf("exit status %d", res.ExitCode))
}

func pushArgs(remote string, specs []driven.PushSpec) []string {
	args := []string{"push", "--atomic", "--no-verify", "--porcelain"}
	var refspecs []string
	for _, s := range specs {
		dst := "refs/heads/" + s.Branch
		if s.Force {
			args = append(args, "--force-with-lease="+dst+":"+string(s.Lease))
		}
		switch {
		case s.Source == "":
			refspecs = append(refspecs, ":"+dst)
		case s.Force:
			refspecs = append(refspecs, "+"+string(s.Source)+":"+dst)
		default:
			refspecs = append(refspecs, string(s.Source)+":"+dst)
		}
	}
	args = append(args, remote)
	return append(args, refspecs...)
}

func pushRejected(res Result) bool {
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.HasPrefix(line, "!\t") && !strings.Contains(line, "atomic push failed") {
			return true
		}
	}
	return strings.Contains(res.Stderr, "[rejected]") || strings.Contains(res.Stderr, "stale info")
}

func (r *Repo) Fetch(ctx context.Context, branches ...string) error {
	if len(branches) == 0 {
		return nil
	}
	args := []string{"fetch", "--no-tags", "--no-write-fetch-head", "--quiet", r.remote}
	for _, b := range branches {
		args = append(args, "+refs/heads/"+b+":"+r.trackingRef(b))
	}
	res, err := r.exec(ctx, Invocation{Args: args})
	if err != nil {
		return err
	}
	switch {
	case res.ExitCode == 0:
		return nil
	case strings.Contains(res.Stderr, "couldn't find remote ref"):
		return r.failure("fetch", args, res, driven.ErrRefNotFound)
	default:
		return r.failure("fetch", args, res, fmt.Errorf("exit status %d", res.ExitCode))
	}
}

func (r *Repo) RemoteBranches(ctx context.Context) (map[string]model.CommitID, error) {
	out, err := r.runGit(ctx, "list remote branches", "ls-remote", "--heads", r.remote)
	if err != nil {
		return nil, err
	}
	branches := make(map[string]model.CommitID)
	for _, line := range strings.Split(out, "\n") {
		sha, ref, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		branches[strings.TrimPrefix(ref, "refs/heads/")] = model.CommitID(sha)
	}
	return branches, nil
}
