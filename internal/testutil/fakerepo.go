package testutil

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// Deleted marks a path for removal in the changes passed to Commit.
const Deleted = "\x00deleted"

var _ driven.Repository = (*FakeRepo)(nil)

// FakeRepo is an in-memory driven.Repository with a single remote.
type FakeRepo struct {
	mu sync.Mutex

	trees   map[model.TreeID]map[string]string
	commits map[model.CommitID]model.Commit

	localRefs  map[string]model.CommitID
	headBranch string
	remote     map[string]model.CommitID
	tracking   map[string]model.CommitID

	clock func() time.Time

	// Dirty makes IsWorkingTreeClean report uncommitted changes.
	Dirty bool
	// PushHook, when set, runs before every push and may veto it.
	PushHook func(specs []driven.PushSpec) error

	// Pushes and Fetches record every call for assertions.
	Pushes  [][]driven.PushSpec
	Fetches [][]string
}

// NewFakeRepo creates a repository whose trunk holds one commit with files,
// pushed to the remote and checked out on a local "feature" branch.
func NewFakeRepo(trunk string, files map[string]string) *FakeRepo {
	r := &FakeRepo{
		trees:      make(map[model.TreeID]map[string]string),
		commits:    make(map[model.CommitID]model.Commit),
		localRefs:  make(map[string]model.CommitID),
		remote:     make(map[string]model.CommitID),
		tracking:   make(map[string]model.CommitID),
		headBranch: "refs/heads/feature",
	}
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	r.clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	root := r.writeCommit(r.storeTree(files), nil, "Initial commit")
	r.localRefs["refs/heads/"+trunk] = root
	r.localRefs[r.headBranch] = root
	r.remote[trunk] = root
	r.tracking[trunk] = root
	return r
}

// Now returns the repository's deterministic clock value.
func (r *FakeRepo) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock()
}

func (r *FakeRepo) storeTree(files map[string]string) model.TreeID {
	paths := slices.Sorted(maps.Keys(files))
	h := sha1.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%s\x00", p, files[p])
	}
	id := model.TreeID(hex.EncodeToString(h.Sum(nil)))
	r.trees[id] = maps.Clone(files)
	return id
}

func (r *FakeRepo) storeCommit(c model.Commit) model.CommitID {
	h := sha1.New()
	fmt.Fprintf(h, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(h, "parent %s\n", p)
	}
	fmt.Fprintf(h, "author %s <%s> %d\n", c.Author.Name, c.Author.Email, c.Author.When.UnixNano())
	fmt.Fprintf(h, "committer %s <%s> %d\n\n%s", c.Committer.Name, c.Committer.Email, c.Committer.When.UnixNano(), c.Message)
	c.ID = model.CommitID(hex.EncodeToString(h.Sum(nil)))
	r.commits[c.ID] = c
	return c.ID
}

func (r *FakeRepo) writeCommit(tree model.TreeID, parents []model.CommitID, msg string) model.CommitID {
	sig := model.Signature{Name: "Test User", Email: "test@test.com", When: r.clock()}
	return r.storeCommit(model.Commit{Tree: tree, Parents: parents, Message: msg, Author: sig, Committer: sig})
}

func applyChanges(files map[string]string, changes map[string]string) map[string]string {
	out := maps.Clone(files)
	if out == nil {
		out = make(map[string]string)
	}
	for p, c := range changes {
		if c == Deleted {
			delete(out, p)
			continue
		}
		out[p] = c
	}
	return out
}

// Commit creates a commit on the checked-out branch and returns its ID.
func (r *FakeRepo) Commit(msg string, changes map[string]string) model.CommitID {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := r.localRefs[r.headBranch]
	tree := r.storeTree(applyChanges(r.trees[r.commits[head].Tree], changes))
	id := r.writeCommit(tree, []model.CommitID{head}, msg)
	r.localRefs[r.headBranch] = id
	return id
}

// Amend replaces the HEAD commit, applying changes on top of its tree. An
// empty msg keeps the current message.
func (r *FakeRepo) Amend(msg string, changes map[string]string) model.CommitID {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.commits[r.localRefs[r.headBranch]]
	if msg == "" {
		msg = old.Message
	}
	tree := r.storeTree(applyChanges(r.trees[old.Tree], changes))
	id := r.writeCommit(tree, old.Parents, msg)
	r.localRefs[r.headBranch] = id
	return id
}

// MergeCommit creates a two-parent commit on HEAD, for non-linear history tests.
func (r *FakeRepo) MergeCommit(msg string, other model.CommitID) model.CommitID {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := r.localRefs[r.headBranch]
	id := r.writeCommit(r.commits[head].Tree, []model.CommitID{head, other}, msg)
	r.localRefs[r.headBranch] = id
	return id
}

// RemoteCommit adds a commit directly on a remote branch, as another user
// pushing out of band would. The remote-tracking ref is not updated.
func (r *FakeRepo) RemoteCommit(branch, msg string, changes map[string]string) model.CommitID {
	r.mu.Lock()
	defer r.mu.Unlock()

	tip := r.remote[branch]
	tree := r.storeTree(applyChanges(r.trees[r.commits[tip].Tree], changes))
	id := r.writeCommit(tree, []model.CommitID{tip}, msg)
	r.remote[branch] = id
	return id
}

// Head returns the commit the checked-out branch points at.
func (r *FakeRepo) Head() model.CommitID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localRefs[r.headBranch]
}

// HeadCommit returns the full HEAD commit.
func (r *FakeRepo) HeadCommit() model.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits[r.localRefs[r.headBranch]]
}

// CommitObject returns the commit object for id.
func (r *FakeRepo) CommitObject(id model.CommitID) model.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits[id]
}

// Files returns the file map of a commit.
func (r *FakeRepo) Files(id model.CommitID) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.trees[r.commits[id].Tree])
}

// TreeFiles returns the file map of a tree.
func (r *FakeRepo) TreeFiles(id model.TreeID) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.trees[id])
}

// RemoteTip returns the remote branch tip, or "" when absent.
func (r *FakeRepo) RemoteTip(branch string) model.CommitID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remote[branch]
}

// LocalRef returns a local ref value, or "" when absent.
func (r *FakeRepo) LocalRef(name string) model.CommitID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localRefs[name]
}

// SquashInto merges head into the remote branch target the way a platform
// squash merge does and returns the new tip.
func (r *FakeRepo) SquashInto(target string, head model.CommitID, title, body string) (model.CommitID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tip, ok := r.remote[target]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", target, driven.ErrRefNotFound)
	}
	tree, err := r.mergeLocked(tip, head)
	if err != nil {
		return "", err
	}
	msg := title
	if body != "" {
		msg += "\n\n" + body
	}
	id := r.writeCommit(tree, []model.CommitID{tip}, msg)
	r.remote[target] = id
	return id, nil
}

// --- driven.Repository ---

func (r *FakeRepo) GitDir() string { return "/fake/.git" }

func (r *FakeRepo) ReadCommit(_ context.Context, id model.CommitID) (model.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commits[id]
	if !ok {
		return model.Commit{}, fmt.Errorf("commit %s: %w", id, driven.ErrRefNotFound)
	}
	return c, nil
}

func (r *FakeRepo) ResolveRef(_ context.Context, ref string) (model.CommitID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref == "HEAD" {
		ref = r.headBranch
	}
	if id, ok := r.localRefs[ref]; ok {
		return id, nil
	}
	if id, ok := r.localRefs["refs/heads/"+ref]; ok {
		return id, nil
	}
	if _, ok := r.commits[model.CommitID(ref)]; ok {
		return model.CommitID(ref), nil
	}
	return "", fmt.Errorf("resolve %s: %w", ref, driven.ErrRefNotFound)
}

func (r *FakeRepo) ResolveRemote(_ context.Context, branch string) (model.CommitID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.tracking[branch]
	if !ok {
		return "", fmt.Errorf("remote branch %s: %w", branch, driven.ErrRefNotFound)
	}
	return id, nil
}

func (r *FakeRepo) ancestors(id model.CommitID) map[model.CommitID]bool {
	seen := make(map[model.CommitID]bool)
	stack := []model.CommitID{id}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		stack = append(stack, r.commits[c].Parents...)
	}
	return seen
}

func (r *FakeRepo) mergeBaseLocked(a, b model.CommitID) (model.CommitID, error) {
	ofA := r.ancestors(a)
	var common []model.CommitID
	for c := range r.ancestors(b) {
		if ofA[c] {
			common = append(common, c)
		}
	}
	// The best common ancestor is the one no other common ancestor descends from.
	for _, c := range common {
		best := true
		for _, other := range common {
			if other != c && r.ancestors(other)[c] {
				best = false
				break
			}
		}
		if best {
			return c, nil
		}
	}
	return "", fmt.Errorf("no merge base between %s and %s", a.Short(), b.Short())
}

func (r *FakeRepo) MergeBase(_ context.Context, a, b model.CommitID) (model.CommitID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mergeBaseLocked(a, b)
}

func (r *FakeRepo) IsAncestor(_ context.Context, ancestor, descendant model.CommitID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ancestors(descendant)[ancestor], nil
}

func (r *FakeRepo) ListCommits(_ context.Context, base, head model.CommitID) ([]model.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exclude := r.ancestors(base)
	var out []model.Commit
	visited := make(map[model.CommitID]bool)
	var visit func(id model.CommitID)
	visit = func(id model.CommitID) {
		if id == "" || visited[id] || exclude[id] {
			return
		}
		visited[id] = true
		c := r.commits[id]
		for _, p := range c.Parents {
			visit(p)
		}
		out = append(out, c)
	}
	visit(head)
	return out, nil
}

func (r *FakeRepo) DiffTree(_ context.Context, a, b model.TreeID) (model.TreeDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, to := r.trees[a], r.trees[b]
	var delta model.TreeDelta
	for p, content := range to {
		old, ok := from[p]
		switch {
		case !ok:
			delta.Changes = append(delta.Changes, model.FileChange{Status: model.ChangeAdded, Path: p})
		case old != content:
			delta.Changes = append(delta.Changes, model.FileChange{Status: model.ChangeModified, Path: p})
		}
	}
	for p := range from {
		if _, ok := to[p]; !ok {
			delta.Changes = append(delta.Changes, model.FileChange{Status: model.ChangeDeleted, Path: p})
		}
	}
	sort.Slice(delta.Changes, func(i, j int) bool { return delta.Changes[i].Path < delta.Changes[j].Path })
	return delta, nil
}

func (r *FakeRepo) CreateCommit(_ context.Context, c driven.NewCommit) (model.CommitID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trees[c.Tree]; !ok {
		return "", fmt.Errorf("tree %s: %w", c.Tree, driven.ErrRefNotFound)
	}
	for _, p := range c.Parents {
		if _, ok := r.commits[p]; !ok {
			return "", fmt.Errorf("parent %s: %w", p, driven.ErrRefNotFound)
		}
	}
	return r.storeCommit(model.Commit{
		Tree:      c.Tree,
		Parents:   slices.Clone(c.Parents),
		Message:   c.Message,
		Author:    c.Author,
		Committer: c.Committer,
	}), nil
}

type entry struct {
	content string
	ok      bool
}

func lookup(files map[string]string, p string) entry {
	c, ok := files[p]
	return entry{c, ok}
}

// merge3 performs a file-granular three-way merge.
func (r *FakeRepo) merge3(base, ours, theirs model.TreeID) (model.TreeID, error) {
	b, o, t := r.trees[base], r.trees[ours], r.trees[theirs]
	paths := make(map[string]bool)
	for _, m := range []map[string]string{b, o, t} {
		for p := range m {
			paths[p] = true
		}
	}
	out := make(map[string]string)
	var conflicts []string
	for p := range paths {
		be, oe, te := lookup(b, p), lookup(o, p), lookup(t, p)
		var res entry
		switch {
		case oe == te:
			res = oe
		case oe == be:
			res = te
		case te == be:
			res = oe
		default:
			conflicts = append(conflicts, p)
			continue
		}
		if res.ok {
			out[p] = res.content
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return "", fmt.Errorf("%s: %w", strings.Join(conflicts, ", "), driven.ErrMergeConflict)
	}
	return r.storeTree(out), nil
}

func (r *FakeRepo) CherryPick(_ context.Context, commit, onto model.CommitID) (model.TreeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commits[commit]
	if !ok {
		return "", fmt.Errorf("commit %s: %w", commit, driven.ErrRefNotFound)
	}
	var baseTree model.TreeID
	if p := c.Parent(); p != "" {
		baseTree = r.commits[p].Tree
	}
	return r.merge3(baseTree, r.commits[onto].Tree, c.Tree)
}

func (r *FakeRepo) mergeLocked(ours, theirs model.CommitID) (model.TreeID, error) {
	base, err := r.mergeBaseLocked(ours, theirs)
	if err != nil {
		return "", err
	}
	return r.merge3(r.commits[base].Tree, r.commits[ours].Tree, r.commits[theirs].Tree)
}

func (r *FakeRepo) MergeTrees(_ context.Context, ours, theirs model.CommitID) (model.TreeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mergeLocked(ours, theirs)
}

func (r *FakeRepo) UpdateRef(_ context.Context, name string, target, expectedOld model.CommitID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "HEAD" {
		name = r.headBranch
	}
	if expectedOld != "" && r.localRefs[name] != expectedOld {
		return fmt.Errorf("update %s: %w", name, driven.ErrRefChanged)
	}
	r.localRefs[name] = target
	return nil
}

func (r *FakeRepo) ResetTo(_ context.Context, commit model.CommitID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Dirty {
		return fmt.Errorf("reset: working tree has local changes")
	}
	r.localRefs[r.headBranch] = commit
	return nil
}

func (r *FakeRepo) CurrentBranch(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimPrefix(r.headBranch, "refs/heads/"), nil
}

func (r *FakeRepo) IsWorkingTreeClean(_ context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.Dirty, nil
}

func (r *FakeRepo) Push(_ context.Context, specs []driven.PushSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.PushHook != nil {
		if err := r.PushHook(specs); err != nil {
			return err
		}
	}
	for _, s := range specs {
		cur, exists := r.remote[s.Branch]
		switch {
		case s.Source == "":
			if !exists {
				return fmt.Errorf("delete %s: %w", s.Branch, driven.ErrPushRejected)
			}
		case s.Force:
			if cur != s.Lease {
				return fmt.Errorf("stale lease on %s: %w", s.Branch, driven.ErrPushRejected)
			}
		default:
			if exists && !r.ancestors(s.Source)[cur] {
				return fmt.Errorf("non-fast-forward %s: %w", s.Branch, driven.ErrPushRejected)
			}
		}
	}
	for _, s := range specs {
		if s.Source == "" {
			delete(r.remote, s.Branch)
			delete(r.tracking, s.Branch)
			continue
		}
		r.remote[s.Branch] = s.Source
		r.tracking[s.Branch] = s.Source
	}
	r.Pushes = append(r.Pushes, slices.Clone(specs))
	return nil
}

func (r *FakeRepo) Fetch(_ context.Context, branches ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Fetches = append(r.Fetches, slices.Clone(branches))
	for _, b := range branches {
		tip, ok := r.remote[b]
		if !ok {
			return fmt.Errorf("fetch %s: %w", b, driven.ErrRefNotFound)
		}
		r.tracking[b] = tip
	}
	return nil
}

func (r *FakeRepo) RemoteBranches(_ context.Context) (map[string]model.CommitID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.remote), nil
}
