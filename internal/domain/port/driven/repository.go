package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

var (
	// ErrRefNotFound is returned when a local ref, remote branch or commit
	// does not exist.
	ErrRefNotFound = errors.New("ref not found")
	// ErrMergeConflict is returned by CherryPick and MergeTrees when the
	// three-way merge does not apply cleanly.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrPushRejected is returned when the remote refused a push because a
	// branch moved out of band (non-fast-forward or stale lease).
	ErrPushRejected = errors.New("push rejected by remote")
	// ErrRefChanged is returned by UpdateRef when the ref no longer holds
	// the expected old value.
	ErrRefChanged = errors.New("ref changed concurrently")
)

// NewCommit describes a commit object to create.
type NewCommit struct {
	Tree      model.TreeID
	Parents   []model.CommitID
	Message   string
	Author    model.Signature
	Committer model.Signature
}

// PushSpec is one ref update of an atomic push to the configured remote.
type PushSpec struct {
	// Source is the commit to push; empty deletes Branch.
	Source model.CommitID
	Branch string
	// Force allows a non-fast-forward update guarded by Lease: the remote
	// branch must still point at Lease, or be absent when Lease is empty.
	Force bool
	Lease model.CommitID
}

// Repository is the version-control capability the engine drives. Remote
// branches are addressed by their bare name on the configured remote.
type Repository interface {
	// GitDir returns the repository's administrative directory.
	GitDir() string

	ReadCommit(ctx context.Context, id model.CommitID) (model.Commit, error)
	// ResolveRef resolves a local ref or revision to a commit.
	ResolveRef(ctx context.Context, ref string) (model.CommitID, error)
	// ResolveRemote resolves the last fetched tip of a remote branch.
	ResolveRemote(ctx context.Context, branch string) (model.CommitID, error)
	MergeBase(ctx context.Context, a, b model.CommitID) (model.CommitID, error)
	IsAncestor(ctx context.Context, ancestor, descendant model.CommitID) (bool, error)
	// ListCommits returns the commits reachable from head but not from base,
	// oldest first.
	ListCommits(ctx context.Context, base, head model.CommitID) ([]model.Commit, error)
	DiffTree(ctx context.Context, a, b model.TreeID) (model.TreeDelta, error)

	CreateCommit(ctx context.Context, c NewCommit) (model.CommitID, error)
	// CherryPick returns the tree of applying commit's change (relative to
	// its first parent) on top of onto, or ErrMergeConflict.
	CherryPick(ctx context.Context, commit, onto model.CommitID) (model.TreeID, error)
	// MergeTrees returns the tree of a three-way merge of ours and theirs
	// using their merge base, or ErrMergeConflict.
	MergeTrees(ctx context.Context, ours, theirs model.CommitID) (model.TreeID, error)

	// UpdateRef moves a local ref. A non-empty expectedOld makes the update
	// conditional. "HEAD" updates the checked-out branch.
	UpdateRef(ctx context.Context, name string, target, expectedOld model.CommitID) error
	// ResetTo moves the checked-out branch to commit and updates the working
	// tree to match.
	ResetTo(ctx context.Context, commit model.CommitID) error
	CurrentBranch(ctx context.Context) (string, error)
	IsWorkingTreeClean(ctx context.Context) (bool, error)

	// Push applies all specs atomically.
	Push(ctx context.Context, specs []PushSpec) error
	// Fetch updates the remote-tracking refs of the given branches.
	Fetch(ctx context.Context, branches ...string) error
	// RemoteBranches lists the branches currently on the remote.
	RemoteBranches(ctx context.Context) (map[string]model.CommitID, error)
}
