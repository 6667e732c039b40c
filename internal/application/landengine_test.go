package application

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

func TestLand_SingleCommit(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a")+"\n\nReviewers: alice", map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.Approve(1, "alice")

	res, err := h.svc.Land(context.Background(), LandOptions{})
	require.NoError(t, err)

	req := h.request(t, 1)
	assert.Equal(t, model.RequestMerged, req.State)
	assert.Equal(t, h.repo.RemoteTip("main"), res.TrunkTip)

	landed := h.repo.CommitObject(res.TrunkTip)
	assert.Equal(t, map[string]string{"README.md": "hello\n", "a.txt": "a\n"}, h.repo.Files(landed.ID))
	landedMeta := h.metaOf(landed.ID)
	assert.Equal(t, "Add a", landedMeta.Title)
	assert.Equal(t, []string{"alice"}, landedMeta.ApprovedBy)
	assert.Equal(t, req.URL, landedMeta.ReviewRequestRef)

	assert.True(t, res.Rebased)
	assert.Equal(t, res.TrunkTip, h.repo.Head(), "branch with nothing left moves to trunk")
	assert.Equal(t, res.TrunkTip, h.repo.LocalRef("refs/heads/main"), "local trunk fast-forwarded")
	assert.Empty(t, h.repo.RemoteTip(req.HeadRef), "head branch deleted")

	rec, err := h.store.LastPublished(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLand_StackRetargetsDependent(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.repo.Commit(commitMessage("Add b"), map[string]string{"b.txt": "b\n"})
	h.diff(t, DiffOptions{All: true})
	h.platform.Approve(1, "alice")

	res, err := h.svc.Land(context.Background(), LandOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"README.md": "hello\n", "a.txt": "a\n"}, h.repo.Files(res.TrunkTip))

	head := h.repo.HeadCommit()
	assert.Equal(t, res.TrunkTip, head.Parent(), "remaining commit rebased onto the landed one")
	assert.Equal(t, "Add b", h.headMeta().Title)

	reqB := h.request(t, 2)
	assert.Equal(t, "main", reqB.BaseRef)
	assert.Empty(t, h.repo.RemoteTip("stacksync/main.add-b"), "synthetic base deleted")
	require.Len(t, res.Republished, 1)
	assert.Equal(t, OutcomeUpdated, res.Republished[0].Outcome)
	assert.Equal(t, "Rebase onto main after landing #1", h.repo.CommitObject(h.repo.RemoteTip(reqB.HeadRef)).Message)

	// The dependent is now landable in the default mode.
	h.platform.Approve(2, "bob")
	res2, err := h.svc.Land(context.Background(), LandOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"README.md": "hello\n", "a.txt": "a\n", "b.txt": "b\n"}, h.repo.Files(res2.TrunkTip))
	assert.Equal(t, res2.TrunkTip, h.repo.Head())
}

func TestLand_RetargetsDependentWithLocalChanges(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.repo.Commit(commitMessage("Add b"), map[string]string{"b.txt": "b\n"})
	h.diff(t, DiffOptions{All: true})
	h.repo.Amend("", map[string]string{"b.txt": "b, revised\n"})
	h.platform.Approve(1, "alice")

	res, err := h.svc.Land(context.Background(), LandOptions{})
	require.NoError(t, err)

	assert.Empty(t, res.Republished, "local changes wait for an update note")
	reqB := h.request(t, 2)
	assert.Equal(t, "main", reqB.BaseRef)
	assert.Empty(t, h.repo.RemoteTip("stacksync/main.add-b"), "synthetic base deleted")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "request #2")
	assert.Contains(t, res.Warnings[0], "run diff")

	report := h.diff(t, DiffOptions{Note: "Revise b"})
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeUpdated, report.Results[0].Outcome)
	assert.Equal(t, "b, revised\n", h.repo.Files(h.repo.RemoteTip(reqB.HeadRef))["b.txt"])
}

func TestLand_ManualEditToRequestBranch(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.Approve(1, "alice")
	req := h.request(t, 1)
	h.repo.RemoteCommit(req.HeadRef, "Sneaky fix", map[string]string{"extra.txt": "unreviewed\n"})

	_, err := h.svc.Land(context.Background(), LandOptions{})

	require.ErrorIs(t, err, ErrTreeMismatch)
	assert.ErrorIs(t, err, ErrNeedsPublish)
	var mismatch *TreeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.NotEqual(t, mismatch.Merged, mismatch.Local)
	assert.NotContains(t, h.platform.Calls, "MergeRequest")
	assert.Equal(t, model.RequestOpen, h.request(t, 1).State)
}

func TestLand_TrunkConflict(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Edit readme"), map[string]string{"README.md": "local\n"})
	h.diff(t, DiffOptions{})
	h.platform.Approve(1, "alice")
	h.repo.RemoteCommit("main", "Upstream edit", map[string]string{"README.md": "upstream\n"})

	_, err := h.svc.Land(context.Background(), LandOptions{})

	assert.ErrorIs(t, err, ErrCherryPickConflict)
	assert.NotContains(t, h.platform.Calls, "MergeRequest")
}

func TestLand_TrunkMovedWithoutConflict(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.Approve(1, "alice")
	h.repo.RemoteCommit("main", "Upstream", map[string]string{"up.txt": "up\n"})

	res, err := h.svc.Land(context.Background(), LandOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"README.md": "hello\n", "a.txt": "a\n", "up.txt": "up\n"}, h.repo.Files(res.TrunkTip))
}

func TestLand_Gates(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		opts    LandOptions
		wantErr error
	}{
		{
			name:    "no commits",
			setup:   func(*testing.T, *harness) {},
			wantErr: ErrNoCommits,
		},
		{
			name: "missing test plan",
			setup: func(t *testing.T, h *harness) {
				h.repo.Commit("Add a\n\nPull Request: https://review.example.test/acme/app/pull/1", map[string]string{"a.txt": "a\n"})
			},
			wantErr: ErrTestPlanMissing,
		},
		{
			name: "not published",
			setup: func(t *testing.T, h *harness) {
				h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
			},
			wantErr: ErrNotPublished,
		},
		{
			name: "dirty working tree",
			setup: func(t *testing.T, h *harness) {
				h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
				h.repo.Dirty = true
			},
			wantErr: ErrDirtyWorkingTree,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)

			_, err := h.svc.Land(context.Background(), tt.opts)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, h.platform.Calls, "no platform call before local checks pass")
			assert.Empty(t, h.repo.Fetches)
		})
	}
}

func TestLand_NotApproved(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})

	_, err := h.svc.Land(context.Background(), LandOptions{})

	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Equal(t, []string{"CreateRequest"}, h.platform.MutatingCalls())
}

func TestLand_ParentNotLanded(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.repo.Commit(commitMessage("Add b"), map[string]string{"b.txt": "b\n"})
	h.diff(t, DiffOptions{All: true})
	h.platform.Approve(2, "alice")

	_, err := h.svc.Land(context.Background(), LandOptions{Revision: "HEAD"})

	assert.ErrorIs(t, err, ErrParentNotLanded)
}

func TestLand_AlreadyLanded(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.Approve(1, "alice")
	req := h.request(t, 1)
	_, err := h.platform.MergeRequest(context.Background(), 1, driven.MergeSpec{Title: req.Title})
	require.NoError(t, err)

	_, err = h.svc.Land(context.Background(), LandOptions{})

	assert.ErrorIs(t, err, ErrAlreadyLanded)
}

func TestLand_ClosedRequest(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.Close(1)

	_, err := h.svc.Land(context.Background(), LandOptions{})

	assert.ErrorIs(t, err, ErrRequestClosed)
}

func TestLand_ApprovalPolicy(t *testing.T) {
	h := newHarness(t)
	settings := testSettings()
	settings.MinApprovals = 2
	h.svc = NewStackService(h.repo, h.platform, h.store, nil, settings)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.Approve(1, "alice")

	_, err := h.svc.Land(context.Background(), LandOptions{})
	require.ErrorIs(t, err, ErrNotApproved)

	h.platform.Approve(1, "bob")
	_, err = h.svc.Land(context.Background(), LandOptions{})
	require.NoError(t, err)
}

func TestLand_MergeFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.Approve(1, "alice")
	h.platform.MergeErr = fmt.Errorf("branch protection: %w", driven.ErrMergeRejected)
	head := h.repo.Head()

	_, err := h.svc.Land(context.Background(), LandOptions{})

	assert.ErrorIs(t, err, driven.ErrMergeRejected)
	assert.Equal(t, head, h.repo.Head(), "local branch untouched")
	assert.Equal(t, model.RequestOpen, h.request(t, 1).State)

	ops, err := h.svc.Journal(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.OperationLand, ops[0].Kind)
	assert.Contains(t, ops[0].Error, "branch protection")
}

func TestLand_CherryPickModeLandsAnyCommit(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.repo.Commit(commitMessage("Add b"), map[string]string{"b.txt": "b\n"})
	h.diff(t, DiffOptions{All: true, CherryPick: true})

	reqB := h.request(t, 2)
	assert.Equal(t, "main", reqB.BaseRef)
	assert.Equal(t, map[string]string{"README.md": "hello\n", "b.txt": "b\n"}, h.repo.Files(h.repo.RemoteTip(reqB.HeadRef)))

	h.platform.Approve(2, "alice")
	res, err := h.svc.Land(context.Background(), LandOptions{CherryPick: true, Revision: "HEAD"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"README.md": "hello\n", "b.txt": "b\n"}, h.repo.Files(res.TrunkTip))
	assert.Equal(t, "Add a", h.headMeta().Title)
	assert.Equal(t, res.TrunkTip, h.repo.HeadCommit().Parent())

	require.Len(t, res.Republished, 1)
	reqA := h.request(t, 1)
	assert.Equal(t, map[string]string{"README.md": "hello\n", "a.txt": "a\n", "b.txt": "b\n"}, h.repo.Files(h.repo.RemoteTip(reqA.HeadRef)))
}

func TestLand_DropsCommitsThatBecomeEmpty(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.Approve(1, "alice")
	// Someone already pushed the same follow-up to trunk.
	h.repo.Commit(commitMessage("Add up"), map[string]string{"up.txt": "up\n"})
	h.repo.RemoteCommit("main", "Upstream", map[string]string{"up.txt": "up\n"})

	res, err := h.svc.Land(context.Background(), LandOptions{})
	require.NoError(t, err)

	assert.Equal(t, res.TrunkTip, h.repo.Head())
	assert.Empty(t, res.Warnings)
}
