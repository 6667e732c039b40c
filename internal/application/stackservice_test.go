package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

func TestStatus_ReportsStates(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.repo.Commit(commitMessage("Add b"), map[string]string{"b.txt": "b\n"})
	h.repo.Commit(commitMessage("Add c"), map[string]string{"c.txt": "c\n"})
	h.diff(t, DiffOptions{All: true})
	h.platform.Approve(1, "alice")
	h.platform.Approve(2, "alice")
	h.repo.Amend("", map[string]string{"c.txt": "c2\n"})
	h.repo.Dirty = true

	status, err := h.svc.Status(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, status.Entries, 3)
	assert.Equal(t, model.StateReadyToLand, status.Entries[0].State)
	assert.Equal(t, model.StateCreated, status.Entries[1].State, "parent not on trunk yet")
	assert.Equal(t, model.StateNeedsUpdate, status.Entries[2].State)
	assert.Equal(t, model.RequestID(3), status.Entries[2].RequestID)
	assert.Equal(t, []string{"CreateRequest", "CreateRequest", "CreateRequest"}, h.platform.MutatingCalls())
}

func TestStatus_EmptyChain(t *testing.T) {
	h := newHarness(t)

	status, err := h.svc.Status(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, status.Entries)
	assert.Equal(t, "main", status.Trunk)
}

func TestAmend_PullsRemoteMessage(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.diff(t, DiffOptions{})
	h.platform.EditRemote(1, "Add a (edited)", "Reviewer wording.\n\nTest Plan: manual run")
	h.platform.Approve(1, "alice")
	tree := h.repo.HeadCommit().Tree

	report, err := h.svc.Amend(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []int{0}, report.Rewritten)
	meta := h.headMeta()
	assert.Equal(t, "Add a (edited)", meta.Title)
	assert.Equal(t, "Reviewer wording.", meta.Description)
	require.NotNil(t, meta.TestPlan)
	assert.Equal(t, "manual run", *meta.TestPlan)
	assert.Equal(t, []string{"alice"}, meta.ApprovedBy)
	assert.Equal(t, h.request(t, 1).URL, meta.ReviewRequestRef)
	assert.Equal(t, tree, h.repo.HeadCommit().Tree, "content unchanged")

	// The pulled message is now the agreed one: no warning, nothing pushed.
	pushes := h.pushCount()
	diff := h.diff(t, DiffOptions{})
	assert.Empty(t, diff.Warnings)
	assert.Equal(t, OutcomeUpToDate, diff.Results[0].Outcome)
	assert.Equal(t, pushes, h.pushCount())
}

func TestFormat_Canonicalises(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit("Add a\nSummary: does a thing\ntest plan:   ran it\n\n\nreviewers: bob (Bob B), alice, bob", map[string]string{"a.txt": "a\n"})
	h.repo.Commit("Add b", map[string]string{"b.txt": "b\n"})

	report, err := h.svc.Format(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, []int{0}, report.Rewritten, "a bare title is already canonical")
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "Test Plan")

	chain, err := NewHistoryWalker(h.repo, "main").Walk(context.Background(), WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t,
		"Add a\n\ndoes a thing\n\nTest Plan: ran it\n\nReviewers: bob, alice",
		chain.Commits[0].Commit.Message)

	again, err := h.svc.Format(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, again.Rewritten)
}

func TestClose_ClosesAndStripsLink(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.repo.Commit(commitMessage("Add b"), map[string]string{"b.txt": "b\n"})
	h.diff(t, DiffOptions{All: true})
	h.platform.Approve(2, "alice")
	reqB := h.request(t, 2)

	report, err := h.svc.Close(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, report.Rewritten)
	assert.Equal(t, model.RequestClosed, h.request(t, 2).State)
	assert.Equal(t, model.RequestOpen, h.request(t, 1).State)
	assert.Empty(t, h.repo.RemoteTip(reqB.HeadRef))
	assert.Empty(t, h.repo.RemoteTip(reqB.BaseRef))

	meta := h.headMeta()
	assert.Empty(t, meta.ReviewRequestRef)
	assert.Empty(t, meta.ApprovedBy)
	assert.Equal(t, "Add b", meta.Title)
}

func TestList_OpenRequests(t *testing.T) {
	h := newHarness(t)
	h.repo.Commit(commitMessage("Add a"), map[string]string{"a.txt": "a\n"})
	h.repo.Commit(commitMessage("Add b"), map[string]string{"b.txt": "b\n"})
	h.diff(t, DiffOptions{All: true})
	h.platform.Close(1)

	reqs, err := h.svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "Add b", reqs[0].Title)
}

func TestInterrupted_ReportedOnce(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.StartOperation(context.Background(), model.Operation{Kind: model.OperationLand})
	require.NoError(t, err)

	ops, err := h.svc.Interrupted(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OperationLand, ops[0].Kind)

	ops, err = h.svc.Interrupted(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)

	journal, err := h.svc.Journal(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, errInterrupted.Error(), journal[0].Error)
}
