package application

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/stacksync/internal/domain/message"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/testutil"
)

// harness wires a StackService to in-memory adapters.
type harness struct {
	repo     *testutil.FakeRepo
	platform *testutil.FakePlatform
	store    *testutil.FakeStore
	svc      *StackService
}

func testSettings() Settings {
	return Settings{
		Trunk:           "main",
		BranchPrefix:    "stacksync/",
		RequireApproval: true,
		MinApprovals:    1,
		RequireTestPlan: true,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := testutil.NewFakeRepo("main", map[string]string{"README.md": "hello\n"})
	platform := testutil.NewFakePlatform(repo)
	store := testutil.NewFakeStore()
	return &harness{
		repo:     repo,
		platform: platform,
		store:    store,
		svc:      NewStackService(repo, platform, store, nil, testSettings()),
	}
}

// commitMessage builds a valid message with a description and test plan.
func commitMessage(title string) string {
	return title + "\n\nImplements " + strings.ToLower(title) + ".\n\nTest Plan: go test ./..."
}

func (h *harness) headMeta() model.CommitMetadata {
	return message.Parse(h.repo.HeadCommit().Message)
}

func (h *harness) metaOf(id model.CommitID) model.CommitMetadata {
	return message.Parse(h.repo.CommitObject(id).Message)
}

func (h *harness) request(t *testing.T, id model.RequestID) model.ReviewRequest {
	t.Helper()
	req, ok := h.platform.Request(id)
	require.True(t, ok, "request #%d exists", id)
	return req
}

func (h *harness) diff(t *testing.T, opts DiffOptions) DiffReport {
	t.Helper()
	report, err := h.svc.Diff(context.Background(), opts)
	require.NoError(t, err)
	return report
}

func (h *harness) pushCount() int {
	return len(h.repo.Pushes)
}
