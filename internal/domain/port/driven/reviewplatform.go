package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

var (
	// ErrRequestNotFound is returned when a review request does not exist.
	ErrRequestNotFound = errors.New("review request not found")
	// ErrMergeRejected is returned when the platform refuses to merge, for
	// example because the head moved since it was verified.
	ErrMergeRejected = errors.New("merge rejected by platform")
)

// NewRequest holds the fields for opening a review request.
type NewRequest struct {
	HeadRef     string
	BaseRef     string
	Title       string
	Description string
	Draft       bool
}

// RequestUpdate lists the fields to change; nil fields are left alone.
type RequestUpdate struct {
	BaseRef     *string
	Title       *string
	Description *string
	State       *model.RequestState
}

// IsEmpty reports whether the update changes nothing.
func (u RequestUpdate) IsEmpty() bool {
	return u.BaseRef == nil && u.Title == nil && u.Description == nil && u.State == nil
}

// MergeSpec describes a squash merge.
type MergeSpec struct {
	Title   string
	Message string
	// ExpectedHead makes the merge fail if the request head moved.
	ExpectedHead model.CommitID
}

// ReviewPlatform is the review-hosting capability the engine drives.
type ReviewPlatform interface {
	CreateRequest(ctx context.Context, req NewRequest) (model.ReviewRequest, error)
	UpdateRequest(ctx context.Context, id model.RequestID, upd RequestUpdate) error
	// GetRequest returns the live request, including approval state.
	// Returns ErrRequestNotFound when it does not exist.
	GetRequest(ctx context.Context, id model.RequestID) (model.ReviewRequest, error)
	// MergeRequest squash-merges the request and returns the new trunk tip.
	MergeRequest(ctx context.Context, id model.RequestID, spec MergeSpec) (model.CommitID, error)
	// AddReviewers requests review. Names starting with "#" are teams.
	AddReviewers(ctx context.Context, id model.RequestID, reviewers []string) error
	// ListOpenRequests returns the open requests authored by the current user.
	ListOpenRequests(ctx context.Context) ([]model.ReviewRequest, error)
	// CurrentUser returns the login the platform token authenticates as.
	CurrentUser(ctx context.Context) (string, error)

	// ParseRequestRef extracts the request number from a "Pull Request:"
	// value (a URL, "#12" or "12").
	ParseRequestRef(ref string) (model.RequestID, bool)
	RequestURL(id model.RequestID) string
}
