package driven

import (
	"context"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

// SyncStore defines the driven port for local bookkeeping: what was last
// published per request and a journal of engine operations.
type SyncStore interface {
	RecordPublished(ctx context.Context, rec model.PublishedRecord) error
	// LastPublished returns (nil, nil) when nothing was recorded.
	LastPublished(ctx context.Context, id model.RequestID) (*model.PublishedRecord, error)
	ForgetPublished(ctx context.Context, id model.RequestID) error

	// StartOperation journals a new operation and returns its ID.
	StartOperation(ctx context.Context, op model.Operation) (string, error)
	// FinishOperation marks an operation complete; opErr may be nil.
	FinishOperation(ctx context.Context, id string, opErr error) error
	UnfinishedOperations(ctx context.Context) ([]model.Operation, error)
	RecentOperations(ctx context.Context, limit int) ([]model.Operation, error)
}
