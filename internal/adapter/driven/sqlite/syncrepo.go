package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SyncStore = (*SyncRepo)(nil)

// SyncRepo is the SQLite implementation of the SyncStore port interface.
type SyncRepo struct {
	db  *DB
	now func() time.Time
}

// NewSyncRepo creates a new SyncRepo backed by the given DB.
func NewSyncRepo(db *DB) *SyncRepo {
	return &SyncRepo{db: db, now: time.Now}
}

// RecordPublished upserts what was last pushed for a request.
func (r *SyncRepo) RecordPublished(ctx context.Context, rec model.PublishedRecord) error {
	publishedAt := rec.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = r.now()
	}

	const query = `
		INSERT INTO published_requests (request_id, title, description, head_commit, base_commit, tree, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			head_commit = excluded.head_commit,
			base_commit = excluded.base_commit,
			tree = excluded.tree,
			published_at = excluded.published_at`

	_, err := r.db.Writer.ExecContext(ctx, query,
		int(rec.RequestID), rec.Title, rec.Description,
		string(rec.HeadCommit), string(rec.BaseCommit), string(rec.Tree),
		formatTime(publishedAt),
	)
	if err != nil {
		return fmt.Errorf("record published request %d: %w", rec.RequestID, err)
	}
	return nil
}

// LastPublished returns (nil, nil) when nothing was recorded for the request.
func (r *SyncRepo) LastPublished(ctx context.Context, id model.RequestID) (*model.PublishedRecord, error) {
	const query = `
		SELECT title, description, head_commit, base_commit, tree, published_at
		FROM published_requests WHERE request_id = ?`

	rec := model.PublishedRecord{RequestID: id}
	var head, base, tree, publishedAt string
	err := r.db.Reader.QueryRowContext(ctx, query, int(id)).Scan(
		&rec.Title, &rec.Description, &head, &base, &tree, &publishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get published request %d: %w", id, err)
	}

	rec.HeadCommit = model.CommitID(head)
	rec.BaseCommit = model.CommitID(base)
	rec.Tree = model.TreeID(tree)
	rec.PublishedAt, err = parseTime(publishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse published_at for request %d: %w", id, err)
	}
	return &rec, nil
}

// ForgetPublished removes the record for a request. No-op if none exists.
func (r *SyncRepo) ForgetPublished(ctx context.Context, id model.RequestID) error {
	const query = `DELETE FROM published_requests WHERE request_id = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, int(id)); err != nil {
		return fmt.Errorf("forget published request %d: %w", id, err)
	}
	return nil
}

// StartOperation journals a new operation under a fresh nanoid.
func (r *SyncRepo) StartOperation(ctx context.Context, op model.Operation) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate operation id: %w", err)
	}
	startedAt := op.StartedAt
	if startedAt.IsZero() {
		startedAt = r.now()
	}

	const query = `
		INSERT INTO operations (id, kind, commit_id, request_id, started_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err = r.db.Writer.ExecContext(ctx, query,
		id, string(op.Kind), string(op.CommitID), int(op.RequestID), formatTime(startedAt),
	)
	if err != nil {
		return "", fmt.Errorf("start %s operation: %w", op.Kind, err)
	}
	return id, nil
}

// FinishOperation marks an operation complete, recording opErr if non-nil.
func (r *SyncRepo) FinishOperation(ctx context.Context, id string, opErr error) error {
	var errText string
	if opErr != nil {
		errText = opErr.Error()
	}

	const query = `UPDATE operations SET finished_at = ?, error = ? WHERE id = ?`
	res, err := r.db.Writer.ExecContext(ctx, query, formatTime(r.now()), errText, id)
	if err != nil {
		return fmt.Errorf("finish operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish operation %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finish operation %s: not found", id)
	}
	return nil
}

// UnfinishedOperations returns operations that never finished, oldest first.
func (r *SyncRepo) UnfinishedOperations(ctx context.Context) ([]model.Operation, error) {
	const query = `
		SELECT id, kind, commit_id, request_id, started_at, finished_at, error
		FROM operations WHERE finished_at IS NULL
		ORDER BY started_at, rowid`
	return r.queryOperations(ctx, query)
}

// RecentOperations returns up to limit operations, newest first. A limit of
// zero or less returns all of them.
func (r *SyncRepo) RecentOperations(ctx context.Context, limit int) ([]model.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	const query = `
		SELECT id, kind, commit_id, request_id, started_at, finished_at, error
		FROM operations
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`
	return r.queryOperations(ctx, query, limit)
}

func (r *SyncRepo) queryOperations(ctx context.Context, query string, args ...any) ([]model.Operation, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var kind, commitID, startedAt string
		var requestID int
		var finishedAt sql.NullString
		if err := rows.Scan(&op.ID, &kind, &commitID, &requestID, &startedAt, &finishedAt, &op.Error); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = model.OperationKind(kind)
		op.CommitID = model.CommitID(commitID)
		op.RequestID = model.RequestID(requestID)

		op.StartedAt, err = parseTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at for operation %s: %w", op.ID, err)
		}
		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at for operation %s: %w", op.ID, err)
			}
			op.FinishedAt = &t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}
