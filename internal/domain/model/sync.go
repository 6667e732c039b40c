package model

import "time"

// PublishedRecord is what this machine last pushed for a request. It only
// disambiguates which side edited the title/description since then; the
// platform stays the source of truth for everything else.
type PublishedRecord struct {
	RequestID   RequestID
	Title       string
	Description string
	HeadCommit  CommitID
	BaseCommit  CommitID
	Tree        TreeID
	PublishedAt time.Time
}

// Operation is a journal entry for a mutating engine run. Entries that never
// finish point at an interrupted run.
type Operation struct {
	ID         string
	Kind       OperationKind
	CommitID   CommitID
	RequestID  RequestID
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
}

// Finished reports whether the operation ran to completion (with or without error).
func (o Operation) Finished() bool {
	return o.FinishedAt != nil
}
