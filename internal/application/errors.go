package application

import (
	"errors"
	"fmt"

	"github.com/ericfisherdev/stacksync/internal/domain/message"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// Precondition errors: nothing has been changed when these are returned.
var (
	ErrDirtyWorkingTree = errors.New("working tree has uncommitted changes")
	ErrNotLinearHistory = errors.New("history between trunk and HEAD contains merge commits")
	ErrTestPlanMissing  = message.ErrTestPlanMissing
	ErrTitleMissing     = message.ErrTitleMissing
	ErrNoCommits        = errors.New("no commits between trunk and HEAD")
	ErrNotPublished     = errors.New("commit has no review request; publish it first")
	ErrParentNotLanded  = errors.New("parent commit is not on trunk; land it first or use cherry-pick mode")
	ErrRequestClosed    = errors.New("review request is closed")
	ErrAlreadyLanded    = errors.New("review request was already landed")
	ErrNeedsPublish     = errors.New("review request does not hold the local commit; publish first")
)

// Consistency errors: detected before any irreversible remote mutation.
var (
	ErrTreeMismatch       = errors.New("squash-merge result differs from the local commit applied to trunk")
	ErrCherryPickConflict = errors.New("commit does not apply cleanly onto trunk")
	ErrPushRejected       = driven.ErrPushRejected
)

// ErrNotApproved is the policy gate for landing.
var ErrNotApproved = errors.New("review request is not approved")

// ErrAborted is returned when the user gives an empty update note.
var ErrAborted = errors.New("aborted: empty update note")

// TreeMismatchError carries both trees of a failed equivalence check.
type TreeMismatchError struct {
	Request model.RequestID
	// Merged is the tree a squash merge would produce; empty when the request
	// does not merge cleanly.
	Merged model.TreeID
	Local  model.TreeID
	// Unpublished is set when the request head already differs from the
	// local commit before any merge is attempted.
	Unpublished bool
}

func (e *TreeMismatchError) Error() string {
	if e.Unpublished {
		return fmt.Sprintf("request #%d holds tree %s but the local commit has %s; publish again before landing",
			e.Request, e.Merged, e.Local)
	}
	if e.Merged == "" {
		return fmt.Sprintf("request #%d does not merge cleanly into trunk (local tree %s); rebase and publish again",
			e.Request, e.Local)
	}
	return fmt.Sprintf("request #%d would land tree %s but the local commit gives %s; publish again before landing",
		e.Request, e.Merged, e.Local)
}

func (e *TreeMismatchError) Unwrap() []error {
	if e.Unpublished {
		return []error{ErrTreeMismatch, ErrNeedsPublish}
	}
	return []error{ErrTreeMismatch}
}
