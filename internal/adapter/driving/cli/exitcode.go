package cli

import (
	"errors"

	"github.com/ericfisherdev/stacksync/internal/adapter/driven/git"
	"github.com/ericfisherdev/stacksync/internal/application"
	"github.com/ericfisherdev/stacksync/internal/config"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

var errNoToken = errors.New("no API token configured")

var preconditionErrors = []error{
	application.ErrDirtyWorkingTree,
	application.ErrNotLinearHistory,
	application.ErrTestPlanMissing,
	application.ErrTitleMissing,
	application.ErrNoCommits,
	application.ErrNotPublished,
	application.ErrParentNotLanded,
	application.ErrRequestClosed,
	application.ErrAlreadyLanded,
	application.ErrNeedsPublish,
	application.ErrAborted,
	git.ErrUnsupportedGit,
}

var consistencyErrors = []error{
	application.ErrTreeMismatch,
	application.ErrCherryPickConflict,
	application.ErrPushRejected,
	driven.ErrMergeRejected,
	driven.ErrRefChanged,
}

// exitCode maps an error returned by a command to the process exit code.
// Consistency errors win over preconditions, since a tree mismatch that asks
// for a new publish is still a refused land.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, config.ErrIncomplete), errors.Is(err, git.ErrNotGitRepo):
		return ExitUsageError
	case errors.Is(err, errNoToken), errors.Is(err, driven.ErrEncryptionKeyNotSet):
		return ExitAuthError
	case errors.Is(err, application.ErrNotApproved):
		return ExitNotApproved
	case isAny(err, consistencyErrors):
		return ExitConsistency
	case isAny(err, preconditionErrors):
		return ExitPrecondition
	default:
		return ExitRuntimeError
	}
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
