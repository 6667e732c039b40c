package git

import (
	"errors"
	"strings"
)

var (
	// ErrNotGitRepo indicates the path is not inside a git work tree.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrUnsupportedGit indicates the installed git lacks a required
	// command, such as merge-tree --write-tree (git 2.40 and later).
	ErrUnsupportedGit = errors.New("git 2.40 or later is required")
)

// Error wraps a failed git command with context.
type Error struct {
	Op     string // Operation that failed (e.g., "push", "read commit")
	Cmd    string // Git command that was run
	Output string // stderr output
	Err    error  // Underlying error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return e.Op + ": " + strings.TrimSpace(e.Output)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
