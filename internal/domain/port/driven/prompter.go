package driven

import (
	"context"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

// NotePrompter asks the user for the message of an incremental update
// commit. An empty answer aborts the publish.
type NotePrompter interface {
	PromptUpdateNote(ctx context.Context, req model.ReviewRequest, commit model.LocalCommit) (string, error)
}
