package bot

import "errors"

var (
	// ErrSessionNotFound is returned for operations on an unknown session
	// ID, after rehydration from persisted history has been attempted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCompletionFailure wraps failures of the external completion
	// collaborator. The session is left exactly as it was before the turn,
	// so the caller may retry the same turn.
	ErrCompletionFailure = errors.New("completion failed")

	// ErrConversationComplete is returned when a turn arrives for a session
	// that has already reached its message cap.
	ErrConversationComplete = errors.New("conversation complete")
)
