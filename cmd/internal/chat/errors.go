package chat

import "errors"

var (
	// ErrSameParticipant is returned when both sides of a conversation are
	// the same user.
	ErrSameParticipant = errors.New("conversation requires two distinct participants")

	// ErrEmptyMessage is returned for empty or whitespace-only message text.
	ErrEmptyMessage = errors.New("message text is empty")

	// ErrMissingUser is returned when a participant id is empty.
	ErrMissingUser = errors.New("missing user id")

	// ErrMissingConversation is returned when an operation requires a
	// conversation id and none was given. A lookup that finds no
	// conversation between two users is NOT an error; the directory returns
	// a nil projection for that.
	ErrMissingConversation = errors.New("missing conversation id")
)
