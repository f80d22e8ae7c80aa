package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelUnavailable is returned when a send or mark-read is
	// attempted while the live channel is disconnected.
	ErrChannelUnavailable = errors.New("live channel unavailable")

	// ErrPendingConversation is returned when sending to a placeholder
	// conversation the server has not persisted yet.
	ErrPendingConversation = errors.New("conversation is pending")

	// ErrUnknownConversation is returned for conversations not in the directory.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrHistoryFetch matches every *HistoryFetchError.
	ErrHistoryFetch = errors.New("history fetch failed")
)

// HistoryFetchError describes a failed history page fetch. The page's
// completion marker has already been rolled back when it is returned.
type HistoryFetchError struct {
	ConversationID string
	Page           int
	Err            error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("fetch history %s page %d: %v", e.ConversationID, e.Page, e.Err)
}

func (e *HistoryFetchError) Unwrap() []error {
	return []error{ErrHistoryFetch, e.Err}
}
