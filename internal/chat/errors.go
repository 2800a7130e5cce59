// Package chat implements one participant's live view of a conversation:
// resolution, optimistic sends with retry, realtime merge and typing state.
package chat

import "errors"

var (
	ErrInvalidParticipants = errors.New("chat: invalid participants")
	ErrResolveFailed       = errors.New("chat: conversation could not be resolved")
	ErrNotAuthor           = errors.New("chat: only the author can delete a message")
	ErrMessageNotFound     = errors.New("chat: message not found")
	ErrUnknownFailedSend   = errors.New("chat: no failed send with that id")
	ErrSessionClosed       = errors.New("chat: session closed")
	ErrAttachmentRead      = errors.New("chat: attachment could not be read")
	ErrChannelClosed       = errors.New("chat: channel closed")
)
