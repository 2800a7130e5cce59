// Package store is the relational store behind the chat: conversations,
// messages and typing status.
package store

import (
	"context"
	"errors"

	"github.com/vetlink/chat-sync/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
	// ErrInvalidInput is returned for missing required fields.
	ErrInvalidInput = errors.New("store: invalid input")
)

// ConversationStore finds and creates conversations.
type ConversationStore interface {
	// FindConversation returns the conversation between a and b in either role order.
	FindConversation(ctx context.Context, a, b string) (model.Conversation, error)
	// CreateConversation inserts a conversation. ErrConflict means the pair already exists.
	CreateConversation(ctx context.Context, ownerID, professionalID string) (model.Conversation, error)
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
}

// MessageStore reads and writes message rows.
type MessageStore interface {
	// ListMessages returns every message of a conversation ordered by creation time.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	// InsertMessage inserts a row. When a row with the same (conversation, client id)
	// exists it is returned with duplicated=true and nothing is written.
	InsertMessage(ctx context.Context, in model.NewMessage) (msg model.Message, duplicated bool, err error)
	// MarkRead flags a message not authored by readerID as read (and delivered).
	// changed is false when the message was already read.
	MarkRead(ctx context.Context, messageID, readerID string) (msg model.Message, changed bool, err error)
	// MarkDelivered records the recipient's delivery acknowledgment.
	MarkDelivered(ctx context.Context, messageID, recipientID string) (msg model.Message, changed bool, err error)
	// DeleteMessage deletes a message authored by senderID.
	DeleteMessage(ctx context.Context, messageID, senderID string) (model.Message, error)
}

// TypingStore upserts typing status keyed by (conversation, user).
type TypingStore interface {
	UpsertTyping(ctx context.Context, status model.TypingStatus) error
}
