package model

import (
	"strings"
	"time"
)

// TemporaryIDPrefix marks client-minted ids of messages that are not persisted yet.
const TemporaryIDPrefix = "local-"

// IsTemporaryID reports whether id was minted locally for an unpersisted message.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// Message represents a chat message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`

	// ClientID is the temporary id the sender used before persistence.
	ClientID string `json:"client_id,omitempty"`

	// Content; at least one is expected but an empty message is tolerated.
	Content  *string `json:"content,omitempty"`
	ImageURL *string `json:"image_url,omitempty"`

	// Receipts
	Read        bool       `json:"read"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsTemporary reports whether the message is an optimistic placeholder.
func (m Message) IsTemporary() bool {
	return IsTemporaryID(m.ID)
}

// Text returns the text content or an empty string.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Delivered reports whether the recipient acknowledged the message.
func (m Message) Delivered() bool {
	return m.DeliveredAt != nil || m.Read
}

// DeliveryStatus is the per-message tri-state used for receipt iconography.
// It is derived locally and never persisted.
type DeliveryStatus struct {
	Sent      bool `json:"sent"`
	Delivered bool `json:"delivered"`
	Read      bool `json:"read"`
}

// NewMessage is the input for persisting a message row.
type NewMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	ClientID       string
	Content        *string
	ImageURL       *string
	CreatedAt      time.Time
}

// SendMessageRequest is the JSON request to send a text message.
type SendMessageRequest struct {
	Text string `json:"text" validate:"max=10000"`
}

// SendMessageResponse is the response after queueing a message.
type SendMessageResponse struct {
	TempID string `json:"temp_id,omitempty"`
	Queued bool   `json:"queued"`
}

// TypingRequest reports the current content of the input box.
type TypingRequest struct {
	Text string `json:"text" validate:"max=10000"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
