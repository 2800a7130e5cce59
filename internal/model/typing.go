package model

import "time"

// TypingStatus is the ephemeral typing state of one participant in a conversation.
// It is upserted in place keyed by (ConversationID, UserID).
type TypingStatus struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}
