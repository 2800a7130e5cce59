// Package model defines data structures for the chat service.
package model

import (
	"time"
)

// Conversation is the durable pairing of a pet owner and a professional.
type Conversation struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	ProfessionalID string    `json:"professional_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Peer returns the participant that is not selfID.
func (c Conversation) Peer(selfID string) string {
	if c.OwnerID == selfID {
		return c.ProfessionalID
	}
	return c.OwnerID
}

// Has reports whether userID participates in the conversation.
func (c Conversation) Has(userID string) bool {
	return userID != "" && (c.OwnerID == userID || c.ProfessionalID == userID)
}

// ResolveConversationRequest is the request to find or create a conversation with a peer.
type ResolveConversationRequest struct {
	PeerID string `json:"peer_id" validate:"required,max=128"`
}

// ResolveConversationResponse is the response of a conversation resolution.
type ResolveConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}
