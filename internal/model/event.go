package model

import (
	"time"
)

// ChangeOp is the kind of row change carried by a realtime event.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// MessageChange is published on a conversation's message subject after every write.
type MessageChange struct {
	Op      ChangeOp `json:"op"`
	Message Message  `json:"message"`
	// ActorID is the participant whose client caused the change.
	ActorID     string    `json:"actor_id"`
	CommittedAt time.Time `json:"committed_at"`
}

// TypingChange is published on a conversation's typing subject after every upsert.
type TypingChange struct {
	Status TypingStatus `json:"status"`
}

// PushNotification is a fire-and-forget request to notify a participant's devices.
type PushNotification struct {
	TargetUserID string            `json:"target_user_id"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
}

// ErrorEvent represents an error event sent to stream clients.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
