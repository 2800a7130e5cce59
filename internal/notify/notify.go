// Package notify dispatches push notification requests. Delivery to devices
// is done by a separate consumer of the push subjects.
package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/realtime"
)

// ErrNoTarget is returned for a notification without a target user.
var ErrNoTarget = errors.New("notify: missing target user")

// Notifier sends one push notification.
type Notifier interface {
	Notify(ctx context.Context, n model.PushNotification) error
}

// Publisher publishes notifications on push.<user> subjects.
type Publisher struct {
	pub realtime.Publisher
}

// NewPublisher constructs a Notifier over a realtime publisher.
func NewPublisher(pub realtime.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

// Notify implements Notifier.
func (p *Publisher) Notify(ctx context.Context, n model.PushNotification) error {
	if n.TargetUserID == "" {
		return ErrNoTarget
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.pub.Publish(ctx, realtime.PushSubject(n.TargetUserID), data)
}

// NewMessageNotification builds the notification for an incoming message.
func NewMessageNotification(targetUserID string, m model.Message) model.PushNotification {
	body := m.Text()
	if body == "" && m.ImageURL != nil {
		body = "Sent you a photo"
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	return model.PushNotification{
		TargetUserID: targetUserID,
		Title:        "New message",
		Body:         body,
		Data: map[string]string{
			"type":            "chat_message",
			"conversation_id": m.ConversationID,
			"message_id":      m.ID,
			"sender_id":       m.SenderID,
		},
	}
}
