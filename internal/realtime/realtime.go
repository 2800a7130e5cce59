// Package realtime defines the pub/sub boundary the chat sessions consume.
package realtime

import (
	"context"
	"errors"
	"fmt"
)

// Status is the lifecycle status reported for a subscription.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// ErrBrokerClosed is returned when subscribing on a closed broker.
var ErrBrokerClosed = errors.New("realtime: broker closed")

// Handler receives the raw payload of one event.
type Handler func(data []byte)

// StatusHandler receives subscription lifecycle changes.
// err is non-nil for StatusChannelError and for an unexpected StatusClosed.
type StatusHandler func(status Status, err error)

// Subscription is a live subscription handle.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
}

// Publisher publishes events to a subject.
type Publisher interface {
	// Publish delivers data to subject. Durable subjects wait for the stream ack.
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subscriber opens subscriptions on subjects.
type Subscriber interface {
	Subscribe(subject string, onData Handler, onStatus StatusHandler) (Subscription, error)
}

// Broker is both sides of the pub/sub boundary.
type Broker interface {
	Publisher
	Subscriber
}

// MessagesSubject carries message row changes for a conversation.
func MessagesSubject(conversationID string) string {
	return fmt.Sprintf("chat.%s.messages", conversationID)
}

// TypingSubject carries typing status changes for a conversation.
func TypingSubject(conversationID string) string {
	return fmt.Sprintf("typing.%s", conversationID)
}

// PushSubject carries push notification requests for a user.
func PushSubject(userID string) string {
	return fmt.Sprintf("push.%s", userID)
}
