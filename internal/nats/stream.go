package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vetlink/chat-sync/internal/realtime"
)

const (
	// StreamName is the name of the chat change stream.
	StreamName = "CHAT"

	// SubjectPrefix is the prefix of all durable chat subjects.
	SubjectPrefix = "chat"
)

// Broker implements realtime.Broker on NATS.
//
// Message changes (chat.>) are published through JetStream so every change is
// retained in the CHAT stream; typing and push subjects use core NATS and are
// not retained. Subscriptions are core NATS subscriptions, which receive both.
type Broker struct {
	client *Client
}

// NewBroker creates a broker on an established client.
func NewBroker(client *Client) *Broker {
	return &Broker{client: client}
}

// EnsureStream ensures the chat change stream exists with proper configuration.
func (b *Broker) EnsureStream(ctx context.Context) error {
	js := b.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Chat message change events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish publishes data on subject. Durable subjects wait for the stream ack.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
	if strings.HasPrefix(subject, SubjectPrefix+".") {
		if _, err := b.client.JetStream().Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
		return nil
	}

	if err := b.client.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe opens a core NATS subscription on subject.
// onStatus receives SUBSCRIBED once the server has processed the interest,
// CHANNEL_ERROR on async subscription errors and after a reconnect, and CLOSED
// when the connection closes.
func (b *Broker) Subscribe(subject string, onData realtime.Handler, onStatus realtime.StatusHandler) (realtime.Subscription, error) {
	conn := b.client.Conn()
	if conn == nil || conn.IsClosed() {
		return nil, realtime.ErrBrokerClosed
	}

	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		onData(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.client.track(sub, onStatus)

	if err := conn.Flush(); err != nil {
		b.client.untrack(sub)
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to confirm subscription to %s: %w", subject, err)
	}

	if onStatus != nil {
		onStatus(realtime.StatusSubscribed, nil)
	}
	return &subscription{client: b.client, sub: sub}, nil
}

type subscription struct {
	client *Client
	sub    *nats.Subscription
}

func (s *subscription) Unsubscribe() error {
	s.client.untrack(s.sub)
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}
