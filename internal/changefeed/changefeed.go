// Package changefeed decorates the store so every committed write is
// published as a realtime change event on the conversation's subject.
package changefeed

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/realtime"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
)

// Messages wraps a MessageStore and publishes a MessageChange after each write.
// Publish failures are logged; the write itself has already committed.
type Messages struct {
	store.MessageStore
	pub realtime.Publisher
	log *logger.Logger
	now func() time.Time
}

// NewMessages constructs a publishing MessageStore.
func NewMessages(inner store.MessageStore, pub realtime.Publisher, log *logger.Logger) *Messages {
	return &Messages{
		MessageStore: inner,
		pub:          pub,
		log:          log.Named("changefeed"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// InsertMessage publishes INSERT for newly created rows only.
func (m *Messages) InsertMessage(ctx context.Context, in model.NewMessage) (model.Message, bool, error) {
	msg, dup, err := m.MessageStore.InsertMessage(ctx, in)
	if err != nil || dup {
		return msg, dup, err
	}
	m.publish(ctx, model.OpInsert, msg, in.SenderID)
	return msg, false, nil
}

// MarkRead publishes UPDATE when the row changed.
func (m *Messages) MarkRead(ctx context.Context, messageID, readerID string) (model.Message, bool, error) {
	msg, changed, err := m.MessageStore.MarkRead(ctx, messageID, readerID)
	if err == nil && changed {
		m.publish(ctx, model.OpUpdate, msg, readerID)
	}
	return msg, changed, err
}

// MarkDelivered publishes UPDATE when the row changed.
func (m *Messages) MarkDelivered(ctx context.Context, messageID, recipientID string) (model.Message, bool, error) {
	msg, changed, err := m.MessageStore.MarkDelivered(ctx, messageID, recipientID)
	if err == nil && changed {
		m.publish(ctx, model.OpUpdate, msg, recipientID)
	}
	return msg, changed, err
}

// DeleteMessage publishes DELETE carrying the removed row.
func (m *Messages) DeleteMessage(ctx context.Context, messageID, senderID string) (model.Message, error) {
	msg, err := m.MessageStore.DeleteMessage(ctx, messageID, senderID)
	if err == nil {
		m.publish(ctx, model.OpDelete, msg, senderID)
	}
	return msg, err
}

func (m *Messages) publish(ctx context.Context, op model.ChangeOp, msg model.Message, actorID string) {
	data, err := json.Marshal(model.MessageChange{
		Op:          op,
		Message:     msg,
		ActorID:     actorID,
		CommittedAt: m.now(),
	})
	if err != nil {
		m.log.Error("Failed to encode message change", zap.Error(err))
		return
	}
	if err := m.pub.Publish(context.WithoutCancel(ctx), realtime.MessagesSubject(msg.ConversationID), data); err != nil {
		metrics.SideChannelFailuresTotal.WithLabelValues("changefeed").Inc()
		m.log.Warn("Failed to publish message change",
			zap.String("op", string(op)),
			zap.String("message_id", msg.ID),
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
	}
}

// Typing wraps a TypingStore and publishes a TypingChange after each upsert.
type Typing struct {
	inner store.TypingStore
	pub   realtime.Publisher
	log   *logger.Logger
}

// NewTyping constructs a publishing TypingStore.
func NewTyping(inner store.TypingStore, pub realtime.Publisher, log *logger.Logger) *Typing {
	return &Typing{inner: inner, pub: pub, log: log.Named("changefeed")}
}

// UpsertTyping writes then publishes. A publish failure is returned since
// typing has no other delivery path.
func (t *Typing) UpsertTyping(ctx context.Context, status model.TypingStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	if err := t.inner.UpsertTyping(ctx, status); err != nil {
		return err
	}
	data, err := json.Marshal(model.TypingChange{Status: status})
	if err != nil {
		return err
	}
	return t.pub.Publish(ctx, realtime.TypingSubject(status.ConversationID), data)
}
