package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/realtime"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
)

type recorder struct {
	changes []model.MessageChange
}

func (r *recorder) subscribe(t *testing.T, b *realtime.MemoryBroker, conversationID string) {
	t.Helper()
	_, err := b.Subscribe(realtime.MessagesSubject(conversationID), func(data []byte) {
		var c model.MessageChange
		if err := json.Unmarshal(data, &c); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		r.changes = append(r.changes, c)
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func TestMessagesPublishesCommittedWrites(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	conv, _ := mem.CreateConversation(ctx, "owner-1", "pro-1")
	broker := realtime.NewMemoryBroker()
	feed := NewMessages(mem, broker, logger.Nop())

	rec := &recorder{}
	rec.subscribe(t, broker, conv.ID)

	in := model.NewMessage{ConversationID: conv.ID, SenderID: "owner-1", ClientID: "local-1", Content: model.StringPtr("hi")}
	msg, _, err := feed.InsertMessage(ctx, in)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Duplicate insert must not publish again.
	if _, dup, _ := feed.InsertMessage(ctx, in); !dup {
		t.Fatalf("expected duplicate")
	}
	if _, _, err := feed.MarkRead(ctx, msg.ID, "pro-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Already read, nothing changes.
	_, _, _ = feed.MarkRead(ctx, msg.ID, "pro-1")
	if _, err := feed.DeleteMessage(ctx, msg.ID, "owner-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	want := []struct {
		op    model.ChangeOp
		actor string
	}{
		{model.OpInsert, "owner-1"},
		{model.OpUpdate, "pro-1"},
		{model.OpDelete, "owner-1"},
	}
	if len(rec.changes) != len(want) {
		t.Fatalf("expected %d changes, got %d", len(want), len(rec.changes))
	}
	for i, w := range want {
		if rec.changes[i].Op != w.op || rec.changes[i].ActorID != w.actor {
			t.Fatalf("change %d: expected %s by %s, got %s by %s", i, w.op, w.actor, rec.changes[i].Op, rec.changes[i].ActorID)
		}
		if rec.changes[i].Message.ID != msg.ID {
			t.Fatalf("change %d: wrong message id %s", i, rec.changes[i].Message.ID)
		}
	}
}

func TestMessagesPublishFailureKeepsWrite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	conv, _ := mem.CreateConversation(ctx, "owner-1", "pro-1")
	broker := realtime.NewMemoryBroker()
	broker.PublishErr = errors.New("nats down")
	feed := NewMessages(mem, broker, logger.Nop())

	msg, _, err := feed.InsertMessage(ctx, model.NewMessage{ConversationID: conv.ID, SenderID: "owner-1", Content: model.StringPtr("hi")})
	if err != nil {
		t.Fatalf("insert should succeed despite publish failure: %v", err)
	}
	if _, err := mem.GetMessage(ctx, msg.ID); err != nil {
		t.Fatalf("row missing: %v", err)
	}
}

func TestTypingPublishes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	conv, _ := mem.CreateConversation(ctx, "owner-1", "pro-1")
	broker := realtime.NewMemoryBroker()
	feed := NewTyping(mem, broker, logger.Nop())

	var got []model.TypingChange
	_, _ = broker.Subscribe(realtime.TypingSubject(conv.ID), func(data []byte) {
		var c model.TypingChange
		_ = json.Unmarshal(data, &c)
		got = append(got, c)
	}, nil)

	if err := feed.UpsertTyping(ctx, model.TypingStatus{ConversationID: conv.ID, UserID: "pro-1", IsTyping: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(got) != 1 || !got[0].Status.IsTyping || got[0].Status.UserID != "pro-1" {
		t.Fatalf("unexpected typing changes: %+v", got)
	}

	broker.PublishErr = errors.New("nats down")
	if err := feed.UpsertTyping(ctx, model.TypingStatus{ConversationID: conv.ID, UserID: "pro-1"}); err == nil {
		t.Fatalf("expected publish error to surface")
	}
}
