package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/storage"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
)

func TestAttachmentType(t *testing.T) {
	tests := []struct {
		name        string
		ext         string
		contentType string
	}{
		{"photo.jpg", "jpg", "image/jpeg"},
		{"photo.JPG", "jpg", "image/jpeg"},
		{"photo.png", "png", "image/png"},
		{"photo.heic", "heic", "image/heic"},
		{"photo", "jpeg", "image/jpeg"},
	}
	for _, tt := range tests {
		ext, ct := attachmentType(tt.name)
		if ext != tt.ext || ct != tt.contentType {
			t.Errorf("%s: expected (%s, %s), got (%s, %s)", tt.name, tt.ext, tt.contentType, ext, ct)
		}
	}
}

func newTestAdapter(t *testing.T) (*MessageAdapter, *store.Memory, *storage.Memory, string) {
	t.Helper()
	mem := store.NewMemory()
	conv, err := mem.CreateConversation(context.Background(), "owner-1", "pro-1")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	objects := storage.NewMemory("mem://chat-images")
	return NewMessageAdapter(mem, objects, logger.Nop()), mem, objects, conv.ID
}

func TestPersistUploadsAttachment(t *testing.T) {
	a, _, objects, convID := newTestAdapter(t)
	a.readFile = func(name string) ([]byte, error) {
		if name != "/data/photo.png" {
			t.Fatalf("file:// prefix not stripped: %q", name)
		}
		return []byte("png"), nil
	}
	a.now = func() time.Time { return time.UnixMilli(1700000000000) }

	in := &PersistInput{ConversationID: convID, SenderID: "owner-1", ClientID: "local-A", ImageURI: "file:///data/photo.png"}
	m, err := a.Persist(context.Background(), in)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	want := "mem://chat-images/owner-1/1700000000000.png"
	if m.ImageURL == nil || *m.ImageURL != want || in.ImageURL != want {
		t.Fatalf("expected image url %q, got %v", want, m.ImageURL)
	}
	if o, ok := objects.Get("owner-1/1700000000000.png"); !ok || o.ContentType != "image/png" {
		t.Fatalf("object not stored as image/png: %+v", o)
	}
}

func TestPersistUnreadableAttachment(t *testing.T) {
	a, _, _, convID := newTestAdapter(t)
	a.readFile = func(string) ([]byte, error) { return nil, errors.New("no such file") }

	_, err := a.Persist(context.Background(), &PersistInput{ConversationID: convID, SenderID: "owner-1", ImageURI: "/missing.jpg"})
	if !errors.Is(err, ErrAttachmentRead) {
		t.Fatalf("expected ErrAttachmentRead, got %v", err)
	}
}

func TestPersistRetryReturnsExistingRow(t *testing.T) {
	a, mem, _, convID := newTestAdapter(t)
	in := &PersistInput{ConversationID: convID, SenderID: "owner-1", ClientID: "local-A", Text: "hi"}

	first, err := a.Persist(context.Background(), in)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	second, err := a.Persist(context.Background(), in)
	if err != nil || second.ID != first.ID {
		t.Fatalf("retry should return %s, got %s (%v)", first.ID, second.ID, err)
	}
	rows, _ := mem.ListMessages(context.Background(), convID)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
}

func TestDeleteRejectsNonAuthorWithoutStoreCall(t *testing.T) {
	a, mem, _, _ := newTestAdapter(t)
	called := false
	mem.Fail = func(op string) error {
		if op == "delete_message" {
			called = true
		}
		return nil
	}

	err := a.Delete(context.Background(), model.Message{ID: "m-1", SenderID: "owner-1"}, "pro-1")
	if !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor, got %v", err)
	}
	if called {
		t.Fatalf("store must not be called for a non-author")
	}
}

func TestReceiptFailuresAreSwallowed(t *testing.T) {
	a, mem, _, _ := newTestAdapter(t)
	mem.Fail = func(string) error { return errors.New("store down") }

	// Neither call returns or panics on failure.
	a.MarkRead(context.Background(), "m-1", "pro-1")
	a.MarkDelivered(context.Background(), "m-1", "pro-1")
}
