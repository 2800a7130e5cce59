package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vetlink/chat-sync/internal/changefeed"
	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/realtime"
	"github.com/vetlink/chat-sync/internal/store"
)

func onlyMessage(v View) (model.Message, bool) {
	if len(v.Messages) != 1 {
		return model.Message{}, false
	}
	return v.Messages[0], true
}

func TestSessionOfflineSendThenManualRetry(t *testing.T) {
	h := newHarness()
	var offline atomic.Bool
	var attempts atomic.Int32
	offline.Store(true)
	h.store.Fail = func(op string) error {
		if op != "insert_message" {
			return nil
		}
		attempts.Add(1)
		if offline.Load() {
			return errOffline
		}
		return nil
	}

	s := h.open(t, "owner-1", "pro-1")
	w := s.Watch()
	defer w.Close()

	tempID, err := s.SendMessage("Hello", "")
	if err != nil || !model.IsTemporaryID(tempID) {
		t.Fatalf("send: id=%q err=%v", tempID, err)
	}

	alert := waitAlert(t, w, AlertSendFailed)
	if alert.TempID != tempID {
		t.Fatalf("alert for %q, expected %q", alert.TempID, tempID)
	}
	if n := attempts.Load(); n != 4 {
		t.Fatalf("expected 4 attempts, got %d", n)
	}
	var waited time.Duration
	for _, d := range h.waits.Waits() {
		waited += d
	}
	if waited != 7*time.Second {
		t.Fatalf("expected 1s+2s+4s of backoff, got %s", waited)
	}

	v := s.Snapshot()
	if len(v.Messages) != 0 {
		t.Fatalf("failed message should be removed from the list, got %d", len(v.Messages))
	}
	if len(v.Failed) != 1 || v.Failed[0].TempID != tempID || v.Failed[0].Text != "Hello" {
		t.Fatalf("expected failed send to be kept for retry, got %+v", v.Failed)
	}
	if v.Sending {
		t.Fatalf("is_sending should be false")
	}

	offline.Store(false)
	if err := s.RetrySend(tempID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	waitFor(t, "persisted message", func() bool {
		m, ok := onlyMessage(s.Snapshot())
		return ok && !m.IsTemporary() && s.Snapshot().Status[m.ID].Sent
	})
	if n := attempts.Load(); n != 5 {
		t.Fatalf("manual retry should persist on its first attempt, got %d total", n)
	}
	if len(h.waits.Waits()) != 3 {
		t.Fatalf("manual retry must not wait, waits=%v", h.waits.Waits())
	}
	if m, _ := onlyMessage(s.Snapshot()); m.ClientID != tempID || m.Text() != "Hello" {
		t.Fatalf("unexpected persisted message %+v", m)
	}
	if err := s.RetrySend(tempID); !errors.Is(err, ErrUnknownFailedSend) {
		t.Fatalf("expected ErrUnknownFailedSend, got %v", err)
	}
}

func TestSessionCancelFailedSend(t *testing.T) {
	h := newHarness()
	h.store.Fail = func(op string) error {
		if op == "insert_message" {
			return errOffline
		}
		return nil
	}
	s := h.open(t, "owner-1", "pro-1")
	w := s.Watch()
	defer w.Close()

	tempID, _ := s.SendMessage("Hello", "")
	waitAlert(t, w, AlertSendFailed)

	if err := s.CancelSend(tempID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if v := s.Snapshot(); len(v.Failed) != 0 || len(v.Messages) != 0 {
		t.Fatalf("expected nothing left, got %+v", v)
	}
	if err := s.CancelSend(tempID); !errors.Is(err, ErrUnknownFailedSend) {
		t.Fatalf("expected ErrUnknownFailedSend, got %v", err)
	}
}

func TestSessionSendGuard(t *testing.T) {
	h := newHarness()
	s := h.open(t, "owner-1", "pro-1")

	id, err := s.SendMessage("   ", "")
	if err != nil || id != "" {
		t.Fatalf("empty send should be a silent no-op, got id=%q err=%v", id, err)
	}
	if v := s.Snapshot(); len(v.Messages) != 0 || v.Sending {
		t.Fatalf("empty send must not touch state")
	}

	unopened := NewSession("owner-1", "pro-1", h.deps(), h.opts)
	defer unopened.Close()
	if id, err := unopened.SendMessage("hi", ""); err != nil || id != "" {
		t.Fatalf("send without conversation should be a no-op, got id=%q err=%v", id, err)
	}
}

func TestSessionTwoParticipants(t *testing.T) {
	h := newHarness()

	var pushes atomic.Int32
	_, _ = h.broker.Subscribe(realtime.PushSubject("pro-1"), func([]byte) { pushes.Add(1) }, nil)

	owner := h.open(t, "owner-1", "pro-1")
	pro := h.open(t, "pro-1", "owner-1")
	if owner.ConversationID() != pro.ConversationID() {
		t.Fatalf("participants resolved different conversations")
	}

	if _, err := owner.SendMessage("Hi doc", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "peer to receive the message", func() bool {
		m, ok := onlyMessage(pro.Snapshot())
		return ok && m.SenderID == "owner-1"
	})
	m, _ := onlyMessage(pro.Snapshot())
	if st := pro.Snapshot().Status[m.ID]; !st.Sent || !st.Delivered {
		t.Fatalf("peer message status %+v", st)
	}

	// The recipient marks it read; the sender sees one entry with a read receipt.
	waitFor(t, "read receipt on the sender", func() bool {
		v := owner.Snapshot()
		got, ok := onlyMessage(v)
		return ok && got.ID == m.ID && v.Status[m.ID].Read && v.Status[m.ID].Delivered
	})
	waitFor(t, "push notification", func() bool { return pushes.Load() == 1 })

	if n := len(owner.Snapshot().Messages); n != 1 {
		t.Fatalf("sender list should hold exactly one entry, got %d", n)
	}
}

func TestSessionTypingSelfExclusion(t *testing.T) {
	h := newHarness()
	owner := h.open(t, "owner-1", "pro-1")
	pro := h.open(t, "pro-1", "owner-1")

	owner.HandleInputChange("H")
	waitFor(t, "peer typing indicator", func() bool { return pro.Snapshot().PeerTyping })
	if owner.Snapshot().PeerTyping {
		t.Fatalf("own typing must not show on the typist's screen")
	}

	owner.HandleInputChange("")
	waitFor(t, "peer typing cleared", func() bool { return !pro.Snapshot().PeerTyping })
}

func TestSessionDelete(t *testing.T) {
	h := newHarness()
	owner := h.open(t, "owner-1", "pro-1")
	pro := h.open(t, "pro-1", "owner-1")
	w := pro.Watch()
	defer w.Close()

	_, _ = owner.SendMessage("oops", "")
	waitFor(t, "message on both sides", func() bool {
		a, okA := onlyMessage(owner.Snapshot())
		_, okB := onlyMessage(pro.Snapshot())
		return okA && okB && !a.IsTemporary()
	})
	m, _ := onlyMessage(owner.Snapshot())

	if err := pro.DeleteMessage(context.Background(), m.ID); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor, got %v", err)
	}
	waitAlert(t, w, AlertNotAuthor)
	if _, ok := onlyMessage(pro.Snapshot()); !ok {
		t.Fatalf("rejected delete must not remove the message")
	}

	if err := owner.DeleteMessage(context.Background(), "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}

	if err := owner.DeleteMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := len(owner.Snapshot().Messages); n != 0 {
		t.Fatalf("expected empty list, got %d", n)
	}
	waitFor(t, "delete to reach the peer", func() bool { return len(pro.Snapshot().Messages) == 0 })
}

func TestSessionDeleteRollsBackOnFailure(t *testing.T) {
	h := newHarness()
	var failDelete atomic.Bool
	h.store.Fail = func(op string) error {
		if op == "delete_message" && failDelete.Load() {
			return errOffline
		}
		return nil
	}
	owner := h.open(t, "owner-1", "pro-1")
	w := owner.Watch()
	defer w.Close()

	_, _ = owner.SendMessage("keep me", "")
	waitFor(t, "persisted", func() bool {
		m, ok := onlyMessage(owner.Snapshot())
		return ok && !m.IsTemporary()
	})
	m, _ := onlyMessage(owner.Snapshot())

	failDelete.Store(true)
	if err := owner.DeleteMessage(context.Background(), m.ID); err == nil {
		t.Fatalf("expected delete error")
	}
	waitAlert(t, w, AlertDeleteFailed)
	if got, ok := onlyMessage(owner.Snapshot()); !ok || got.ID != m.ID {
		t.Fatalf("message should be restored after a failed delete")
	}
}

func TestSessionLoadFailureSetsNetworkError(t *testing.T) {
	h := newHarness()
	var failLoad atomic.Bool
	failLoad.Store(true)
	h.store.Fail = func(op string) error {
		if op == "list_messages" && failLoad.Load() {
			return errOffline
		}
		return nil
	}

	s := h.open(t, "owner-1", "pro-1")
	if v := s.Snapshot(); v.NetworkError == nil {
		t.Fatalf("expected network error after failed load")
	}

	// A client attaching after the failed load still sees the alert.
	w := s.Watch()
	waitAlert(t, w, AlertLoadFailed)
	w.Close()

	failLoad.Store(false)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if v := s.Snapshot(); v.NetworkError != nil {
		t.Fatalf("network error should clear, got %q", *v.NetworkError)
	}

	late := s.Watch()
	defer late.Close()
	select {
	case a := <-late.Alerts():
		t.Fatalf("unexpected %s alert after a successful load", a.Kind)
	default:
	}
}

func TestSessionResolveFailure(t *testing.T) {
	h := newHarness()
	h.store.Fail = func(op string) error {
		if op == "find_conversation" {
			return errOffline
		}
		return nil
	}
	s := NewSession("owner-1", "pro-1", h.deps(), h.opts)
	defer s.Close()

	if err := s.Open(context.Background()); !errors.Is(err, ErrResolveFailed) {
		t.Fatalf("expected ErrResolveFailed, got %v", err)
	}
}

func TestSessionResubscribesAfterChannelError(t *testing.T) {
	h := newHarness()
	owner := h.open(t, "owner-1", "pro-1")
	pro := h.open(t, "pro-1", "owner-1")
	subject := realtime.MessagesSubject(owner.ConversationID())

	h.broker.Fail(subject, errors.New("socket closed"))
	waitFor(t, "both sessions to resubscribe", func() bool { return h.broker.Subscribers(subject) == 2 })

	_, _ = pro.SendMessage("still there?", "")
	waitFor(t, "delivery after resubscribe", func() bool {
		m, ok := onlyMessage(owner.Snapshot())
		return ok && m.SenderID == "pro-1"
	})
}

func TestSessionImageSend(t *testing.T) {
	h := newHarness()
	s := h.open(t, "owner-1", "pro-1")

	path := filepath.Join(t.TempDir(), "photo.JPG")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := s.SendMessage("", "file://"+path); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "image message", func() bool {
		m, ok := onlyMessage(s.Snapshot())
		return ok && !m.IsTemporary() && m.ImageURL != nil
	})

	m, _ := onlyMessage(s.Snapshot())
	url := *m.ImageURL
	if !strings.HasPrefix(url, "mem://chat-images/owner-1/") || !strings.HasSuffix(url, ".jpg") {
		t.Fatalf("unexpected image url %q", url)
	}
	obj, ok := h.objects.Get(strings.TrimPrefix(url, "mem://chat-images/"))
	if !ok || obj.ContentType != "image/jpeg" || string(obj.Data) != "jpeg-bytes" {
		t.Fatalf("unexpected stored object %+v (found=%v)", obj, ok)
	}
	if m.Content != nil {
		t.Fatalf("image-only message should have no text")
	}
}

func TestSessionCloseIsFinal(t *testing.T) {
	h := newHarness()
	s := NewSession("owner-1", "pro-1", h.deps(), h.opts)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	w := s.Watch()
	subject := realtime.MessagesSubject(s.ConversationID())

	s.Close()
	s.Close()

	if n := h.broker.Subscribers(subject); n != 0 {
		t.Fatalf("expected subscriptions torn down, got %d", n)
	}
	if _, err := s.SendMessage("late", ""); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, ok := <-w.Views(); ok {
		// drain the buffered view
		if _, ok := <-w.Views(); ok {
			t.Fatalf("views channel should be closed")
		}
	}
}

// stalledList reads the rows, then holds the result until released.
type stalledList struct {
	store.MessageStore
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (s *stalledList) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs, err := s.MessageStore.ListMessages(ctx, conversationID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.read)
		<-s.release
	}
	return msgs, err
}

func TestSessionRefreshKeepsChangesMergedDuringLoad(t *testing.T) {
	h := newHarness()
	stalled := &stalledList{MessageStore: h.store, read: make(chan struct{}), release: make(chan struct{})}
	deps := h.deps()
	deps.Messages = NewMessageAdapter(changefeed.NewMessages(stalled, h.broker, deps.Logger), h.objects, deps.Logger)

	owner := NewSession("owner-1", "pro-1", deps, h.opts)
	if err := owner.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(owner.Close)
	pro := h.open(t, "pro-1", "owner-1")

	_, _ = pro.SendMessage("old", "")
	waitFor(t, "first message", func() bool {
		_, ok := onlyMessage(owner.Snapshot())
		return ok
	})
	old, _ := onlyMessage(owner.Snapshot())

	stalled.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- owner.Refresh(context.Background()) }()
	<-stalled.read

	// The load result already holds "old" and nothing newer.
	waitFor(t, "peer copy of the first message", func() bool {
		m, ok := onlyMessage(pro.Snapshot())
		return ok && !m.IsTemporary()
	})
	if err := pro.DeleteMessage(context.Background(), old.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, _ = pro.SendMessage("hi", "")
	_, _ = owner.SendMessage("hello", "")

	waitFor(t, "changes merged while loading", func() bool {
		v := owner.Snapshot()
		if len(v.Messages) != 2 {
			return false
		}
		for _, m := range v.Messages {
			if m.IsTemporary() || m.ID == old.ID {
				return false
			}
		}
		return true
	})

	close(stalled.release)
	if err := <-done; err != nil {
		t.Fatalf("refresh: %v", err)
	}

	v := owner.Snapshot()
	texts := make(map[string]bool)
	for _, m := range v.Messages {
		texts[m.Text()] = true
		if m.IsTemporary() {
			t.Fatalf("temporary entry left after refresh: %+v", m)
		}
	}
	if len(v.Messages) != 2 || !texts["hi"] || !texts["hello"] {
		t.Fatalf("expected hi and hello after refresh, got %+v", v.Messages)
	}
}
