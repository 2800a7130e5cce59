package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/pkg/logger"
)

type typingRecorder struct {
	writes chan model.TypingStatus
	err    error
}

func newTypingRecorder() *typingRecorder {
	return &typingRecorder{writes: make(chan model.TypingStatus, 16)}
}

func (r *typingRecorder) UpsertTyping(ctx context.Context, st model.TypingStatus) error {
	r.writes <- st
	return r.err
}

func (r *typingRecorder) next(t *testing.T) model.TypingStatus {
	t.Helper()
	select {
	case st := <-r.writes:
		return st
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for typing write")
		return model.TypingStatus{}
	}
}

type peerFlips struct {
	mu  sync.Mutex
	got []bool
}

func (p *peerFlips) record(v bool) {
	p.mu.Lock()
	p.got = append(p.got, v)
	p.mu.Unlock()
}

func (p *peerFlips) values() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.got...)
}

func newTestTyping(rec *typingRecorder, clock *fakeClock, flips *peerFlips) *Typing {
	return NewTyping("conv-1", "me", rec, clock, TypingOptions{Debounce: time.Second, PeerTTL: 5 * time.Second}, flips.record, logger.Nop())
}

func TestTypingDebounce(t *testing.T) {
	rec, clock, flips := newTypingRecorder(), newFakeClock(), &peerFlips{}
	ty := newTestTyping(rec, clock, flips)
	defer ty.Close()

	ty.InputChanged()
	if st := rec.next(t); !st.IsTyping || st.UserID != "me" || st.ConversationID != "conv-1" {
		t.Fatalf("expected is_typing=true for me, got %+v", st)
	}

	clock.Advance(900 * time.Millisecond)
	ty.InputChanged()
	rec.next(t)

	// The second keystroke restarted the timer.
	clock.Advance(900 * time.Millisecond)
	if !ty.Local() {
		t.Fatalf("typing cleared before the debounce elapsed")
	}

	clock.Advance(100 * time.Millisecond)
	if st := rec.next(t); st.IsTyping {
		t.Fatalf("expected is_typing=false after inactivity, got %+v", st)
	}
	if ty.Local() {
		t.Fatalf("local typing should be cleared")
	}
}

func TestTypingStopOnSend(t *testing.T) {
	rec, clock, flips := newTypingRecorder(), newFakeClock(), &peerFlips{}
	ty := newTestTyping(rec, clock, flips)
	defer ty.Close()

	ty.InputChanged()
	rec.next(t)
	ty.Stop()
	if st := rec.next(t); st.IsTyping {
		t.Fatalf("expected immediate false on stop")
	}

	// The cancelled idle timer must not write again.
	clock.Advance(2 * time.Second)
	select {
	case st := <-rec.writes:
		t.Fatalf("unexpected write %+v", st)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTypingWriteFailuresAreSwallowed(t *testing.T) {
	rec, clock, flips := newTypingRecorder(), newFakeClock(), &peerFlips{}
	rec.err = errors.New("store down")
	ty := newTestTyping(rec, clock, flips)
	defer ty.Close()

	ty.InputChanged()
	rec.next(t)
	if !ty.Local() {
		t.Fatalf("local state should not depend on the write result")
	}
}

func TestTypingIgnoresOwnRemoteEvents(t *testing.T) {
	rec, clock, flips := newTypingRecorder(), newFakeClock(), &peerFlips{}
	ty := newTestTyping(rec, clock, flips)
	defer ty.Close()

	ty.OnRemote(model.TypingStatus{ConversationID: "conv-1", UserID: "me", IsTyping: true, UpdatedAt: clock.Now()})
	if ty.Peer() || len(flips.values()) != 0 {
		t.Fatalf("own typing must not toggle the peer indicator")
	}

	ty.OnRemote(model.TypingStatus{ConversationID: "other", UserID: "peer", IsTyping: true, UpdatedAt: clock.Now()})
	if ty.Peer() {
		t.Fatalf("events for another conversation must be ignored")
	}
}

func TestTypingPeerIndicatorExpires(t *testing.T) {
	rec, clock, flips := newTypingRecorder(), newFakeClock(), &peerFlips{}
	ty := newTestTyping(rec, clock, flips)
	defer ty.Close()

	ty.OnRemote(model.TypingStatus{ConversationID: "conv-1", UserID: "peer", IsTyping: true, UpdatedAt: clock.Now()})
	if !ty.Peer() {
		t.Fatalf("expected peer typing")
	}

	clock.Advance(5 * time.Second)
	if ty.Peer() {
		t.Fatalf("peer typing should expire after the TTL")
	}
	if got := flips.values(); len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("expected flips [true false], got %v", got)
	}
}

func TestTypingIgnoresStalePeerEvents(t *testing.T) {
	rec, clock, flips := newTypingRecorder(), newFakeClock(), &peerFlips{}
	ty := newTestTyping(rec, clock, flips)
	defer ty.Close()

	newer := clock.Now().Add(time.Second)
	ty.OnRemote(model.TypingStatus{ConversationID: "conv-1", UserID: "peer", IsTyping: true, UpdatedAt: newer})
	ty.OnRemote(model.TypingStatus{ConversationID: "conv-1", UserID: "peer", IsTyping: false, UpdatedAt: clock.Now()})

	if !ty.Peer() {
		t.Fatalf("an older false must not override a newer true")
	}
}

func TestTypingCloseClearsLocalState(t *testing.T) {
	rec, clock, flips := newTypingRecorder(), newFakeClock(), &peerFlips{}
	ty := newTestTyping(rec, clock, flips)

	ty.InputChanged()
	rec.next(t)
	ty.Close()
	if st := rec.next(t); st.IsTyping {
		t.Fatalf("close should write is_typing=false")
	}

	// No-ops after close.
	ty.InputChanged()
	ty.Close()
}
