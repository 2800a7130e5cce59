package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
)

// Typing tracks the local participant's typing state and the peer's.
//
// Local writes go through a single worker so a late "true" can never overwrite
// a newer "false". Writes are best-effort.
type Typing struct {
	conversationID string
	selfID         string
	store          store.TypingStore
	clock          Clock
	debounce       time.Duration
	peerTTL        time.Duration
	onPeerChange   func(bool)
	logger         *logger.Logger

	writes chan bool
	done   chan struct{}

	mu         sync.Mutex
	local      bool
	idle       Timer
	peer       bool
	peerSeen   time.Time
	peerExpiry Timer
	closed     bool
}

// TypingOptions configures a Typing channel.
type TypingOptions struct {
	Debounce time.Duration
	PeerTTL  time.Duration
}

// NewTyping creates the typing channel and starts its writer. onPeerChange is
// called whenever the peer's indicator flips.
func NewTyping(conversationID, selfID string, s store.TypingStore, clock Clock, opts TypingOptions, onPeerChange func(bool), log *logger.Logger) *Typing {
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.PeerTTL <= 0 {
		opts.PeerTTL = 5 * time.Second
	}
	t := &Typing{
		conversationID: conversationID,
		selfID:         selfID,
		store:          s,
		clock:          clock,
		debounce:       opts.Debounce,
		peerTTL:        opts.PeerTTL,
		onPeerChange:   onPeerChange,
		logger:         log.Named("typing"),
		writes:         make(chan bool, 1),
		done:           make(chan struct{}),
	}
	go t.writer()
	return t
}

// InputChanged marks the local participant as typing and restarts the idle timer.
func (t *Typing) InputChanged() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.idle != nil {
		t.idle.Stop()
	}
	t.idle = t.clock.AfterFunc(t.debounce, t.Stop)
	t.local = true
	t.enqueue(true)
	t.mu.Unlock()
}

// Stop clears the local typing state immediately, e.g. on send.
func (t *Typing) Stop() {
	t.mu.Lock()
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	if t.local && !t.closed {
		t.enqueue(false)
	}
	t.local = false
	t.mu.Unlock()
}

// Local reports whether the local participant is marked typing.
func (t *Typing) Local() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Peer reports whether the peer is typing.
func (t *Typing) Peer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

// OnRemote applies a typing change from the realtime channel. The local
// participant's own rows and out-of-order rows are ignored.
func (t *Typing) OnRemote(st model.TypingStatus) {
	if st.UserID == t.selfID || st.ConversationID != t.conversationID {
		return
	}

	t.mu.Lock()
	if t.closed || (!st.UpdatedAt.IsZero() && st.UpdatedAt.Before(t.peerSeen)) {
		t.mu.Unlock()
		return
	}
	if !st.UpdatedAt.IsZero() {
		t.peerSeen = st.UpdatedAt
	}
	if t.peerExpiry != nil {
		t.peerExpiry.Stop()
		t.peerExpiry = nil
	}
	if st.IsTyping {
		t.peerExpiry = t.clock.AfterFunc(t.peerTTL, t.expirePeer)
	}
	changed := t.peer != st.IsTyping
	t.peer = st.IsTyping
	t.mu.Unlock()

	if changed && t.onPeerChange != nil {
		t.onPeerChange(st.IsTyping)
	}
}

func (t *Typing) expirePeer() {
	t.mu.Lock()
	if t.closed || !t.peer {
		t.mu.Unlock()
		return
	}
	t.peer = false
	t.peerExpiry = nil
	t.mu.Unlock()

	if t.onPeerChange != nil {
		t.onPeerChange(false)
	}
}

// enqueue replaces any pending write with v. Callers hold t.mu.
func (t *Typing) enqueue(v bool) {
	for {
		select {
		case t.writes <- v:
			return
		default:
		}
		select {
		case <-t.writes:
		default:
		}
	}
}

func (t *Typing) writer() {
	defer close(t.done)
	for v := range t.writes {
		t.write(context.Background(), v)
	}
}

func (t *Typing) write(ctx context.Context, isTyping bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := t.store.UpsertTyping(ctx, model.TypingStatus{
		ConversationID: t.conversationID,
		UserID:         t.selfID,
		IsTyping:       isTyping,
		UpdatedAt:      t.clock.Now(),
	})
	if err != nil {
		metrics.SideChannelFailuresTotal.WithLabelValues("typing").Inc()
		t.logger.Warn("Failed to write typing status", zap.Bool("is_typing", isTyping), zap.Error(err))
	}
}

// Close clears the local typing state, stops the timers and waits for the
// writer to drain.
func (t *Typing) Close() {
	t.Stop()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.peerExpiry != nil {
		t.peerExpiry.Stop()
		t.peerExpiry = nil
	}
	close(t.writes)
	t.mu.Unlock()

	<-t.done
}
