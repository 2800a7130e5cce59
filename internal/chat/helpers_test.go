package chat

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vetlink/chat-sync/internal/changefeed"
	"github.com/vetlink/chat-sync/internal/notify"
	"github.com/vetlink/chat-sync/internal/realtime"
	"github.com/vetlink/chat-sync/internal/storage"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers in order, outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// waitRecorder hands out backoff timers that fire at once and records each wait.
type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *waitRecorder) NewTimer() backoff.Timer { return &instantTimer{rec: r} }

func (r *waitRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type instantTimer struct {
	rec *waitRecorder
	c   chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.rec.mu.Lock()
	t.rec.waits = append(t.rec.waits, d)
	t.rec.mu.Unlock()
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

type harness struct {
	store   *store.Memory
	broker  *realtime.MemoryBroker
	objects *storage.Memory
	waits   *waitRecorder
	opts    Options
}

func newHarness() *harness {
	h := &harness{
		store:   store.NewMemory(),
		broker:  realtime.NewMemoryBroker(),
		objects: storage.NewMemory("mem://chat-images"),
		waits:   &waitRecorder{},
	}
	h.opts = DefaultOptions()
	h.opts.Retry.NewTimer = h.waits.NewTimer
	h.opts.ResubscribeBase = 10 * time.Millisecond
	h.opts.ResubscribeMaxGap = 50 * time.Millisecond
	return h
}

func (h *harness) deps() Deps {
	log := logger.Nop()
	return Deps{
		Resolver: NewResolver(h.store, log),
		Messages: NewMessageAdapter(changefeed.NewMessages(h.store, h.broker, log), h.objects, log),
		Typing:   changefeed.NewTyping(h.store, h.broker, log),
		Realtime: h.broker,
		Notifier: notify.NewPublisher(h.broker),
		Clock:    SystemClock{},
		Logger:   log,
	}
}

func (h *harness) open(t *testing.T, selfID, peerID string) *Session {
	t.Helper()
	s := NewSession(selfID, peerID, h.deps(), h.opts)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open session %s->%s: %v", selfID, peerID, err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitAlert(t *testing.T, w *Watcher, kind AlertKind) Alert {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case a, ok := <-w.Alerts():
			if !ok {
				t.Fatalf("watcher closed while waiting for %s alert", kind)
			}
			if a.Kind == kind {
				return a
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s alert", kind)
		}
	}
}
