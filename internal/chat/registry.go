package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/pkg/logger"
)

// ErrNoSession is returned by Lookup when no stream holds the session open.
var ErrNoSession = errors.New("chat: no open session")

// Factory builds an unopened session.
type Factory func(selfID, peerID string) *Session

type sessionKey struct{ self, peer string }

type registryEntry struct {
	session *Session
	refs    int
	ready   chan struct{}
	err     error
}

// Registry keeps at most one session per (self, peer) pair, shared by every
// stream the participant has open on that conversation.
type Registry struct {
	factory Factory
	logger  *logger.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*registryEntry
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, log *logger.Logger) *Registry {
	return &Registry{
		factory:  factory,
		logger:   log.Named("registry"),
		sessions: make(map[sessionKey]*registryEntry),
	}
}

// Acquire returns the open session for the pair, opening it on first use.
// The returned release must be called once; the last release closes the session.
func (r *Registry) Acquire(ctx context.Context, selfID, peerID string) (*Session, func(), error) {
	key := sessionKey{selfID, peerID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrSessionClosed
	}
	e, ok := r.sessions[key]
	if ok {
		e.refs++
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			r.release(key, e)
			return nil, nil, ctx.Err()
		}
		if e.err != nil {
			r.release(key, e)
			return nil, nil, e.err
		}
		return e.session, r.releaser(key, e), nil
	}

	e = &registryEntry{session: r.factory(selfID, peerID), refs: 1, ready: make(chan struct{})}
	r.sessions[key] = e
	r.mu.Unlock()

	e.err = e.session.Open(ctx)
	close(e.ready)
	if e.err != nil {
		r.mu.Lock()
		if r.sessions[key] == e {
			delete(r.sessions, key)
		}
		r.mu.Unlock()
		r.release(key, e)
		return nil, nil, e.err
	}
	return e.session, r.releaser(key, e), nil
}

// Lookup returns the open session for the pair without taking a reference.
func (r *Registry) Lookup(selfID, peerID string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[sessionKey{selfID, peerID}]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	<-e.ready
	if e.err != nil {
		return nil, ErrNoSession
	}
	return e.session, nil
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session; later Acquire calls fail.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*registryEntry, 0, len(r.sessions))
	for k, e := range r.sessions {
		entries = append(entries, e)
		delete(r.sessions, k)
	}
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		e.session.Close()
	}
	r.logger.Info("All sessions closed", zap.Int("count", len(entries)))
}

func (r *Registry) releaser(key sessionKey, e *registryEntry) func() {
	var once sync.Once
	return func() { once.Do(func() { r.release(key, e) }) }
}

func (r *Registry) release(key sessionKey, e *registryEntry) {
	r.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && r.sessions[key] == e {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if last {
		e.session.Close()
	}
}
