package realtime

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker used by tests and by the dev fallback
// when NATS is not configured. Delivery is synchronous on the publisher's goroutine.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool

	// PublishErr, when set, is returned by Publish instead of delivering.
	PublishErr error
}

type memorySub struct {
	broker   *MemoryBroker
	subject  string
	onData   Handler
	onStatus StatusHandler

	once sync.Once
}

// NewMemoryBroker constructs an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish delivers data to every subscriber of subject.
func (b *MemoryBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	if b.PublishErr != nil {
		err := b.PublishErr
		b.mu.RUnlock()
		return err
	}
	targets := make([]*memorySub, 0, len(b.subs[subject]))
	for s := range b.subs[subject] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		payload := append([]byte(nil), data...)
		s.onData(payload)
	}
	return nil
}

// Subscribe registers a subscription and reports StatusSubscribed.
func (b *MemoryBroker) Subscribe(subject string, onData Handler, onStatus StatusHandler) (Subscription, error) {
	s := &memorySub{broker: b, subject: subject, onData: onData, onStatus: onStatus}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	set, ok := b.subs[subject]
	if !ok {
		set = make(map[*memorySub]struct{})
		b.subs[subject] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	if onStatus != nil {
		onStatus(StatusSubscribed, nil)
	}
	return s, nil
}

// Subscribers returns the number of live subscriptions on subject.
func (b *MemoryBroker) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

// Fail drops every subscription on subject and reports StatusChannelError with err.
func (b *MemoryBroker) Fail(subject string, err error) {
	b.mu.Lock()
	set := b.subs[subject]
	delete(b.subs, subject)
	b.mu.Unlock()

	for s := range set {
		if s.onStatus != nil {
			s.onStatus(StatusChannelError, err)
		}
	}
}

// Close drops all subscriptions and reports StatusClosed to each.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[*memorySub]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for s := range set {
			if s.onStatus != nil {
				s.onStatus(StatusClosed, ErrBrokerClosed)
			}
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if set, ok := s.broker.subs[s.subject]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.broker.subs, s.subject)
			}
		}
		s.broker.mu.Unlock()
	})
	return nil
}
