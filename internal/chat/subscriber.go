package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/realtime"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
)

// SubscriptionState is the lifecycle of one channel subscription.
type SubscriptionState int

const (
	Unsubscribed SubscriptionState = iota
	Subscribing
	Subscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case Subscribing:
		return "SUBSCRIBING"
	case Subscribed:
		return "SUBSCRIBED"
	default:
		return "UNSUBSCRIBED"
	}
}

// Channel owns at most one live subscription on a subject. Subscribe while a
// handle exists is a no-op. Callbacks from a handle that was replaced or torn
// down are ignored.
type Channel struct {
	name    string
	subject string
	broker  realtime.Subscriber
	onData  realtime.Handler
	onLost  func(err error)
	logger  *logger.Logger

	mu     sync.Mutex
	state  SubscriptionState
	handle realtime.Subscription
	gen    uint64
	closed bool
}

// NewChannel creates an unsubscribed channel. onLost is called, outside any
// lock, when the broker reports CHANNEL_ERROR or an unexpected CLOSED.
func NewChannel(name, subject string, broker realtime.Subscriber, onData realtime.Handler, onLost func(error), log *logger.Logger) *Channel {
	return &Channel{
		name:    name,
		subject: subject,
		broker:  broker,
		onData:  onData,
		onLost:  onLost,
		logger:  log.With(zap.String("channel", name), zap.String("subject", subject)),
	}
}

// State returns the current subscription state.
func (c *Channel) State() SubscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe opens the subscription unless one is live or in progress.
func (c *Channel) Subscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != Unsubscribed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = Subscribing
	c.mu.Unlock()

	// The broker may report status before Subscribe returns.
	handle, err := c.broker.Subscribe(c.subject, c.deliver(gen), c.status(gen))

	c.mu.Lock()
	if err != nil {
		if c.gen == gen {
			c.state = Unsubscribed
		}
		c.mu.Unlock()
		return err
	}
	if c.gen != gen {
		// Torn down or failed while subscribing.
		c.mu.Unlock()
		_ = handle.Unsubscribe()
		return nil
	}
	c.handle = handle
	c.mu.Unlock()
	return nil
}

// Close tears the subscription down for good; later Subscribe calls fail
// with ErrChannelClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Unsubscribe()
}

// Unsubscribe tears the subscription down. Safe to call in any state.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	c.gen++
	handle := c.handle
	wasSubscribed := c.state == Subscribed
	c.handle = nil
	c.state = Unsubscribed
	c.mu.Unlock()

	if wasSubscribed {
		metrics.SubscriptionsActive.WithLabelValues(c.name).Dec()
	}
	if handle == nil {
		return nil
	}
	return handle.Unsubscribe()
}

func (c *Channel) deliver(gen uint64) realtime.Handler {
	return func(data []byte) {
		c.mu.Lock()
		live := c.gen == gen
		c.mu.Unlock()
		if live {
			c.onData(data)
		}
	}
}

func (c *Channel) status(gen uint64) realtime.StatusHandler {
	return func(status realtime.Status, err error) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}

		switch status {
		case realtime.StatusSubscribed:
			if c.state != Subscribed {
				c.state = Subscribed
				metrics.SubscriptionsActive.WithLabelValues(c.name).Inc()
			}
			c.mu.Unlock()
			c.logger.Debug("Subscribed")
			return

		case realtime.StatusChannelError, realtime.StatusClosed:
			wasSubscribed := c.state == Subscribed
			handle := c.handle
			c.gen++
			c.handle = nil
			c.state = Unsubscribed
			c.mu.Unlock()

			if wasSubscribed {
				metrics.SubscriptionsActive.WithLabelValues(c.name).Dec()
			}
			if handle != nil {
				_ = handle.Unsubscribe()
			}
			c.logger.Warn("Subscription lost", zap.String("status", string(status)), zap.Error(err))
			if c.onLost != nil {
				c.onLost(err)
			}
			return
		}
		c.mu.Unlock()
	}
}

// Resubscribe retries Subscribe with exponential backoff capped at maxGap until
// it succeeds or ctx ends.
func (c *Channel) Resubscribe(ctx context.Context, base, maxGap time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxGap
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.RetryNotify(func() error {
		metrics.ResubscribesTotal.WithLabelValues(c.name).Inc()
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := c.Subscribe()
		if errors.Is(err, ErrChannelClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("Resubscribe failed", zap.Duration("wait", wait), zap.Error(err))
	})
}
