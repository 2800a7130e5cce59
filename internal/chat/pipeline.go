package chat

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
)

// Persister performs one persist attempt.
type Persister interface {
	Persist(ctx context.Context, in *PersistInput) (model.Message, error)
}

// RetryPolicy bounds the persist retries. With the defaults the waits are
// 1s, 2s and 4s before attempts 1, 2 and 3.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	// NewTimer returns the timer for one send's waits; nil uses real timers.
	NewTimer func() backoff.Timer
}

// DefaultRetryPolicy returns 3 retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Base << uint(p.MaxRetries)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Pipeline persists outgoing messages with bounded exponential backoff.
type Pipeline struct {
	persister Persister
	policy    RetryPolicy
	logger    *logger.Logger
}

// NewPipeline creates a new send pipeline.
func NewPipeline(p Persister, policy RetryPolicy, log *logger.Logger) *Pipeline {
	if policy.Base <= 0 {
		policy.Base = time.Second
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Pipeline{persister: p, policy: policy, logger: log.Named("pipeline")}
}

// Run persists in, retrying transient failures. It returns the durable row, the
// last persist error once retries are exhausted, or the context error when ctx
// ends during a wait.
func (p *Pipeline) Run(ctx context.Context, in *PersistInput) (model.Message, error) {
	var (
		msg     model.Message
		attempt int
	)

	op := func() error {
		m, err := p.persister.Persist(ctx, in)
		attempt++
		if err != nil {
			metrics.SendAttemptsTotal.WithLabelValues("failure").Inc()
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		metrics.SendAttemptsTotal.WithLabelValues("success").Inc()
		msg = m
		return nil
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Persist attempt failed, retrying",
			zap.String("client_id", in.ClientID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	var timer backoff.Timer
	if p.policy.NewTimer != nil {
		timer = p.policy.NewTimer()
	}

	if err := backoff.RetryNotifyWithTimer(op, p.policy.backOff(ctx), notify, timer); err != nil {
		p.logger.Error("Message send failed",
			zap.String("client_id", in.ClientID),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return model.Message{}, err
	}
	return msg, nil
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrAttachmentRead) ||
		errors.Is(err, store.ErrInvalidInput) ||
		errors.Is(err, context.Canceled)
}
