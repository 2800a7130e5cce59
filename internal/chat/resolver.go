package chat

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
	"github.com/vetlink/chat-sync/pkg/tracing"
)

// Resolver finds or creates the single conversation between two participants.
type Resolver struct {
	store  store.ConversationStore
	logger *logger.Logger
}

// NewResolver creates a new resolver.
func NewResolver(s store.ConversationStore, log *logger.Logger) *Resolver {
	return &Resolver{store: s, logger: log.Named("resolver")}
}

// Resolve returns the id of the conversation between selfID and peerID,
// creating it with self as owner when none exists. A concurrent create by
// the peer surfaces as a conflict and is answered by the second lookup.
func (r *Resolver) Resolve(ctx context.Context, selfID, peerID string) (id string, err error) {
	if selfID == "" || peerID == "" || selfID == peerID {
		return "", ErrInvalidParticipants
	}

	ctx, span := tracing.Start(ctx, "chat.resolve",
		attribute.String("self_id", selfID),
		attribute.String("peer_id", peerID),
	)
	defer func() { tracing.End(span, err) }()

	conv, err := r.store.FindConversation(ctx, selfID, peerID)
	if err == nil {
		metrics.ResolvesTotal.WithLabelValues("found").Inc()
		return conv.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", r.fail("lookup", err)
	}

	conv, err = r.store.CreateConversation(ctx, selfID, peerID)
	if err == nil {
		metrics.ResolvesTotal.WithLabelValues("created").Inc()
		r.logger.Info("Conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("owner_id", selfID),
			zap.String("professional_id", peerID),
		)
		return conv.ID, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return "", r.fail("create", err)
	}

	conv, err = r.store.FindConversation(ctx, selfID, peerID)
	if err != nil {
		return "", r.fail("lookup after conflict", err)
	}
	metrics.ResolvesTotal.WithLabelValues("conflict").Inc()
	return conv.ID, nil
}

func (r *Resolver) fail(stage string, err error) error {
	metrics.ResolvesTotal.WithLabelValues("error").Inc()
	r.logger.Error("Conversation resolution failed", zap.String("stage", stage), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrResolveFailed, stage, err)
}
