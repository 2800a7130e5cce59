// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/chat"
	"github.com/vetlink/chat-sync/internal/middleware"
	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	resolver *chat.Resolver
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(resolver *chat.Resolver, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		resolver: resolver,
		logger:   log,
	}
}

// Resolve handles POST /api/v1/conversations
func (h *ConversationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.ResolveConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.resolver.Resolve(ctx, userID, req.PeerID)
	if err != nil {
		h.logger.Warn("failed to resolve conversation",
			zap.String("user_id", userID),
			zap.String("peer_id", req.PeerID),
			zap.Error(err),
		)
		writeChatError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ResolveConversationResponse{ConversationID: id})
}
