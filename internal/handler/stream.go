package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/chat"
	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	registry  *chat.Registry
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(registry *chat.Registry, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		registry:  registry,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// ConnectedEvent is the first event of every stream.
type ConnectedEvent struct {
	ConversationID string `json:"conversation_id"`
	SelfID         string `json:"self_id"`
	PeerID         string `json:"peer_id"`
}

// Stream handles GET /api/v1/chats/{peerID}/stream
// It keeps the participant's session open for as long as the client is attached
// and pushes a "view" event on every change and an "alert" event per alert.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	selfID, peerID, ok := participants(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess, release, err := h.registry.Acquire(ctx, selfID, peerID)
	if err != nil {
		h.logger.Warn("failed to open chat session",
			zap.String("user_id", selfID),
			zap.String("peer_id", peerID),
			zap.Error(err),
		)
		writeChatError(w, err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementStreamConnections("sse")
	defer metrics.DecrementStreamConnections("sse")

	watcher := sess.Watch()
	defer watcher.Close()

	sendSSEEvent(w, flusher, "connected", &ConnectedEvent{
		ConversationID: sess.ConversationID(),
		SelfID:         selfID,
		PeerID:         peerID,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("conversation_id", sess.ConversationID()))
			return

		case view, ok := <-watcher.Views():
			if !ok {
				sendSSEEvent(w, flusher, "error", &model.ErrorEvent{Code: "session_closed", Message: "The conversation was closed."})
				return
			}
			if err := sendSSEEvent(w, flusher, "view", view); err != nil {
				return
			}

		case alert, ok := <-watcher.Alerts():
			if !ok {
				sendSSEEvent(w, flusher, "error", &model.ErrorEvent{Code: "session_closed", Message: "The conversation was closed."})
				return
			}
			if err := sendSSEEvent(w, flusher, "alert", alert); err != nil {
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
