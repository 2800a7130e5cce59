package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/chat"
	"github.com/vetlink/chat-sync/internal/middleware"
	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
)

const (
	wsMaxFrameBytes  = 64 << 10
	wsWriteTimeout   = 10 * time.Second
	wsCommandTimeout = 15 * time.Second
)

// Commands a WebSocket client may send.
const (
	CommandSend    = "send"
	CommandTyping  = "typing"
	CommandRetry   = "retry"
	CommandCancel  = "cancel"
	CommandDelete  = "delete"
	CommandRefresh = "refresh"
)

// WSCommand is a client to server frame.
type WSCommand struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	TempID    string `json:"temp_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// WSEnvelope is a server to client frame.
type WSEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// WSHandler serves the WebSocket transport of a chat session. Views and
// alerts flow out; commands flow in on the same connection.
type WSHandler struct {
	registry       *chat.Registry
	originPatterns []string
	heartbeat      time.Duration
	logger         *logger.Logger
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(registry *chat.Registry, originPatterns []string, heartbeat time.Duration, log *logger.Logger) *WSHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &WSHandler{
		registry:       registry,
		originPatterns: originPatterns,
		heartbeat:      heartbeat,
		logger:         log,
	}
}

// Serve handles GET /api/v1/chats/{peerID}/ws
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	selfID, peerID, ok := participants(w, r)
	if !ok {
		return
	}

	sess, release, err := h.registry.Acquire(r.Context(), selfID, peerID)
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

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsMaxFrameBytes)

	metrics.IncrementStreamConnections("ws")
	defer metrics.DecrementStreamConnections("ws")

	log := h.logger.ForConversation(sess.ConversationID(), selfID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	watcher := sess.Watch()
	defer watcher.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, conn, sess, watcher, log)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("websocket read failed", zap.Error(err))
			}
			break
		}
		var cmd WSCommand
		if typ != websocket.MessageText || json.Unmarshal(data, &cmd) != nil {
			h.reply(ctx, conn, "error", &model.ErrorEvent{Code: "bad_json", Message: "invalid JSON"})
			continue
		}
		if err := h.dispatch(ctx, sess, cmd); err != nil {
			h.reply(ctx, conn, "error", commandError(cmd, err))
		}
	}

	cancel()
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "bye")
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *chat.Session, watcher *chat.Watcher, log *logger.Logger) {
	if err := h.reply(ctx, conn, "connected", &ConnectedEvent{
		ConversationID: sess.ConversationID(),
		SelfID:         sess.SelfID(),
		PeerID:         sess.PeerID(),
	}); err != nil {
		return
	}

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return

		case view, ok := <-watcher.Views():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			err = h.reply(ctx, conn, "view", view)

		case alert, ok := <-watcher.Alerts():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			err = h.reply(ctx, conn, "alert", alert)

		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Ping(pctx)
			pcancel()
		}
		if err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *WSHandler) reply(ctx context.Context, conn *websocket.Conn, typ string, data interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, &WSEnvelope{Type: typ, Data: data})
}

func (h *WSHandler) dispatch(ctx context.Context, sess *chat.Session, cmd WSCommand) error {
	switch cmd.Type {
	case CommandSend:
		if err := middleware.ValidateMessageText(cmd.Text); err != nil {
			return err
		}
		_, err := sess.SendMessage(cmd.Text, "")
		return err

	case CommandTyping:
		sess.HandleInputChange(cmd.Text)
		return nil

	case CommandRetry:
		if err := middleware.ValidateTemporaryID(cmd.TempID); err != nil {
			return err
		}
		return sess.RetrySend(cmd.TempID)

	case CommandCancel:
		if err := middleware.ValidateTemporaryID(cmd.TempID); err != nil {
			return err
		}
		return sess.CancelSend(cmd.TempID)

	case CommandDelete:
		if err := middleware.ValidateMessageID(cmd.MessageID); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, wsCommandTimeout)
		defer cancel()
		return sess.DeleteMessage(cctx, cmd.MessageID)

	case CommandRefresh:
		cctx, cancel := context.WithTimeout(ctx, wsCommandTimeout)
		defer cancel()
		return sess.Refresh(cctx)

	default:
		return errUnsupportedCommand
	}
}

var errUnsupportedCommand = errors.New("unsupported command")

func commandError(cmd WSCommand, err error) *model.ErrorEvent {
	code := cmd.Type + "_failed"
	switch {
	case errors.Is(err, errUnsupportedCommand):
		code = "unsupported"
	case errors.Is(err, chat.ErrNotAuthor):
		code = "not_author"
	case errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrUnknownFailedSend):
		code = "not_found"
	case errors.Is(err, chat.ErrSessionClosed):
		code = "session_closed"
	}
	return &model.ErrorEvent{Code: code, Message: err.Error()}
}
