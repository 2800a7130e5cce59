package handler

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/chat"
	"github.com/vetlink/chat-sync/internal/middleware"
	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/storage"
	"github.com/vetlink/chat-sync/pkg/logger"
)

// MessageHandler handles the commands of an open chat session. The session is
// opened by a stream (SSE or WebSocket) and looked up here by participant pair.
type MessageHandler struct {
	registry  *chat.Registry
	spool     *storage.Spool
	maxUpload int64
	logger    *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(registry *chat.Registry, spool *storage.Spool, maxUpload int64, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		registry:  registry,
		spool:     spool,
		maxUpload: maxUpload,
		logger:    log,
	}
}

func (h *MessageHandler) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	selfID, peerID, ok := participants(w, r)
	if !ok {
		return nil, false
	}
	sess, err := h.registry.Lookup(selfID, peerID)
	if err != nil {
		writeChatError(w, err)
		return nil, false
	}
	return sess, true
}

// View handles GET /api/v1/chats/{peerID}/messages
func (h *MessageHandler) View(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// Send handles POST /api/v1/chats/{peerID}/messages
// The body is JSON {"text": ...} or multipart with a text field and an image part.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var text, imageURI string
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		var ok bool
		if text, imageURI, ok = h.readMultipart(w, r); !ok {
			return
		}
	} else {
		var req model.SendMessageRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		text = req.Text
	}

	// The spooled image belongs to the session once a send is queued.
	queued := false
	defer func() {
		if imageURI != "" && !queued {
			h.discard(imageURI)
		}
	}()

	if err := middleware.ValidateMessageText(text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tempID, err := sess.SendMessage(text, imageURI)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if tempID == "" {
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	}
	queued = true

	writeJSON(w, http.StatusAccepted, &model.SendMessageResponse{TempID: tempID, Queued: true})
}

func (h *MessageHandler) readMultipart(w http.ResponseWriter, r *http.Request) (text, imageURI string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return "", "", false
	}
	defer r.MultipartForm.RemoveAll()

	text = r.FormValue("text")

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return text, "", true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image part")
		return "", "", false
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" && !strings.HasPrefix(ct, "image/") {
		writeError(w, http.StatusUnsupportedMediaType, "attachment must be an image")
		return "", "", false
	}

	imageURI, err = h.spool.Save(file, filepath.Ext(header.Filename), h.maxUpload)
	if errors.Is(err, storage.ErrTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return "", "", false
	}
	if err != nil {
		h.logger.Error("failed to spool attachment", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store attachment")
		return "", "", false
	}
	return text, imageURI, true
}

func (h *MessageHandler) discard(imageURI string) {
	if err := h.spool.Remove(imageURI); err != nil {
		h.logger.Warn("failed to remove spooled attachment", zap.String("uri", imageURI), zap.Error(err))
	}
}

// Typing handles POST /api/v1/chats/{peerID}/typing
func (h *MessageHandler) Typing(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req model.TypingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess.HandleInputChange(req.Text)
	w.WriteHeader(http.StatusNoContent)
}

// Retry handles POST /api/v1/chats/{peerID}/failed/{tempID}/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	tempID := chi.URLParam(r, "tempID")
	if err := middleware.ValidateTemporaryID(tempID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.RetrySend(tempID); err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, &model.SendMessageResponse{TempID: tempID, Queued: true})
}

// Cancel handles DELETE /api/v1/chats/{peerID}/failed/{tempID}
func (h *MessageHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	tempID := chi.URLParam(r, "tempID")
	if err := middleware.ValidateTemporaryID(tempID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.CancelSend(tempID); err != nil {
		writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/chats/{peerID}/messages/{messageID}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	messageID := chi.URLParam(r, "messageID")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.DeleteMessage(r.Context(), messageID); err != nil {
		h.logger.Warn("failed to delete message", zap.String("message_id", messageID), zap.Error(err))
		writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refresh handles POST /api/v1/chats/{peerID}/refresh
func (h *MessageHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Refresh(r.Context()); err != nil {
		if errors.Is(err, chat.ErrSessionClosed) {
			writeChatError(w, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "unable to load messages")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}
