package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vetlink/chat-sync/internal/chat"
	"github.com/vetlink/chat-sync/internal/middleware"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON decodes and validates a request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := middleware.ValidateRequest(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// participants reads the authenticated user and the peer path parameter.
func participants(w http.ResponseWriter, r *http.Request) (selfID, peerID string, ok bool) {
	selfID = middleware.GetUserID(r.Context())
	peerID = chi.URLParam(r, "peerID")
	if err := middleware.ValidateParticipantID(peerID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	if selfID == "" || selfID == peerID {
		writeError(w, http.StatusBadRequest, "invalid participants")
		return "", "", false
	}
	return selfID, peerID, true
}

// writeChatError maps chat and registry errors to HTTP responses.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidParticipants):
		writeError(w, http.StatusBadRequest, "invalid participants")
	case errors.Is(err, chat.ErrNoSession):
		writeError(w, http.StatusConflict, "no open stream for this conversation")
	case errors.Is(err, chat.ErrSessionClosed):
		writeError(w, http.StatusGone, "session closed")
	case errors.Is(err, chat.ErrNotAuthor):
		writeError(w, http.StatusForbidden, "only the author can delete a message")
	case errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrUnknownFailedSend):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrResolveFailed):
		writeError(w, http.StatusServiceUnavailable, "conversation could not be resolved")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
