package handler

import (
	"github.com/go-chi/chi/v5"
)

// Handlers groups the authenticated API handlers.
type Handlers struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler
	WS            *WSHandler
}

// Mount registers the chat routes on r. Callers install authentication first.
func (h Handlers) Mount(r chi.Router) {
	r.Post("/conversations", h.Conversations.Resolve)

	r.Route("/chats/{peerID}", func(r chi.Router) {
		// Streams hold the session open.
		r.Get("/stream", h.Stream.Stream)
		r.Get("/ws", h.WS.Serve)

		// Commands act on the open session.
		r.Get("/messages", h.Messages.View)
		r.Post("/messages", h.Messages.Send)
		r.Delete("/messages/{messageID}", h.Messages.Delete)
		r.Post("/typing", h.Messages.Typing)
		r.Post("/refresh", h.Messages.Refresh)
		r.Post("/failed/{tempID}/retry", h.Messages.Retry)
		r.Delete("/failed/{tempID}", h.Messages.Cancel)
	})
}
