package chat

import "github.com/vetlink/chat-sync/internal/model"

// AlertKind names a user-facing failure.
type AlertKind string

const (
	AlertResolveFailed AlertKind = "resolve_failed"
	AlertLoadFailed    AlertKind = "load_failed"
	AlertSendFailed    AlertKind = "send_failed"
	AlertDeleteFailed  AlertKind = "delete_failed"
	AlertNotAuthor     AlertKind = "not_author"
)

// Alert is a failure the client should show to the user.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
	// TempID identifies the failed send for RetrySend and CancelSend.
	TempID  string   `json:"temp_id,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

// View is what a client renders for an open conversation.
type View struct {
	ConversationID string                          `json:"conversation_id"`
	Messages       []model.Message                 `json:"messages"`
	Status         map[string]model.DeliveryStatus `json:"message_status"`
	PeerTyping     bool                            `json:"is_other_user_typing"`
	NetworkError   *string                         `json:"network_error"`
	Sending        bool                            `json:"is_sending"`
	Failed         []FailedSend                    `json:"failed_sends"`
}

// Watcher receives coalesced views and every alert raised after it attached.
type Watcher struct {
	views  chan View
	alerts chan Alert
	cancel func()
}

// Views yields the latest view; intermediate views may be skipped.
func (w *Watcher) Views() <-chan View { return w.views }

// Alerts yields alerts. The channel is closed with Views when the session closes.
func (w *Watcher) Alerts() <-chan Alert { return w.alerts }

// Close detaches the watcher.
func (w *Watcher) Close() { w.cancel() }

func newWatcher() *Watcher {
	return &Watcher{views: make(chan View, 1), alerts: make(chan Alert, 16)}
}

// offer replaces any undelivered view with v.
func (w *Watcher) offer(v View) {
	for {
		select {
		case w.views <- v:
			return
		default:
		}
		select {
		case <-w.views:
		default:
		}
	}
}

func (w *Watcher) alert(a Alert) bool {
	select {
	case w.alerts <- a:
		return true
	default:
		return false
	}
}
