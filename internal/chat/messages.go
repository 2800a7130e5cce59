package chat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/storage"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
	"github.com/vetlink/chat-sync/pkg/tracing"
)

// PersistInput describes one outgoing message.
type PersistInput struct {
	ConversationID string
	SenderID       string
	// ClientID is the temporary id; retries reuse it so the store can dedupe.
	ClientID string
	Text     string
	// ImageURI is a local file path or file:// URI of the attachment.
	ImageURI string
	// ImageURL is set once the attachment is uploaded; later attempts skip the upload.
	ImageURL string
}

// MessageAdapter reads and writes message rows and uploads attachments.
type MessageAdapter struct {
	store    store.MessageStore
	uploader storage.Uploader
	logger   *logger.Logger

	readFile func(name string) ([]byte, error)
	now      func() time.Time
}

// NewMessageAdapter creates a new message adapter.
func NewMessageAdapter(s store.MessageStore, uploader storage.Uploader, log *logger.Logger) *MessageAdapter {
	return &MessageAdapter{
		store:    s,
		uploader: uploader,
		logger:   log.Named("messages"),
		readFile: os.ReadFile,
		now:      time.Now,
	}
}

// LoadAll returns every message of the conversation, oldest first.
func (a *MessageAdapter) LoadAll(ctx context.Context, conversationID string) (msgs []model.Message, err error) {
	ctx, span := tracing.Start(ctx, "chat.load", attribute.String("conversation_id", conversationID))
	defer func() { tracing.End(span, err) }()

	msgs, err = a.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// Persist uploads the attachment, if any, and inserts the row.
func (a *MessageAdapter) Persist(ctx context.Context, in *PersistInput) (msg model.Message, err error) {
	ctx, span := tracing.Start(ctx, "chat.persist",
		attribute.String("conversation_id", in.ConversationID),
		attribute.String("client_id", in.ClientID),
	)
	defer func() { tracing.End(span, err) }()

	if in.ImageURI != "" && in.ImageURL == "" {
		url, err := a.upload(ctx, in.SenderID, in.ImageURI)
		if err != nil {
			return model.Message{}, err
		}
		in.ImageURL = url
	}

	msg, dup, err := a.store.InsertMessage(ctx, model.NewMessage{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ClientID:       in.ClientID,
		Content:        model.StringPtr(in.Text),
		ImageURL:       model.StringPtr(in.ImageURL),
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if dup {
		a.logger.Info("Send matched an already persisted message",
			zap.String("client_id", in.ClientID),
			zap.String("message_id", msg.ID),
		)
	}
	return msg, nil
}

func (a *MessageAdapter) upload(ctx context.Context, senderID, uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")
	data, err := a.readFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAttachmentRead, err)
	}

	ext, contentType := attachmentType(path)
	objectPath := fmt.Sprintf("%s/%d.%s", senderID, a.now().UnixMilli(), ext)

	url, err := a.uploader.Upload(ctx, objectPath, contentType, data)
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}
	return url, nil
}

// attachmentType derives the object extension and content type from a file
// name. "jpg" maps to image/jpeg; other extensions are used verbatim.
func attachmentType(name string) (ext, contentType string) {
	ext = strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		ext = "jpeg"
	}
	sub := ext
	if sub == "jpg" {
		sub = "jpeg"
	}
	return ext, "image/" + sub
}

// MarkRead flags a peer message as read. Failures are logged only.
func (a *MessageAdapter) MarkRead(ctx context.Context, messageID, readerID string) {
	if _, _, err := a.store.MarkRead(ctx, messageID, readerID); err != nil {
		metrics.SideChannelFailuresTotal.WithLabelValues("read_receipt").Inc()
		a.logger.Warn("Failed to mark message read", zap.String("message_id", messageID), zap.Error(err))
	}
}

// MarkDelivered acknowledges delivery of a peer message. Failures are logged only.
func (a *MessageAdapter) MarkDelivered(ctx context.Context, messageID, recipientID string) {
	if _, _, err := a.store.MarkDelivered(ctx, messageID, recipientID); err != nil {
		metrics.SideChannelFailuresTotal.WithLabelValues("delivery_receipt").Inc()
		a.logger.Warn("Failed to mark message delivered", zap.String("message_id", messageID), zap.Error(err))
	}
}

// Delete removes a message authored by requesterID. Non-authors are rejected
// before any store call.
func (a *MessageAdapter) Delete(ctx context.Context, msg model.Message, requesterID string) error {
	if msg.SenderID != requesterID {
		return ErrNotAuthor
	}
	if _, err := a.store.DeleteMessage(ctx, msg.ID, requesterID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if msg.ImageURL != nil && a.uploader != nil {
		if err := a.uploader.Delete(ctx, *msg.ImageURL); err != nil {
			a.logger.Warn("Failed to delete attachment", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}
