package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetlink/chat-sync/internal/model"
)

// Memory is an in-process store used by tests and the dev fallback when
// DATABASE_URL is not set. It mirrors the Postgres constraints.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]model.Conversation
	messages      map[string]model.Message
	byClientID    map[string]string // conversation_id + "/" + client_id -> message id
	typing        map[string]model.TypingStatus

	now func() time.Time

	// Fail, when set, is consulted before every operation and its error is returned.
	Fail func(op string) error
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string]model.Message),
		byClientID:    make(map[string]string),
		typing:        make(map[string]model.TypingStatus),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Memory) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

// FindConversation implements ConversationStore.
func (s *Memory) FindConversation(ctx context.Context, a, b string) (model.Conversation, error) {
	if err := s.fail("find_conversation"); err != nil {
		return model.Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conversations {
		if (c.OwnerID == a && c.ProfessionalID == b) || (c.OwnerID == b && c.ProfessionalID == a) {
			return c, nil
		}
	}
	return model.Conversation{}, ErrNotFound
}

// CreateConversation implements ConversationStore.
func (s *Memory) CreateConversation(ctx context.Context, ownerID, professionalID string) (model.Conversation, error) {
	if err := s.fail("create_conversation"); err != nil {
		return model.Conversation{}, err
	}
	if ownerID == "" || professionalID == "" || ownerID == professionalID {
		return model.Conversation{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if (c.OwnerID == ownerID && c.ProfessionalID == professionalID) ||
			(c.OwnerID == professionalID && c.ProfessionalID == ownerID) {
			return model.Conversation{}, ErrConflict
		}
	}

	now := s.now()
	c := model.Conversation{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		ProfessionalID: professionalID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[c.ID] = c
	return c, nil
}

// GetConversation implements ConversationStore.
func (s *Memory) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	if err := s.fail("get_conversation"); err != nil {
		return model.Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	return c, nil
}

// ListMessages implements MessageStore.
func (s *Memory) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if err := s.fail("list_messages"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetMessage implements MessageStore.
func (s *Memory) GetMessage(ctx context.Context, id string) (model.Message, error) {
	if err := s.fail("get_message"); err != nil {
		return model.Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return m, nil
}

// InsertMessage implements MessageStore.
func (s *Memory) InsertMessage(ctx context.Context, in model.NewMessage) (model.Message, bool, error) {
	if err := s.fail("insert_message"); err != nil {
		return model.Message{}, false, err
	}
	if in.ConversationID == "" || in.SenderID == "" {
		return model.Message{}, false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[in.ConversationID]; !ok {
		return model.Message{}, false, ErrInvalidInput
	}

	key := in.ConversationID + "/" + in.ClientID
	if in.ClientID != "" {
		if id, ok := s.byClientID[key]; ok {
			return s.messages[id], true, nil
		}
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := s.messages[id]; ok {
		return model.Message{}, false, ErrConflict
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	m := model.Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ClientID:       in.ClientID,
		Content:        in.Content,
		ImageURL:       in.ImageURL,
		CreatedAt:      createdAt,
	}
	s.messages[id] = m
	if in.ClientID != "" {
		s.byClientID[key] = id
	}
	return m, false, nil
}

// MarkRead implements MessageStore.
func (s *Memory) MarkRead(ctx context.Context, messageID, readerID string) (model.Message, bool, error) {
	if err := s.fail("mark_read"); err != nil {
		return model.Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return model.Message{}, false, ErrNotFound
	}
	if m.SenderID == readerID || m.Read {
		return m, false, nil
	}
	m.Read = true
	if m.DeliveredAt == nil {
		now := s.now()
		m.DeliveredAt = &now
	}
	s.messages[messageID] = m
	return m, true, nil
}

// MarkDelivered implements MessageStore.
func (s *Memory) MarkDelivered(ctx context.Context, messageID, recipientID string) (model.Message, bool, error) {
	if err := s.fail("mark_delivered"); err != nil {
		return model.Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return model.Message{}, false, ErrNotFound
	}
	if m.SenderID == recipientID || m.DeliveredAt != nil {
		return m, false, nil
	}
	now := s.now()
	m.DeliveredAt = &now
	s.messages[messageID] = m
	return m, true, nil
}

// DeleteMessage implements MessageStore.
func (s *Memory) DeleteMessage(ctx context.Context, messageID, senderID string) (model.Message, error) {
	if err := s.fail("delete_message"); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.SenderID != senderID {
		return model.Message{}, ErrNotFound
	}
	delete(s.messages, messageID)
	if m.ClientID != "" {
		delete(s.byClientID, m.ConversationID+"/"+m.ClientID)
	}
	return m, nil
}

// UpsertTyping implements TypingStore.
func (s *Memory) UpsertTyping(ctx context.Context, status model.TypingStatus) error {
	if err := s.fail("upsert_typing"); err != nil {
		return err
	}
	if status.ConversationID == "" || status.UserID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now()
	}
	s.typing[status.ConversationID+"/"+status.UserID] = status
	return nil
}

// Typing returns the stored typing status for a participant.
func (s *Memory) Typing(conversationID, userID string) (model.TypingStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.typing[conversationID+"/"+userID]
	return st, ok
}
