package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vetlink/chat-sync/internal/model"
)

const uniqueViolation = "23505"

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements ConversationStore, MessageStore and TypingStore.
// It does not own the pool; the caller closes it.
type Postgres struct {
	db  DBTX
	now func() time.Time
}

// NewPostgres constructs a Postgres store.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const conversationColumns = `id, owner_id, professional_id, created_at, updated_at`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	var id uuid.UUID
	err := row.Scan(&id, &c.OwnerID, &c.ProfessionalID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, err
	}
	c.ID = id.String()
	return c, nil
}

// FindConversation looks up the conversation for the unordered pair (a, b).
func (s *Postgres) FindConversation(ctx context.Context, a, b string) (model.Conversation, error) {
	return scanConversation(s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE (owner_id = $1 AND professional_id = $2)
		   OR (owner_id = $2 AND professional_id = $1)
		LIMIT 1
	`, a, b))
}

// CreateConversation inserts a conversation; the pair index turns a concurrent
// create for the same pair into ErrConflict.
func (s *Postgres) CreateConversation(ctx context.Context, ownerID, professionalID string) (model.Conversation, error) {
	if ownerID == "" || professionalID == "" || ownerID == professionalID {
		return model.Conversation{}, ErrInvalidInput
	}
	c, err := scanConversation(s.db.QueryRow(ctx, `
		INSERT INTO conversations (id, owner_id, professional_id)
		VALUES ($1, $2, $3)
		RETURNING `+conversationColumns,
		uuid.Must(uuid.NewV7()), ownerID, professionalID,
	))
	if isUniqueViolation(err) {
		return model.Conversation{}, ErrConflict
	}
	return c, err
}

// GetConversation returns a conversation by id.
func (s *Postgres) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	cid, err := uuid.Parse(id)
	if err != nil {
		return model.Conversation{}, ErrNotFound
	}
	return scanConversation(s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, cid))
}

const messageColumns = `id, conversation_id, sender_id, client_id, content, image_url, read, delivered_at, created_at`

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m        model.Message
		id       uuid.UUID
		convID   uuid.UUID
		clientID *string
	)
	err := row.Scan(&id, &convID, &m.SenderID, &clientID, &m.Content, &m.ImageURL, &m.Read, &m.DeliveredAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, err
	}
	m.ID = id.String()
	m.ConversationID = convID.String()
	if clientID != nil {
		m.ClientID = *clientID
	}
	return m, nil
}

// ListMessages returns all messages of a conversation, oldest first.
func (s *Postgres) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	cid, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, cid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]model.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessage returns a message by id.
func (s *Postgres) GetMessage(ctx context.Context, id string) (model.Message, error) {
	mid, err := uuid.Parse(id)
	if err != nil {
		return model.Message{}, ErrNotFound
	}
	return scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, mid))
}

// InsertMessage inserts a message, deduplicating on (conversation_id, client_id).
func (s *Postgres) InsertMessage(ctx context.Context, in model.NewMessage) (model.Message, bool, error) {
	cid, err := uuid.Parse(in.ConversationID)
	if err != nil || in.SenderID == "" {
		return model.Message{}, false, ErrInvalidInput
	}

	id := uuid.Must(uuid.NewV7())
	if in.ID != "" {
		if id, err = uuid.Parse(in.ID); err != nil {
			return model.Message{}, false, ErrInvalidInput
		}
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	m, err := scanMessage(s.db.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, client_id, content, image_url, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (conversation_id, client_id) DO NOTHING
		RETURNING `+messageColumns,
		id, cid, in.SenderID, model.StringPtr(in.ClientID), in.Content, in.ImageURL, createdAt,
	))
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, ErrNotFound) || in.ClientID == "" {
		return model.Message{}, false, err
	}

	// Conflict on client_id: an earlier attempt committed.
	existing, err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND client_id = $2
	`, cid, in.ClientID))
	if err != nil {
		return model.Message{}, false, err
	}
	return existing, true, nil
}

// MarkRead flags the message read. Messages authored by the reader are never changed.
func (s *Postgres) MarkRead(ctx context.Context, messageID, readerID string) (model.Message, bool, error) {
	mid, err := uuid.Parse(messageID)
	if err != nil {
		return model.Message{}, false, ErrNotFound
	}
	m, err := scanMessage(s.db.QueryRow(ctx, `
		UPDATE messages
		SET read = TRUE,
		    delivered_at = COALESCE(delivered_at, $3)
		WHERE id = $1
		  AND sender_id <> $2
		  AND read = FALSE
		RETURNING `+messageColumns,
		mid, readerID, s.now(),
	))
	return s.unchangedIfMissing(ctx, messageID, m, err)
}

// MarkDelivered records the delivery acknowledgment of the recipient.
func (s *Postgres) MarkDelivered(ctx context.Context, messageID, recipientID string) (model.Message, bool, error) {
	mid, err := uuid.Parse(messageID)
	if err != nil {
		return model.Message{}, false, ErrNotFound
	}
	m, err := scanMessage(s.db.QueryRow(ctx, `
		UPDATE messages
		SET delivered_at = $3
		WHERE id = $1
		  AND sender_id <> $2
		  AND delivered_at IS NULL
		RETURNING `+messageColumns,
		mid, recipientID, s.now(),
	))
	return s.unchangedIfMissing(ctx, messageID, m, err)
}

func (s *Postgres) unchangedIfMissing(ctx context.Context, messageID string, m model.Message, err error) (model.Message, bool, error) {
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Message{}, false, err
	}
	existing, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, false, err
	}
	return existing, false, nil
}

// DeleteMessage removes a message authored by senderID.
func (s *Postgres) DeleteMessage(ctx context.Context, messageID, senderID string) (model.Message, error) {
	mid, err := uuid.Parse(messageID)
	if err != nil {
		return model.Message{}, ErrNotFound
	}
	return scanMessage(s.db.QueryRow(ctx, `
		DELETE FROM messages
		WHERE id = $1 AND sender_id = $2
		RETURNING `+messageColumns,
		mid, senderID,
	))
}

// UpsertTyping writes the typing status in place.
func (s *Postgres) UpsertTyping(ctx context.Context, status model.TypingStatus) error {
	cid, err := uuid.Parse(status.ConversationID)
	if err != nil || status.UserID == "" {
		return ErrInvalidInput
	}
	updatedAt := status.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO typing_status (conversation_id, user_id, is_typing, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at
	`, cid, status.UserID, status.IsTyping, updatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
