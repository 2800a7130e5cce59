package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vetlink/chat-sync/internal/model"
)

// RedisTyping keeps typing status in Redis with a TTL so stale rows expire
// without a sweeper.
type RedisTyping struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTyping constructs a Redis-backed TypingStore.
func NewRedisTyping(client *redis.Client, ttl time.Duration) *RedisTyping {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisTyping{client: client, ttl: ttl}
}

func typingKey(conversationID, userID string) string {
	return fmt.Sprintf("typing:%s:%s", conversationID, userID)
}

// UpsertTyping implements TypingStore.
func (r *RedisTyping) UpsertTyping(ctx context.Context, status model.TypingStatus) error {
	if status.ConversationID == "" || status.UserID == "" {
		return ErrInvalidInput
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, typingKey(status.ConversationID, status.UserID), data, r.ttl).Err()
}

// GetTyping returns the stored status, or ErrNotFound once it expired.
func (r *RedisTyping) GetTyping(ctx context.Context, conversationID, userID string) (model.TypingStatus, error) {
	data, err := r.client.Get(ctx, typingKey(conversationID, userID)).Bytes()
	if err == redis.Nil {
		return model.TypingStatus{}, ErrNotFound
	}
	if err != nil {
		return model.TypingStatus{}, err
	}
	var st model.TypingStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return model.TypingStatus{}, err
	}
	return st, nil
}
