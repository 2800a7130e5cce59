package chat

import (
	"github.com/oklog/ulid/v2"

	"github.com/vetlink/chat-sync/internal/model"
)

// NewTemporaryID mints a client-local message id. ULIDs sort by creation time,
// so temporary ids from one session are monotonic.
func NewTemporaryID() string {
	return model.TemporaryIDPrefix + ulid.Make().String()
}
