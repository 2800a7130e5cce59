package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vetlink/chat-sync/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRequest checks a decoded request DTO against its validate tags.
func ValidateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
		}
		return err
	}
	return nil
}

// ValidateParticipantID validates a participant id taken from the path.
func ValidateParticipantID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("participant ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("participant ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("participant ID must be valid UTF-8")
	}
	return nil
}

// ValidateMessageID validates a durable message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateTemporaryID validates the id of an unpersisted message.
func ValidateTemporaryID(id string) error {
	if !model.IsTemporaryID(id) || len(id) > 64 {
		return errors.New("invalid temporary ID format")
	}
	return nil
}

// ValidateMessageText validates outgoing message text. Empty text is allowed
// because an image-only message carries none.
func ValidateMessageText(text string) error {
	if len(text) > 10000 {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}
