package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096     // max content size in bytes
	MaxTextChars    = 2000     // max content length in characters
	MaxFrameBytes   = 16 << 10 // max inbound WebSocket frame, envelope included
)

// ValidateContent checks that message text meets content requirements.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

func validateID(field string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%s must be a positive integer", field)
	}
	return nil
}

// Validate implements Command.
func (m SendMessageMsg) Validate() error {
	return errors.Join(validateID("recipientId", m.RecipientID), ValidateContent(m.Content))
}

// Validate implements Command.
func (m TypingStartMsg) Validate() error { return validateID("recipientId", m.RecipientID) }

// Validate implements Command.
func (m TypingStopMsg) Validate() error { return validateID("recipientId", m.RecipientID) }

// Validate implements Command.
func (m MarkAsReadMsg) Validate() error { return validateID("senderId", m.SenderID) }

// Validate implements Command.
func (m EditMessageMsg) Validate() error {
	return errors.Join(
		validateID("messageId", m.MessageID),
		validateID("recipientId", m.RecipientID),
		ValidateContent(m.NewContent),
	)
}

// Validate implements Command.
func (m DeleteMessageMsg) Validate() error {
	return errors.Join(validateID("messageId", m.MessageID), validateID("recipientId", m.RecipientID))
}

// Validate implements Command.
func (GetOnlineUsersMsg) Validate() error { return nil }

// Validate implements Command.
func (PingMsg) Validate() error { return nil }
