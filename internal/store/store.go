// Package store holds the persistent records the chat server reads and writes:
// users, one-to-one messages, and the block and mute relations between users.
// PostgreSQL backs production, SQLite backs single-node deployments, and the
// in-process Memory store is used by tests and local development.
package store

import (
	"errors"
	"time"
)

// DefaultHistoryLimit is the number of messages History returns when the
// caller passes a non-positive limit.
const DefaultHistoryLimit = 50

var (
	// ErrUserNotFound is returned when a user id does not exist.
	ErrUserNotFound = errors.New("store: user not found")

	// ErrMessageNotFound is returned by UpdateMessage and DeleteMessage when
	// the message does not exist or is not owned by the caller.
	ErrMessageNotFound = errors.New("store: message not found")
)

// User is the subset of the account record the real-time layer needs.
type User struct {
	ID         int64
	Username   string
	IsOnline   bool
	LastOnline time.Time
	CreatedAt  time.Time
}

// Message is a persisted one-to-one chat message.
type Message struct {
	ID          int64
	SenderID    int64
	RecipientID int64
	Content     string
	CreatedAt   time.Time
	IsRead      bool
	IsEdited    bool
}
