package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type pair struct{ a, b int64 }

// Memory is a goroutine-safe in-process store. It mirrors the semantics of the
// PostgreSQL store closely enough for tests and single-node development.
type Memory struct {
	mu       sync.RWMutex
	users    map[int64]*User
	messages map[int64]*Message
	blocks   map[pair]bool
	mutes    map[pair]bool
	nextID   int64
	now      func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[int64]*User),
		messages: make(map[int64]*Message),
		blocks:   make(map[pair]bool),
		mutes:    make(map[pair]bool),
		now:      time.Now,
	}
}

// AddUser inserts or replaces a user record.
func (m *Memory) AddUser(id int64, username string) {
	m.mu.Lock()
	m.users[id] = &User{ID: id, Username: username, CreatedAt: m.now()}
	m.mu.Unlock()
}

// Block records that userID blocks blockedID.
func (m *Memory) Block(userID, blockedID int64) {
	m.mu.Lock()
	m.blocks[pair{userID, blockedID}] = true
	m.mu.Unlock()
}

// Unblock removes a block record.
func (m *Memory) Unblock(userID, blockedID int64) {
	m.mu.Lock()
	delete(m.blocks, pair{userID, blockedID})
	m.mu.Unlock()
}

// Mute records that userID muted mutedID.
func (m *Memory) Mute(userID, mutedID int64) {
	m.mu.Lock()
	m.mutes[pair{userID, mutedID}] = true
	m.mu.Unlock()
}

// FindUserByID returns the user or ErrUserNotFound.
func (m *Memory) FindUserByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// IsBlocked reports whether a blocks b.
func (m *Memory) IsBlocked(_ context.Context, a, b int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[pair{a, b}], nil
}

// IsMuted reports whether a muted b.
func (m *Memory) IsMuted(_ context.Context, a, b int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mutes[pair{a, b}], nil
}

// CreateMessage stores a new unread message and assigns its id and timestamp.
func (m *Memory) CreateMessage(_ context.Context, senderID, recipientID int64, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg := &Message{
		ID:          m.nextID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   m.now(),
	}
	m.messages[msg.ID] = msg
	cp := *msg
	return &cp, nil
}

// UpdateMessage replaces the content of a message owned by senderID and
// returns the updated record.
func (m *Memory) UpdateMessage(_ context.Context, messageID, senderID int64, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.SenderID != senderID {
		return nil, ErrMessageNotFound
	}
	msg.Content = content
	msg.IsEdited = true
	cp := *msg
	return &cp, nil
}

// DeleteMessage removes a message owned by senderID and returns the removed
// record.
func (m *Memory) DeleteMessage(_ context.Context, messageID, senderID int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.SenderID != senderID {
		return nil, ErrMessageNotFound
	}
	delete(m.messages, messageID)
	return msg, nil
}

// MarkRead flags every unread message from senderID to recipientID as read.
func (m *Memory) MarkRead(_ context.Context, senderID, recipientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.SenderID == senderID && msg.RecipientID == recipientID {
			msg.IsRead = true
		}
	}
	return nil
}

// SetOnlineStatus records the presence flag and refreshes LastOnline.
func (m *Memory) SetOnlineStatus(_ context.Context, userID int64, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.IsOnline = online
	u.LastOnline = m.now()
	return nil
}

// ResetOnlineStatus marks every user offline.
func (m *Memory) ResetOnlineStatus(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, u := range m.users {
		if u.IsOnline {
			u.IsOnline = false
			n++
		}
	}
	return n, nil
}

// History returns the newest limit messages exchanged between a and b,
// oldest first.
func (m *Memory) History(_ context.Context, a, b int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	m.mu.RLock()
	var out []Message
	for _, msg := range m.messages {
		if (msg.SenderID == a && msg.RecipientID == b) || (msg.SenderID == b && msg.RecipientID == a) {
			out = append(out, *msg)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
