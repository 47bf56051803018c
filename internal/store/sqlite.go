package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// SQLite implements the store operations on a single database file, for
// single-node deployments. The schema comes from the embedded sqlite
// migrations.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens path with foreign keys and WAL enabled and applies the
// migrations. A single connection is used so writes never contend.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite unavailable: %w", err)
	}
	if err := Migrate(db, DialectSQLite); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// DB returns the underlying handle.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateUser inserts an account row. Accounts are normally provisioned by the
// REST service; this exists for seeding single-node setups.
func (s *SQLite) CreateUser(ctx context.Context, username string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password, created_at) VALUES (?, '', ?)`, username, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: create user: %w", err)
	}
	return res.LastInsertId()
}

// FindUserByID returns the user or ErrUserNotFound.
func (s *SQLite) FindUserByID(ctx context.Context, id int64) (*User, error) {
	const query = `SELECT id, username, is_online, last_online, created_at FROM users WHERE id = ?`

	var (
		u          User
		lastOnline sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.IsOnline, &lastOnline, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	u.LastOnline = u.CreatedAt
	if lastOnline.Valid {
		u.LastOnline = lastOnline.Time
	}
	return &u, nil
}

// Block records that userID blocks blockedID.
func (s *SQLite) Block(ctx context.Context, userID, blockedID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (user_id, blocked_user_id) VALUES (?, ?)`, userID, blockedID)
	if err != nil {
		return fmt.Errorf("store: block: %w", err)
	}
	return nil
}

// Mute records that userID muted mutedID.
func (s *SQLite) Mute(ctx context.Context, userID, mutedID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mutes (user_id, muted_user_id) VALUES (?, ?)`, userID, mutedID)
	if err != nil {
		return fmt.Errorf("store: mute: %w", err)
	}
	return nil
}

// IsBlocked reports whether a blocks b.
func (s *SQLite) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	return s.exists(ctx, "is blocked",
		`SELECT EXISTS (SELECT 1 FROM blocks WHERE user_id = ? AND blocked_user_id = ?)`, a, b)
}

// IsMuted reports whether a muted b.
func (s *SQLite) IsMuted(ctx context.Context, a, b int64) (bool, error) {
	return s.exists(ctx, "is muted",
		`SELECT EXISTS (SELECT 1 FROM mutes WHERE user_id = ? AND muted_user_id = ?)`, a, b)
}

// CreateMessage inserts a message and returns it with its assigned id.
func (s *SQLite) CreateMessage(ctx context.Context, senderID, recipientID int64, content string) (*Message, error) {
	msg := &Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?)`,
		senderID, recipientID, content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("store: create message id: %w", err)
	}
	return msg, nil
}

// UpdateMessage replaces the content of a message owned by senderID.
func (s *SQLite) UpdateMessage(ctx context.Context, messageID, senderID int64, content string) (*Message, error) {
	return s.owned(ctx, "update message", messageID, senderID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, is_edited = 1 WHERE id = ?`, content, messageID)
		return err
	}, true)
}

// DeleteMessage removes a message owned by senderID and returns it.
func (s *SQLite) DeleteMessage(ctx context.Context, messageID, senderID int64) (*Message, error) {
	return s.owned(ctx, "delete message", messageID, senderID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID)
		return err
	}, false)
}

// MarkRead flags every unread message from senderID to recipientID as read.
func (s *SQLite) MarkRead(ctx context.Context, senderID, recipientID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE sender_id = ? AND receiver_id = ? AND is_read = 0`,
		senderID, recipientID)
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	return nil
}

// SetOnlineStatus records the presence flag and refreshes last_online.
func (s *SQLite) SetOnlineStatus(ctx context.Context, userID int64, online bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = ?, last_online = ? WHERE id = ?`, online, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("store: set online status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ResetOnlineStatus marks every user offline.
func (s *SQLite) ResetOnlineStatus(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = 0, last_online = ? WHERE is_online = 1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: reset online status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// History returns the newest limit messages exchanged between a and b,
// oldest first.
func (s *SQLite) History(ctx context.Context, a, b int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	const query = `
		SELECT id, sender_id, receiver_id, content, created_at, is_read, is_edited
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?)
		   OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.CreatedAt, &m.IsRead, &m.IsEdited); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history rows: %w", err)
	}

	// Newest first from the query; callers want oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLite) exists(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	var found bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, fmt.Errorf("store: %s: %w", op, err)
	}
	return found, nil
}

// owned runs mutate on a message owned by senderID inside one transaction.
// The returned record is read after mutate when reread is set, before it
// otherwise.
func (s *SQLite) owned(ctx context.Context, op string, messageID, senderID int64, mutate func(*sql.Tx) error, reread bool) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	defer tx.Rollback()

	const query = `
		SELECT id, sender_id, receiver_id, content, created_at, is_read, is_edited
		FROM messages WHERE id = ? AND sender_id = ?`
	read := func() (*Message, error) {
		var m Message
		err := tx.QueryRowContext(ctx, query, messageID, senderID).Scan(
			&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.CreatedAt, &m.IsRead, &m.IsEdited)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("store: %s: %w", op, err)
		}
		return &m, nil
	}

	m, err := read()
	if err != nil {
		return nil, err
	}
	if err := mutate(tx); err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	if reread {
		if m, err = read(); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: %s commit: %w", op, err)
	}
	return m, nil
}
