package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

// newTestSQLite opens a migrated database in a temp dir and seeds two users.
// It skips when the binary was built without cgo.
func newTestSQLite(t *testing.T) (*SQLite, int64, int64) {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Skipf("sqlite not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	alice, err := s.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser(alice): %v", err)
	}
	bob, err := s.CreateUser(ctx, "bob")
	if err != nil {
		t.Fatalf("CreateUser(bob): %v", err)
	}
	return s, alice, bob
}

func TestSQLite_MessageLifecycle(t *testing.T) {
	s, alice, bob := newTestSQLite(t)
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, alice, bob, "hi")
	if err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}
	if msg.ID == 0 || msg.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", msg)
	}

	if _, err := s.UpdateMessage(ctx, msg.ID, bob, "nope"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound for non-owner, got %v", err)
	}
	updated, err := s.UpdateMessage(ctx, msg.ID, alice, "hello")
	if err != nil {
		t.Fatalf("UpdateMessage() error: %v", err)
	}
	if updated.Content != "hello" || !updated.IsEdited || updated.RecipientID != bob {
		t.Errorf("unexpected updated message %+v", updated)
	}

	if err := s.MarkRead(ctx, alice, bob); err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	history, err := s.History(ctx, alice, bob, 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(history) != 1 || !history[0].IsRead {
		t.Errorf("expected one read message, got %+v", history)
	}

	if _, err := s.DeleteMessage(ctx, msg.ID, bob); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound for non-owner delete, got %v", err)
	}
	deleted, err := s.DeleteMessage(ctx, msg.ID, alice)
	if err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}
	if deleted.ID != msg.ID || deleted.RecipientID != bob {
		t.Errorf("unexpected deleted message %+v", deleted)
	}
	if _, err := s.DeleteMessage(ctx, msg.ID, alice); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound for second delete, got %v", err)
	}
}

func TestSQLite_Relations(t *testing.T) {
	s, alice, bob := newTestSQLite(t)
	ctx := context.Background()

	if err := s.Block(ctx, alice, bob); err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	if err := s.Block(ctx, alice, bob); err != nil {
		t.Fatalf("repeated Block() error: %v", err)
	}
	if err := s.Mute(ctx, bob, alice); err != nil {
		t.Fatalf("Mute() error: %v", err)
	}

	tests := []struct {
		name string
		fn   func(context.Context, int64, int64) (bool, error)
		a, b int64
		want bool
	}{
		{"alice blocks bob", s.IsBlocked, alice, bob, true},
		{"bob does not block alice", s.IsBlocked, bob, alice, false},
		{"bob muted alice", s.IsMuted, bob, alice, true},
		{"alice did not mute bob", s.IsMuted, alice, bob, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(ctx, tt.a, tt.b)
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSQLite_OnlineStatus(t *testing.T) {
	s, alice, bob := newTestSQLite(t)
	ctx := context.Background()

	if err := s.SetOnlineStatus(ctx, alice, true); err != nil {
		t.Fatalf("SetOnlineStatus() error: %v", err)
	}
	if err := s.SetOnlineStatus(ctx, bob, true); err != nil {
		t.Fatalf("SetOnlineStatus() error: %v", err)
	}
	u, err := s.FindUserByID(ctx, alice)
	if err != nil {
		t.Fatalf("FindUserByID() error: %v", err)
	}
	if !u.IsOnline || u.Username != "alice" || u.LastOnline.IsZero() {
		t.Errorf("unexpected user %+v", u)
	}

	n, err := s.ResetOnlineStatus(ctx)
	if err != nil {
		t.Fatalf("ResetOnlineStatus() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 users reset, got %d", n)
	}
	if u, _ := s.FindUserByID(ctx, alice); u.IsOnline {
		t.Error("expected alice offline after reset")
	}

	if err := s.SetOnlineStatus(ctx, 9999, true); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := s.FindUserByID(ctx, 9999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSQLite_HistoryNewestOldestFirst(t *testing.T) {
	s, alice, bob := newTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		from, to := alice, bob
		if i%2 == 1 {
			from, to = bob, alice
		}
		if _, err := s.CreateMessage(ctx, from, to, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("CreateMessage() error: %v", err)
		}
	}

	got, err := s.History(ctx, bob, alice, 3)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	want := []string{"m2", "m3", "m4"}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i, m := range got {
		if m.Content != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
}
