package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/duochat/chat-server/internal/store"
)

type failingRelations struct{ err error }

func (f failingRelations) IsBlocked(context.Context, int64, int64) (bool, error) { return false, f.err }
func (f failingRelations) IsMuted(context.Context, int64, int64) (bool, error)   { return false, f.err }

func TestCanDeliver(t *testing.T) {
	tests := []struct {
		name   string
		blocks [][2]int64
		want   bool
	}{
		{"no relation", nil, true},
		{"sender blocks recipient", [][2]int64{{1, 2}}, false},
		{"recipient blocks sender", [][2]int64{{2, 1}}, false},
		{"mutual block", [][2]int64{{1, 2}, {2, 1}}, false},
		{"unrelated block", [][2]int64{{1, 3}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			for _, b := range tt.blocks {
				mem.Block(b[0], b[1])
			}
			gate := NewGate(mem)

			got, err := gate.CanDeliver(context.Background(), 1, 2)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanDeliver(1, 2) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanDeliver_DeniedCallback(t *testing.T) {
	mem := store.NewMemory()
	mem.Block(2, 1)
	gate := NewGate(mem)

	var denied [][2]int64
	gate.OnDenied(func(s, r int64) { denied = append(denied, [2]int64{s, r}) })

	gate.CanDeliver(context.Background(), 1, 2)
	gate.CanDeliver(context.Background(), 1, 3)

	if len(denied) != 1 || denied[0] != [2]int64{1, 2} {
		t.Errorf("expected one denial for (1, 2), got %v", denied)
	}
}

func TestCanDeliver_StoreErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	gate := NewGate(failingRelations{err: boom})

	ok, err := gate.CanDeliver(context.Background(), 1, 2)
	if ok {
		t.Error("expected refusal on store error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestMuteDoesNotBlock(t *testing.T) {
	mem := store.NewMemory()
	mem.Mute(2, 1)
	gate := NewGate(mem)
	ctx := context.Background()

	ok, err := gate.CanDeliver(ctx, 1, 2)
	if err != nil || !ok {
		t.Fatalf("mute must not prevent delivery: ok=%v err=%v", ok, err)
	}
	muted, err := gate.Muted(ctx, 2, 1)
	if err != nil || !muted {
		t.Errorf("Muted(2, 1) = %v, %v; want true", muted, err)
	}
	muted, _ = gate.Muted(ctx, 1, 2)
	if muted {
		t.Error("mute is directional")
	}
}
