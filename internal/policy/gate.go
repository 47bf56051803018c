// Package policy decides whether one user may deliver to another based on the
// persisted block relation.
package policy

import (
	"context"
	"fmt"
)

// Relations is the slice of the store the gate reads.
type Relations interface {
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
	IsMuted(ctx context.Context, a, b int64) (bool, error)
}

// Gate evaluates block relations at send time.
type Gate struct {
	rel      Relations
	onDenied func(sender, recipient int64)
}

// NewGate creates a Gate reading from rel.
func NewGate(rel Relations) *Gate {
	return &Gate{rel: rel}
}

// OnDenied registers a callback invoked every time CanDeliver refuses.
func (g *Gate) OnDenied(fn func(sender, recipient int64)) {
	g.onDenied = fn
}

// CanDeliver reports whether sender may deliver to recipient. Delivery is
// refused if either user blocks the other. Store errors are returned as-is
// and the caller must treat them as a refusal.
func (g *Gate) CanDeliver(ctx context.Context, sender, recipient int64) (bool, error) {
	blocked, err := g.rel.IsBlocked(ctx, sender, recipient)
	if err != nil {
		return false, fmt.Errorf("policy: check block %d->%d: %w", sender, recipient, err)
	}
	if !blocked {
		blocked, err = g.rel.IsBlocked(ctx, recipient, sender)
		if err != nil {
			return false, fmt.Errorf("policy: check block %d->%d: %w", recipient, sender, err)
		}
	}
	if blocked {
		if g.onDenied != nil {
			g.onDenied(sender, recipient)
		}
		return false, nil
	}
	return true, nil
}

// Muted reports whether recipient muted sender. Mute only affects how the
// recipient's client alerts; it never blocks delivery.
func (g *Gate) Muted(ctx context.Context, recipient, sender int64) (bool, error) {
	muted, err := g.rel.IsMuted(ctx, recipient, sender)
	if err != nil {
		return false, fmt.Errorf("policy: check mute %d->%d: %w", recipient, sender, err)
	}
	return muted, nil
}
