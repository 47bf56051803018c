// Package presence persists online/offline transitions and fans them out to
// every other connected user.
package presence

import (
	"context"
	"log"
	"sort"

	"github.com/duochat/chat-server/internal/delivery"
	"github.com/duochat/chat-server/internal/protocol"
)

// StatusWriter persists the online flag so REST queries see it without a
// live socket.
type StatusWriter interface {
	SetOnlineStatus(ctx context.Context, userID int64, online bool) error
}

// Directory lists the currently connected users.
type Directory interface {
	AllActive() []int64
}

// Broadcaster announces presence changes.
type Broadcaster struct {
	dir    Directory
	router *delivery.Router
	status StatusWriter
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(dir Directory, router *delivery.Router, status StatusWriter) *Broadcaster {
	return &Broadcaster{dir: dir, router: router, status: status}
}

// Announce persists the new state of userID and then routes user_online or
// user_offline to every other registered session. It returns the number of
// sessions the event was written to. A persistence failure is logged and the
// broadcast still happens, since reachability is decided by the registry.
//
// Callers announce online only after registering the user and offline only
// after releasing it, so a concurrent lookup never sees a ghost session.
func (b *Broadcaster) Announce(ctx context.Context, userID int64, username string, online bool) int {
	if err := b.status.SetOnlineStatus(ctx, userID, online); err != nil {
		log.Printf("[presence] persist user=%d online=%v failed: %v", userID, online, err)
	}

	var ev protocol.Event
	if online {
		ev = protocol.UserOnlineMsg{UserID: userID, Username: username}
	} else {
		ev = protocol.UserOfflineMsg{UserID: userID, Username: username}
	}

	delivered := 0
	for _, peer := range b.dir.AllActive() {
		if peer == userID {
			continue
		}
		if b.router.Route(peer, ev) == delivery.Delivered {
			delivered++
		}
	}
	return delivered
}

// Online returns the connected user ids in ascending order.
func (b *Broadcaster) Online() []int64 {
	ids := b.dir.AllActive()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
