// Package delivery forwards outbound events to the live connection of their
// recipient. Delivery is best-effort and at-most-once: a recipient without a
// live connection simply misses ephemeral events and finds persisted changes
// on its next history fetch.
package delivery

import (
	"log"

	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/registry"
)

// Outcome is the result of routing one event.
type Outcome int

const (
	// Delivered means the frame was written to the recipient's connection.
	Delivered Outcome = iota
	// Missed means the recipient had no live connection. Not an error.
	Missed
	// Failed means encoding or the write failed. The event is not retried.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Missed:
		return "missed"
	default:
		return "failed"
	}
}

// Delivery describes one routed event for observers.
type Delivery struct {
	To      int64 // recipient user id; 0 for replies to the acting connection
	Event   protocol.Event
	Outcome Outcome
	Reply   bool // true for acknowledgments sent back to the originator
}

// Observer receives every routed event after the write attempt.
type Observer interface {
	Observe(d Delivery)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(d Delivery)

// Observe implements Observer.
func (f ObserverFunc) Observe(d Delivery) { f(d) }

// Sessions resolves a user id to its live handle.
type Sessions interface {
	Lookup(userID int64) (registry.Handle, bool)
}

// Router resolves recipients through the session registry and writes events
// synchronously on the caller's goroutine.
type Router struct {
	sessions  Sessions
	observers []Observer
}

// NewRouter creates a Router over sessions. Observers are notified in order.
func NewRouter(sessions Sessions, observers ...Observer) *Router {
	return &Router{sessions: sessions, observers: observers}
}

// Route forwards ev to the live connection of user to.
func (r *Router) Route(to int64, ev protocol.Event) Outcome {
	h, ok := r.sessions.Lookup(to)
	if !ok {
		r.notify(Delivery{To: to, Event: ev, Outcome: Missed})
		return Missed
	}

	outcome := Delivered
	if err := write(h, ev); err != nil {
		log.Printf("[delivery] %s to user=%d failed: %v", ev.Type(), to, err)
		outcome = Failed
	}
	r.notify(Delivery{To: to, Event: ev, Outcome: outcome})
	return outcome
}

// Reply writes ev back to the originating connection. It is a unicast
// distinct from the recipient forward.
func (r *Router) Reply(h registry.Handle, ev protocol.Event) error {
	err := write(h, ev)
	outcome := Delivered
	if err != nil {
		log.Printf("[delivery] reply %s failed: %v", ev.Type(), err)
		outcome = Failed
	}
	r.notify(Delivery{Event: ev, Outcome: outcome, Reply: true})
	return err
}

func (r *Router) notify(d Delivery) {
	for _, o := range r.observers {
		o.Observe(d)
	}
}

func write(h registry.Handle, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return h.WriteMessage(data)
}
