package chat

import (
	"sync/atomic"
	"time"

	"github.com/duochat/chat-server/internal/registry"
	"github.com/duochat/chat-server/internal/typing"
)

// State is the lifecycle state of one connection.
//
//	Connecting -> Active -> Closed
//	Connecting -> Rejected
type State int32

const (
	Connecting State = iota
	Active
	Closed
	Rejected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Client is the controller's view of one authenticated connection.
type Client struct {
	Identity
	ConnID string

	handle registry.Handle
	typing *typing.Timers
	state  atomic.Int32
}

func newClient(connID string, id Identity, h registry.Handle, typingIdle time.Duration) *Client {
	return &Client{
		Identity: id,
		ConnID:   connID,
		handle:   h,
		typing:   typing.NewTimers(typingIdle),
	}
}

// State returns the current lifecycle state.
func (cl *Client) State() State {
	return State(cl.state.Load())
}

func (cl *Client) setState(s State) {
	cl.state.Store(int32(s))
}
