//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// drainPoll is how often the monitor checks whether the reader consumed the
// buffered bytes before it signals readiness again.
const drainPoll = 5 * time.Millisecond

// Epoll is the goroutine-per-connection fallback for platforms without epoll.
// Each connection gets a monitor goroutine that waits for data without
// consuming it and then queues the connection for the event loop.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// peekConn buffers reads so the monitor can Peek for readiness while the
// server still sees every byte.
type peekConn struct {
	net.Conn
	mu sync.Mutex
	r  *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r.Read(b)
}

func (p *peekConn) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r.Buffered()
}

// Add wraps conn and starts its monitor. The caller must read from the
// returned conn.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, r: bufio.NewReader(conn)}

	e.mu.Lock()
	e.conns[pc] = struct{}{}
	e.mu.Unlock()

	go e.monitor(pc)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		pc.mu.Lock()
		_, err := pc.r.Peek(1)
		pc.mu.Unlock()

		// A read deadline set by the server can expire under the peek.
		var netErr net.Error
		if err != nil && errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if !e.registered(pc) {
			return
		}

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			// Closed or broken: the server's read path detects it.
			return
		}

		// One wakeup per burst of data; re-signal if the reader left bytes.
		deadline := time.Now().Add(10 * drainPoll)
		for pc.buffered() > 0 && time.Now().Before(deadline) {
			select {
			case <-e.done:
				return
			case <-time.After(drainPoll):
			}
		}
	}
}

func (e *Epoll) registered(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[conn]
	return ok
}

// Remove unregisters a connection. Its monitor exits at its next wakeup.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection queued so far.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}
