package server

import (
	"net"
	"os"
	"sync"
	"time"
)

const inboxSize = 64

// sessionConn is the view one peer session has of the shared server socket.
// Reads come from datagrams routed to it by the serve loop, writes go
// straight to the socket.
type sessionConn struct {
	pc    net.PacketConn
	peer  net.Addr
	inbox chan []byte

	mu       sync.Mutex
	deadline time.Time
	wake     chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newSessionConn(pc net.PacketConn, peer net.Addr) *sessionConn {
	return &sessionConn{
		pc:    pc,
		peer:  peer,
		inbox: make(chan []byte, inboxSize),
		wake:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// deliver queues a datagram for the session. It reports false when the
// session is closed or too far behind, in which case the datagram is lost.
func (c *sessionConn) deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- msg:
		return true
	default:
		return false
	}
}

func (c *sessionConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline, wake := c.deadline, c.wake
		c.mu.Unlock()

		var expired <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			expired = timer.C
		}
		stop := func() {
			if timer != nil {
				timer.Stop()
			}
		}

		select {
		case msg := <-c.inbox:
			stop()
			return copy(p, msg), c.peer, nil
		case <-wake:
			stop()
		case <-expired:
			return 0, nil, os.ErrDeadlineExceeded
		case <-c.done:
			stop()
			return 0, nil, net.ErrClosed
		}
	}
}

func (c *sessionConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	return c.pc.WriteTo(p, addr)
}

func (c *sessionConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	close(c.wake)
	c.wake = make(chan struct{})
	return nil
}

func (c *sessionConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
