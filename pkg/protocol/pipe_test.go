package protocol

import (
	"bytes"
	"net"
	"os"
	"sync"
	"time"
)

// memNet is a lossy, order preserving datagram network for tests.
type memNet struct {
	mu        sync.Mutex
	endpoints map[string]*memConn
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type datagram struct {
	from net.Addr
	data []byte
}

type memConn struct {
	net   *memNet
	addr  memAddr
	inbox chan datagram

	mu       sync.Mutex
	deadline time.Time
	wake     chan struct{}
	closed   chan struct{}
	sent     [][]byte

	// drop decides whether an outgoing datagram is lost.
	drop func(msg []byte) bool
}

func newMemNet() *memNet {
	return &memNet{endpoints: map[string]*memConn{}}
}

func (n *memNet) endpoint(name string) *memConn {
	c := &memConn{
		net:    n,
		addr:   memAddr(name),
		inbox:  make(chan datagram, 1024),
		wake:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[name] = c
	n.mu.Unlock()
	return c
}

func (c *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline, wake := c.deadline, c.wake
		c.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			timeout = timer.C
		}
		stop := func() {
			if timer != nil {
				timer.Stop()
			}
		}
		select {
		case d := <-c.inbox:
			stop()
			return copy(p, d.data), d.from, nil
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-wake:
			stop()
		case <-c.closed:
			stop()
			return 0, nil, net.ErrClosed
		}
	}
}

func (c *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	msg := bytes.Clone(p)
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	drop := c.drop
	c.mu.Unlock()
	if drop != nil && drop(msg) {
		return len(p), nil
	}

	c.net.mu.Lock()
	dst, ok := c.net.endpoints[addr.String()]
	c.net.mu.Unlock()
	if ok {
		dst.inbox <- datagram{from: c.addr, data: msg}
	}
	return len(p), nil
}

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *memConn) Close() {
	close(c.closed)
}

func (c *memConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// dropNth loses the nth (1-based) outgoing datagram matching match.
func dropNth(n int, match func([]byte) bool) func([]byte) bool {
	var mu sync.Mutex
	seen := 0
	return func(msg []byte) bool {
		if !match(msg) {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		return seen == n
	}
}

// dropFrom loses every matching outgoing datagram from the nth on.
func dropFrom(n int, match func([]byte) bool) func([]byte) bool {
	var mu sync.Mutex
	seen := 0
	return func(msg []byte) bool {
		if !match(msg) {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		return seen >= n
	}
}

func isAck(msg []byte) bool {
	return bytes.HasPrefix(msg, ackMsg)
}
