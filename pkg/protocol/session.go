package protocol

import (
	"bytes"
	"context"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn is the datagram side of a transfer. *net.UDPConn and any
// net.PacketConn satisfy it.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

// Session is the state one transfer carries through every protocol step:
// the socket, the most recently seen peer address and the timing options.
type Session struct {
	ID   uuid.UUID
	conn Conn
	peer net.Addr
	opts Options
	log  *zap.SugaredLogger
	buf  []byte
}

func NewSession(conn Conn, peer net.Addr, opts Options, log *zap.SugaredLogger) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	id := uuid.New()
	return &Session{
		ID:   id,
		conn: conn,
		peer: peer,
		opts: opts,
		log:  log.With("transfer", id.String()),
		buf:  make([]byte, maxDatagram),
	}, nil
}

func (s *Session) Peer() net.Addr {
	return s.peer
}

func (s *Session) Options() Options {
	return s.opts
}

// Send writes one datagram to the current peer.
func (s *Session) Send(msg []byte) error {
	_, err := s.conn.WriteTo(msg, s.peer)
	return err
}

// Recv blocks for one datagram. A zero timeout waits until ctx is done.
// The sender's address becomes the session peer.
func (s *Session) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return s.recvUntil(ctx, deadline)
}

func (s *Session) recvUntil(ctx context.Context, deadline time.Time) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return nil, os.ErrDeadlineExceeded
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, addr, err := s.conn.ReadFrom(s.buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if addr != nil {
		s.peer = addr
	}
	return bytes.Clone(s.buf[:n]), nil
}
