package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/twiz718/udp-ferry/pkg/anon"
	"github.com/twiz718/udp-ferry/pkg/command"
	"github.com/twiz718/udp-ferry/pkg/config"
	"github.com/twiz718/udp-ferry/pkg/journal"
	"github.com/twiz718/udp-ferry/pkg/protocol"
)

const maxDatagram = 64 * 1024

// Recorder stores the outcome of every transfer. *journal.Journal is one.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

type peerSession struct {
	conn   *sessionConn
	ctx    context.Context
	cancel context.CancelFunc
}

func (ps *peerSession) close() {
	ps.cancel()
	ps.conn.Close()
}

// Server answers put/get/keyword/quit commands over one UDP socket. Every
// peer address gets its own session, so transfers from different peers run
// concurrently while each one stays strictly stop-and-wait.
type Server struct {
	cfg      *config.Config
	opts     protocol.Options
	log      *zap.SugaredLogger
	recorder Recorder

	sessions *expirable.LRU[string, *peerSession]
	wg       sync.WaitGroup

	mu   sync.Mutex
	stop context.CancelFunc
}

func NewServer(cfg *config.Config, log *zap.SugaredLogger, recorder Recorder) (*Server, error) {
	opts, err := cfg.ProtocolOptions()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{cfg: cfg, opts: opts, log: log, recorder: recorder}
	s.sessions = expirable.NewLRU[string, *peerSession](cfg.MaxSessions, func(peer string, ps *peerSession) {
		ps.close()
	}, cfg.SessionTTL)
	return s, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to set udp listener: %w", err)
	}
	defer pc.Close()
	return s.Serve(ctx, pc)
}

// Serve reads datagrams from pc until ctx is done or Stop is called.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	s.log.Infow("server is starting", "transport", "udp", "addr", pc.LocalAddr().String(),
		"framing", s.opts.Framing.String(), "retries", s.opts.Retries, "dir", s.cfg.Dir)

	unblock := context.AfterFunc(ctx, func() {
		_ = pc.SetReadDeadline(time.Now())
	})
	defer unblock()

	go s.report(ctx)

	var err error
	buf := make([]byte, maxDatagram)
	for {
		n, addr, rerr := pc.ReadFrom(buf)
		if rerr != nil {
			if ctx.Err() == nil && !errors.Is(rerr, net.ErrClosed) {
				err = rerr
			}
			break
		}
		s.route(ctx, pc, addr, bytes.Clone(buf[:n]))
	}

	s.sessions.Purge()
	s.wg.Wait()
	s.log.Infow("server stopped")
	return err
}

// Stop ends Serve. Sessions in flight are cancelled.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
}

func (s *Server) route(ctx context.Context, pc net.PacketConn, addr net.Addr, msg []byte) {
	key := addr.String()
	if ps, ok := s.sessions.Get(key); ok {
		// re-adding renews the TTL
		s.sessions.Add(key, ps)
		if !ps.conn.deliver(msg) {
			s.log.Debugw("dropping datagram", "peer", key, "bytes", len(msg))
		}
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	ps := &peerSession{conn: newSessionConn(pc, addr), ctx: sctx, cancel: cancel}
	ps.conn.deliver(msg)
	if s.sessions.Add(key, ps) {
		s.log.Infow("session table full, evicted the oldest peer", "max", s.cfg.MaxSessions)
	}

	s.wg.Add(1)
	go s.run(key, ps)
}

func (s *Server) run(key string, ps *peerSession) {
	defer s.wg.Done()
	defer func() {
		if cur, ok := s.sessions.Peek(key); ok && cur == ps {
			s.sessions.Remove(key)
		}
		ps.close()
	}()
	defer func() {
		// a panicking session must not take the other peers down
		if r := recover(); r != nil {
			s.log.Errorw("session panicked", "peer", key, "panic", r)
		}
	}()

	sess, err := protocol.NewSession(ps.conn, ps.conn.peer, s.opts, s.log)
	if err != nil {
		s.log.Errorw("unable to start session", "peer", key, "error", err)
		return
	}
	if err := s.handle(ps.ctx, sess); err != nil {
		s.log.Errorw("command failed", "peer", key, "transfer", sess.ID.String(), "error", err)
	}
}

func (s *Server) StorageInfo() string {
	keys := s.sessions.Keys()
	if len(keys) == 0 {
		return "No active sessions."
	}
	return fmt.Sprintf("Number of active sessions: %v. Peers = %+v", len(keys), keys)
}

func (s *Server) report(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Debugw(s.StorageInfo())
		}
	}
}

func (s *Server) handle(ctx context.Context, sess *protocol.Session) error {
	msg, err := sess.Recv(ctx, s.cfg.ResponseTimeout)
	if err != nil {
		return err
	}
	op, err := command.ParseOp(string(msg))
	if err != nil {
		s.log.Warnw("ignoring datagram", "peer", sess.Peer().String(), "error", err)
		return nil
	}

	args := make([]string, 0, command.Arity(op)-1)
	for len(args) < cap(args) {
		msg, err := sess.Recv(ctx, s.cfg.ResponseTimeout)
		if err != nil {
			return fmt.Errorf("reading arguments of %s: %w", op, err)
		}
		args = append(args, string(msg))
	}
	cmd := command.Command{Op: op, Args: args}
	s.log.Infow("command received", "peer", sess.Peer().String(), "command", cmd.String())

	switch op {
	case command.Put:
		return s.put(ctx, sess, args[0])
	case command.Get:
		return s.get(ctx, sess, args[0])
	case command.Keyword:
		return s.keyword(sess, args[0], args[1])
	case command.Quit:
		if s.cfg.QuitStopsServer {
			s.log.Infow("quit received, stopping", "peer", sess.Peer().String())
			s.Stop()
		}
	}
	return nil
}

func (s *Server) put(ctx context.Context, sess *protocol.Session, name string) error {
	entry := s.entry(sess, journal.Upload, name)

	payload, res, err := protocol.NewReceiver(sess).Receive(ctx)
	var path string
	if err == nil {
		path, err = protocol.Persist(s.cfg.Dir, name, payload)
	}
	entry.Finish(res.Bytes, res.Chunks, res.Retransmits, err)
	s.record(ctx, entry)

	if err != nil {
		// the sender is still listening only when the transfer itself completed
		if pe, ok := protocol.AsError(err); ok && pe.Phase == protocol.PhasePersist {
			_ = sess.Send([]byte(command.ReplyError + err.Error()))
		}
		return err
	}
	s.log.Infow("file uploaded", "name", name, "path", path, "bytes", res.Bytes,
		"chunks", res.Chunks, "duplicates", res.Duplicates, "elapsed", res.Elapsed)
	return sess.Send([]byte(command.ReplyUploaded))
}

func (s *Server) get(ctx context.Context, sess *protocol.Session, name string) error {
	payload, err := os.ReadFile(confine(s.cfg.Dir, name))
	if err != nil {
		s.log.Infow("requested file unavailable", "name", name, "error", err)
		return sess.Send([]byte(command.ReplyNotFound))
	}
	if len(payload) == 0 {
		return sess.Send([]byte(command.ReplyEmpty))
	}
	if err := sess.Send([]byte(command.ReplyFound)); err != nil {
		return err
	}

	entry := s.entry(sess, journal.Download, name)
	res, err := protocol.NewTransmitter(sess).Transmit(ctx, payload)
	entry.Finish(res.Bytes, res.Chunks, res.Retransmits, err)
	s.record(ctx, entry)
	if err != nil {
		return err
	}
	s.log.Infow("file sent", "name", name, "bytes", res.Bytes, "chunks", res.Chunks,
		"retransmits", res.Retransmits, "elapsed", res.Elapsed)
	return nil
}

func (s *Server) keyword(sess *protocol.Session, word, name string) error {
	src := confine(s.cfg.Dir, name)
	out, err := anon.File(src, s.cfg.Dir, word)
	if err != nil {
		_ = sess.Send([]byte(command.ReplyError + err.Error()))
		return err
	}
	resp := anon.Response(src, out)
	s.log.Infow("file anonymized", "name", name, "output", out)
	return sess.Send([]byte(resp))
}

func (s *Server) entry(sess *protocol.Session, dir journal.Direction, name string) journal.Entry {
	return journal.Entry{
		ID:        sess.ID.String(),
		Direction: dir,
		Transport: "udp",
		Peer:      sess.Peer().String(),
		Name:      name,
		StartedAt: time.Now(),
	}
}

func (s *Server) record(ctx context.Context, e journal.Entry) {
	if s.recorder == nil {
		return
	}
	// the session context may already be cancelled
	if err := s.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		s.log.Errorw("unable to record transfer", "transfer", e.ID, "error", err)
	}
}

// confine resolves a requested name inside dir. Absolute paths and ".."
// segments cannot leave it.
func confine(dir, name string) string {
	return filepath.Join(dir, filepath.Clean(string(filepath.Separator)+name))
}
