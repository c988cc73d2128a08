package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twiz718/udp-ferry/pkg/anon"
	"github.com/twiz718/udp-ferry/pkg/command"
	"github.com/twiz718/udp-ferry/pkg/config"
	"github.com/twiz718/udp-ferry/pkg/internal"
	"github.com/twiz718/udp-ferry/pkg/journal"
	"github.com/twiz718/udp-ferry/pkg/protocol"
)

// StreamServer is the TCP variant. A connection carries any number of
// commands until quit or EOF. There is no acknowledgment, the stream is
// trusted to deliver every byte in order.
type StreamServer struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	recorder Recorder
	wg       sync.WaitGroup

	mu   sync.Mutex
	stop context.CancelFunc
}

func NewStreamServer(cfg *config.Config, log *zap.SugaredLogger, recorder Recorder) *StreamServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StreamServer{cfg: cfg, log: log, recorder: recorder}
}

func (s *StreamServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to set tcp listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Stop is called. ln is
// closed on return.
func (s *StreamServer) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	s.log.Infow("server is starting", "transport", "tcp", "addr", ln.Addr().String(), "dir", s.cfg.Dir)
	stopAccept := context.AfterFunc(ctx, func() { ln.Close() })
	defer stopAccept()
	defer ln.Close()

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = aerr
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	s.log.Infow("server stopped")
	return err
}

func (s *StreamServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
}

// idleReader pushes the read deadline forward before every read. A connection
// is dropped after SessionTTL of silence, however long a payload takes.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r idleReader) Read(p []byte) (int, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	return r.conn.Read(p)
}

func (s *StreamServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	peer := conn.RemoteAddr().String()
	log := s.log.With("peer", peer)
	log.Infow("connection accepted")

	r := bufio.NewReader(idleReader{conn: conn, timeout: s.cfg.SessionTTL})
	w := bufio.NewWriter(conn)
	for {
		token, err := internal.ReadField(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Errorw("connection failed", "error", err)
			}
			return
		}
		op, err := command.ParseOp(token)
		if err != nil {
			log.Warnw("closing connection", "error", err)
			return
		}
		if op == command.Quit {
			log.Infow("quit received")
			if s.cfg.QuitStopsServer {
				s.Stop()
			}
			return
		}

		args := make([]string, 0, command.Arity(op)-1)
		for len(args) < cap(args) {
			arg, err := internal.ReadField(r)
			if err != nil {
				log.Errorw("reading arguments", "command", op, "error", err)
				return
			}
			args = append(args, arg)
		}

		switch op {
		case command.Put:
			err = s.put(ctx, r, w, peer, args[0])
		case command.Get:
			err = s.get(ctx, w, peer, args[0])
		case command.Keyword:
			err = s.keyword(w, args[0], args[1])
		}
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			log.Errorw("command failed", "command", op, "error", err)
			return
		}
	}
}

func (s *StreamServer) put(ctx context.Context, r *bufio.Reader, w *bufio.Writer, peer, name string) error {
	entry := s.entry(journal.Upload, peer, name)

	var buf bytes.Buffer
	n, err := internal.ReadPayload(r, &buf)
	if err == nil {
		var path string
		path, err = protocol.Persist(s.cfg.Dir, name, buf.Bytes())
		if err == nil {
			s.log.Infow("file uploaded", "transport", "tcp", "name", name, "path", path, "bytes", n)
		}
	}
	entry.Finish(int(n), 0, 0, err)
	s.record(ctx, entry)
	if err != nil {
		// a truncated payload leaves the stream unusable
		if _, ok := protocol.AsError(err); ok {
			return internal.WriteField(w, command.ReplyError+err.Error())
		}
		return err
	}
	return internal.WriteField(w, command.ReplyUploaded)
}

func (s *StreamServer) get(ctx context.Context, w *bufio.Writer, peer, name string) error {
	f, err := os.Open(confine(s.cfg.Dir, name))
	if err != nil {
		s.log.Infow("requested file unavailable", "name", name, "error", err)
		return internal.WriteField(w, command.ReplyNoSuchFile)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		return internal.WriteField(w, command.ReplyNoSuchFile)
	}

	entry := s.entry(journal.Download, peer, name)
	if err = internal.WriteField(w, command.ReplyOK); err == nil {
		err = internal.WritePayload(w, f, fi.Size())
	}
	entry.Finish(int(fi.Size()), 0, 0, err)
	s.record(ctx, entry)
	return err
}

func (s *StreamServer) keyword(w *bufio.Writer, word, name string) error {
	src := confine(s.cfg.Dir, name)
	out, err := anon.File(src, s.cfg.Dir, word)
	if err != nil {
		return internal.WriteField(w, command.ReplyError+err.Error())
	}
	return internal.WriteField(w, anon.Response(src, out))
}

func (s *StreamServer) entry(dir journal.Direction, peer, name string) journal.Entry {
	return journal.Entry{
		ID:        uuid.NewString(),
		Direction: dir,
		Transport: "tcp",
		Peer:      peer,
		Name:      name,
		StartedAt: time.Now(),
	}
}

func (s *StreamServer) record(ctx context.Context, e journal.Entry) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		s.log.Errorw("unable to record transfer", "transfer", e.ID, "error", err)
	}
}
