package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twiz718/udp-ferry/pkg/command"
	"github.com/twiz718/udp-ferry/pkg/config"
	"github.com/twiz718/udp-ferry/pkg/internal"
	"github.com/twiz718/udp-ferry/pkg/journal"
	"github.com/twiz718/udp-ferry/pkg/protocol"
	"github.com/twiz718/udp-ferry/pkg/resolve"
)

// StreamClient keeps one TCP connection open and runs commands over it in
// turn. It is not safe for concurrent use.
type StreamClient struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	recorder Recorder

	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func DialStream(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, recorder Recorder) (*StreamClient, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	addr, err := resolve.New(cfg.DNSServer).TCPAddr(ctx, cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Debugw("connected", "transport", "tcp", "addr", addr)
	return &StreamClient{
		cfg:      cfg,
		log:      log,
		recorder: recorder,
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
	}, nil
}

func (c *StreamClient) Close() error {
	return c.conn.Close()
}

// exchange sends the command fields and, when body is set, lets it append a
// payload before the request is flushed.
func (c *StreamClient) exchange(ctx context.Context, fields []string, body func(w *bufio.Writer) error) error {
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)

	for _, f := range fields {
		if err := internal.WriteField(c.w, f); err != nil {
			return err
		}
	}
	if body != nil {
		if err := body(c.w); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *StreamClient) readReply(ctx context.Context) (string, error) {
	deadline := time.Now().Add(c.cfg.ResponseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)

	resp, err := internal.ReadField(c.r)
	if err != nil {
		return "", fmt.Errorf("reading server response: %w", err)
	}
	if strings.HasPrefix(resp, command.ReplyError) {
		return "", errors.New(strings.TrimPrefix(resp, command.ReplyError))
	}
	return resp, nil
}

func (c *StreamClient) Put(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", protocol.NewIOError(protocol.PhaseSource, protocol.ErrReadFailed, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", protocol.NewIOError(protocol.PhaseSource, protocol.ErrReadFailed, err)
	}

	name := filepath.Base(path)
	entry := c.entry(journal.Upload, name)
	err = c.exchange(ctx, []string{string(command.Put), name}, func(w *bufio.Writer) error {
		return internal.WritePayload(w, f, fi.Size())
	})
	var resp string
	if err == nil {
		resp, err = c.readReply(ctx)
	}
	entry.Finish(int(fi.Size()), 0, 0, err)
	c.record(ctx, entry)
	return resp, err
}

func (c *StreamClient) Get(ctx context.Context, name string) (string, error) {
	if err := c.exchange(ctx, []string{string(command.Get), name}, nil); err != nil {
		return "", err
	}
	resp, err := c.readReply(ctx)
	if err != nil {
		return "", err
	}
	switch resp {
	case command.ReplyOK:
	case command.ReplyNoSuchFile:
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnexpectedReply, resp)
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetReadDeadline(deadline)

	entry := c.entry(journal.Download, name)
	var buf bytes.Buffer
	n, err := internal.ReadPayload(c.r, &buf)
	var path string
	if err == nil {
		path, err = protocol.Persist(c.cfg.Dir, name, buf.Bytes())
	}
	entry.Finish(int(n), 0, 0, err)
	c.record(ctx, entry)
	if err != nil {
		return "", err
	}
	c.log.Infow("file received", "transport", "tcp", "name", name, "path", path, "bytes", n)
	return path, nil
}

func (c *StreamClient) Keyword(ctx context.Context, word, path string) (string, error) {
	if err := c.exchange(ctx, []string{string(command.Keyword), word, path}, nil); err != nil {
		return "", err
	}
	return c.readReply(ctx)
}

func (c *StreamClient) Quit(ctx context.Context) error {
	return c.exchange(ctx, []string{string(command.Quit)}, nil)
}

func (c *StreamClient) entry(dir journal.Direction, name string) journal.Entry {
	return journal.Entry{
		ID:        uuid.NewString(),
		Direction: dir,
		Transport: "tcp",
		Peer:      c.conn.RemoteAddr().String(),
		Name:      name,
		StartedAt: time.Now(),
	}
}

func (c *StreamClient) record(ctx context.Context, e journal.Entry) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		c.log.Errorw("unable to record transfer", "transfer", e.ID, "error", err)
	}
}
