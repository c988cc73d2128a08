package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/twiz718/udp-ferry/pkg/command"
	"github.com/twiz718/udp-ferry/pkg/config"
	"github.com/twiz718/udp-ferry/pkg/journal"
	"github.com/twiz718/udp-ferry/pkg/protocol"
	"github.com/twiz718/udp-ferry/pkg/resolve"
)

var (
	ErrNotFound        = errors.New("file does not exist on the server")
	ErrUnexpectedReply = errors.New("unexpected server reply")
)

// Commander runs the client side of each command against a server.
type Commander interface {
	Put(ctx context.Context, path string) (string, error)
	Get(ctx context.Context, name string) (string, error)
	Keyword(ctx context.Context, word, path string) (string, error)
	Quit(ctx context.Context) error
}

// Recorder stores the outcome of every transfer. *journal.Journal is one.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Client talks to the UDP server. Every command uses a fresh socket, so the
// server sees every command as a new session.
type Client struct {
	cfg      *config.Config
	opts     protocol.Options
	resolver *resolve.Resolver
	log      *zap.SugaredLogger
	recorder Recorder
}

func NewClient(cfg *config.Config, log *zap.SugaredLogger, recorder Recorder) (*Client, error) {
	opts, err := cfg.ProtocolOptions()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		cfg:      cfg,
		opts:     opts,
		resolver: resolve.New(cfg.DNSServer),
		log:      log,
		recorder: recorder,
	}, nil
}

func (c *Client) dial(ctx context.Context) (*net.UDPConn, *protocol.Session, error) {
	addr, err := c.resolver.UDPAddr(ctx, c.cfg.Host, c.cfg.Port)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, err
	}
	sess, err := protocol.NewSession(conn, addr, c.opts, c.log)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, sess, nil
}

// send writes the command token and then one datagram per argument.
func send(sess *protocol.Session, op command.Op, args ...string) error {
	for _, part := range append([]string{string(op)}, args...) {
		if err := sess.Send([]byte(part)); err != nil {
			return fmt.Errorf("sending %s: %w", op, err)
		}
	}
	return nil
}

func (c *Client) reply(ctx context.Context, sess *protocol.Session) (string, error) {
	msg, err := sess.Recv(ctx, c.cfg.ResponseTimeout)
	if err != nil {
		if protocol.IsTimeout(err) {
			return "", fmt.Errorf("no response from server within %v", c.cfg.ResponseTimeout)
		}
		return "", err
	}
	resp := string(msg)
	if strings.HasPrefix(resp, command.ReplyError) {
		return "", errors.New(strings.TrimPrefix(resp, command.ReplyError))
	}
	return resp, nil
}

// Put uploads the file at path. The server stores it under its base name and
// Put returns the server's response.
func (c *Client) Put(ctx context.Context, path string) (string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", protocol.NewIOError(protocol.PhaseSource, protocol.ErrReadFailed, err)
	}
	if len(payload) == 0 {
		return "", protocol.NewProtocolError(protocol.PhaseLength, protocol.ErrEmptyPayload)
	}

	conn, sess, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	name := filepath.Base(path)
	if err := send(sess, command.Put, name); err != nil {
		return "", err
	}

	entry := c.entry(sess, journal.Upload, name)
	res, err := protocol.NewTransmitter(sess).Transmit(ctx, payload)
	entry.Finish(res.Bytes, res.Chunks, res.Retransmits, err)
	c.record(ctx, entry)
	if err != nil {
		return "", err
	}
	c.log.Infow("file sent", "name", name, "bytes", res.Bytes, "chunks", res.Chunks,
		"retransmits", res.Retransmits, "elapsed", res.Elapsed)
	return c.reply(ctx, sess)
}

// Get downloads name from the server into the configured directory and
// returns the path written.
func (c *Client) Get(ctx context.Context, name string) (string, error) {
	conn, sess, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := send(sess, command.Get, name); err != nil {
		return "", err
	}
	resp, err := c.reply(ctx, sess)
	if err != nil {
		return "", err
	}
	switch resp {
	case command.ReplyFound:
	case command.ReplyNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	case command.ReplyEmpty:
		return "", protocol.NewProtocolError(protocol.PhaseLength, protocol.ErrEmptyPayload)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnexpectedReply, resp)
	}

	entry := c.entry(sess, journal.Download, name)
	payload, res, err := protocol.NewReceiver(sess).Receive(ctx)
	var path string
	if err == nil {
		path, err = protocol.Persist(c.cfg.Dir, name, payload)
	}
	entry.Finish(res.Bytes, res.Chunks, res.Retransmits, err)
	c.record(ctx, entry)
	if err != nil {
		return "", err
	}
	c.log.Infow("file received", "name", name, "path", path, "bytes", res.Bytes,
		"chunks", res.Chunks, "duplicates", res.Duplicates, "elapsed", res.Elapsed)
	return path, nil
}

// Keyword asks the server to anonymize a file it holds.
func (c *Client) Keyword(ctx context.Context, word, path string) (string, error) {
	conn, sess, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := send(sess, command.Keyword, word, path); err != nil {
		return "", err
	}
	return c.reply(ctx, sess)
}

func (c *Client) Quit(ctx context.Context) error {
	conn, sess, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return send(sess, command.Quit)
}

func (c *Client) entry(sess *protocol.Session, dir journal.Direction, name string) journal.Entry {
	return journal.Entry{
		ID:        sess.ID.String(),
		Direction: dir,
		Transport: "udp",
		Peer:      sess.Peer().String(),
		Name:      name,
		StartedAt: time.Now(),
	}
}

func (c *Client) record(ctx context.Context, e journal.Entry) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		c.log.Errorw("unable to record transfer", "transfer", e.ID, "error", err)
	}
}
