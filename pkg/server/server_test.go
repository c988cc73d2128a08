package server

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twiz718/udp-ferry/pkg/config"
	"github.com/twiz718/udp-ferry/pkg/journal"
	"github.com/twiz718/udp-ferry/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		Transport:       "udp",
		Dir:             t.TempDir(),
		AckTimeout:      200 * time.Millisecond,
		ResponseTimeout: 2 * time.Second,
		Retries:         3,
		Framing:         "sequenced",
		SessionTTL:      5 * time.Second,
		MaxSessions:     16,
		StatsInterval:   50 * time.Millisecond,
		QuitStopsServer: true,
	}
}

type memRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (r *memRecorder) Record(_ context.Context, e journal.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memRecorder) all() []journal.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]journal.Entry(nil), r.entries...)
}

type running struct {
	srv     *Server
	addr    *net.UDPAddr
	stopped chan struct{}
	err     error
}

func startServer(t *testing.T, cfg *config.Config, rec Recorder) *running {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := NewServer(cfg, nil, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, addr: pc.LocalAddr().(*net.UDPAddr), stopped: make(chan struct{})}
	go func() {
		r.err = srv.Serve(ctx, pc)
		close(r.stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.stopped
		pc.Close()
	})
	return r
}

// peer is a client socket driven by hand.
type peer struct {
	t    *testing.T
	conn *net.UDPConn
	to   *net.UDPAddr
}

func newPeer(t *testing.T, to *net.UDPAddr) *peer {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, to: to}
}

func (p *peer) send(parts ...string) {
	for _, part := range parts {
		_, err := p.conn.WriteTo([]byte(part), p.to)
		require.NoError(p.t, err)
	}
}

func (p *peer) recv(timeout time.Duration) (string, error) {
	buf := make([]byte, maxDatagram)
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := p.conn.ReadFrom(buf)
	return string(buf[:n]), err
}

func (p *peer) session(opts protocol.Options) *protocol.Session {
	sess, err := protocol.NewSession(p.conn, p.to, opts, nil)
	require.NoError(p.t, err)
	return sess
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestGetMissingFile(t *testing.T) {
	r := startServer(t, testConfig(t), nil)
	p := newPeer(t, r.addr)

	p.send("get", "absent.txt")
	resp, err := p.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "False", resp)
}

func TestGetEmptyFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "empty.txt"), nil, 0o644))
	r := startServer(t, cfg, nil)
	p := newPeer(t, r.addr)

	p.send("get", "empty.txt")
	resp, err := p.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Empty", resp)

	_, err = p.recv(300 * time.Millisecond)
	assert.True(t, protocol.IsTimeout(err), "no LEN follows an empty reply")
}

func TestGetTransfersFile(t *testing.T) {
	cfg := testConfig(t)
	data := payload(2500)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "notes.txt"), data, 0o644))
	rec := &memRecorder{}
	r := startServer(t, cfg, rec)
	p := newPeer(t, r.addr)

	p.send("get", "notes.txt")
	resp, err := p.recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, "True", resp)

	opts, err := cfg.ProtocolOptions()
	require.NoError(t, err)
	got, res, err := protocol.NewReceiver(p.session(opts)).Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 3, res.Chunks)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	e := rec.all()[0]
	assert.Equal(t, journal.Download, e.Direction)
	assert.Equal(t, journal.StatusOK, e.Status)
	assert.Equal(t, 2500, e.Bytes)
}

func TestGetConfinedToDir(t *testing.T) {
	cfg := testConfig(t)
	outside := filepath.Join(filepath.Dir(cfg.Dir), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("top secret"), 0o644))
	r := startServer(t, cfg, nil)
	p := newPeer(t, r.addr)

	p.send("get", "../secret.txt")
	resp, err := p.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "False", resp)
}

func TestPutStoresFile(t *testing.T) {
	cfg := testConfig(t)
	rec := &memRecorder{}
	r := startServer(t, cfg, rec)
	p := newPeer(t, r.addr)

	opts, err := cfg.ProtocolOptions()
	require.NoError(t, err)
	data := payload(2500)

	p.send("put", "upload.bin")
	res, err := protocol.NewTransmitter(p.session(opts)).Transmit(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)

	resp, err := p.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "File uploaded.", resp)

	stored, err := os.ReadFile(filepath.Join(cfg.Dir, "upload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.Upload, entries[0].Direction)
	assert.Equal(t, "upload.bin", entries[0].Name)
}

func TestPutRejectsHugeLength(t *testing.T) {
	cfg := testConfig(t)
	rec := &memRecorder{}
	r := startServer(t, cfg, rec)
	p := newPeer(t, r.addr)

	p.send("put", "huge.bin", "LEN:9223372036854775807")
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := rec.all()[0]
	assert.Equal(t, journal.StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, protocol.ErrInvalidLength.Error())
	assert.NoFileExists(t, filepath.Join(cfg.Dir, "huge.bin"))

	q := newPeer(t, r.addr)
	q.send("get", "absent.txt")
	resp, err := q.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "False", resp)
}

func TestConcurrentPeers(t *testing.T) {
	cfg := testConfig(t)
	r := startServer(t, cfg, nil)
	opts, err := cfg.ProtocolOptions()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, name := range []string{"one.bin", "two.bin", "three.bin"} {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := newPeer(t, r.addr)
			p.send("put", name)
			_, err := protocol.NewTransmitter(p.session(opts)).Transmit(context.Background(), payload(1500*(i+1)))
			assert.NoError(t, err, name)
		}()
	}
	wg.Wait()

	for i, name := range []string{"one.bin", "two.bin", "three.bin"} {
		require.Eventually(t, func() bool {
			b, err := os.ReadFile(filepath.Join(cfg.Dir, name))
			return err == nil && bytes.Equal(b, payload(1500*(i+1)))
		}, 2*time.Second, 10*time.Millisecond, name)
	}
}

func TestKeywordAnonymizes(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "memo.txt"), []byte("meet at the dock, bring the dock key"), 0o644))
	r := startServer(t, cfg, nil)
	p := newPeer(t, r.addr)

	p.send("keyword", "dock", "memo.txt")
	resp, err := p.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "File memo.txt anonymized. Output file is memo_anon.txt", resp)

	out, err := os.ReadFile(filepath.Join(cfg.Dir, "memo_anon.txt"))
	require.NoError(t, err)
	assert.Equal(t, "meet at the XXXX, bring the XXXX key", string(out))
}

func TestKeywordMissingFile(t *testing.T) {
	r := startServer(t, testConfig(t), nil)
	p := newPeer(t, r.addr)

	p.send("keyword", "dock", "absent.txt")
	resp, err := p.recv(time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp, "Error: unable to open file")
}

func TestUnknownCommandIgnored(t *testing.T) {
	r := startServer(t, testConfig(t), nil)
	p := newPeer(t, r.addr)

	p.send("hello")
	_, err := p.recv(300 * time.Millisecond)
	assert.True(t, protocol.IsTimeout(err))

	q := newPeer(t, r.addr)
	q.send("get", "absent.txt")
	resp, err := q.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "False", resp)
}

func TestQuitStopsServer(t *testing.T) {
	r := startServer(t, testConfig(t), nil)
	newPeer(t, r.addr).send("quit")

	select {
	case <-r.stopped:
		assert.NoError(t, r.err)
	case <-time.After(2 * time.Second):
		t.Fatal("server still running after quit")
	}
}

func TestQuitEndsSessionOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.QuitStopsServer = false
	r := startServer(t, cfg, nil)
	newPeer(t, r.addr).send("quit")

	p := newPeer(t, r.addr)
	p.send("get", "absent.txt")
	resp, err := p.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "False", resp)
}

func TestStorageInfo(t *testing.T) {
	cfg := testConfig(t)
	r := startServer(t, cfg, nil)
	assert.Equal(t, "No active sessions.", r.srv.StorageInfo())

	p := newPeer(t, r.addr)
	p.send("put")
	require.Eventually(t, func() bool {
		return r.srv.StorageInfo() != "No active sessions."
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, r.srv.StorageInfo(), p.conn.LocalAddr().String())
}

func TestSessionExpires(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionTTL = 200 * time.Millisecond
	r := startServer(t, cfg, nil)

	// put waits for LEN forever, only the TTL ends the session
	newPeer(t, r.addr).send("put", "never.bin")
	require.Eventually(t, func() bool {
		return r.srv.StorageInfo() != "No active sessions."
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return r.srv.StorageInfo() == "No active sessions."
	}, 3*time.Second, 20*time.Millisecond)
}

// Sessions are keyed by source address, so transfer messages from a second
// address never reach the first peer's receiver.
func TestSessionBoundToAddress(t *testing.T) {
	r := startServer(t, testConfig(t), nil)
	p := newPeer(t, r.addr)
	p.send("put", "moved.bin")
	require.Eventually(t, func() bool {
		return strings.Contains(r.srv.StorageInfo(), p.conn.LocalAddr().String())
	}, time.Second, 10*time.Millisecond)

	q := newPeer(t, r.addr)
	q.send("LEN:5", "hello")
	_, err := q.recv(300 * time.Millisecond)
	assert.True(t, protocol.IsTimeout(err))
	assert.NotContains(t, r.srv.StorageInfo(), q.conn.LocalAddr().String())
	assert.NoFileExists(t, filepath.Join(r.srv.cfg.Dir, "moved.bin"))
}

var confineCases = map[string]string{
	"notes.txt":            "/srv/files/notes.txt",
	"sub/notes.txt":        "/srv/files/sub/notes.txt",
	"../notes.txt":         "/srv/files/notes.txt",
	"/etc/passwd":          "/srv/files/etc/passwd",
	"a/../../../etc/hosts": "/srv/files/etc/hosts",
	"..":                   "/srv/files",
}

func TestConfine(t *testing.T) {
	for name, want := range confineCases {
		assert.Equal(t, filepath.FromSlash(want), confine(filepath.FromSlash("/srv/files"), name), name)
	}
}
