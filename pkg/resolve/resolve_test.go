package resolve

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zoneHandler struct {
	records map[string]string
}

func (h *zoneHandler) ServeDNS(rw dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		_ = rw.WriteMsg(m)
		return
	}

	q := r.Question[0]
	ip, ok := h.records[q.Name]
	if !ok {
		m.Rcode = dns.RcodeNameError
	} else if q.Qtype == dns.TypeA {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP(ip),
		})
	}
	_ = rw.WriteMsg(m)
}

func startDNS(t *testing.T, records map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: &zoneHandler{records: records}, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestLookupLiteral(t *testing.T) {
	r := New("")
	ip, err := r.Lookup(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ip.String())
}

func TestLookupViaServer(t *testing.T) {
	addr := startDNS(t, map[string]string{"ferry.test.": "127.0.0.1"})
	r := New(addr)

	ip, err := r.Lookup(context.Background(), "ferry.test")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())

	udp, err := r.UDPAddr(context.Background(), "ferry.test", 5555)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5555", udp.String())

	tcp, err := r.TCPAddr(context.Background(), "ferry.test", 5556)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5556", tcp)
}

func TestLookupUnknownName(t *testing.T) {
	addr := startDNS(t, map[string]string{"ferry.test.": "127.0.0.1"})
	_, err := New(addr).Lookup(context.Background(), "other.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NXDOMAIN")
}

func TestLookupSystemResolver(t *testing.T) {
	ip, err := New("").Lookup(context.Background(), "localhost")
	if err != nil {
		t.Skipf("no system resolution for localhost: %v", err)
	}
	assert.True(t, ip.IsLoopback())
}
