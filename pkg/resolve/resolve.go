package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

var ErrNoAddress = errors.New("no A record")

const defaultTimeout = 2 * time.Second

// Resolver turns the server host into an IPv4 address. With an empty Server
// the system resolver is used, otherwise an A query is sent to Server.
type Resolver struct {
	Server  string
	Timeout time.Duration
}

func New(server string) *Resolver {
	return &Resolver{Server: server, Timeout: defaultTimeout}
}

func (r *Resolver) Lookup(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	if r == nil || r.Server == "" {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("%w for %s", ErrNoAddress, host)
		}
		return ips[0], nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: r.Timeout}
	in, _, err := c.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, fmt.Errorf("dns query for %s via %s: %w", host, r.Server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query for %s via %s: %s", host, r.Server, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoAddress, host)
}

func (r *Resolver) UDPAddr(ctx context.Context, host string, port int) (*net.UDPAddr, error) {
	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// TCPAddr returns host:port with host replaced by its resolved address.
func (r *Resolver) TCPAddr(ctx context.Context, host string, port int) (string, error) {
	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}
