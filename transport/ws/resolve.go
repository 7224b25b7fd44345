package ws

import (
	"context"
	"net"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// resolver looks up WebSocket server hosts on a fixed name server.
type resolver struct {
	nameServer string
	client     *dns.Client
}

func newResolver(nameServer string, timeout time.Duration) *resolver {
	if _, _, err := net.SplitHostPort(nameServer); err != nil {
		nameServer = net.JoinHostPort(nameServer, "53")
	}
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}
	return &resolver{nameServer: nameServer, client: &dns.Client{Timeout: timeout}}
}

// lookupIP returns IPv4 addresses followed by IPv6 ones.
func (r *resolver) lookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	var (
		ips     []net.IP
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, m, r.nameServer)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = &net.DNSError{
				Err:        dns.RcodeToString[resp.Rcode],
				Name:       host,
				Server:     r.nameServer,
				IsNotFound: resp.Rcode == dns.RcodeNameError,
			}
			continue
		}
		for _, rr := range resp.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		if lastErr == nil {
			lastErr = &net.DNSError{Err: "no such host", Name: host, Server: r.nameServer, IsNotFound: true}
		}
		return nil, errtrace.Wrap(lastErr)
	}
	return ips, nil
}

func (r *resolver) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	ips, err := r.lookupIP(ctx, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var d net.Dialer
	for _, ip := range ips {
		var conn net.Conn
		if conn, err = d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port)); err == nil {
			return conn, nil
		}
	}
	return nil, errtrace.Wrap(err)
}
