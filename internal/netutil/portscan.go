package netutil

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// DialFunc opens a connection, as net.Dialer.DialContext does.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// PortScanner checks TCP ports on network hosts.
type PortScanner struct {
	timeout     time.Duration
	concurrency int
	dial        DialFunc
}

// PortScannerOption configures a PortScanner.
type PortScannerOption func(*PortScanner)

// WithScanTimeout sets the timeout for each connect attempt.
func WithScanTimeout(timeout time.Duration) PortScannerOption {
	return func(ps *PortScanner) {
		ps.timeout = timeout
	}
}

// WithScanConcurrency sets the maximum number of concurrent attempts.
func WithScanConcurrency(concurrency int) PortScannerOption {
	return func(ps *PortScanner) {
		ps.concurrency = concurrency
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) PortScannerOption {
	return func(ps *PortScanner) {
		ps.dial = dial
	}
}

// NewPortScanner creates a new port scanner.
func NewPortScanner(opts ...PortScannerOption) *PortScanner {
	ps := &PortScanner{
		timeout:     2 * time.Second,
		concurrency: 100,
	}

	for _, opt := range opts {
		opt(ps)
	}

	if ps.dial == nil {
		d := &net.Dialer{}
		ps.dial = d.DialContext
	}

	return ps
}

// IsPortOpen reports whether a TCP connect to host:port succeeds within the
// scanner's timeout.
func (ps *PortScanner) IsPortOpen(ctx context.Context, host netip.Addr, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, ps.timeout)
	defer cancel()

	conn, err := ps.dial(ctx, "tcp", net.JoinHostPort(host.String(), strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ScanHosts returns the hosts with port open, in input order. Hosts not yet
// attempted when ctx is cancelled are skipped.
func (ps *PortScanner) ScanHosts(ctx context.Context, hosts []netip.Addr, port int) []netip.Addr {
	if len(hosts) == 0 {
		return nil
	}

	open := make([]bool, len(hosts))

	g := new(errgroup.Group)
	g.SetLimit(max(ps.concurrency, 1))

	for i, host := range hosts {
		i, host := i, host
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			open[i] = ps.IsPortOpen(ctx, host, port)
			return nil
		})
	}
	g.Wait()

	var openHosts []netip.Addr
	for i, ok := range open {
		if ok {
			openHosts = append(openHosts, hosts[i])
		}
	}

	return openHosts
}
