package discovery

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/powerhive/minerfleet/internal/netutil"
	"github.com/powerhive/minerfleet/pkg/miner"
)

// ErrNoClassifier is returned by Discover on a scanner built without one.
var ErrNoClassifier = errors.New("scanner has no classifier")

// Classifier turns a responsive address into a driver. *factory.Factory
// implements it.
type Classifier interface {
	Driver(ctx context.Context, addr netip.Addr) (miner.Driver, error)
}

// Scanner discovers miners on the network.
type Scanner struct {
	portScanner *netutil.PortScanner
	classifier  Classifier
	dial        netutil.DialFunc
	opts        ScanOptions
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithTimeout sets the liveness timeout for each host.
func WithTimeout(timeout time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.opts.Timeout = timeout
	}
}

// WithConcurrency sets the maximum concurrent probes.
func WithConcurrency(concurrency int) ScannerOption {
	return func(s *Scanner) {
		s.opts.Concurrency = concurrency
	}
}

// WithPort sets the port to probe.
func WithPort(port int) ScannerOption {
	return func(s *Scanner) {
		s.opts.Port = port
	}
}

// WithMaxHosts bounds how many addresses one target may expand to.
func WithMaxHosts(n int) ScannerOption {
	return func(s *Scanner) {
		s.opts.MaxHosts = n
	}
}

// WithClassifier enables Discover, which classifies every responsive host.
func WithClassifier(c Classifier) ScannerOption {
	return func(s *Scanner) {
		s.classifier = c
	}
}

// WithDialer replaces the TCP dialer used for liveness checks.
func WithDialer(dial netutil.DialFunc) ScannerOption {
	return func(s *Scanner) {
		s.dial = dial
	}
}

// NewScanner creates a new network scanner.
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		opts: DefaultScanOptions(),
	}

	for _, opt := range opts {
		opt(s)
	}

	psOpts := []netutil.PortScannerOption{
		netutil.WithScanTimeout(s.opts.Timeout),
		netutil.WithScanConcurrency(s.opts.Concurrency),
	}
	if s.dial != nil {
		psOpts = append(psOpts, netutil.WithDialer(s.dial))
	}
	s.portScanner = netutil.NewPortScanner(psOpts...)

	return s
}

// Options returns the effective scan options.
func (s *Scanner) Options() ScanOptions {
	return s.opts
}

// Scan expands target and returns the addresses that accepted a TCP
// connection on the control port, sorted ascending. Hosts that do not answer
// within the timeout are left out silently.
//
// An invalid or oversized target is returned as an error before any probe is
// sent. If ctx is cancelled mid-scan, ctx.Err() is returned.
func (s *Scanner) Scan(ctx context.Context, target Target) ([]netip.Addr, error) {
	ips, err := target.Expand(s.opts.MaxHosts)
	if err != nil {
		return nil, err
	}

	live := s.portScanner.ScanHosts(ctx, ips, s.opts.Port)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return live, nil
}

// Discover scans target and classifies every responsive host through the
// scanner's classifier, warming its cache. Classification failures are
// collected per address and do not fail the scan.
func (s *Scanner) Discover(ctx context.Context, target Target) (*ScanResult, error) {
	if s.classifier == nil {
		return nil, ErrNoClassifier
	}

	startTime := time.Now()

	ips, err := target.Expand(s.opts.MaxHosts)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{
		Miners:     make([]DiscoveredMiner, 0),
		Errors:     make(map[netip.Addr]error),
		ScannedIPs: len(ips),
	}

	// Phase 1: port scan to find responsive hosts
	responsive := s.portScanner.ScanHosts(ctx, ips, s.opts.Port)
	result.ResponsiveHosts = len(responsive)

	// Phase 2: classify responsive hosts
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(max(s.opts.Concurrency, 1))

	for _, addr := range responsive {
		addr := addr
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d, err := s.classifier.Driver(ctx, addr)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Errors[addr] = err
				return nil
			}
			result.Miners = append(result.Miners, DiscoveredMiner{
				Addr:         addr,
				Variant:      d.Variant(),
				DiscoveredAt: time.Now(),
			})
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(result.Miners, func(i, j int) bool {
		return result.Miners[i].Addr.Less(result.Miners[j].Addr)
	})
	result.Duration = time.Since(startTime)

	return result, nil
}
