// Package discovery finds live miners in a bounded address range.
package discovery

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/powerhive/minerfleet/internal/netutil"
	"github.com/powerhive/minerfleet/pkg/variant"
)

// Target is a bounded set of candidate addresses: a CIDR, an inclusive
// start/end range, or an explicit list.
type Target struct {
	cidr       string
	expr       string
	start, end string
	list       []netip.Addr
}

// CIDR targets every host address of prefix, e.g. "10.0.0.0/24".
func CIDR(prefix string) Target {
	return Target{cidr: prefix}
}

// Range targets start through end inclusive.
func Range(start, end string) Target {
	return Target{start: start, end: end}
}

// List targets the given addresses.
func List(addrs ...netip.Addr) Target {
	return Target{list: addrs}
}

// ParseTarget accepts the CLI forms "10.0.0.0/24", "10.0.0.1-10.0.0.20" and
// a single address.
func ParseTarget(s string) Target {
	return Target{expr: s}
}

// String returns the target as given.
func (t Target) String() string {
	switch {
	case t.start != "" || t.end != "":
		return t.start + "-" + t.end
	case t.cidr != "":
		return t.cidr
	case t.expr != "":
		return t.expr
	default:
		return fmt.Sprintf("%d addresses", len(t.list))
	}
}

// Expand returns the target's candidate addresses, deduplicated and sorted.
// Targets with more than limit addresses fail with netutil.ErrTooManyHosts.
func (t Target) Expand(limit int) ([]netip.Addr, error) {
	var (
		ips []netip.Addr
		err error
	)

	switch {
	case t.start != "" || t.end != "":
		ips, err = netutil.ParseRange(t.start, t.end, limit)
	case t.cidr != "":
		ips, err = netutil.ParseCIDR(t.cidr, limit)
	case t.expr != "":
		ips, err = netutil.ParseTarget(t.expr, limit)
	default:
		ips = make([]netip.Addr, 0, len(t.list))
		for _, ip := range t.list {
			if !ip.IsValid() {
				return nil, fmt.Errorf("invalid address in list")
			}
			ips = append(ips, ip)
		}
		ips = netutil.SortUnique(ips)
		if limit > 0 && len(ips) > limit {
			return nil, fmt.Errorf("%w: list has %d hosts, limit %d", netutil.ErrTooManyHosts, len(ips), limit)
		}
		return ips, nil
	}
	if err != nil {
		return nil, err
	}

	return netutil.SortUnique(ips), nil
}

// DiscoveredMiner is a responsive address and the variant it classified as.
type DiscoveredMiner struct {
	// Addr is the miner's address.
	Addr netip.Addr

	// Variant is the classified hardware variant.
	Variant variant.Variant

	// DiscoveredAt is when the miner was classified.
	DiscoveredAt time.Time
}

// ScanResult contains the results of a classifying scan.
type ScanResult struct {
	// Miners is the list of classified miners, sorted by address.
	Miners []DiscoveredMiner

	// Errors contains classification errors, keyed by address.
	Errors map[netip.Addr]error

	// Duration is how long the scan took.
	Duration time.Duration

	// ScannedIPs is the number of candidate addresses.
	ScannedIPs int

	// ResponsiveHosts is the number of hosts that answered on the control port.
	ResponsiveHosts int
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	// Timeout is the liveness timeout per host (default: 3s).
	Timeout time.Duration

	// Concurrency is the maximum number of concurrent probes (default: 50).
	Concurrency int

	// Port is the control API port (default: 4028).
	Port int

	// MaxHosts bounds how many candidates one target may expand to
	// (default: 4096).
	MaxHosts int
}

// DefaultScanOptions returns the default scan options.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Timeout:     3 * time.Second,
		Concurrency: 50,
		Port:        4028,
		MaxHosts:    4096,
	}
}
