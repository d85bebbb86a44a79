package dispatch

import (
	"net/netip"
	"sort"

	"github.com/powerhive/minerfleet/pkg/miner"
	"github.com/powerhive/minerfleet/pkg/minerconf"
)

// Outcome is one device's result within a batch.
type Outcome struct {
	// Addr is the device address.
	Addr netip.Addr

	// Err is nil on success. Use miner.KindOf to classify it.
	Err error

	// Telemetry is set by telemetry batches.
	Telemetry *miner.Telemetry

	// Config is set by read-config batches.
	Config *minerconf.Document

	// Light is the fault light state after a successful light operation.
	Light bool
}

// OK reports whether the operation succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Kind returns the error kind, or miner.KindNone on success.
func (o Outcome) Kind() miner.Kind {
	return miner.KindOf(o.Err)
}

// Result maps every submitted address to its outcome. It is unordered; use
// Addrs for a stable presentation order.
type Result map[netip.Addr]Outcome

// Addrs returns every address in the result, sorted ascending.
func (r Result) Addrs() []netip.Addr {
	return r.filter(func(Outcome) bool { return true })
}

// Successes returns the addresses that succeeded, sorted ascending.
func (r Result) Successes() []netip.Addr {
	return r.filter(Outcome.OK)
}

// Failures returns the addresses that failed, sorted ascending.
func (r Result) Failures() []netip.Addr {
	return r.filter(func(o Outcome) bool { return !o.OK() })
}

// FailuresOf returns the failed addresses of one kind, sorted ascending.
// Callers use it to retry a subset, e.g. only unreachable devices.
func (r Result) FailuresOf(kind miner.Kind) []netip.Addr {
	return r.filter(func(o Outcome) bool { return !o.OK() && o.Kind() == kind })
}

// Telemetry returns the successful telemetry snapshots, sorted by address.
func (r Result) Telemetry() []miner.Telemetry {
	var out []miner.Telemetry
	for _, addr := range r.Successes() {
		if t := r[addr].Telemetry; t != nil {
			out = append(out, *t)
		}
	}
	return out
}

func (r Result) filter(keep func(Outcome) bool) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(r))
	for addr, o := range r {
		if keep(o) {
			addrs = append(addrs, addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}
