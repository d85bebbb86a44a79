package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/powerhive/minerfleet/internal/netutil"
	"github.com/powerhive/minerfleet/pkg/miner"
	"github.com/powerhive/minerfleet/pkg/variant"
)

// fakeNetwork accepts connections for the listed host:port pairs and counts
// every dial.
type fakeNetwork struct {
	live  map[string]bool
	dials atomic.Int32
}

func (n *fakeNetwork) dial(ctx context.Context, network, address string) (net.Conn, error) {
	n.dials.Add(1)
	if !n.live[address] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func newNetwork(addrs ...string) *fakeNetwork {
	n := &fakeNetwork{live: make(map[string]bool)}
	for _, a := range addrs {
		n.live[a] = true
	}
	return n
}

func TestScanSlash30(t *testing.T) {
	network := newNetwork("10.0.0.1:4028", "10.0.0.2:4028", "10.0.0.0:4028", "10.0.0.3:4028")
	s := NewScanner(WithDialer(network.dial), WithTimeout(50*time.Millisecond))

	got, err := s.Scan(context.Background(), CIDR("10.0.0.0/30"))
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Scan() = %v, want %v", got, want)
	}
	if n := network.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2 (network and broadcast not probed)", n)
	}
}

func TestScanDropsNonResponders(t *testing.T) {
	network := newNetwork("10.0.0.7:4028", "10.0.0.3:4028")
	s := NewScanner(WithDialer(network.dial), WithTimeout(20*time.Millisecond), WithConcurrency(4))

	got, err := s.Scan(context.Background(), Range("10.0.0.1", "10.0.0.10"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].String() != "10.0.0.3" || got[1].String() != "10.0.0.7" {
		t.Errorf("Scan() = %v, want [10.0.0.3 10.0.0.7]", got)
	}
}

func TestScanListDedupesAndSorts(t *testing.T) {
	network := newNetwork("10.0.0.9:4028", "10.0.0.10:4028")
	s := NewScanner(WithDialer(network.dial), WithTimeout(20*time.Millisecond))

	list := List(
		netip.MustParseAddr("10.0.0.10"),
		netip.MustParseAddr("10.0.0.9"),
		netip.MustParseAddr("10.0.0.10"),
	)
	got, err := s.Scan(context.Background(), list)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].String() != "10.0.0.9" {
		t.Errorf("Scan() = %v", got)
	}
	if n := network.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestScanRejectsOversizedTarget(t *testing.T) {
	network := newNetwork()
	s := NewScanner(WithDialer(network.dial), WithMaxHosts(256))

	tests := []Target{
		CIDR("10.0.0.0/16"),
		Range("10.0.0.0", "10.0.2.0"),
		ParseTarget("10.0.0.0/22"),
	}
	for _, target := range tests {
		if _, err := s.Scan(context.Background(), target); !errors.Is(err, netutil.ErrTooManyHosts) {
			t.Errorf("Scan(%s) error = %v, want ErrTooManyHosts", target, err)
		}
	}
	if n := network.dials.Load(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}

	if _, err := s.Scan(context.Background(), CIDR("bogus")); err == nil {
		t.Error("Scan(bogus) succeeded")
	}
}

func TestScanCancelled(t *testing.T) {
	s := NewScanner(WithDialer(newNetwork().dial))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Scan(ctx, CIDR("10.0.0.0/29")); !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
}

type stubDriver struct {
	miner.Driver
	v variant.Variant
}

func (d stubDriver) Variant() variant.Variant { return d.v }

type fakeClassifier struct {
	known map[netip.Addr]variant.Variant
}

func (c *fakeClassifier) Driver(ctx context.Context, addr netip.Addr) (miner.Driver, error) {
	v, ok := c.known[addr]
	if !ok {
		return nil, miner.ErrUnclassifiable
	}
	return stubDriver{v: v}, nil
}

func TestDiscover(t *testing.T) {
	network := newNetwork("10.0.0.1:4028", "10.0.0.2:4028", "10.0.0.5:4028")
	classifier := &fakeClassifier{known: map[netip.Addr]variant.Variant{
		netip.MustParseAddr("10.0.0.5"): variant.AntminerS9,
		netip.MustParseAddr("10.0.0.1"): variant.Avalon851,
	}}
	s := NewScanner(WithDialer(network.dial), WithClassifier(classifier), WithTimeout(20*time.Millisecond))

	res, err := s.Discover(context.Background(), CIDR("10.0.0.0/29"))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if res.ScannedIPs != 6 || res.ResponsiveHosts != 3 {
		t.Errorf("scanned %d responsive %d, want 6 and 3", res.ScannedIPs, res.ResponsiveHosts)
	}
	if len(res.Miners) != 2 || res.Miners[0].Addr.String() != "10.0.0.1" || res.Miners[1].Variant.Name != "Antminer S9" {
		t.Errorf("Miners = %+v", res.Miners)
	}
	if err := res.Errors[netip.MustParseAddr("10.0.0.2")]; !errors.Is(err, miner.ErrUnclassifiable) {
		t.Errorf("Errors[10.0.0.2] = %v", err)
	}
}

func TestDiscoverWithoutClassifier(t *testing.T) {
	if _, err := NewScanner().Discover(context.Background(), CIDR("10.0.0.0/30")); !errors.Is(err, ErrNoClassifier) {
		t.Errorf("Discover() error = %v, want ErrNoClassifier", err)
	}
}
