package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/powerhive/minerfleet/pkg/miner"
	"github.com/powerhive/minerfleet/pkg/minerconf"
	"github.com/powerhive/minerfleet/pkg/variant"
)

// fakeDriver is an in-memory miner.
type fakeDriver struct {
	addr      netip.Addr
	responses miner.Responses
	err       error
	block     chan struct{}

	mu      sync.Mutex
	written []*minerconf.Document
	light   bool
}

func (d *fakeDriver) Addr() netip.Addr         { return d.addr }
func (d *fakeDriver) Variant() variant.Variant { return variant.AntminerS9 }

func (d *fakeDriver) wait(ctx context.Context) error {
	if d.block == nil {
		return d.err
	}
	select {
	case <-d.block:
		return d.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", miner.ErrUnreachable, ctx.Err())
	}
}

func (d *fakeDriver) ReadConfig(ctx context.Context) (*minerconf.Document, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return minerconf.Default(minerconf.DefaultModel, time.Unix(0, 0)), nil
}

func (d *fakeDriver) WriteConfig(ctx context.Context, doc *minerconf.Document) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.written = append(d.written, doc)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) QueryTelemetry(ctx context.Context, commands ...string) (miner.Responses, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return d.responses, nil
}

func (d *fakeDriver) SetFaultLight(ctx context.Context, on bool) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.light = on
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) FaultLight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.light
}

type fakeFactory struct {
	drivers map[netip.Addr]*fakeDriver
	errs    map[netip.Addr]error
}

func (f *fakeFactory) Driver(ctx context.Context, addr netip.Addr) (miner.Driver, error) {
	if err := f.errs[addr]; err != nil {
		return nil, err
	}
	d, ok := f.drivers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", miner.ErrUnreachable, addr)
	}
	return d, nil
}

func telemetryResponses(power bool) miner.Responses {
	r := miner.Responses{
		"summary":     []byte(`{"STATUS":[{"STATUS":"S"}],"SUMMARY":[{"MHS 5s":13500000}]}`),
		"pools":       []byte(`{"STATUS":[{"STATUS":"S"}],"POOLS":[{"User":"worker.1"}]}`),
		"tunerstatus": []byte(`{"STATUS":[{"STATUS":"S"}],"TUNERSTATUS":[{"PowerLimit":1200}]}`),
	}
	if !power {
		r["tunerstatus"] = []byte(`{"STATUS":[{"STATUS":"S"}],"TUNERSTATUS":[{}]}`)
	}
	return r
}

func fleet(n int) (*fakeFactory, []netip.Addr) {
	f := &fakeFactory{drivers: make(map[netip.Addr]*fakeDriver), errs: make(map[netip.Addr]error)}
	addrs := make([]netip.Addr, n)
	for i := range addrs {
		addrs[i] = netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
		f.drivers[addrs[i]] = &fakeDriver{addr: addrs[i], responses: telemetryResponses(true)}
	}
	return f, addrs
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDispatchCountsSuccesses(t *testing.T) {
	f, addrs := fleet(8)
	delete(f.drivers, addrs[1])
	f.errs[addrs[4]] = miner.ErrUnclassifiable
	f.drivers[addrs[6]].err = fmt.Errorf("%w: bad reply", miner.ErrProtocol)

	d := New(f, WithLogger(quietLogger()), WithConcurrency(3))
	res, err := d.Telemetry(context.Background(), addrs)
	if err != nil {
		t.Fatal(err)
	}

	if len(res) != 8 {
		t.Fatalf("len(result) = %d, want 8", len(res))
	}
	if n := len(res.Successes()); n != 5 {
		t.Errorf("successes = %d, want 5", n)
	}

	kinds := map[netip.Addr]miner.Kind{
		addrs[1]: miner.KindUnreachable,
		addrs[4]: miner.KindUnclassifiable,
		addrs[6]: miner.KindProtocol,
	}
	for addr, want := range kinds {
		if got := res[addr].Kind(); got != want {
			t.Errorf("%s kind = %s, want %s", addr, got, want)
		}
	}
	if got := res.FailuresOf(miner.KindUnreachable); len(got) != 1 || got[0] != addrs[1] {
		t.Errorf("FailuresOf(unreachable) = %v", got)
	}
}

func TestTelemetryMissingPowerIsolated(t *testing.T) {
	f, addrs := fleet(10)
	f.drivers[addrs[3]].responses = telemetryResponses(false)

	res, err := New(f, WithLogger(quietLogger())).Telemetry(context.Background(), addrs)
	if err != nil {
		t.Fatal(err)
	}

	if n := len(res.Successes()); n != 9 {
		t.Errorf("successes = %d, want 9", n)
	}
	if !errors.Is(res[addrs[3]].Err, miner.ErrProtocol) {
		t.Errorf("missing power error = %v, want ErrProtocol", res[addrs[3]].Err)
	}

	rows := res.Telemetry()
	if len(rows) != 9 || rows[0].HashRate != 13.5 || rows[0].Power != 1200 || rows[0].User != "worker.1" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestPushConfigSingleStamp(t *testing.T) {
	f, addrs := fleet(6)
	clock := time.Unix(1700000000, 0)
	ticks := 0
	now := func() time.Time {
		ticks++
		return clock.Add(time.Duration(ticks) * time.Second)
	}

	doc := minerconf.Default(minerconf.DefaultModel, time.Unix(0, 0))
	doc.Format.Generator = "hand written"

	res, err := New(f, WithClock(now), WithLogger(quietLogger())).PushConfig(context.Background(), addrs, doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Successes()) != 6 {
		t.Fatalf("successes = %v", res.Successes())
	}

	var stamp int64
	for i, addr := range addrs {
		written := f.drivers[addr].written
		if len(written) != 1 {
			t.Fatalf("%s written %d times", addr, len(written))
		}
		got := written[0].Format
		if got.Generator != minerconf.Generator {
			t.Errorf("%s generator = %q", addr, got.Generator)
		}
		if i == 0 {
			stamp = got.Timestamp
		} else if got.Timestamp != stamp {
			t.Errorf("%s timestamp = %d, want %d", addr, got.Timestamp, stamp)
		}
	}
	if stamp != clock.Unix()+1 {
		t.Errorf("stamp = %d, want first clock reading %d", stamp, clock.Unix()+1)
	}
	if doc.Format.Generator != "hand written" {
		t.Error("caller's document was modified")
	}
}

func TestPushConfigNilPayload(t *testing.T) {
	f, addrs := fleet(2)
	if _, err := New(f).PushConfig(context.Background(), addrs, nil); !errors.Is(err, ErrNilPayload) {
		t.Errorf("PushConfig(nil) error = %v, want ErrNilPayload", err)
	}
	if n := len(f.drivers[addrs[0]].written); n != 0 {
		t.Errorf("device written %d times", n)
	}
}

func TestUsageErrors(t *testing.T) {
	f, addrs := fleet(1)
	d := New(f)

	if _, err := d.Dispatch(context.Background(), addrs, Operation("reboot"), nil); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("unknown op error = %v", err)
	}
	if _, err := d.Telemetry(context.Background(), []netip.Addr{{}}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("invalid address error = %v", err)
	}
}

func TestEmptyAndDuplicateAddresses(t *testing.T) {
	f, addrs := fleet(3)
	d := New(f, WithLogger(quietLogger()))

	res, err := d.Telemetry(context.Background(), nil)
	if err != nil || res == nil || len(res) != 0 {
		t.Errorf("empty batch = %v, %v", res, err)
	}

	dup := append(append([]netip.Addr{}, addrs...), addrs[0], addrs[2])
	res, err = d.ToggleLight(context.Background(), dup)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 {
		t.Errorf("len(result) = %d, want 3", len(res))
	}
	if !f.drivers[addrs[0]].FaultLight() {
		t.Error("duplicate address toggled twice")
	}
}

func TestToggleLightPair(t *testing.T) {
	f, addrs := fleet(4)
	f.drivers[addrs[2]].light = true
	d := New(f, WithLogger(quietLogger()))

	before := make(map[netip.Addr]bool)
	for _, a := range addrs {
		before[a] = f.drivers[a].FaultLight()
	}

	first, _ := d.ToggleLight(context.Background(), addrs)
	for _, a := range addrs {
		if first[a].Light == before[a] {
			t.Errorf("%s not flipped", a)
		}
	}

	if _, err := d.ToggleLight(context.Background(), addrs); err != nil {
		t.Fatal(err)
	}
	for _, a := range addrs {
		if f.drivers[a].FaultLight() != before[a] {
			t.Errorf("%s light = %v after two toggles, want %v", a, f.drivers[a].FaultLight(), before[a])
		}
	}
}

func TestSetLight(t *testing.T) {
	f, addrs := fleet(3)
	d := New(f, WithLogger(quietLogger()))

	for _, on := range []bool{true, true, false} {
		res, err := d.SetLight(context.Background(), addrs, on)
		if err != nil {
			t.Fatal(err)
		}
		for _, a := range addrs {
			if res[a].Light != on || f.drivers[a].FaultLight() != on {
				t.Errorf("SetLight(%v) left %s at %v", on, a, f.drivers[a].FaultLight())
			}
		}
	}
}

func TestReadConfig(t *testing.T) {
	f, addrs := fleet(2)
	res, err := New(f, WithLogger(quietLogger())).ReadConfig(context.Background(), addrs)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range addrs {
		if res[a].Config == nil || len(res[a].Config.Pools()) != 3 {
			t.Errorf("%s config = %+v", a, res[a].Config)
		}
	}
}

func TestSlowDeviceTimesOut(t *testing.T) {
	f, addrs := fleet(3)
	f.drivers[addrs[1]].block = make(chan struct{})

	start := time.Now()
	res, err := New(f, WithTimeout(50*time.Millisecond), WithLogger(quietLogger())).Telemetry(context.Background(), addrs)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("batch waited past the per-device timeout")
	}
	if res[addrs[1]].Kind() != miner.KindUnreachable {
		t.Errorf("slow device kind = %s, want unreachable", res[addrs[1]].Kind())
	}
	if len(res.Successes()) != 2 {
		t.Errorf("successes = %v", res.Successes())
	}
}

func TestCancellationKeepsFinished(t *testing.T) {
	f, addrs := fleet(5)
	for _, a := range addrs[2:] {
		f.drivers[a].block = make(chan struct{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result)
	go func() {
		res, _ := New(f, WithLogger(quietLogger())).Telemetry(ctx, addrs)
		done <- res
	}()

	// Give the unblocked devices time to finish before cancelling.
	time.Sleep(100 * time.Millisecond)
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not settle after cancel")
	}

	if len(res) != 5 {
		t.Fatalf("len(result) = %d, want 5", len(res))
	}
	for _, a := range addrs[:2] {
		if !res[a].OK() {
			t.Errorf("%s finished before cancel but got %v", a, res[a].Err)
		}
	}
	for _, a := range addrs[2:] {
		if res[a].Kind() != miner.KindCancelled {
			t.Errorf("%s kind = %s, want cancelled", a, res[a].Kind())
		}
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	f, addrs := fleet(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(f, WithLogger(quietLogger())).SetLight(ctx, addrs, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range addrs {
		if res[a].Kind() != miner.KindCancelled {
			t.Errorf("%s kind = %s, want cancelled", a, res[a].Kind())
		}
		if f.drivers[a].FaultLight() {
			t.Errorf("%s light changed after cancel", a)
		}
	}
}

type memRecorder struct {
	batches []Batch
}

func (r *memRecorder) RecordBatch(ctx context.Context, b Batch) error {
	r.batches = append(r.batches, b)
	return nil
}

func TestRecorder(t *testing.T) {
	f, addrs := fleet(2)
	rec := &memRecorder{}
	d := New(f, WithRecorder(rec), WithLogger(quietLogger()))

	if _, err := d.SetLight(context.Background(), addrs, true); err != nil {
		t.Fatal(err)
	}
	if len(rec.batches) != 1 {
		t.Fatalf("recorded %d batches, want 1", len(rec.batches))
	}
	b := rec.batches[0]
	if b.Operation != OpLightOn || len(b.Result) != 2 || b.Finished.Before(b.Started) {
		t.Errorf("batch = %+v", b)
	}
}

func TestSortTelemetry(t *testing.T) {
	rows := []miner.Telemetry{
		{Addr: netip.MustParseAddr("10.0.0.10"), HashRate: 13.5, User: "b", Power: 1200},
		{Addr: netip.MustParseAddr("10.0.0.9"), HashRate: 14.1, User: "a", Power: 1300},
		{Addr: netip.MustParseAddr("10.0.0.2"), HashRate: 13.5, User: "c", Power: 900},
	}

	tests := []struct {
		key  SortKey
		want []string
	}{
		{SortByIP, []string{"10.0.0.2", "10.0.0.9", "10.0.0.10"}},
		{SortByHashRate, []string{"10.0.0.2", "10.0.0.10", "10.0.0.9"}},
		{SortByUser, []string{"10.0.0.9", "10.0.0.10", "10.0.0.2"}},
		{SortByPower, []string{"10.0.0.2", "10.0.0.10", "10.0.0.9"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			SortTelemetry(rows, tt.key)
			for i, w := range tt.want {
				if rows[i].Addr.String() != w {
					t.Errorf("rows[%d] = %s, want %s", i, rows[i].Addr, w)
				}
			}
		})
	}

	if _, err := ParseSortKey("wattage"); err == nil {
		t.Error("ParseSortKey(wattage) succeeded")
	}
	if k, _ := ParseSortKey(""); k != SortByIP {
		t.Errorf("ParseSortKey(\"\") = %q", k)
	}
}
