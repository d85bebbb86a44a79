package history

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/powerhive/minerfleet/pkg/dispatch"
	"github.com/powerhive/minerfleet/pkg/miner"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func telemetryBatch(started time.Time) dispatch.Batch {
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	return dispatch.Batch{
		Operation: dispatch.OpTelemetry,
		Started:   started,
		Finished:  started.Add(2 * time.Second),
		Result: dispatch.Result{
			b: {Addr: b, Err: fmt.Errorf("%w: dial tcp: timeout", miner.ErrUnreachable)},
			a: {Addr: a, Telemetry: &miner.Telemetry{Addr: a, HashRate: 13.5, User: "worker.1", Power: 1200}},
		},
	}
}

func TestRecordAndRead(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.Record(ctx, telemetryBatch(started))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("batch id %q is not a uuid", id)
	}

	b, err := s.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b.Operation != "telemetry" || b.DeviceCount != 2 || b.SuccessCount != 1 {
		t.Errorf("batch = %+v", b)
	}
	if !b.StartedAt.Equal(started) || !b.FinishedAt.Equal(started.Add(2*time.Second)) {
		t.Errorf("times = %v - %v", b.StartedAt, b.FinishedAt)
	}

	outcomes, err := s.Outcomes(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d", len(outcomes))
	}

	ok, failed := outcomes[0], outcomes[1]
	if ok.IPAddress != "10.0.0.1" || !ok.OK || ok.HashRate == nil || *ok.HashRate != 13.5 || *ok.PoolUser != "worker.1" || *ok.Power != 1200 {
		t.Errorf("success outcome = %+v", ok)
	}
	if ok.Light != nil {
		t.Error("telemetry outcome carries a light state")
	}
	if failed.IPAddress != "10.0.0.2" || failed.OK || failed.ErrorKind != "unreachable" || failed.Error == "" {
		t.Errorf("failed outcome = %+v", failed)
	}
}

func TestRecordLightBatch(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	a := netip.MustParseAddr("10.0.0.3")

	id, err := s.Record(ctx, dispatch.Batch{
		Operation: dispatch.OpToggleLight,
		Started:   time.Now(),
		Finished:  time.Now(),
		Result:    dispatch.Result{a: {Addr: a, Light: true}},
	})
	if err != nil {
		t.Fatal(err)
	}

	outcomes, err := s.Outcomes(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Light == nil || !*outcomes[0].Light {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestLightStatesLatestWins(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	a := netip.MustParseAddr("10.0.0.3")
	b := netip.MustParseAddr("10.0.0.4")
	c := netip.MustParseAddr("10.0.0.5")
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	batches := []dispatch.Batch{
		{Operation: dispatch.OpLightOn, Started: base, Result: dispatch.Result{
			a: {Addr: a, Light: true},
			b: {Addr: b, Light: true},
		}},
		{Operation: dispatch.OpToggleLight, Started: base.Add(time.Minute), Result: dispatch.Result{
			a: {Addr: a, Light: false},
			b: {Addr: b, Err: miner.ErrUnreachable},
		}},
		telemetryBatch(base.Add(2 * time.Minute)),
	}
	for _, batch := range batches {
		if _, err := s.Record(ctx, batch); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LightStates(ctx, []netip.Addr{a, b, c})
	if err != nil {
		t.Fatal(err)
	}
	want := map[netip.Addr]bool{a: false, b: true}
	if len(got) != len(want) || got[a] != want[a] || got[b] != want[b] {
		t.Errorf("LightStates() = %v, want %v", got, want)
	}
}

func TestListBatchesNewestFirst(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Record(ctx, telemetryBatch(base.Add(time.Duration(i)*time.Hour)))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	all, err := s.ListBatches(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Errorf("ListBatches() order = %v, %v, %v", all[0].ID, all[1].ID, all[2].ID)
	}

	limited, _ := s.ListBatches(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("ListBatches(2) returned %d", len(limited))
	}

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	if err != nil || n != 2 {
		t.Errorf("Prune() = %d, %v, want 2", n, err)
	}
	if out, _ := s.Outcomes(ctx, ids[0]); len(out) != 0 {
		t.Errorf("pruned batch kept %d outcomes", len(out))
	}
}

func TestGetBatchNotFound(t *testing.T) {
	s := openMemory(t)
	if _, err := s.GetBatch(context.Background(), uuid.NewString()); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("GetBatch() error = %v, want ErrBatchNotFound", err)
	}
}

func TestReopenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Record(ctx, telemetryBatch(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	if _, err := s.GetBatch(ctx, id); err != nil {
		t.Errorf("batch lost across reopen: %v", err)
	}
}

func TestRecorderFromDispatcher(t *testing.T) {
	s := openMemory(t)
	d := dispatch.New(emptyFactory{}, dispatch.WithRecorder(s))

	if _, err := d.Telemetry(context.Background(), []netip.Addr{netip.MustParseAddr("10.0.0.9")}); err != nil {
		t.Fatal(err)
	}

	batches, err := s.ListBatches(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || batches[0].DeviceCount != 1 || batches[0].SuccessCount != 0 {
		t.Errorf("batches = %+v", batches)
	}
}

type emptyFactory struct{}

func (emptyFactory) Driver(ctx context.Context, addr netip.Addr) (miner.Driver, error) {
	return nil, miner.ErrUnreachable
}
