// Package dispatch fans one operation out to many miners and collects a
// per-device outcome for each.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/powerhive/minerfleet/pkg/miner"
	"github.com/powerhive/minerfleet/pkg/minerconf"
)

// Operation names a batch operation.
type Operation string

const (
	OpTelemetry   Operation = "telemetry"
	OpReadConfig  Operation = "read-config"
	OpPushConfig  Operation = "push-config"
	OpToggleLight Operation = "toggle-light"
	OpLightOn     Operation = "light-on"
	OpLightOff    Operation = "light-off"
)

// Usage errors, returned synchronously before any device is contacted.
var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNilPayload       = errors.New("push-config requires a config document")
	ErrInvalidAddress   = errors.New("invalid address in batch")
)

// Factory hands out drivers by address. *factory.Factory implements it.
type Factory interface {
	Driver(ctx context.Context, addr netip.Addr) (miner.Driver, error)
}

// Batch describes a settled batch for a Recorder.
type Batch struct {
	Operation Operation
	Started   time.Time
	Finished  time.Time
	Result    Result
}

// Recorder persists settled batches.
type Recorder interface {
	RecordBatch(ctx context.Context, b Batch) error
}

// Dispatcher runs batch operations.
type Dispatcher struct {
	factory     Factory
	concurrency int
	timeout     time.Duration
	now         func() time.Time
	logger      *log.Logger
	recorder    Recorder
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency bounds how many devices are worked on at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		d.concurrency = n
	}
}

// WithTimeout sets the per-device timeout covering classification and the
// operation itself.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithClock replaces time.Now for config stamps and batch times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithLogger sets the logger for per-device failures.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRecorder records every settled batch.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// New creates a dispatcher over factory.
func New(factory Factory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		factory:     factory,
		concurrency: 64,
		timeout:     10 * time.Second,
		now:         time.Now,
		logger:      log.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch runs op against every address concurrently and returns once all
// of them have settled. Every distinct address appears exactly once in the
// result; one device's failure never affects another.
//
// payload is required for OpPushConfig and ignored otherwise. Cancelling ctx
// marks devices that have not finished as cancelled; finished devices keep
// their outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, addrs []netip.Addr, op Operation, payload *minerconf.Document) (Result, error) {
	switch op {
	case OpTelemetry, OpReadConfig, OpToggleLight, OpLightOn, OpLightOff:
	case OpPushConfig:
		if payload == nil {
			return nil, ErrNilPayload
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}

	for _, addr := range addrs {
		if !addr.IsValid() {
			return nil, ErrInvalidAddress
		}
	}

	started := d.now()

	// One stamp for the whole batch, on a copy so the caller's document is
	// left as given.
	if op == OpPushConfig {
		payload = payload.Clone()
		payload.Stamp(minerconf.Generator, started)
	}

	result := make(Result, len(addrs))
	if len(addrs) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(max(d.concurrency, 1))

	for _, addr := range addrs {
		addr := addr
		mu.Lock()
		_, dup := result[addr]
		if !dup {
			result[addr] = Outcome{Addr: addr, Err: miner.ErrCancelled}
		}
		mu.Unlock()
		if dup {
			continue
		}

		g.Go(func() error {
			out := d.run(ctx, addr, op, payload)

			mu.Lock()
			result[addr] = out
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if d.recorder != nil {
		batch := Batch{Operation: op, Started: started, Finished: d.now(), Result: result}
		if err := d.recorder.RecordBatch(context.WithoutCancel(ctx), batch); err != nil {
			d.logger.Printf("warning: failed to record %s batch: %v", op, err)
		}
	}

	return result, nil
}

// run performs op on one device under its own timeout.
func (d *Dispatcher) run(ctx context.Context, addr netip.Addr, op Operation, payload *minerconf.Document) Outcome {
	out := Outcome{Addr: addr}

	if err := ctx.Err(); err != nil {
		out.Err = fmt.Errorf("%w: %s not started", miner.ErrCancelled, addr)
		return out
	}

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out.Err = d.apply(dctx, addr, op, payload, &out)
	if out.Err != nil {
		if ctx.Err() != nil && !errors.Is(out.Err, miner.ErrCancelled) {
			out.Err = fmt.Errorf("%w: %w", miner.ErrCancelled, out.Err)
		}
		d.logger.Printf("[%s] %s failed (%s): %v", addr, op, miner.KindOf(out.Err), out.Err)
	}

	return out
}

func (d *Dispatcher) apply(ctx context.Context, addr netip.Addr, op Operation, payload *minerconf.Document, out *Outcome) error {
	drv, err := d.factory.Driver(ctx, addr)
	if err != nil {
		return err
	}

	switch op {
	case OpTelemetry:
		raw, err := drv.QueryTelemetry(ctx)
		if err != nil {
			return err
		}
		t, err := miner.DeriveTelemetry(addr, raw, drv.Variant())
		if err != nil {
			return err
		}
		out.Telemetry = t

	case OpReadConfig:
		doc, err := drv.ReadConfig(ctx)
		if err != nil {
			return err
		}
		out.Config = doc

	case OpPushConfig:
		return drv.WriteConfig(ctx, payload)

	case OpToggleLight, OpLightOn, OpLightOff:
		on := op == OpLightOn
		if op == OpToggleLight {
			on = !drv.FaultLight()
		}
		if err := drv.SetFaultLight(ctx, on); err != nil {
			return err
		}
		out.Light = on
	}

	return nil
}

// Telemetry reads and derives a telemetry snapshot from every address.
func (d *Dispatcher) Telemetry(ctx context.Context, addrs []netip.Addr) (Result, error) {
	return d.Dispatch(ctx, addrs, OpTelemetry, nil)
}

// ReadConfig reads the config document of every address.
func (d *Dispatcher) ReadConfig(ctx context.Context, addrs []netip.Addr) (Result, error) {
	return d.Dispatch(ctx, addrs, OpReadConfig, nil)
}

// PushConfig stamps doc once and writes the same stamped document to every
// address. doc itself is not modified.
func (d *Dispatcher) PushConfig(ctx context.Context, addrs []netip.Addr, doc *minerconf.Document) (Result, error) {
	return d.Dispatch(ctx, addrs, OpPushConfig, doc)
}

// ToggleLight flips every device's fault light relative to the state last
// set through its driver.
func (d *Dispatcher) ToggleLight(ctx context.Context, addrs []netip.Addr) (Result, error) {
	return d.Dispatch(ctx, addrs, OpToggleLight, nil)
}

// SetLight turns every device's fault light on or off.
func (d *Dispatcher) SetLight(ctx context.Context, addrs []netip.Addr, on bool) (Result, error) {
	op := OpLightOff
	if on {
		op = OpLightOn
	}
	return d.Dispatch(ctx, addrs, op, nil)
}
