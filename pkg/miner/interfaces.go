// Package miner defines the capability contract every device driver
// implements, the error kinds a device operation can fail with, and the
// telemetry snapshot derived from raw API responses.
// It decouples discovery and dispatch from specific hardware families.
package miner

import (
	"context"
	"net/netip"

	"github.com/powerhive/minerfleet/pkg/minerconf"
	"github.com/powerhive/minerfleet/pkg/variant"
)

// Driver is a stateful handle bound to one address and one variant.
// Implementations are built by the factory only.
type Driver interface {
	// Addr returns the device address.
	Addr() netip.Addr

	// Variant returns the hardware family this driver was classified as.
	Variant() variant.Variant

	// ReadConfig fetches the device configuration.
	ReadConfig(ctx context.Context) (*minerconf.Document, error)

	// WriteConfig replaces the device configuration.
	// The document is not modified.
	WriteConfig(ctx context.Context, doc *minerconf.Document) error

	// QueryTelemetry issues the named API commands, in one round trip
	// where the device supports multi-commands, and returns the raw
	// responses keyed by command name.
	QueryTelemetry(ctx context.Context, commands ...string) (Responses, error)

	// SetFaultLight turns the fault indicator on or off.
	SetFaultLight(ctx context.Context, on bool) error

	// FaultLight returns the last state set through this driver.
	FaultLight() bool
}

// Prober runs the identification probe against an address.
type Prober interface {
	// Identify returns what the device reports about itself.
	// It fails with ErrUnreachable or ErrProtocol.
	Identify(ctx context.Context, addr netip.Addr) (variant.Identity, error)
}

// Builder constructs a driver for a classified address.
type Builder interface {
	Build(addr netip.Addr, v variant.Variant) Driver
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(addr netip.Addr, v variant.Variant) Driver

// Build calls f.
func (f BuilderFunc) Build(addr netip.Addr, v variant.Variant) Driver {
	return f(addr, v)
}
