package driver

import (
	"net/netip"
	"time"

	"github.com/powerhive/minerfleet/pkg/bos"
	"github.com/powerhive/minerfleet/pkg/cgminer"
	"github.com/powerhive/minerfleet/pkg/miner"
	"github.com/powerhive/minerfleet/pkg/variant"
)

// Builder creates Devices with real network clients.
// It implements miner.Builder for the factory.
type Builder struct {
	port    int
	timeout time.Duration
	shell   Shell
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithAPIPort sets the control API port of built devices.
func WithAPIPort(port int) BuilderOption {
	return func(b *Builder) {
		b.port = port
	}
}

// WithAPITimeout sets the control API timeout of built devices.
func WithAPITimeout(timeout time.Duration) BuilderOption {
	return func(b *Builder) {
		b.timeout = timeout
	}
}

// WithShell sets the remote shell used by bosminer devices.
func WithShell(shell Shell) BuilderOption {
	return func(b *Builder) {
		b.shell = shell
	}
}

// NewBuilder creates a builder. Without WithShell, bosminer devices use
// SSH with the stock root login.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		port:    cgminer.DefaultPort,
		timeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.shell == nil {
		b.shell = bos.NewShell(bos.NewSSH(bos.WithTimeout(b.timeout)))
	}

	return b
}

// Build creates the driver for a classified address.
// Implements miner.Builder.
func (b *Builder) Build(addr netip.Addr, v variant.Variant) miner.Driver {
	api := cgminer.NewClient(addr, cgminer.WithPort(b.port), cgminer.WithTimeout(b.timeout))

	var shell Shell
	if v.Dialect == variant.DialectBOSminer {
		shell = b.shell
	}

	return NewDevice(addr, v, api, shell)
}

// Ensure Builder implements miner.Builder.
var _ miner.Builder = (*Builder)(nil)
