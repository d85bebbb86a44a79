package factory

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/powerhive/minerfleet/pkg/miner"
	"github.com/powerhive/minerfleet/pkg/variant"
)

// ErrInvalidAddress is returned for the zero netip.Addr.
var ErrInvalidAddress = errors.New("invalid address")

// Factory returns a driver per address, probing and classifying only the
// first time an address is seen.
type Factory struct {
	cache    *Cache
	prober   miner.Prober
	registry *variant.Registry
	builder  miner.Builder
}

// New creates a factory over an existing cache.
func New(cache *Cache, prober miner.Prober, registry *variant.Registry, builder miner.Builder) *Factory {
	return &Factory{
		cache:    cache,
		prober:   prober,
		registry: registry,
		builder:  builder,
	}
}

// Driver returns the driver for addr.
//
// A cached address returns immediately with no network I/O. Otherwise the
// address's slot is locked, the device is probed and classified, and the
// new driver is cached. Concurrent callers for the same address wait for
// that one construction and share its driver.
func (f *Factory) Driver(ctx context.Context, addr netip.Addr) (miner.Driver, error) {
	if !addr.IsValid() {
		return nil, ErrInvalidAddress
	}

	s := f.cache.slot(addr)
	if err := s.lock(ctx); err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", addr, err)
	}
	defer s.unlock()

	if s.driver != nil {
		return s.driver, nil
	}

	id, err := f.prober.Identify(ctx, addr)
	if err != nil {
		return nil, err
	}

	v, ok := f.registry.Classify(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s reported model %q dialect %q",
			miner.ErrUnclassifiable, addr, id.Model, id.Dialect)
	}

	s.driver = f.builder.Build(addr, v)
	return s.driver, nil
}

// Invalidate drops the cached driver for addr.
func (f *Factory) Invalidate(addr netip.Addr) {
	f.cache.Invalidate(addr)
}

// Cached reports whether addr has a cached driver.
func (f *Factory) Cached(addr netip.Addr) bool {
	_, ok := f.cache.Get(addr)
	return ok
}

// Cache returns the factory's cache.
func (f *Factory) Cache() *Cache {
	return f.cache
}
