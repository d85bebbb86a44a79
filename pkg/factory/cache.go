// Package factory classifies addresses into drivers and caches them.
package factory

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/powerhive/minerfleet/pkg/miner"
)

// Cache maps addresses to drivers. It is created once per session and
// handed to the factory; nothing else mutates it.
//
// Each address has its own slot lock, so constructing a driver for one
// address never blocks lookups or construction for another.
type Cache struct {
	mu    sync.Mutex
	slots map[netip.Addr]*slot
}

// slot holds one address's driver. sem is a one-token lock that can be
// abandoned on context cancellation.
type slot struct {
	sem    chan struct{}
	driver miner.Driver
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		slots: make(map[netip.Addr]*slot),
	}
}

// slot returns the slot for addr, creating it if needed.
func (c *Cache) slot(addr netip.Addr) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[addr]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		c.slots[addr] = s
	}
	return s
}

// lookup returns the slot for addr without creating it.
func (c *Cache) lookup(addr netip.Addr) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[addr]
}

func (s *slot) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) unlock() {
	<-s.sem
}

// Get returns the cached driver for addr, waiting for any construction of
// that address in progress.
func (c *Cache) Get(addr netip.Addr) (miner.Driver, bool) {
	s := c.lookup(addr)
	if s == nil {
		return nil, false
	}

	s.sem <- struct{}{}
	defer s.unlock()

	return s.driver, s.driver != nil
}

// Invalidate drops the driver for addr so the next request reclassifies it.
func (c *Cache) Invalidate(addr netip.Addr) {
	s := c.lookup(addr)
	if s == nil {
		return
	}

	s.sem <- struct{}{}
	s.driver = nil
	s.unlock()
}

// Len returns the number of cached drivers.
func (c *Cache) Len() int {
	return len(c.Addrs())
}

// Addrs returns the cached addresses in ascending order.
func (c *Cache) Addrs() []netip.Addr {
	c.mu.Lock()
	slots := make(map[netip.Addr]*slot, len(c.slots))
	for a, s := range c.slots {
		slots[a] = s
	}
	c.mu.Unlock()

	var addrs []netip.Addr
	for a, s := range slots {
		s.sem <- struct{}{}
		if s.driver != nil {
			addrs = append(addrs, a)
		}
		s.unlock()
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}
