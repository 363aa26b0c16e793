// Package dma provides the DMA-visible memory the engine places its
// descriptors in, and a bus model that maps device addresses back to host
// buffers.
package dma

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnmapped is returned when an address range is not backed by any region.
var ErrUnmapped = errors.New("dma: address not mapped")

// PageSize is the allocation granularity of the bus.
const PageSize = 4096

// A Region is a piece of memory visible to the device at Base.
type Region struct {
	Base uint64
	Buf  []byte
}

// Size returns the length of the region in bytes.
func (r Region) Size() int {
	return len(r.Buf)
}

// End returns the first device address after the region.
func (r Region) End() uint64 {
	return r.Base + uint64(len(r.Buf))
}

// Contains tells if [addr, addr+n) lies within the region.
func (r Region) Contains(addr uint64, n int) bool {
	return addr >= r.Base && addr+uint64(n) <= r.End()
}

// An Allocator hands out coherent memory that both the CPU and the
// controller can access without explicit cache maintenance.
type Allocator interface {
	AllocCoherent(size int) (Region, error)
	FreeCoherent(r Region)
}

// A Bus is a flat device address space. Coherent allocations and mapped
// host buffers are assigned page-aligned device addresses, and a device model
// can resolve any address back to the backing bytes.
type Bus struct {
	lock    sync.RWMutex
	next    uint64
	limit   uint64
	regions []Region
}

// NewBus creates a bus whose addresses start at base. Addresses never reach
// limit; a zero limit means the full 64-bit space.
func NewBus(base, limit uint64) *Bus {
	if limit == 0 {
		limit = ^uint64(0)
	}

	return &Bus{next: alignUp(base), limit: limit}
}

func alignUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// AllocCoherent allocates zeroed memory on the bus.
func (b *Bus) AllocCoherent(size int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("dma: invalid allocation size %d", size)
	}

	return b.Map(make([]byte, size))
}

// FreeCoherent removes a region from the bus.
func (b *Bus) FreeCoherent(r Region) {
	b.Unmap(r)
}

// Map assigns a device address to an existing host buffer.
func (b *Bus) Map(buf []byte) (Region, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	base := b.next
	end := base + uint64(len(buf))
	if end < base || end > b.limit {
		return Region{}, fmt.Errorf(
			"dma: mapping %d bytes exceeds bus limit %#x", len(buf), b.limit)
	}

	r := Region{Base: base, Buf: buf}
	b.regions = append(b.regions, r)
	b.next = alignUp(end)

	return r, nil
}

// Unmap removes a region. Unknown regions are ignored.
func (b *Bus) Unmap(r Region) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for i, m := range b.regions {
		if m.Base == r.Base {
			b.regions = append(b.regions[:i], b.regions[i+1:]...)
			return
		}
	}
}

// Resolve returns the n bytes backing [addr, addr+n). The range must lie in
// a single region.
func (b *Bus) Resolve(addr uint64, n int) ([]byte, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	for _, r := range b.regions {
		if r.Contains(addr, n) {
			off := addr - r.Base
			return r.Buf[off : off+uint64(n)], nil
		}
	}

	return nil, fmt.Errorf("%w: [%#x, %#x)", ErrUnmapped, addr, addr+uint64(n))
}
