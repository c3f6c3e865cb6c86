package pimp

import (
	"log"

	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"
)

// Region represents a contiguous run of cached process memory.
type Region struct {
	Start uint64
	Data  []byte
}

// End returns the address just past the last byte of the region.
func (r *Region) End() uint64 {
	return r.Start + uint64(len(r.Data))
}

// Contains returns true if addr is within the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// MemoryCache is a lazily populated copy of process memory. Regions are
// indexed by start address and never overlap.
type MemoryCache struct {
	provider Provider
	regions  *immutable.SortedMap[uint64, *Region]

	maps       []MemoryMap
	mapsLoaded bool
}

// NewMemoryCache returns a new, empty cache backed by p.
func NewMemoryCache(p Provider) *MemoryCache {
	return &MemoryCache{
		provider: p,
		regions:  immutable.NewSortedMap[uint64, *Region](nil),
	}
}

// Len returns the number of regions in the cache.
func (c *MemoryCache) Len() int {
	return c.regions.Len()
}

// Regions returns the cached regions ordered by start address.
func (c *MemoryCache) Regions() []*Region {
	a := make([]*Region, 0, c.regions.Len())
	itr := c.regions.Iterator()
	for !itr.Done() {
		_, r, _ := itr.Next()
		a = append(a, r)
	}
	return a
}

// Read returns the cached byte at addr.
func (c *MemoryCache) Read(addr uint64) (byte, bool) {
	r := c.regionAt(addr)
	if r == nil {
		return 0, false
	}
	return r.Data[addr-r.Start], true
}

// regionAt returns the region containing addr, if any.
func (c *MemoryCache) regionAt(addr uint64) *Region {
	itr := c.regions.Iterator()
	itr.Seek(addr)
	if itr.Done() {
		itr.Last()
	}
	for !itr.Done() {
		start, r, _ := itr.Prev()
		if start > addr {
			continue
		}
		if r.Contains(addr) {
			return r
		}
		return nil
	}
	return nil
}

// nextStart returns the start of the first region at or after addr.
func (c *MemoryCache) nextStart(addr uint64) (uint64, bool) {
	itr := c.regions.Iterator()
	itr.Seek(addr)
	if itr.Done() {
		return 0, false
	}
	start, _, _ := itr.Next()
	return start, true
}

// FaultIn fetches the uncached part of [addr, addr+size) starting at the
// first missing byte and records it as a new region. The range is clamped to
// the memory map containing that byte when maps are available. Returns the
// region holding addr.
func (c *MemoryCache) FaultIn(addr uint64, size int) (*Region, error) {
	start, end := addr, addr+uint64(size)
	for start < end {
		r := c.regionAt(start)
		if r == nil {
			break
		}
		start = r.End()
	}
	if start >= end {
		return c.regionAt(addr), nil
	}
	if next, ok := c.nextStart(start); ok && next < end {
		end = next
	}

	if err := c.loadMaps(); err != nil {
		return nil, err
	}
	if len(c.maps) > 0 {
		m := c.mapAt(start)
		if m == nil {
			return nil, errors.Wrapf(ErrUnmappedAddress, "fault 0x%x", start)
		}
		if end > m.End {
			end = m.End
		}
	}

	data, err := c.provider.ReadMemory(start, int(end-start))
	if err != nil {
		return nil, errors.Wrapf(err, "fault 0x%x", start)
	} else if len(data) == 0 {
		return nil, errors.Wrapf(ErrUnmappedAddress, "fault 0x%x", start)
	}

	r := &Region{Start: start, Data: data}
	c.regions = c.regions.Set(start, r)
	log.Printf("[cache] fault: addr=0x%x size=%d", start, len(data))

	if start == addr {
		return r, nil
	}
	return c.regionAt(addr), nil
}

func (c *MemoryCache) loadMaps() error {
	if c.mapsLoaded {
		return nil
	}
	maps, err := c.provider.MemoryMaps()
	if err != nil {
		return errors.Wrap(err, "memory maps")
	}
	c.maps, c.mapsLoaded = maps, true
	return nil
}

func (c *MemoryCache) mapAt(addr uint64) *MemoryMap {
	for i := range c.maps {
		if c.maps[i].Contains(addr) {
			return &c.maps[i]
		}
	}
	return nil
}

// ApplyModel overwrites the cached byte at addr with a solver-provided value.
func (c *MemoryCache) ApplyModel(addr uint64, value byte) error {
	r := c.regionAt(addr)
	if r == nil {
		return errors.Wrapf(ErrUnmappedAddress, "apply 0x%x", addr)
	}

	other := &Region{Start: r.Start, Data: make([]byte, len(r.Data))}
	copy(other.Data, r.Data)
	other.Data[addr-r.Start] = value
	c.regions = c.regions.Set(other.Start, other)

	log.Printf("[cache] apply: addr=0x%x value=0x%02x", addr, value)
	return nil
}

// Resync re-fetches every region from the provider.
func (c *MemoryCache) Resync() error {
	regions := immutable.NewSortedMap[uint64, *Region](nil)
	for _, r := range c.Regions() {
		data, err := c.provider.ReadMemory(r.Start, len(r.Data))
		if err != nil {
			return errors.Wrapf(err, "resync 0x%x", r.Start)
		}
		regions = regions.Set(r.Start, &Region{Start: r.Start, Data: data})
	}
	c.regions = regions
	c.maps, c.mapsLoaded = nil, false

	log.Printf("[cache] resync: regions=%d", regions.Len())
	return nil
}
