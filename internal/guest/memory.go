package guest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"vmdisas/internal/vmerr"
)

// MemoryConflict is returned when a region overlaps an existing one.
var MemoryConflict = errors.New("memory region conflict")

type MemoryRegion struct {
	Start Paddr
	Size  uint64
	Name  string

	// Host backing for the region.
	user []byte
}

func (region *MemoryRegion) End() Paddr {
	return region.Start.After(region.Size)
}

func (region *MemoryRegion) Overlaps(start Paddr, size uint64) bool {
	return region.Start < start.After(size) && start < region.End()
}

func (region *MemoryRegion) Contains(start Paddr, size uint64) bool {
	return region.Start <= start && region.End() >= start.After(size)
}

// MapLock is the token handed out with every locked page mapping.
// It must be released exactly once.
type MapLock struct {
	id   uint64
	Page Paddr
}

// Valid reports whether the token refers to an acquired lock.
func (lock MapLock) Valid() bool {
	return lock.id != 0
}

// LockStats counts page mapping lock traffic.
type LockStats struct {
	Acquired uint64
	Released uint64
	Bogus    uint64 // releases of unknown or already released tokens
}

// Outstanding returns the number of locks currently held.
func (s LockStats) Outstanding() uint64 {
	return s.Acquired - s.Released
}

// Memory is the guest physical memory map.
type Memory struct {
	mu      sync.Mutex
	regions []*MemoryRegion
	held    map[uint64]Paddr
	nextID  uint64
	stats   LockStats
}

func NewMemory() *Memory {
	return &Memory{held: make(map[uint64]Paddr)}
}

// Add registers host memory user at start. Regions must be page aligned.
func (memory *Memory) Add(name string, start Paddr, user []byte) error {
	size := uint64(len(user))
	if PageOffset(uint64(start)) != 0 || PageOffset(size) != 0 || size == 0 {
		return fmt.Errorf("region %s at %#x+%#x: %w", name, start, size, vmerr.ErrInvalidArgument)
	}

	memory.mu.Lock()
	defer memory.mu.Unlock()

	for _, region := range memory.regions {
		if region.Overlaps(start, size) {
			return fmt.Errorf("region %s at %#x overlaps %s: %w", name, start, region.Name, MemoryConflict)
		}
	}

	memory.regions = append(memory.regions, &MemoryRegion{
		Start: start,
		Size:  size,
		Name:  name,
		user:  user,
	})
	sort.Slice(memory.regions, func(i, j int) bool {
		return memory.regions[i].Start < memory.regions[j].Start
	})
	return nil
}

// Allocate backs [start, start+size) with fresh zeroed memory. Both
// ends are rounded out to page boundaries.
func (memory *Memory) Allocate(name string, start Paddr, size uint64) ([]byte, error) {
	base := start.PageBase()
	end := (uint64(start) + size + PageOffsetMask) & PageBaseMask
	user := make([]byte, end-uint64(base))
	if err := memory.Add(name, base, user); err != nil {
		return nil, err
	}
	return user[start.OffsetFrom(base):], nil
}

// Regions returns a snapshot of the memory map.
func (memory *Memory) Regions() []MemoryRegion {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	out := make([]MemoryRegion, 0, len(memory.regions))
	for _, region := range memory.regions {
		out = append(out, MemoryRegion{Start: region.Start, Size: region.Size, Name: region.Name})
	}
	return out
}

// Max returns the address just past the highest region.
func (memory *Memory) Max() Paddr {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	if len(memory.regions) == 0 {
		return Paddr(0)
	}
	return memory.regions[len(memory.regions)-1].End()
}

func (memory *Memory) find(start Paddr, size uint64) *MemoryRegion {
	for _, region := range memory.regions {
		if region.Contains(start, size) {
			return region
		}
	}
	return nil
}

// Write copies data into guest memory. The range may span regions but
// every byte must be backed.
func (memory *Memory) Write(addr Paddr, data []byte) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	for len(data) > 0 {
		region := memory.find(addr, 1)
		if region == nil {
			return fmt.Errorf("write at %#x: %w", addr, vmerr.ErrPageNotPresent)
		}
		n := copy(region.user[addr.OffsetFrom(region.Start):], data)
		data = data[n:]
		addr = addr.After(uint64(n))
	}
	return nil
}

// Read copies guest memory into p.
func (memory *Memory) Read(addr Paddr, p []byte) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	for len(p) > 0 {
		region := memory.find(addr, 1)
		if region == nil {
			return fmt.Errorf("read at %#x: %w", addr, vmerr.ErrPageNotPresent)
		}
		n := copy(p, region.user[addr.OffsetFrom(region.Start):])
		p = p[n:]
		addr = addr.After(uint64(n))
	}
	return nil
}

// MapPage locks the page containing addr and returns its host view.
// The slice covers the whole page and must be treated as read-only.
func (memory *Memory) MapPage(addr Paddr) ([]byte, MapLock, error) {
	page := addr.PageBase()

	memory.mu.Lock()
	defer memory.mu.Unlock()

	region := memory.find(page, PageSize)
	if region == nil {
		return nil, MapLock{}, fmt.Errorf("phys %#x: %w", page, vmerr.ErrPageNotPresent)
	}

	memory.nextID++
	lock := MapLock{id: memory.nextID, Page: page}
	memory.held[lock.id] = page
	memory.stats.Acquired++

	off := page.OffsetFrom(region.Start)
	return region.user[off : off+PageSize : off+PageSize], lock, nil
}

// Release drops a lock obtained from MapPage.
func (memory *Memory) Release(lock MapLock) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	if _, ok := memory.held[lock.id]; !ok {
		memory.stats.Bogus++
		return
	}
	delete(memory.held, lock.id)
	memory.stats.Released++
}

// LockStats returns the lock counters.
func (memory *Memory) LockStats() LockStats {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	return memory.stats
}
