package guest

import (
	"fmt"
	"sync"

	"vmdisas/internal/vmerr"
)

// AddressSpace maps linear pages onto guest physical pages. It stands in
// for the guest page tables; no table walking is done.
type AddressSpace struct {
	mu    sync.RWMutex
	pages map[uint64]Paddr
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{pages: make(map[uint64]Paddr)}
}

// Map maps size bytes at linear onto physical. Addresses are page
// aligned and size is rounded up to whole pages.
func (space *AddressSpace) Map(linear uint64, physical Paddr, size uint64) error {
	if PageOffset(linear) != 0 || PageOffset(uint64(physical)) != 0 {
		return fmt.Errorf("map %#x -> %#x: %w", linear, physical, vmerr.ErrInvalidArgument)
	}

	space.mu.Lock()
	defer space.mu.Unlock()

	for off := uint64(0); off < size; off += PageSize {
		space.pages[linear+off] = physical.After(off)
	}
	return nil
}

// Unmap removes the pages covering [linear, linear+size).
func (space *AddressSpace) Unmap(linear uint64, size uint64) {
	space.mu.Lock()
	defer space.mu.Unlock()

	for off := uint64(0); off < size; off += PageSize {
		delete(space.pages, PageBase(linear+off))
	}
}

// Translate returns the physical address backing linear.
func (space *AddressSpace) Translate(linear uint64) (Paddr, error) {
	space.mu.RLock()
	defer space.mu.RUnlock()

	page, ok := space.pages[PageBase(linear)]
	if !ok {
		return 0, fmt.Errorf("linear %#x: %w", linear, vmerr.ErrPageNotPresent)
	}
	return page.After(PageOffset(linear)), nil
}

// Len returns the number of mapped pages.
func (space *AddressSpace) Len() int {
	space.mu.RLock()
	defer space.mu.RUnlock()
	return len(space.pages)
}
