package guest

import (
	"fmt"

	"vmdisas/internal/vmerr"
)

// HyperArea is the hypervisor's own heap, mapped at a fixed linear
// address inside the guest context. Its pages are always resident and
// need no mapping lock.
type HyperArea struct {
	Base uint64
	data []byte
}

// NewHyperArea returns an area of size bytes (rounded up to pages) at base.
func NewHyperArea(base uint64, size uint64) (*HyperArea, error) {
	if PageOffset(base) != 0 || size == 0 {
		return nil, fmt.Errorf("hyper area at %#x: %w", base, vmerr.ErrInvalidArgument)
	}
	size = (size + PageOffsetMask) & PageBaseMask
	return &HyperArea{Base: base, data: make([]byte, size)}, nil
}

func (area *HyperArea) Size() uint64 {
	return uint64(len(area.data))
}

// Contains reports whether addr lies inside the area.
func (area *HyperArea) Contains(addr uint64) bool {
	return area != nil && addr >= area.Base && addr-area.Base < area.Size()
}

// Page returns the host view of the page containing addr.
func (area *HyperArea) Page(addr uint64) ([]byte, error) {
	if !area.Contains(addr) {
		return nil, fmt.Errorf("hyper %#x: %w", addr, vmerr.ErrAddressTranslation)
	}
	off := PageBase(addr) - area.Base
	return area.data[off : off+PageSize : off+PageSize], nil
}

// Write copies data into the area at addr.
func (area *HyperArea) Write(addr uint64, data []byte) error {
	if !area.Contains(addr) || uint64(len(data)) > area.Size()-(addr-area.Base) {
		return fmt.Errorf("hyper write at %#x: %w", addr, vmerr.ErrOutOfBounds)
	}
	copy(area.data[addr-area.Base:], data)
	return nil
}
