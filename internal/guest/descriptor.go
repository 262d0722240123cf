package guest

import (
	"sync"
)

// Selector bits.
const (
	SelectorRPL   = 0x3
	SelectorTI    = 0x4 // table indicator: set for the LDT
	SelectorShift = 3
)

// Boot selectors, matching the boot GDTs below.
const (
	BootCsSelector = 2 << SelectorShift
	BootDsSelector = 3 << SelectorShift
	BootTrSelector = 4 << SelectorShift
)

// Descriptor is a decoded segment descriptor. Limit is the byte limit
// with granularity already applied.
type Descriptor struct {
	Base    uint64
	Limit   uint32
	Type    uint8
	S       uint8
	Dpl     uint8
	Present uint8
	Avl     uint8
	L       uint8
	Db      uint8
	G       uint8
}

// EncodeDescriptor packs a descriptor the way the GDT expects it.
// flags carries the access byte in bits 0-7 and G/D/L/AVL in bits 12-15.
func EncodeDescriptor(flags uint16, base uint32, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<(56-24) |
		(uint64(flags)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<(48-16) |
		(uint64(base)&0x00ffffff)<<16 |
		(uint64(limit) & 0x0000ffff)
}

// DecodeDescriptor unpacks a raw 8-byte descriptor.
func DecodeDescriptor(raw uint64) Descriptor {
	access := uint8(raw >> 40)
	flags := uint8(raw>>52) & 0xf

	limit := uint32(raw&0xffff) | uint32((raw>>48)&0xf)<<16
	desc := Descriptor{
		Base:    (raw>>16)&0xffffff | (raw>>56)<<24,
		Type:    access & 0xf,
		S:       (access >> 4) & 1,
		Dpl:     (access >> 5) & 3,
		Present: access >> 7,
		Avl:     flags & 1,
		L:       (flags >> 1) & 1,
		Db:      (flags >> 2) & 1,
		G:       (flags >> 3) & 1,
	}
	if desc.G != 0 {
		limit = limit<<PageShift | PageOffsetMask
	}
	desc.Limit = limit
	return desc
}

// DescriptorTable is a GDT or LDT.
type DescriptorTable struct {
	mu      sync.RWMutex
	entries []uint64
}

func NewDescriptorTable(entries ...uint64) *DescriptorTable {
	return &DescriptorTable{entries: entries}
}

// Set stores raw at index, growing the table as needed.
func (table *DescriptorTable) Set(index int, raw uint64) {
	table.mu.Lock()
	defer table.mu.Unlock()

	for len(table.entries) <= index {
		table.entries = append(table.entries, 0)
	}
	table.entries[index] = raw
}

// Get returns the raw entry at index.
func (table *DescriptorTable) Get(index int) (uint64, bool) {
	table.mu.RLock()
	defer table.mu.RUnlock()

	if index < 0 || index >= len(table.entries) {
		return 0, false
	}
	return table.entries[index], true
}

func (table *DescriptorTable) Len() int {
	table.mu.RLock()
	defer table.mu.RUnlock()
	return len(table.entries)
}

// BootGDT builds the flat boot GDT for a 32-bit or 64-bit guest.
func BootGDT(is64 bool) *DescriptorTable {
	table := NewDescriptorTable(make([]uint64, 6)...)
	if is64 {
		table.Set(BootCsSelector>>SelectorShift, EncodeDescriptor(0xa09a, 0, 0xfffff))
		table.Set(BootDsSelector>>SelectorShift, EncodeDescriptor(0xc092, 0, 0xfffff))
		table.Set(BootTrSelector>>SelectorShift, EncodeDescriptor(0x808b, 0, 0xfffff))
	} else {
		table.Set(BootCsSelector>>SelectorShift, EncodeDescriptor(0xc09a, 0, 0xfffff))
		table.Set(BootDsSelector>>SelectorShift, EncodeDescriptor(0xc092, 0, 0xfffff))
		table.Set(BootTrSelector>>SelectorShift, EncodeDescriptor(0x8089, 0, 0x0))
	}
	return table
}
