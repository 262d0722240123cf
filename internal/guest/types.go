// Package guest models the parts of a virtual machine that the debugger
// needs: guest physical memory, the linear address space, the hypervisor
// heap area, virtual CPU contexts and descriptor tables.
package guest

import (
	"fmt"
	"strings"
)

// x86 paging constants.
const (
	PageShift      = 12
	PageSize       = 1 << PageShift
	PageOffsetMask = PageSize - 1
	PageBaseMask   = ^uint64(PageOffsetMask)
)

// Paddr is a guest physical address.
type Paddr uint64

func (paddr Paddr) PageBase() Paddr {
	return paddr &^ PageOffsetMask
}

func (paddr Paddr) After(length uint64) Paddr {
	return Paddr(uint64(paddr) + length)
}

func (paddr Paddr) OffsetFrom(base Paddr) uint64 {
	return uint64(paddr - base)
}

// PageBase returns the page-aligned address containing addr.
func PageBase(addr uint64) uint64 {
	return addr & PageBaseMask
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uint64) uint64 {
	return addr & PageOffsetMask
}

// PagingMode is the guest paging mode. The order matters: modes up to
// ModeProtected address memory physically, ModeAMD64 and above support
// 64-bit code segments.
type PagingMode int

const (
	ModeInvalid PagingMode = iota
	ModeReal
	ModeProtected
	Mode32Bit
	ModePAE
	ModeAMD64
)

var modeNames = []string{
	ModeInvalid:   "invalid",
	ModeReal:      "real",
	ModeProtected: "protected",
	Mode32Bit:     "32bit",
	ModePAE:       "pae",
	ModeAMD64:     "amd64",
}

func (mode PagingMode) String() string {
	if mode < 0 || int(mode) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(mode))
	}
	return modeNames[mode]
}

// Paged reports whether linear addresses go through the page tables.
func (mode PagingMode) Paged() bool {
	return mode > ModeProtected
}

// Long reports whether 64-bit code segments are possible.
func (mode PagingMode) Long() bool {
	return mode >= ModeAMD64
}

// ParsePagingMode parses the names used in configuration files.
func ParsePagingMode(s string) (PagingMode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "long", "64", "x86_64":
		return ModeAMD64, nil
	case "paged", "32":
		return Mode32Bit, nil
	}
	for mode, n := range modeNames {
		if n == name && PagingMode(mode) != ModeInvalid {
			return PagingMode(mode), nil
		}
	}
	return ModeInvalid, fmt.Errorf("unknown paging mode %q", s)
}
