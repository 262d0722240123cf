package guest

import (
	"fmt"

	"vmdisas/internal/vmerr"
)

// IdentityMap maps every memory region linearly onto itself. Pages that
// already have a linear mapping are left alone.
func (vm *VM) IdentityMap() error {
	for _, region := range vm.Mem.Regions() {
		for off := uint64(0); off < region.Size; off += PageSize {
			addr := uint64(region.Start) + off
			if _, err := vm.Space.Translate(addr); err == nil {
				continue
			}
			if err := vm.Space.Map(addr, Paddr(addr), PageSize); err != nil {
				return err
			}
		}
	}
	return nil
}

// Descriptor flags of the hypervisor code segment.
const (
	hyperCode32 = 0xc09a // G, D, present, code
	hyperCode64 = 0xa09a // G, L, present, code
)

func realModeSegment(sel uint16) SegmentValue {
	return SegmentValue{
		Base:     uint64(sel) << 4,
		Limit:    0xffff,
		Selector: sel,
		Type:     0x3,
		Present:  1,
		S:        1,
	}
}

// Boot puts cpu 0 at entry the way a loader would. Real mode guests get
// CS:IP with CS = entry>>4; protected mode guests get the flat boot GDT.
// The hypervisor context gets a flat code segment, 64-bit in long mode
// and 32-bit otherwise.
func (vm *VM) Boot(entry uint64) error {
	mode := vm.Mode()
	var ctx Context

	switch {
	case mode == ModeInvalid:
		return fmt.Errorf("boot in %s mode: %w", mode, vmerr.ErrInvalidArgument)

	case mode == ModeReal:
		if entry > 0xfffff {
			return fmt.Errorf("real mode entry %#x: %w", entry, vmerr.ErrOutOfBounds)
		}
		sel := uint16(entry >> 4)
		for seg := CS; seg < numSegments; seg++ {
			ctx.SetSegment(seg, realModeSegment(sel))
		}
		ctx.RIP = entry - uint64(sel)<<4

	default:
		gdt := BootGDT(mode.Long())
		vm.SetGDT(gdt)

		code, err := vm.LookupSelector(BootCsSelector)
		if err != nil {
			return err
		}
		data, err := vm.LookupSelector(BootDsSelector)
		if err != nil {
			return err
		}
		ctx.SetSegment(CS, FromDescriptor(BootCsSelector, code))
		for _, seg := range []Segment{DS, ES, FS, GS, SS} {
			ctx.SetSegment(seg, FromDescriptor(BootDsSelector, data))
		}
		ctx.RIP = entry

		if mode.Paged() {
			if err := vm.IdentityMap(); err != nil {
				return err
			}
		}
	}

	if err := vm.SetGuestContext(0, ctx); err != nil {
		return err
	}

	hyperFlags := uint16(hyperCode32)
	if mode.Long() {
		hyperFlags = hyperCode64
	}
	code := DecodeDescriptor(EncodeDescriptor(hyperFlags, 0, 0xfffff))
	var hyper Context
	hyper.SetSegment(CS, FromDescriptor(BootCsSelector, code))
	if vm.Hyper != nil {
		hyper.RIP = vm.Hyper.Base
	}
	vm.SetHyperContext(hyper)

	vm.SetHiddenSelRegsValid(true)
	return nil
}
