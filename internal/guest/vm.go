package guest

import (
	"fmt"
	"sync"

	"vmdisas/internal/vmerr"
)

// VM bundles the guest state the debugger reads. It is safe for use by
// several goroutines; each accessor takes the locks it needs.
type VM struct {
	Mem   *Memory
	Space *AddressSpace
	Hyper *HyperArea

	mu          sync.RWMutex
	mode        PagingMode
	hiddenValid bool
	cpus        []Context
	hyperCtx    Context
	gdt         *DescriptorTable
	ldt         *DescriptorTable
}

// New returns an empty VM with ncpu virtual CPUs.
func New(mode PagingMode, ncpu int) *VM {
	if ncpu < 1 {
		ncpu = 1
	}
	return &VM{
		Mem:   NewMemory(),
		Space: NewAddressSpace(),
		mode:  mode,
		cpus:  make([]Context, ncpu),
		gdt:   NewDescriptorTable(0),
	}
}

func (vm *VM) Mode() PagingMode {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.mode
}

func (vm *VM) SetMode(mode PagingMode) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.mode = mode
}

// HiddenSelRegsValid reports whether the hidden segment caches in the
// CPU contexts are up to date.
func (vm *VM) HiddenSelRegsValid() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.hiddenValid
}

func (vm *VM) SetHiddenSelRegsValid(valid bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.hiddenValid = valid
}

func (vm *VM) NumCPUs() int {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return len(vm.cpus)
}

// GuestContext returns a copy of the register state of a virtual CPU.
func (vm *VM) GuestContext(cpu int) (Context, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	if cpu < 0 || cpu >= len(vm.cpus) {
		return Context{}, fmt.Errorf("cpu %d: %w", cpu, vmerr.ErrInvalidArgument)
	}
	return vm.cpus[cpu], nil
}

func (vm *VM) SetGuestContext(cpu int, ctx Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if cpu < 0 || cpu >= len(vm.cpus) {
		return fmt.Errorf("cpu %d: %w", cpu, vmerr.ErrInvalidArgument)
	}
	vm.cpus[cpu] = ctx
	return nil
}

// HyperContext returns a copy of the hypervisor register state.
func (vm *VM) HyperContext() Context {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.hyperCtx
}

func (vm *VM) SetHyperContext(ctx Context) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.hyperCtx = ctx
}

func (vm *VM) SetGDT(table *DescriptorTable) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.gdt = table
}

func (vm *VM) SetLDT(table *DescriptorTable) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.ldt = table
}

func (vm *VM) GDT() *DescriptorTable {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.gdt
}

// LookupSelector walks the GDT or LDT for sel.
func (vm *VM) LookupSelector(sel uint16) (Descriptor, error) {
	vm.mu.RLock()
	table := vm.gdt
	if sel&SelectorTI != 0 {
		table = vm.ldt
	}
	vm.mu.RUnlock()

	index := int(sel >> SelectorShift)
	if table == nil || (sel&SelectorTI == 0 && index == 0) {
		return Descriptor{}, fmt.Errorf("sel %04x: %w", sel, vmerr.ErrSelectorNotFound)
	}

	raw, ok := table.Get(index)
	if !ok {
		return Descriptor{}, fmt.Errorf("sel %04x beyond table: %w", sel, vmerr.ErrSelectorNotFound)
	}
	desc := DecodeDescriptor(raw)
	if desc.Present == 0 {
		return Descriptor{}, fmt.Errorf("sel %04x not present: %w", sel, vmerr.ErrSelectorNotFound)
	}
	return desc, nil
}

//
// Host mapping of guest memory.
//

// InHyperArea reports whether addr lies in the hypervisor heap.
func (vm *VM) InHyperArea(addr uint64) bool {
	return vm.Hyper.Contains(addr)
}

// HyperToHost returns the host view of a hypervisor heap page. No lock
// is involved.
func (vm *VM) HyperToHost(addr uint64) ([]byte, error) {
	return vm.Hyper.Page(addr)
}

// PhysToHostReadOnly maps the guest physical page containing addr.
func (vm *VM) PhysToHostReadOnly(addr uint64) ([]byte, MapLock, error) {
	page, lock, err := vm.Mem.MapPage(Paddr(addr))
	if err != nil {
		return nil, MapLock{}, fmt.Errorf("%w: %w", vmerr.ErrAddressTranslation, err)
	}
	return page, lock, nil
}

// LinearToHostReadOnly translates addr through the address space and
// maps the resulting physical page.
func (vm *VM) LinearToHostReadOnly(addr uint64) ([]byte, MapLock, error) {
	phys, err := vm.Space.Translate(addr)
	if err != nil {
		return nil, MapLock{}, fmt.Errorf("%w: %w", vmerr.ErrAddressTranslation, err)
	}
	return vm.PhysToHostReadOnly(uint64(phys))
}

// ReleaseMapLock releases a lock from PhysToHostReadOnly or
// LinearToHostReadOnly.
func (vm *VM) ReleaseMapLock(lock MapLock) {
	vm.Mem.Release(lock)
}
