package guest

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"syscall"
)

// Image is a guest image read from an ELF file.
type Image struct {
	Path    string
	File    *elf.File
	All     []byte
	Loads   []Seg
	Entry   uint64
	Is64    bool
	Symbols []Symbol
	f       *os.File
}

type Seg struct {
	Vaddr, Paddr, Off, Filesz, Memsz uint64
	Flags                            elf.ProgFlag
}

type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// OpenELF maps path read-only and collects its PT_LOAD segments and
// function symbols.
func OpenELF(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{
		Path:  path,
		File:  f,
		All:   all,
		Entry: f.Entry,
		Is64:  f.Class == elf.ELFCLASS64,
		f:     of,
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Flags:  p.Flags,
		})
	}
	im.loadSymbols()
	return im, nil
}

func (im *Image) loadSymbols() {
	seen := make(map[uint64]bool)
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Value == 0 || s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			if seen[s.Value] {
				continue
			}
			seen[s.Value] = true
			im.Symbols = append(im.Symbols, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
		}
	}

	// Static symbols win over dynamic ones at the same address.
	if syms, err := im.File.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := im.File.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.Slice(im.Symbols, func(i, j int) bool { return im.Symbols[i].Addr < im.Symbols[j].Addr })
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// VA2Off translates a virtual address into a file offset using the
// PT_LOAD segments. It returns false if va has no file backing.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

type span struct{ start, end uint64 }

// mergeSpans rounds every span out to pages and merges overlaps.
func mergeSpans(spans []span) []span {
	for i := range spans {
		spans[i].start = PageBase(spans[i].start)
		spans[i].end = (spans[i].end + PageOffsetMask) & PageBaseMask
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var out []span
	for _, s := range spans {
		if n := len(out); n > 0 && s.start <= out[n-1].end {
			out[n-1].end = max(out[n-1].end, s.end)
			continue
		}
		out = append(out, s)
	}
	return out
}

// Load copies the image into vm memory at its physical addresses and
// maps each segment at its virtual address.
func (im *Image) Load(vm *VM) error {
	spans := make([]span, 0, len(im.Loads))
	for _, l := range im.Loads {
		phys := l.physical()
		spans = append(spans, span{phys, phys + l.Memsz})
	}
	for _, s := range mergeSpans(spans) {
		if _, err := vm.Mem.Allocate(fmt.Sprintf("%s@%#x", im.Path, s.start), Paddr(s.start), s.end-s.start); err != nil {
			return err
		}
	}

	for _, l := range im.Loads {
		phys := l.physical()
		if l.Off+l.Filesz > uint64(len(im.All)) {
			return fmt.Errorf("segment at %#x beyond end of file", l.Vaddr)
		}
		if err := vm.Mem.Write(Paddr(phys), im.All[l.Off:l.Off+l.Filesz]); err != nil {
			return err
		}
		if PageOffset(l.Vaddr) != PageOffset(phys) {
			return fmt.Errorf("segment at %#x: vaddr and paddr disagree on page offset", l.Vaddr)
		}
		size := PageBase(l.Vaddr+l.Memsz+PageOffsetMask) - PageBase(l.Vaddr)
		if err := vm.Space.Map(PageBase(l.Vaddr), Paddr(phys).PageBase(), size); err != nil {
			return err
		}
	}
	return nil
}

func (l Seg) physical() uint64 {
	if l.Paddr != 0 {
		return l.Paddr
	}
	return l.Vaddr
}

// LoadRaw copies a flat binary to at and maps it linearly onto itself.
func LoadRaw(vm *VM, data []byte, at Paddr) error {
	if len(data) == 0 {
		return fmt.Errorf("empty image")
	}
	user, err := vm.Mem.Allocate(fmt.Sprintf("raw@%#x", uint64(at)), at, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(user, data)

	base := at.PageBase()
	size := (uint64(at) + uint64(len(data)) + PageOffsetMask) & PageBaseMask
	return vm.Space.Map(uint64(base), base, size-uint64(base))
}
