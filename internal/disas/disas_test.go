package disas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vmdisas/internal/guest"
	"vmdisas/internal/selector"
	"vmdisas/internal/vmerr"
)

// flatVM returns an unbooted VM in mode with code copied to at.
func flatVM(t *testing.T, mode guest.PagingMode, code []byte, at guest.Paddr) *guest.VM {
	t.Helper()
	vm := guest.New(mode, 1)
	if err := guest.LoadRaw(vm, code, at); err != nil {
		t.Fatal(err)
	}
	return vm
}

// bootedVM returns a VM booted at entry with code copied there.
func bootedVM(t *testing.T, mode guest.PagingMode, code []byte, entry uint64) *guest.VM {
	t.Helper()
	vm := flatVM(t, mode, code, guest.Paddr(entry))
	if err := vm.Boot(entry); err != nil {
		t.Fatal(err)
	}
	return vm
}

func cstring(out []byte) string {
	if i := bytes.IndexByte(out, 0); i >= 0 {
		return string(out[:i])
	}
	return string(out)
}

func checkLocks(t *testing.T, vm *guest.VM) {
	t.Helper()
	stats := vm.Mem.LockStats()
	if stats.Outstanding() != 0 || stats.Bogus != 0 {
		t.Errorf("page locks unbalanced: %+v", stats)
	}
}

func TestFlatNop(t *testing.T) {
	vm := flatVM(t, guest.Mode32Bit, []byte{0x90}, 0x1000)
	out := make([]byte, 128)

	status, n := DisasInstrEx(vm, selector.SelFlat, 0x1000, 0, out)
	if status != vmerr.Success || n != 1 {
		t.Fatalf("DisasInstrEx = %v, %d, want success, 1 (%q)", status, n, cstring(out))
	}
	line := cstring(out)
	if !strings.Contains(line, "00001000") || !strings.Contains(line, "nop") {
		t.Errorf("line = %q, want address 00001000 and nop", line)
	}
	if want := "00001000 90" + strings.Repeat(" ", 21) + " nop"; line != want {
		t.Errorf("line = %q, want %q", line, want)
	}
	checkLocks(t, vm)
}

func TestRealModeWrap(t *testing.T) {
	vm := guest.New(guest.ModeReal, 1)
	bios, err := vm.Mem.Allocate("bios", 0xf0000, 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	bios[0xffff] = 0xeb // jmp short $
	bios[0x0000] = 0xfe

	out := make([]byte, 128)
	status, n := DisasInstrEx(vm, 0xf000, 0xffff, NoBytes|NoSymbols, out)
	if status != vmerr.Success {
		t.Fatalf("status = %v (%q), want success", status, cstring(out))
	}
	if n != 2 {
		t.Errorf("length = %d, want 2", n)
	}
	if line := cstring(out); line != "f000:ffff  jmp 0xffff" {
		t.Errorf("line = %q", line)
	}
	if stats := vm.Mem.LockStats(); stats.Acquired != 2 {
		t.Errorf("pages mapped = %d, want 2 (0xff000 then 0xf0000)", stats.Acquired)
	}
	checkLocks(t, vm)
}

func TestSelectorNotFound(t *testing.T) {
	vm := bootedVM(t, guest.Mode32Bit, []byte{0x90}, 0x1000)
	vm.SetHiddenSelRegsValid(false)
	out := make([]byte, 128)

	status, n := DisasInstrEx(vm, 0x0238, 0x1000, 0, out)
	if status != vmerr.SelectorNotFound || n != 0 {
		t.Fatalf("DisasInstrEx = %v, %d, want selector not found", status, n)
	}
	if line := cstring(out); !strings.HasPrefix(line, "Sel=0238 -> ") {
		t.Errorf("line = %q, want Sel=0238 diagnostic", line)
	}
	checkLocks(t, vm)
}

func TestPageCrossingInstruction(t *testing.T) {
	vm := bootedVM(t, guest.Mode32Bit, []byte{0x0f, 0x1f, 0x00}, 0x1ffe)
	out := make([]byte, 128)

	status, n := DisasInstrEx(vm, guest.BootCsSelector, 0x1ffe, NoSymbols, out)
	if status != vmerr.Success || n != 3 {
		t.Fatalf("DisasInstrEx = %v, %d (%q), want success, 3", status, n, cstring(out))
	}
	if line := cstring(out); !strings.HasPrefix(line, "0010:00001ffe 0f 1f 00 ") {
		t.Errorf("line = %q", line)
	}
	if stats := vm.Mem.LockStats(); stats.Acquired != 2 {
		t.Errorf("pages mapped = %d, want 2", stats.Acquired)
	}
	checkLocks(t, vm)
}

func TestTranslationFailureReleasesLock(t *testing.T) {
	// 0x0f needs a second byte which lives on an unmapped page.
	vm := bootedVM(t, guest.Mode32Bit, []byte{0x0f}, 0x1fff)
	out := make([]byte, 128)

	status, _ := DisasInstrEx(vm, guest.BootCsSelector, 0x1fff, 0, out)
	if status != vmerr.AddressTranslation {
		t.Fatalf("status = %v (%q), want address translation", status, cstring(out))
	}
	if line := cstring(out); !strings.HasPrefix(line, "Disas -> ") {
		t.Errorf("line = %q, want Disas diagnostic", line)
	}
	checkLocks(t, vm)
}

func TestSegmentLimit(t *testing.T) {
	vm := bootedVM(t, guest.Mode32Bit, []byte{0x0f, 0x1f, 0x00, 0x90}, 0x0fff)
	gdt := vm.GDT()
	const smallCS = 5 << guest.SelectorShift
	gdt.Set(5, guest.EncodeDescriptor(0x409a, 0, 0x1000))

	tests := []struct {
		name   string
		ptr    uint64
		status vmerr.Status
	}{
		{"last byte inside limit", 0x1000, vmerr.Success}, // pop ds
		{"beyond limit", 0x1001, vmerr.OutOfBounds},
		{"straddles limit", 0x0fff, vmerr.OutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make([]byte, 128)
			status, _ := DisasInstrEx(vm, smallCS, tt.ptr, 0, out)
			if status != tt.status {
				t.Errorf("status = %v (%q), want %v", status, cstring(out), tt.status)
			}
			checkLocks(t, vm)
		})
	}
}

// failingDecoder reads the requested bytes and then rejects them.
type failingDecoder struct{ read int }

func (f failingDecoder) Decode(r ByteReader, off uint64, bits int) (Decoded, error) {
	buf := make([]byte, f.read)
	if err := r.ReadAt(off, buf); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("rejected: %w", vmerr.ErrDecodeFailure)
}

func TestDecodeFailureReleasesLock(t *testing.T) {
	vm := bootedVM(t, guest.Mode32Bit, make([]byte, 2*guest.PageSize), 0x1000)
	d := New(vm, WithDecoder(failingDecoder{read: 0x1100}))

	inst, err := d.Disas(context.Background(), guest.BootCsSelector, 0x1000, 0)
	if !errors.Is(err, vmerr.ErrDecodeFailure) || !IsDecodeFailure(err) {
		t.Fatalf("error = %v, want decode failure", err)
	}
	if !strings.HasPrefix(inst.Line, "Disas -> ") {
		t.Errorf("line = %q", inst.Line)
	}
	checkLocks(t, vm)
}

func TestDecodeFailureBytes(t *testing.T) {
	vm := flatVM(t, guest.Mode32Bit, []byte{0xde, 0xad}, 0x1000)
	d := New(vm, WithDecoder(failingDecoder{read: 2}))

	tests := []struct {
		name  string
		flags Flags
		want  string
	}{
		{"bytes", 0, "Disas -> de ad: rejected: invalid instruction"},
		{"no bytes", NoBytes, "Disas -> rejected: invalid instruction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := d.Disas(context.Background(), selector.SelFlat, 0x1000, tt.flags)
			if !IsDecodeFailure(err) {
				t.Fatalf("error = %v, want decode failure", err)
			}
			if inst.Line != tt.want {
				t.Errorf("line = %q, want %q", inst.Line, tt.want)
			}
		})
	}
	checkLocks(t, vm)
}

func TestCurrentContext(t *testing.T) {
	vm := bootedVM(t, guest.ModeAMD64, []byte{0x48, 0x89, 0xe5}, 0x100000)
	d := New(vm)

	line, err := d.InstrCurrent(context.Background())
	if err != nil {
		t.Fatalf("InstrCurrent: %v (%q)", err, line)
	}
	if !strings.HasPrefix(line, "0010:0000000000100000 48 89 e5 ") || !strings.HasSuffix(line, "mov rbp, rsp") {
		t.Errorf("line = %q", line)
	}
	checkLocks(t, vm)
}

func TestCurrentHyper(t *testing.T) {
	tests := []struct {
		name string
		mode guest.PagingMode
		base uint64
		code []byte
		len  int
		want string
	}{
		{"long mode", guest.ModeAMD64, 0xffff8000, []byte{0xc3}, 1, "0010:00000000ffff8000  ret"},
		{"32-bit", guest.Mode32Bit, 0xa0000000, []byte{0xb8, 0x01, 0x00, 0x00, 0x00}, 5, "0010:a0000000  mov eax, 0x1"},
		{"pae", guest.ModePAE, 0xa0000000, []byte{0xb8, 0x01, 0x00, 0x00, 0x00}, 5, "0010:a0000000  mov eax, 0x1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := bootedVM(t, tt.mode, []byte{0x90}, 0x100000)
			hyper, err := guest.NewHyperArea(tt.base, guest.PageSize)
			if err != nil {
				t.Fatal(err)
			}
			if err := hyper.Write(tt.base, tt.code); err != nil {
				t.Fatal(err)
			}
			vm.Hyper = hyper
			if err := vm.Boot(0x100000); err != nil {
				t.Fatal(err)
			}

			out := make([]byte, 128)
			n, err := New(vm).InstrEx(context.Background(), 0, 0, CurrentHyper|NoBytes, out)
			if err != nil || n != tt.len {
				t.Fatalf("InstrEx = %d, %v (%q), want length %d", n, err, cstring(out), tt.len)
			}
			if line := cstring(out); line != tt.want {
				t.Errorf("line = %q, want %q", line, tt.want)
			}
			if stats := vm.Mem.LockStats(); stats.Acquired != 0 {
				t.Errorf("hyper area read took %d page locks", stats.Acquired)
			}
		})
	}
}

func TestFailureLogNamesOrigin(t *testing.T) {
	// No hyper area: the hypervisor RIP points at unmapped memory.
	vm := bootedVM(t, guest.ModeAMD64, []byte{0x90}, 0x100000)

	tests := []struct {
		name  string
		flags Flags
		sel   uint16
		ptr   uint64
		want  string
	}{
		{"hyper", CurrentHyper, 0, 0, "hyper=true"},
		{"guest", 0, guest.BootCsSelector, 0x900000, "hyper=false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			d := New(vm, WithLogger(logger))

			if _, err := d.Disas(context.Background(), tt.sel, tt.ptr, tt.flags); !errors.Is(err, vmerr.ErrAddressTranslation) {
				t.Fatalf("error = %v, want address translation", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("log = %q, want %s", buf.String(), tt.want)
			}
			checkLocks(t, vm)
		})
	}
}

type fakeSymbols map[uint64]string

func (f fakeSymbols) Lookup(addr uint64) (string, uint64, error) {
	for start, name := range f {
		if addr >= start && addr < start+0x10 {
			return name, start, nil
		}
	}
	return "", 0, vmerr.ErrSymbolNotFound
}

func TestSymbols(t *testing.T) {
	// call rel32 to 0x1010.
	vm := flatVM(t, guest.Mode32Bit, []byte{0xe8, 0x0b, 0x00, 0x00, 0x00}, 0x1000)
	d := New(vm, WithSymbols(fakeSymbols{0x1010: "target"}))

	tests := []struct {
		name  string
		flags Flags
		want  string
	}{
		{"resolved", NoBytes | NoAddress, "call target"},
		{"disabled", NoBytes | NoAddress | NoSymbols, "call 0x1010"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := d.Disas(context.Background(), selector.SelFlat, 0x1000, tt.flags)
			if err != nil {
				t.Fatal(err)
			}
			if inst.Line != tt.want {
				t.Errorf("line = %q, want %q", inst.Line, tt.want)
			}
		})
	}
}

func TestRange(t *testing.T) {
	vm := flatVM(t, guest.Mode32Bit, []byte{0x90, 0x0f, 0x1f, 0x00, 0xc3}, 0x1000)
	d := New(vm)

	stream, err := d.Range(context.Background(), selector.SelFlat, 0x1000, 3, NoBytes)
	if err != nil {
		t.Fatal(err)
	}
	var ops []string
	var offs []uint64
	for _, inst := range stream {
		ops = append(ops, inst.Op)
		offs = append(offs, inst.Off)
	}
	if diff := cmp.Diff([]string{"nop", "nop", "ret"}, ops); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0x1000, 0x1001, 0x1004}, offs); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
	if stream.Len() != 5 {
		t.Errorf("stream length = %d, want 5", stream.Len())
	}

	if _, err := d.Range(context.Background(), selector.SelFlat, 0x1000, 0, 0); !errors.Is(err, vmerr.ErrInvalidArgument) {
		t.Errorf("Range(count 0) error = %v", err)
	}
	checkLocks(t, vm)
}

func TestRangeStopsAtFailure(t *testing.T) {
	vm := flatVM(t, guest.Mode32Bit, []byte{0x90}, 0x1fff)
	d := New(vm)

	stream, err := d.Range(context.Background(), selector.SelFlat, 0x1fff, 4, 0)
	if !errors.Is(err, vmerr.ErrAddressTranslation) {
		t.Fatalf("error = %v, want address translation", err)
	}
	if len(stream) != 1 {
		t.Errorf("decoded %d instructions before failure, want 1", len(stream))
	}
	checkLocks(t, vm)
}

func TestRangeHugeCount(t *testing.T) {
	// add [eax], al fills the page; the next page is unmapped.
	vm := flatVM(t, guest.Mode32Bit, make([]byte, guest.PageSize), 0x1000)
	d := New(vm)

	stream, err := d.Range(context.Background(), selector.SelFlat, 0x1000, 1<<40, NoBytes)
	if !errors.Is(err, vmerr.ErrAddressTranslation) {
		t.Fatalf("error = %v, want address translation", err)
	}
	if len(stream) != guest.PageSize/2 {
		t.Errorf("decoded %d instructions, want %d", len(stream), guest.PageSize/2)
	}
	checkLocks(t, vm)
}

func TestFormatLine(t *testing.T) {
	flat := selector.Info{Flat: true}
	real := selector.Info{RealMode: true}
	seg := selector.Info{}
	nop := []byte{0x90}
	pad := func(n int) string { return strings.Repeat(" ", n) }

	tests := []struct {
		name  string
		flags Flags
		info  selector.Info
		mode  guest.PagingMode
		sel   uint16
		ptr   uint64
		raw   []byte
		want  string
	}{
		{"text only", NoBytes | NoAddress, seg, guest.Mode32Bit, 0x10, 0x1000, nop, "nop"},
		{"real mode", NoBytes, real, guest.ModeReal, 0xf000, 0xfff0, nop, "f000:fff0  nop"},
		{"flat 32", NoBytes, flat, guest.Mode32Bit, selector.SelFlat, 0x1000, nop, "00001000  nop"},
		{"flat 64", NoBytes, flat, guest.ModeAMD64, selector.SelFlat, 0x1000, nop, "0000000000001000  nop"},
		{"selector 32", NoBytes, seg, guest.ModePAE, 0x10, 0x1000, nop, "0010:00001000  nop"},
		{"selector 64", NoBytes, seg, guest.ModeAMD64, 0x10, 0x1000, nop, "0010:0000000000001000  nop"},
		{"bytes", 0, flat, guest.Mode32Bit, selector.SelFlat, 0x1000, nop, "00001000 90" + pad(21) + " nop"},
		{"bytes only", NoAddress, flat, guest.Mode32Bit, selector.SelFlat, 0x1000, nop, "90" + pad(21) + " nop"},
		{
			"long encoding", NoAddress, seg, guest.Mode32Bit, 0x10, 0,
			[]byte{0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
			"66 0f 1f 84 00 00 00 00 00 nop",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatLine(tt.flags, tt.info, tt.mode, tt.sel, tt.ptr, tt.raw, "nop")
			if got != tt.want {
				t.Errorf("formatLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPutCString(t *testing.T) {
	tests := []struct {
		size int
		in   string
		want string
		n    int
	}{
		{0, "abc", "", 0},
		{1, "abc", "", 0},
		{4, "abc", "abc", 3},
		{6, "abcdefgh", "abcde", 5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s", tt.size, tt.in), func(t *testing.T) {
			out := bytes.Repeat([]byte{0xff}, tt.size)
			n := putCString(out, tt.in)
			if n != tt.n {
				t.Errorf("n = %d, want %d", n, tt.n)
			}
			if tt.size > 0 {
				if out[n] != 0 {
					t.Errorf("missing NUL at %d", n)
				}
				if got := cstring(out); got != tt.want {
					t.Errorf("out = %q, want %q", got, tt.want)
				}
			}
		})
	}
}

func TestX86DecoderSyntax(t *testing.T) {
	vm := flatVM(t, guest.Mode32Bit, []byte{0x89, 0xd8}, 0x1000)

	tests := []struct {
		syntax Syntax
		want   string
	}{
		{SyntaxIntel, "mov eax, ebx"},
		{SyntaxGNU, "mov %ebx,%eax"},
		{SyntaxGo, "MOVL BX, AX"},
	}
	for _, tt := range tests {
		t.Run(tt.syntax.String(), func(t *testing.T) {
			d := New(vm, WithSyntax(tt.syntax))
			inst, err := d.Disas(context.Background(), selector.SelFlat, 0x1000, NoBytes|NoAddress)
			if err != nil {
				t.Fatal(err)
			}
			if inst.Line != tt.want {
				t.Errorf("line = %q, want %q", inst.Line, tt.want)
			}
		})
	}
}

func TestParseSyntax(t *testing.T) {
	for in, want := range map[string]Syntax{"": SyntaxIntel, "GNU": SyntaxGNU, "att": SyntaxGNU, "plan9": SyntaxGo} {
		got, err := ParseSyntax(in)
		if err != nil || got != want {
			t.Errorf("ParseSyntax(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSyntax("masm"); !errors.Is(err, vmerr.ErrInvalidArgument) {
		t.Errorf("ParseSyntax(masm) error = %v", err)
	}
}
