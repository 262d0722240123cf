package disas

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"vmdisas/internal/vmerr"
)

// MaxInstrLen is the architectural limit of an x86 instruction.
const MaxInstrLen = 15

// ByteReader supplies instruction bytes. off is relative to the segment
// base; the reader fills all of dst or fails.
type ByteReader interface {
	ReadAt(off uint64, dst []byte) error
}

// SymbolLookup maps an address to the symbol containing it, returning
// the symbol name and start. An empty name means no symbol.
type SymbolLookup = x86asm.SymLookup

// Decoded is a decoded instruction as produced by a Decoder.
type Decoded interface {
	Len() int
	Bytes() []byte
	Mnemonic() string
	// Text renders the instruction at offset pc. lookup may be nil.
	Text(pc uint64, lookup SymbolLookup) string
}

// Decoder decodes one instruction of the given operand size (16, 32 or
// 64 bits) at off, pulling bytes through r as it needs them.
type Decoder interface {
	Decode(r ByteReader, off uint64, bits int) (Decoded, error)
}

// Syntax is the assembly flavour of the rendered text.
type Syntax int

const (
	SyntaxIntel Syntax = iota
	SyntaxGNU
	SyntaxGo
)

func (s Syntax) String() string {
	switch s {
	case SyntaxGNU:
		return "gnu"
	case SyntaxGo:
		return "go"
	}
	return "intel"
}

// ParseSyntax parses "intel", "gnu" (or "att") and "go" (or "plan9").
func ParseSyntax(s string) (Syntax, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "intel":
		return SyntaxIntel, nil
	case "gnu", "att":
		return SyntaxGNU, nil
	case "go", "plan9":
		return SyntaxGo, nil
	}
	return SyntaxIntel, fmt.Errorf("unknown syntax %q: %w", s, vmerr.ErrInvalidArgument)
}

// X86Decoder decodes with golang.org/x/arch/x86/x86asm.
type X86Decoder struct {
	Syntax Syntax
}

// Decode reads one byte at a time until x86asm recognizes an instruction,
// so no byte past the end of the instruction is ever read.
func (d X86Decoder) Decode(r ByteReader, off uint64, bits int) (Decoded, error) {
	buf := make([]byte, 0, MaxInstrLen)
	for len(buf) < MaxInstrLen {
		var b [1]byte
		if err := r.ReadAt(off+uint64(len(buf)), b[:]); err != nil {
			return nil, err
		}
		buf = append(buf, b[0])

		inst, err := x86asm.Decode(buf, bits)
		switch {
		case errors.Is(err, x86asm.ErrTruncated):
			continue
		case err != nil:
			return nil, fmt.Errorf("%v: %w", err, vmerr.ErrDecodeFailure)
		case inst.Op == 0:
			// Lone prefix: x86asm's answer to a truncated instruction.
			continue
		}
		return &x86Inst{inst: inst, raw: buf[:inst.Len:inst.Len], syntax: d.Syntax}, nil
	}
	return nil, fmt.Errorf("no instruction in %d bytes: %w", MaxInstrLen, vmerr.ErrDecodeFailure)
}

type x86Inst struct {
	inst   x86asm.Inst
	raw    []byte
	syntax Syntax
}

func (i *x86Inst) Len() int      { return i.inst.Len }
func (i *x86Inst) Bytes() []byte { return i.raw }

func (i *x86Inst) Mnemonic() string {
	return strings.ToLower(i.inst.Op.String())
}

// Text renders the instruction. Symbols are only looked up for
// references through CS: memory operands with another segment override
// are printed as plain numbers.
func (i *x86Inst) Text(pc uint64, lookup SymbolLookup) string {
	if lookup != nil && !i.codeRelative() {
		lookup = nil
	}

	var text string
	switch i.syntax {
	case SyntaxGNU:
		text = x86asm.GNUSyntax(i.inst, pc, lookup)
	case SyntaxGo:
		text = x86asm.GoSyntax(i.inst, pc, lookup)
	default:
		text = x86asm.IntelSyntax(i.inst, pc, lookup)
	}
	return text
}

func (i *x86Inst) codeRelative() bool {
	for _, a := range i.inst.Args {
		if a == nil {
			break
		}
		if m, ok := a.(x86asm.Mem); ok && m.Segment != 0 && m.Segment != x86asm.CS {
			return false
		}
	}
	return true
}
