package disas

import (
	"encoding/hex"
	"fmt"
)

// Inst is one disassembled instruction.
type Inst struct {
	Sel  uint16 // code selector
	Off  uint64 // offset relative to the selector base
	Addr uint64 // linear address
	Len  int
	Raw  []byte
	Op   string // mnemonic in lowercase
	Text string // decoder rendering
	Line string // the formatted output line
}

// Next returns the offset of the following instruction.
func (inst Inst) Next() uint64 {
	return inst.Off + uint64(inst.Len)
}

func (inst Inst) String() string {
	if inst.Line != "" {
		return inst.Line
	}
	return fmt.Sprintf("%x  %s", inst.Addr, inst.Text)
}

// HexBytes renders the raw encoding as space separated hex pairs.
func (inst Inst) HexBytes() string {
	return hexBytes(inst.Raw)
}

func hexBytes(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	out := make([]byte, 0, len(raw)*3-1)
	for i, b := range raw {
		if i > 0 {
			out = append(out, ' ')
		}
		out = hex.AppendEncode(out, []byte{b})
	}
	return string(out)
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Len returns the total encoded length of the stream.
func (s Stream) Len() int {
	n := 0
	for _, inst := range s {
		n += inst.Len
	}
	return n
}
