package disas

import (
	"fmt"

	"vmdisas/internal/guest"
	"vmdisas/internal/pagemap"
	"vmdisas/internal/selector"
)

// decodePhase is the position of a decode in its life cycle.
type decodePhase int

const (
	phaseStart decodePhase = iota
	phaseReading
	phaseDecoded
	phaseFailed
	phaseDone
)

func (p decodePhase) String() string {
	switch p {
	case phaseStart:
		return "start"
	case phaseReading:
		return "reading"
	case phaseDecoded:
		return "decoded"
	case phaseFailed:
		return "failed"
	case phaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// state is the working state of one instruction decode. It owns the page
// mapper; done releases whatever page is still mapped.
type state struct {
	phase  decodePhase
	info   selector.Info
	mode   guest.PagingMode
	bits   int
	reader segmentReader

	inst Decoded
	next uint64
	err  error
}

func newState(mem pagemap.Memory, info selector.Info, mode guest.PagingMode) *state {
	bits := selector.Bits(mode, info)
	return &state{
		phase: phaseStart,
		info:  info,
		mode:  mode,
		bits:  bits,
		reader: segmentReader{
			mapper: pagemap.New(mem, mode),
			info:   info,
			is64:   bits == 64,
		},
	}
}

// first decodes the instruction at ptr.
func (s *state) first(dec Decoder, ptr uint64) error {
	if s.phase != phaseStart {
		return fmt.Errorf("decode in phase %v", s.phase)
	}
	s.phase = phaseReading

	inst, err := dec.Decode(&s.reader, ptr, s.bits)
	if err != nil {
		s.phase = phaseFailed
		s.err = err
		// A failed decode has no further use for its page.
		s.reader.mapper.Done()
		return err
	}
	s.inst = inst
	s.next = ptr + uint64(inst.Len())
	s.phase = phaseDecoded
	return nil
}

func (s *state) done() {
	s.reader.mapper.Done()
	s.phase = phaseDone
}

// Result is a decoded instruction and where the next one starts. Raw
// holds the bytes read, also when decoding failed.
type Result struct {
	Inst Decoded
	Raw  []byte
	Len  int
	Next uint64
	Bits int
}

// DecodeOne decodes the instruction at ptr in the segment described by
// info. Every page lock taken while reading is released before it
// returns, whether or not decoding succeeded.
func DecodeOne(mem pagemap.Memory, info selector.Info, mode guest.PagingMode, ptr uint64, dec Decoder) (Result, error) {
	s := newState(mem, info, mode)
	defer s.done()

	if err := s.first(dec, ptr); err != nil {
		return Result{Raw: s.reader.raw, Bits: s.bits}, err
	}
	return Result{Inst: s.inst, Raw: s.inst.Bytes(), Len: s.inst.Len(), Next: s.next, Bits: s.bits}, nil
}
