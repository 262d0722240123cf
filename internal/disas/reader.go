package disas

import (
	"fmt"

	"vmdisas/internal/pagemap"
	"vmdisas/internal/selector"
	"vmdisas/internal/vmerr"
)

// realModeWrap is the size of a real mode segment; offsets wrap at it.
const realModeWrap = 0x10000

// segmentReader reads instruction bytes relative to a resolved segment
// through a page mapper. raw keeps the first MaxInstrLen bytes read.
type segmentReader struct {
	mapper *pagemap.Mapper
	info   selector.Info
	is64   bool
	raw    []byte
}

func (r *segmentReader) ReadAt(off uint64, dst []byte) error {
	for len(dst) > 0 {
		if r.info.RealMode {
			off &= realModeWrap - 1
		} else if !r.is64 && off > r.info.Limit {
			return fmt.Errorf("offset %#x beyond limit %#x: %w", off, r.info.Limit, vmerr.ErrOutOfBounds)
		}

		addr := r.info.Base + off
		host, err := r.mapper.EnsureMapped(addr)
		if err != nil {
			return err
		}

		n := uint64(len(host))
		switch {
		case r.info.RealMode:
			n = min(n, realModeWrap-off)
		case !r.is64:
			if rem, ok := r.info.Remaining(off); ok {
				n = min(n, rem)
			}
		}
		n = min(n, uint64(len(dst)))

		copy(dst, host[:n])
		if keep := min(n, uint64(MaxInstrLen-len(r.raw))); keep > 0 {
			r.raw = append(r.raw, host[:keep]...)
		}
		dst = dst[n:]
		off += n
	}
	return nil
}
