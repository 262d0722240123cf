package selector

import (
	"fmt"
	"strconv"
	"strings"

	"vmdisas/internal/vmerr"
)

// ParseAddress parses a debugger address. "sel:off" names a selector and
// offset; a bare offset is flat. Both parts are hex, with or without a
// 0x prefix.
func ParseAddress(s string) (sel uint16, ptr uint64, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("empty address: %w", vmerr.ErrInvalidArgument)
	}

	off := s
	sel = SelFlat
	if before, after, ok := strings.Cut(s, ":"); ok {
		v, err := parseHex(before, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("selector %q: %w", before, err)
		}
		sel = uint16(v)
		off = after
	}

	ptr, err = parseHex(off, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("offset %q: %w", off, err)
	}
	return sel, ptr, nil
}

func parseHex(s string, bits int) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", vmerr.ErrInvalidArgument, err)
	}
	return v, nil
}
