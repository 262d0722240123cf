package disas

import (
	"errors"
	"fmt"
	"strings"

	"vmdisas/internal/guest"
	"vmdisas/internal/selector"
	"vmdisas/internal/vmerr"
)

// bytesColumn is the number of instruction bytes the hex column is
// padded to.
const bytesColumn = 8

// formatAddress renders the address prefix of a line: sel:off, or just
// the offset for flat requests, with the offset width following the
// paging mode.
func formatAddress(info selector.Info, mode guest.PagingMode, sel uint16, ptr uint64) string {
	switch {
	case info.RealMode:
		return fmt.Sprintf("%04x:%04x", sel, ptr)
	case info.Flat && mode.Long():
		return fmt.Sprintf("%016x", ptr)
	case info.Flat:
		return fmt.Sprintf("%08x", uint32(ptr))
	case mode.Long():
		return fmt.Sprintf("%04x:%016x", sel, ptr)
	}
	return fmt.Sprintf("%04x:%08x", sel, uint32(ptr))
}

func formatLine(flags Flags, info selector.Info, mode guest.PagingMode, sel uint16, ptr uint64, raw []byte, text string) string {
	var addr string
	if flags&NoAddress == 0 {
		addr = formatAddress(info, mode, sel, ptr)
	}

	if flags&NoBytes != 0 {
		if addr == "" {
			return text
		}
		return addr + "  " + text
	}

	var sb strings.Builder
	if addr != "" {
		sb.WriteString(addr)
		sb.WriteByte(' ')
	}
	sb.WriteString(hexBytes(raw))
	if len(raw) < bytesColumn {
		sb.WriteString(strings.Repeat(" ", (bytesColumn-len(raw))*3))
	}
	sb.WriteByte(' ')
	sb.WriteString(text)
	return sb.String()
}

func selectorErrorLine(sel uint16, err error) string {
	return fmt.Sprintf("Sel=%04x -> %v", sel, err)
}

// decodeErrorLine describes a failed decode. The bytes that did not
// decode are shown unless NoBytes is set.
func decodeErrorLine(flags Flags, raw []byte, err error) string {
	if flags&NoBytes == 0 && len(raw) > 0 && errors.Is(err, vmerr.ErrDecodeFailure) {
		return fmt.Sprintf("Disas -> %s: %v", hexBytes(raw), err)
	}
	return fmt.Sprintf("Disas -> %v", err)
}

// putCString copies s into out as a NUL terminated string, truncating
// as needed. It returns the number of bytes written before the NUL.
func putCString(out []byte, s string) int {
	if len(out) == 0 {
		return 0
	}
	n := copy(out[:len(out)-1], s)
	out[n] = 0
	return n
}
