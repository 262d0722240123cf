// Package sgbuf implements a cursor over scatter-gather segment lists.
//
// A Buf walks an ordered list of byte segments as if it were one
// contiguous stream. It never owns the segment memory: the caller keeps
// the list alive and unchanged for as long as any Buf (or clone) refers
// to it. Every operation does as much as it can and reports how many
// bytes it handled; only construction with an empty list fails.
//
// A Buf is not safe for concurrent use. Clones share the segment list
// but have independent positions.
package sgbuf

import (
	"bytes"
	"fmt"
	"io"

	"vmdisas/internal/vmerr"
)

// Buf is a scatter-gather cursor.
type Buf struct {
	segs [][]byte
	idx  int
	// cur is the unconsumed part of segs[idx], nil once exhausted.
	cur []byte
}

// New returns a cursor positioned at the first byte of segs.
func New(segs [][]byte) (*Buf, error) {
	b := new(Buf)
	if err := b.Init(segs); err != nil {
		return nil, err
	}
	return b, nil
}

// Init binds b to segs and positions it at the first byte.
// Leading zero-length segments are skipped.
func (b *Buf) Init(segs [][]byte) error {
	if len(segs) == 0 {
		return fmt.Errorf("sgbuf: empty segment list: %w", vmerr.ErrInvalidArgument)
	}
	b.segs = segs
	b.Reset()
	return nil
}

// Reset rewinds b to the start of its segment list.
func (b *Buf) Reset() {
	if len(b.segs) == 0 {
		return
	}
	b.idx = 0
	b.cur = b.segs[0]
	b.skipEmpty()
}

// Clone returns an independent cursor at the same position.
func (b *Buf) Clone() *Buf {
	c := *b
	return &c
}

// skipEmpty moves past exhausted and zero-length segments so that cur
// always starts at an unconsumed byte, or is nil when nothing is left.
func (b *Buf) skipEmpty() {
	for len(b.cur) == 0 {
		if b.idx+1 >= len(b.segs) {
			b.idx = len(b.segs)
			b.cur = nil
			return
		}
		b.idx++
		b.cur = b.segs[b.idx]
	}
}

// Exhausted reports whether every byte has been consumed.
func (b *Buf) Exhausted() bool {
	return b.cur == nil
}

// Remaining returns the number of unconsumed bytes.
func (b *Buf) Remaining() int {
	if b.cur == nil {
		return 0
	}
	n := len(b.cur)
	for _, seg := range b.segs[b.idx+1:] {
		n += len(seg)
	}
	return n
}

// Position returns the current segment index and the offset inside it.
// An exhausted cursor reports (number of segments, 0).
func (b *Buf) Position() (seg int, off int) {
	if b.cur == nil {
		return len(b.segs), 0
	}
	return b.idx, len(b.segs[b.idx]) - len(b.cur)
}

// Get consumes up to n bytes from the current segment and returns them.
// The returned slice never spans a segment boundary; it is nil when the
// cursor is exhausted or n <= 0.
func (b *Buf) Get(n int) []byte {
	if n <= 0 || b.cur == nil {
		return nil
	}
	if n > len(b.cur) {
		n = len(b.cur)
	}
	p := b.cur[:n:n]
	b.cur = b.cur[n:]
	b.skipEmpty()
	return p
}

// Copy copies up to n bytes from src to dst and returns the number of
// bytes copied. It stops early when either side runs out.
func Copy(dst, src *Buf, n int) int {
	left := max(n, 0)
	for left > 0 {
		chunk := min(len(dst.cur), len(src.cur), left)
		if chunk == 0 {
			break
		}
		copy(dst.Get(chunk), src.Get(chunk))
		left -= chunk
	}
	return max(n, 0) - left
}

// Compare compares the next n bytes of a and b without moving either
// cursor. The result is negative, zero or positive like bytes.Compare.
// A stream that ends before n bytes compares less than one that does not.
func Compare(a, b *Buf, n int) int {
	rc, _ := CompareEx(a, b, n, false)
	return rc
}

// CompareEx is Compare that also returns the offset of the first
// mismatching byte. With advance set the cursors themselves are moved
// past the compared chunks; otherwise clones are used. On a match the
// offset is the number of bytes compared.
func CompareEx(a, b *Buf, n int, advance bool) (int, int) {
	if !advance {
		a, b = a.Clone(), b.Clone()
	}

	off := 0
	left := max(n, 0)
	for left > 0 {
		chunk := min(len(a.cur), len(b.cur), left)
		if chunk == 0 {
			switch {
			case a.cur != nil:
				return 1, off
			case b.cur != nil:
				return -1, off
			}
			return 0, off
		}

		pa := a.Get(chunk)
		pb := b.Get(chunk)
		if rc := bytes.Compare(pa, pb); rc != 0 {
			i := 0
			for pa[i] == pb[i] {
				i++
			}
			return rc, off + i
		}

		left -= chunk
		off += chunk
	}
	return 0, off
}

// Set writes fill into the next n bytes and returns how many were set.
func (b *Buf) Set(fill byte, n int) int {
	left := max(n, 0)
	for left > 0 {
		p := b.Get(left)
		if len(p) == 0 {
			break
		}
		for i := range p {
			p[i] = fill
		}
		left -= len(p)
	}
	return max(n, 0) - left
}

// CopyToBuf drains up to len(p) bytes from b into p.
func (b *Buf) CopyToBuf(p []byte) int {
	copied := 0
	for copied < len(p) {
		src := b.Get(len(p) - copied)
		if len(src) == 0 {
			break
		}
		copied += copy(p[copied:], src)
	}
	return copied
}

// CopyFromBuf fills b from p and returns the number of bytes stored.
func (b *Buf) CopyFromBuf(p []byte) int {
	copied := 0
	for copied < len(p) {
		dst := b.Get(len(p) - copied)
		if len(dst) == 0 {
			break
		}
		copied += copy(dst, p[copied:])
	}
	return copied
}

// Advance skips up to n bytes and returns how many were skipped.
func (b *Buf) Advance(n int) int {
	left := max(n, 0)
	for left > 0 {
		p := b.Get(left)
		if len(p) == 0 {
			break
		}
		left -= len(p)
	}
	return max(n, 0) - left
}

// SegArray describes the next maxBytes of b in dst without copying.
// At most len(dst) segments are produced. It returns the number of
// segments written and the number of bytes they cover; the cursor is
// advanced past those bytes.
func (b *Buf) SegArray(dst [][]byte, maxBytes int) (nseg int, nbytes int) {
	for maxBytes > 0 && nseg < len(dst) {
		p := b.Get(maxBytes)
		if len(p) == 0 {
			break
		}
		dst[nseg] = p
		nseg++
		maxBytes -= len(p)
		nbytes += len(p)
	}
	return nseg, nbytes
}

// Read implements io.Reader.
func (b *Buf) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.cur == nil {
		return 0, io.EOF
	}
	return b.CopyToBuf(p), nil
}

// Write implements io.Writer. It returns io.ErrShortWrite when the
// segments cannot hold all of p.
func (b *Buf) Write(p []byte) (int, error) {
	n := b.CopyFromBuf(p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
