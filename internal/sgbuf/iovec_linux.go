//go:build linux

package sgbuf

import (
	"golang.org/x/sys/unix"
)

// maxIovecs matches the kernel's UIO_MAXIOV.
const maxIovecs = 1024

// iovecs describes up to maxBytes of b without moving it.
func (b *Buf) iovecs(maxBytes int) [][]byte {
	view := b.Clone()
	iovs := make([][]byte, min(maxIovecs, len(b.segs)))
	nseg, _ := view.SegArray(iovs, maxBytes)
	return iovs[:nseg]
}

// Writev writes up to maxBytes of b to fd with a single writev call and
// advances b by the number of bytes written.
func Writev(fd int, b *Buf, maxBytes int) (int, error) {
	iovs := b.iovecs(maxBytes)
	if len(iovs) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(fd, iovs)
	if n > 0 {
		b.Advance(n)
	}
	return n, err
}

// Readv reads up to maxBytes from fd into the segments of b and
// advances b by the number of bytes read.
func Readv(fd int, b *Buf, maxBytes int) (int, error) {
	iovs := b.iovecs(maxBytes)
	if len(iovs) == 0 {
		return 0, nil
	}
	n, err := unix.Readv(fd, iovs)
	if n > 0 {
		b.Advance(n)
	}
	return n, err
}

// Pwritev is Writev at an explicit file offset.
func Pwritev(fd int, b *Buf, offset int64, maxBytes int) (int, error) {
	iovs := b.iovecs(maxBytes)
	if len(iovs) == 0 {
		return 0, nil
	}
	n, err := unix.Pwritev(fd, iovs, offset)
	if n > 0 {
		b.Advance(n)
	}
	return n, err
}

// Preadv is Readv at an explicit file offset.
func Preadv(fd int, b *Buf, offset int64, maxBytes int) (int, error) {
	iovs := b.iovecs(maxBytes)
	if len(iovs) == 0 {
		return 0, nil
	}
	n, err := unix.Preadv(fd, iovs, offset)
	if n > 0 {
		b.Advance(n)
	}
	return n, err
}
