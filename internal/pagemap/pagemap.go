// Package pagemap caches the host mapping of one guest page at a time
// for sequential instruction reads.
package pagemap

import (
	"errors"
	"fmt"

	"vmdisas/internal/guest"
	"vmdisas/internal/metrics"
	"vmdisas/internal/vmerr"
)

// Memory is the part of the VM memory manager a Mapper needs.
// *guest.VM implements it.
type Memory interface {
	InHyperArea(addr uint64) bool
	HyperToHost(addr uint64) ([]byte, error)
	PhysToHostReadOnly(addr uint64) ([]byte, guest.MapLock, error)
	LinearToHostReadOnly(addr uint64) ([]byte, guest.MapLock, error)
	ReleaseMapLock(lock guest.MapLock)
}

// Mapper holds at most one mapped page. The lock of the previous page is
// always released before the next page is mapped.
//
// A Mapper is not safe for concurrent use.
type Mapper struct {
	mem  Memory
	mode guest.PagingMode

	page   uint64
	host   []byte
	lock   guest.MapLock
	locked bool
}

// New returns a Mapper translating addresses the way mode requires:
// linear addresses in paged modes, physical ones otherwise.
func New(mem Memory, mode guest.PagingMode) *Mapper {
	return &Mapper{mem: mem, mode: mode}
}

// EnsureMapped returns the host bytes from addr to the end of its page.
// The slice stays valid until the next EnsureMapped or Done.
func (m *Mapper) EnsureMapped(addr uint64) ([]byte, error) {
	page := guest.PageBase(addr)
	if m.host != nil && page == m.page {
		return m.host[guest.PageOffset(addr):], nil
	}

	m.release()

	var (
		host []byte
		lock guest.MapLock
		err  error
		path string
	)
	switch {
	case m.mem.InHyperArea(addr):
		path = metrics.PathHyper
		host, err = m.mem.HyperToHost(addr)
	case m.mode.Paged():
		path = metrics.PathLinear
		host, lock, err = m.mem.LinearToHostReadOnly(addr)
	default:
		path = metrics.PathPhysical
		host, lock, err = m.mem.PhysToHostReadOnly(addr)
	}
	if err != nil {
		if !errors.Is(err, vmerr.ErrAddressTranslation) {
			err = fmt.Errorf("%w: %w", vmerr.ErrAddressTranslation, err)
		}
		return nil, fmt.Errorf("map %#x: %w", addr, err)
	}
	if len(host) < guest.PageSize {
		if lock.Valid() {
			m.mem.ReleaseMapLock(lock)
		}
		return nil, fmt.Errorf("map %#x: short page: %w", addr, vmerr.ErrAddressTranslation)
	}
	metrics.PageMaps.WithLabelValues(path).Inc()

	m.page = page
	m.host = host
	m.lock = lock
	m.locked = lock.Valid()
	return host[guest.PageOffset(addr):], nil
}

// Page returns the currently mapped page base and whether one is mapped.
func (m *Mapper) Page() (uint64, bool) {
	return m.page, m.host != nil
}

func (m *Mapper) release() {
	if m.locked {
		m.mem.ReleaseMapLock(m.lock)
		metrics.LockReleases.Inc()
	}
	m.host = nil
	m.page = 0
	m.lock = guest.MapLock{}
	m.locked = false
}

// Done releases the mapped page, if any. It may be called any number of
// times.
func (m *Mapper) Done() {
	m.release()
}

// With maps the page containing addr, calls fn with the host bytes from
// addr to the end of the page and releases the mapping when fn returns.
func With(mem Memory, mode guest.PagingMode, addr uint64, fn func(host []byte) error) error {
	m := New(mem, mode)
	defer m.Done()

	host, err := m.EnsureMapped(addr)
	if err != nil {
		return err
	}
	return fn(host)
}
