// Package symbols maps guest addresses to (demangled) symbol names.
package symbols

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ianlancetaylor/demangle"

	"vmdisas/internal/guest"
	"vmdisas/internal/vmerr"
)

// DefaultCacheSize is the number of lookups a Table remembers.
const DefaultCacheSize = 4096

type Symbol struct {
	Name      string
	Demangled string
	Addr      uint64
	Size      uint64 // 0 means up to the next symbol
}

// demangleCache memoizes demangled names across tables.
type demangleCache struct {
	mu    sync.RWMutex
	names map[string]string
	hits  int
}

var cache = &demangleCache{names: make(map[string]string)}

// Demangle returns the demangled form of a C++ or Rust symbol, or name
// itself if it is not mangled.
func Demangle(mangled string) string {
	cache.mu.RLock()
	if cached, ok := cache.names[mangled]; ok {
		cache.mu.RUnlock()
		cache.mu.Lock()
		cache.hits++
		cache.mu.Unlock()
		return cached
	}
	cache.mu.RUnlock()

	demangled := demangle.Filter(mangled, demangle.NoClones)

	cache.mu.Lock()
	cache.names[mangled] = demangled
	cache.mu.Unlock()
	return demangled
}

// DemangleStats returns the number of cached names and cache hits.
func DemangleStats() (names int, hits int) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	return len(cache.names), cache.hits
}

type lookupResult struct {
	name  string
	start uint64
	ok    bool
}

// Table is a sorted symbol table. Lookups are cached; adding symbols
// drops the cache.
type Table struct {
	mu      sync.RWMutex
	syms    []Symbol
	sorted  bool
	lookups *lru.Cache
}

func New(cacheSize int) (*Table, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	lookups, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("symbol cache: %w", err)
	}
	return &Table{lookups: lookups, sorted: true}, nil
}

// FromImage builds a table from the function symbols of an ELF image.
func FromImage(im *guest.Image, cacheSize int) (*Table, error) {
	table, err := New(cacheSize)
	if err != nil {
		return nil, err
	}
	for _, s := range im.Symbols {
		table.Add(s.Name, s.Addr, s.Size)
	}
	return table, nil
}

// Add registers a symbol at addr.
func (t *Table) Add(name string, addr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.syms = append(t.syms, Symbol{
		Name:      name,
		Demangled: Demangle(name),
		Addr:      addr,
		Size:      size,
	})
	t.sorted = false
	t.lookups.Purge()
}

func (t *Table) sort() {
	if t.sorted {
		return
	}
	sort.SliceStable(t.syms, func(i, j int) bool { return t.syms[i].Addr < t.syms[j].Addr })
	t.sorted = true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.syms)
}

// Symbols returns the symbols ordered by address.
func (t *Table) Symbols() []Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sort()
	return append([]Symbol(nil), t.syms...)
}

// Find returns the first symbol whose raw or demangled name is name.
func (t *Table) Find(name string) (Symbol, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sort()
	for _, s := range t.syms {
		if s.Name == name || s.Demangled == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// Lookup returns the demangled name and start of the symbol containing
// addr.
func (t *Table) Lookup(addr uint64) (string, uint64, error) {
	if v, ok := t.lookups.Get(addr); ok {
		res := v.(lookupResult)
		if !res.ok {
			return "", 0, vmerr.ErrSymbolNotFound
		}
		return res.name, res.start, nil
	}

	t.mu.Lock()
	t.sort()
	res := t.find(addr)
	// Cached under the lock so a concurrent Add cannot purge before it.
	t.lookups.Add(addr, res)
	t.mu.Unlock()

	if !res.ok {
		return "", 0, vmerr.ErrSymbolNotFound
	}
	return res.name, res.start, nil
}

func (t *Table) find(addr uint64) lookupResult {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr }) - 1
	if i < 0 {
		return lookupResult{}
	}
	s := t.syms[i]
	if s.Size != 0 && addr-s.Addr >= s.Size {
		return lookupResult{}
	}
	return lookupResult{name: s.Demangled, start: s.Addr, ok: true}
}
