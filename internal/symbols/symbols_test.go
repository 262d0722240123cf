package symbols

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"vmdisas/internal/vmerr"
)

func TestLookup(t *testing.T) {
	table, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	table.Add("second", 0x2000, 0x10)
	table.Add("_ZN4Game4initEv", 0x1000, 0)
	table.Add("sized", 0x3000, 0x8)

	tests := []struct {
		name  string
		addr  uint64
		want  string
		start uint64
		found bool
	}{
		{"before first", 0x0fff, "", 0, false},
		{"start of unsized", 0x1000, "Game::init()", 0x1000, true},
		{"unsized runs to next", 0x1fff, "Game::init()", 0x1000, true},
		{"inside sized", 0x200f, "second", 0x2000, true},
		{"gap after sized", 0x2010, "", 0, false},
		{"past last", 0x3008, "", 0, false},
	}

	// Twice: the second pass is served by the cache.
	for pass := 0; pass < 2; pass++ {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				name, start, err := table.Lookup(tt.addr)
				if !tt.found {
					if !errors.Is(err, vmerr.ErrSymbolNotFound) {
						t.Errorf("Lookup(%#x) error = %v, want ErrSymbolNotFound", tt.addr, err)
					}
					return
				}
				if err != nil || name != tt.want || start != tt.start {
					t.Errorf("Lookup(%#x) = %q, %#x, %v; want %q, %#x", tt.addr, name, start, err, tt.want, tt.start)
				}
			})
		}
	}
}

func TestLookupConcurrentAdd(t *testing.T) {
	table, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	table.Add("base", 0x1000, 0)

	const n = 64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			table.Add(fmt.Sprintf("fn%d", i), 0x1000+uint64(i)*0x100, 0)
		}
	}()
	go func() {
		defer wg.Done()
		for round := 0; round < 8; round++ {
			for i := 1; i <= n; i++ {
				table.Lookup(0x1000 + uint64(i)*0x100 + 1)
			}
		}
	}()
	wg.Wait()

	for i := 1; i <= n; i++ {
		addr := 0x1000 + uint64(i)*0x100 + 1
		want := fmt.Sprintf("fn%d", i)
		if name, _, err := table.Lookup(addr); err != nil || name != want {
			t.Errorf("Lookup(%#x) = %q, %v; want %q", addr, name, err, want)
		}
	}
}

func TestAddDropsCache(t *testing.T) {
	table, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := table.Lookup(0x500); !errors.Is(err, vmerr.ErrSymbolNotFound) {
		t.Fatalf("empty table lookup error = %v", err)
	}
	table.Add("late", 0x400, 0x200)
	name, _, err := table.Lookup(0x500)
	if err != nil || name != "late" {
		t.Errorf("Lookup after Add = %q, %v", name, err)
	}
	if table.Len() != 1 {
		t.Errorf("Len = %d", table.Len())
	}
}

func TestFind(t *testing.T) {
	table, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	table.Add("_ZN3foo3barEv", 0x1000, 0x10)
	table.Add("main", 0x2000, 0x10)

	tests := []struct {
		name string
		addr uint64
		ok   bool
	}{
		{"main", 0x2000, true},
		{"_ZN3foo3barEv", 0x1000, true},
		{"foo::bar()", 0x1000, true},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, ok := table.Find(tt.name)
			if ok != tt.ok || sym.Addr != tt.addr {
				t.Errorf("Find(%q) = %#x, %v; want %#x, %v", tt.name, sym.Addr, ok, tt.addr, tt.ok)
			}
		})
	}
}

func TestDemangle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"main", "main"},
		{"_ZN3foo3barEv", "foo::bar()"},
		{"_ZN3foo3barEv", "foo::bar()"},
	}
	before, _ := DemangleStats()
	for _, tt := range tests {
		if got := Demangle(tt.in); got != tt.want {
			t.Errorf("Demangle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	names, hits := DemangleStats()
	if names < before || hits == 0 {
		t.Errorf("DemangleStats = %d names, %d hits", names, hits)
	}
}
