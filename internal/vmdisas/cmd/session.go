package cmd

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"vmdisas/internal/config"
	"vmdisas/internal/disas"
	"vmdisas/internal/guest"
	"vmdisas/internal/selector"
	"vmdisas/internal/symbols"
)

var elfMagic = []byte("\x7fELF")

// session is a booted guest built from an image file.
type session struct {
	path  string
	cfg   *config.Config
	vm    *guest.VM
	image *guest.Image // nil for raw images
	syms  *symbols.Table
	dis   *disas.Disassembler
	entry uint64
}

func isELF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	magic := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return false, nil
	}
	return bytes.Equal(magic, elfMagic), nil
}

// openSession loads path into a fresh VM and boots it at the image entry
// point. ELF files are loaded by program header; anything else is a raw
// image placed at cfg.Load.
func openSession(path string, cfg *config.Config) (*session, error) {
	elfFile, err := isELF(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access file: %w", err)
	}

	s := &session{path: path, cfg: cfg}
	mode := cfg.PagingMode()

	if elfFile {
		im, err := guest.OpenELF(path)
		if err != nil {
			return nil, err
		}
		s.image = im
		if !im.Is64 && mode.Long() {
			slog.Debug("32-bit image, leaving long mode", "path", path)
			mode = guest.Mode32Bit
		}
		s.vm = guest.New(mode, cfg.CPU+1)
		if err := im.Load(s.vm); err != nil {
			im.Close()
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		s.entry = im.Entry
		if s.syms, err = symbols.FromImage(im, cfg.SymbolCache); err != nil {
			im.Close()
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		s.vm = guest.New(mode, cfg.CPU+1)
		if err := guest.LoadRaw(s.vm, data, guest.Paddr(cfg.Load)); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		s.entry = cfg.Load
		if s.syms, err = symbols.New(cfg.SymbolCache); err != nil {
			return nil, err
		}
	}

	if err := s.vm.Boot(s.entry); err != nil {
		s.Close()
		return nil, fmt.Errorf("boot at %#x: %w", s.entry, err)
	}

	s.dis = disas.New(s.vm,
		disas.WithSyntax(cfg.DisasSyntax()),
		disas.WithSymbols(s.syms),
		disas.WithCPU(cfg.CPU),
		disas.WithLogger(slog.Default()),
	)
	slog.Debug("guest booted", "path", path, "mode", mode, "entry", fmt.Sprintf("%#x", s.entry), "symbols", s.syms.Len())
	return s, nil
}

func (s *session) Close() error {
	if s.image != nil {
		return s.image.Close()
	}
	return nil
}

// request is a parsed address argument: sel:off, a flat offset or a
// symbol name. An empty argument means the current guest CS:RIP.
type request struct {
	sel   uint16
	ptr   uint64
	flags disas.Flags
}

func (s *session) parseRequest(arg string) (request, error) {
	req := request{flags: s.cfg.DisasFlags()}
	if arg == "" {
		req.flags |= disas.CurrentGuest
		return req, nil
	}
	sel, ptr, err := selector.ParseAddress(arg)
	if err != nil {
		sym, ok := s.syms.Find(arg)
		if !ok {
			return request{}, err
		}
		sel, ptr = selector.SelFlat, sym.Addr
	}
	req.sel, req.ptr = sel, ptr
	return req, nil
}
