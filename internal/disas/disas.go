// Package disas disassembles guest code addressed by selector and offset.
//
// A request is resolved to a segment (package selector), its bytes are
// pulled one page at a time through a page mapper (package pagemap) and
// decoded with x86asm. The result is a single formatted line in the
// layout of a debugger console:
//
//	0010:00001000 0f 1f 00                nop dword ptr [eax]
//
// Failures are reported both as an error and as a diagnostic line, so a
// console can print whatever comes back.
package disas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vmdisas/internal/guest"
	"vmdisas/internal/metrics"
	"vmdisas/internal/pagemap"
	"vmdisas/internal/selector"
	"vmdisas/internal/tracing"
	"vmdisas/internal/vmerr"
)

// Flags control where a request starts and how it is formatted.
type Flags uint

const (
	// CurrentGuest disassembles at CS:RIP of the guest CPU.
	CurrentGuest Flags = 1 << iota
	// CurrentHyper disassembles at CS:RIP of the hypervisor context.
	CurrentHyper
	NoSymbols
	NoBytes
	NoAddress
)

// Target is the VM a Disassembler reads from. *guest.VM implements it.
type Target interface {
	selector.Provider
	pagemap.Memory
}

// SymbolResolver finds the symbol containing a linear address. It
// returns vmerr.ErrSymbolNotFound when there is none.
type SymbolResolver interface {
	Lookup(addr uint64) (name string, start uint64, err error)
}

// Disassembler disassembles instructions of one VM. It is safe for
// concurrent use as long as its Target and SymbolResolver are.
type Disassembler struct {
	vm     Target
	dec    Decoder
	syms   SymbolResolver
	cpu    int
	logger *slog.Logger
	tracer trace.Tracer
}

type Option func(*Disassembler)

// WithDecoder replaces the x86asm decoder.
func WithDecoder(dec Decoder) Option {
	return func(d *Disassembler) { d.dec = dec }
}

func WithSyntax(syntax Syntax) Option {
	return func(d *Disassembler) { d.dec = X86Decoder{Syntax: syntax} }
}

func WithSymbols(syms SymbolResolver) Option {
	return func(d *Disassembler) { d.syms = syms }
}

// WithCPU selects the virtual CPU for CurrentGuest requests.
func WithCPU(cpu int) Option {
	return func(d *Disassembler) { d.cpu = cpu }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Disassembler) { d.logger = logger }
}

func New(vm Target, opts ...Option) *Disassembler {
	d := &Disassembler{
		vm:     vm,
		dec:    X86Decoder{},
		logger: slog.Default(),
		tracer: tracing.Tracer("disas"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// resolve classifies and resolves a request. sel and ptr are replaced by
// the context values for CurrentGuest and CurrentHyper.
func (d *Disassembler) resolve(sel uint16, ptr uint64, flags Flags) (selector.Info, uint16, uint64, error) {
	src := selector.FromArgs
	switch {
	case flags&CurrentGuest != 0:
		src = selector.FromGuest
	case flags&CurrentHyper != 0:
		src = selector.FromHyper
	}

	req, err := selector.Classify(d.vm, d.cpu, src, sel, ptr)
	if err != nil {
		return selector.Info{}, sel, ptr, err
	}
	info, err := selector.Resolve(d.vm, req)
	return info, req.Sel, req.Ptr, err
}

func (d *Disassembler) lookup(info selector.Info) SymbolLookup {
	return func(addr uint64) (string, uint64) {
		name, start, err := d.syms.Lookup(addr + info.Base)
		if err != nil {
			metrics.SymbolLookups.WithLabelValues("miss").Inc()
			return "", 0
		}
		metrics.SymbolLookups.WithLabelValues("hit").Inc()
		return name, start - info.Base
	}
}

// decodeAt decodes and formats one instruction of a resolved segment.
func (d *Disassembler) decodeAt(info selector.Info, mode guest.PagingMode, sel uint16, ptr uint64, flags Flags) (Inst, error) {
	inst := Inst{Sel: sel, Off: ptr, Addr: info.Base + ptr}

	res, err := DecodeOne(d.vm, info, mode, ptr, d.dec)
	if err != nil {
		inst.Raw = res.Raw
		inst.Line = decodeErrorLine(flags, res.Raw, err)
		return inst, err
	}

	var lookup SymbolLookup
	if flags&NoSymbols == 0 && d.syms != nil {
		lookup = d.lookup(info)
	}

	inst.Len = res.Len
	inst.Raw = res.Raw
	inst.Op = res.Inst.Mnemonic()
	inst.Text = res.Inst.Text(ptr, lookup)
	inst.Line = formatLine(flags, info, mode, sel, ptr, inst.Raw, inst.Text)
	return inst, nil
}

// Disas disassembles the instruction at sel:ptr. On failure the returned
// Inst carries the diagnostic line.
func (d *Disassembler) Disas(ctx context.Context, sel uint16, ptr uint64, flags Flags) (inst Inst, err error) {
	_, span := d.tracer.Start(ctx, "disas.Instr", trace.WithAttributes(tracing.Selector(sel, ptr)...))
	var info selector.Info
	defer func() {
		status := vmerr.StatusOf(err)
		metrics.CountDecode(status.String(), inst.Len)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status.String())
			d.logger.Debug("disassembly failed", "sel", fmt.Sprintf("%04x", inst.Sel), "ptr", fmt.Sprintf("%#x", inst.Off), "hyper", info.Hyper, "status", status)
		}
		span.End()
	}()

	info, sel, ptr, err = d.resolve(sel, ptr, flags)
	span.SetAttributes(tracing.Hyper(info.Hyper))
	if err != nil {
		return Inst{Sel: sel, Off: ptr, Line: selectorErrorLine(sel, err)}, err
	}
	return d.decodeAt(info, d.vm.Mode(), sel, ptr, flags)
}

// InstrEx disassembles the instruction at sel:ptr into out as a NUL
// terminated line, truncated to fit. It returns the instruction length.
// On failure out holds a diagnostic line and the length is 0.
func (d *Disassembler) InstrEx(ctx context.Context, sel uint16, ptr uint64, flags Flags, out []byte) (int, error) {
	inst, err := d.Disas(ctx, sel, ptr, flags)
	putCString(out, inst.Line)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}

// DisasInstrEx is InstrEx on a throwaway Disassembler, reporting a status
// code instead of an error.
func DisasInstrEx(vm Target, sel uint16, ptr uint64, flags Flags, out []byte) (vmerr.Status, int) {
	n, err := New(vm).InstrEx(context.Background(), sel, ptr, flags, out)
	return vmerr.StatusOf(err), n
}

// Instr disassembles sel:ptr with symbols, bytes and address.
func (d *Disassembler) Instr(ctx context.Context, sel uint16, ptr uint64) (string, error) {
	inst, err := d.Disas(ctx, sel, ptr, 0)
	return inst.Line, err
}

// InstrCurrent disassembles the instruction at the guest CS:RIP.
func (d *Disassembler) InstrCurrent(ctx context.Context) (string, error) {
	inst, err := d.Disas(ctx, 0, 0, CurrentGuest)
	return inst.Line, err
}

// InstrCurrentLog logs the instruction at the guest CS:RIP. prefix, when
// set, is logged along with it.
func (d *Disassembler) InstrCurrentLog(ctx context.Context, prefix string) error {
	line, err := d.InstrCurrent(ctx)
	return d.logLine(prefix, line, err)
}

// InstrLog logs the instruction at sel:ptr.
func (d *Disassembler) InstrLog(ctx context.Context, sel uint16, ptr uint64) error {
	line, err := d.Instr(ctx, sel, ptr)
	return d.logLine("", line, err)
}

func (d *Disassembler) logLine(prefix, line string, err error) error {
	attrs := []any{"line", line}
	if prefix != "" {
		attrs = append(attrs, "prefix", prefix)
	}
	if err != nil {
		d.logger.Info("disassembly failed", append(attrs, "err", err)...)
		return err
	}
	d.logger.Info("disas", attrs...)
	return nil
}

// rangePrealloc bounds the up front allocation of Range; count may be
// far larger than what the segment holds.
const rangePrealloc = 64

// Range disassembles up to count consecutive instructions starting at
// sel:ptr. The segment is resolved once. It stops at the first failure
// and returns what was decoded so far along with the error.
func (d *Disassembler) Range(ctx context.Context, sel uint16, ptr uint64, count int, flags Flags) (Stream, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count %d: %w", count, vmerr.ErrInvalidArgument)
	}

	_, span := d.tracer.Start(ctx, "disas.Range", trace.WithAttributes(tracing.Selector(sel, ptr)...))
	defer span.End()

	info, sel, ptr, err := d.resolve(sel, ptr, flags)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", selectorErrorLine(sel, err), err)
	}
	mode := d.vm.Mode()

	out := make(Stream, 0, min(count, rangePrealloc))
	for len(out) < count {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		inst, err := d.decodeAt(info, mode, sel, ptr, flags)
		metrics.CountDecode(vmerr.StatusOf(err).String(), inst.Len)
		if err != nil {
			span.RecordError(err)
			return out, fmt.Errorf("at %04x:%x: %w", sel, ptr, err)
		}
		out = append(out, inst)
		ptr = inst.Next()
		if info.RealMode {
			ptr &= realModeWrap - 1
		}
	}
	return out, nil
}

// IsDecodeFailure reports whether err means the bytes were readable but
// not an instruction.
func IsDecodeFailure(err error) bool {
	return errors.Is(err, vmerr.ErrDecodeFailure)
}
