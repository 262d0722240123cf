// Package selector resolves a code selector into the addressing context
// an instruction read needs: segment base, limit and operand size.
package selector

import (
	"fmt"
	"math"

	"vmdisas/internal/guest"
	"vmdisas/internal/vmerr"
)

// SelFlat is the pseudo selector for flat, unsegmented addresses. It is
// a null selector with RPL 1 and never names a real descriptor.
const SelFlat uint16 = 1

// Kind discriminates the four ways a request can be resolved.
type Kind int

const (
	// KindCurrent uses the hidden CS cache of a live CPU context.
	KindCurrent Kind = iota
	// KindFlat is a flat request: base 0, no limit.
	KindFlat
	// KindRealMode uses real mode addressing: base = selector*16.
	KindRealMode
	// KindTable walks the descriptor tables.
	KindTable
)

func (kind Kind) String() string {
	switch kind {
	case KindCurrent:
		return "current"
	case KindFlat:
		return "flat"
	case KindRealMode:
		return "real"
	case KindTable:
		return "table"
	}
	return fmt.Sprintf("kind(%d)", int(kind))
}

// Source says where the selector and offset of a request come from.
type Source int

const (
	FromArgs Source = iota
	FromGuest
	FromHyper
)

// Request is a classified resolution request. Only the fields of its
// Kind are meaningful.
type Request struct {
	Kind Kind
	Sel  uint16
	Ptr  uint64

	// KindCurrent, and KindFlat when HasHidden is set.
	Hidden    guest.SegmentValue
	HasHidden bool
	RealMode  bool

	// The request comes from the hypervisor context.
	Hyper bool
}

// Info is a resolved addressing context. Limit is inclusive.
type Info struct {
	Sel      uint16
	Base     uint64
	Limit    uint64
	Long     bool
	DefBig   bool
	RealMode bool
	Hyper    bool
	Flat     bool
}

// NoLimit is the limit of flat and real mode segments.
const NoLimit = math.MaxUint64

// Remaining returns the bytes from offset off to the end of the segment,
// and false when the segment has no end.
func (info Info) Remaining(off uint64) (uint64, bool) {
	if info.Limit == NoLimit {
		return 0, false
	}
	if off > info.Limit {
		return 0, true
	}
	return info.Limit - off + 1, true
}

// Provider gives the resolver access to CPU state and the descriptor
// tables. *guest.VM implements it.
type Provider interface {
	Mode() guest.PagingMode
	HiddenSelRegsValid() bool
	GuestContext(cpu int) (guest.Context, error)
	HyperContext() guest.Context
	LookupSelector(sel uint16) (guest.Descriptor, error)
}

// Classify picks the resolution path for sel:ptr on the given cpu. With
// FromGuest or FromHyper the selector and offset are taken from the
// context and the arguments are ignored.
func Classify(p Provider, cpu int, src Source, sel uint16, ptr uint64) (Request, error) {
	var (
		ctx    guest.Context
		hasCtx bool
	)
	switch src {
	case FromGuest:
		c, err := p.GuestContext(cpu)
		if err != nil {
			return Request{}, err
		}
		ctx, hasCtx = c, true
	case FromHyper:
		ctx, hasCtx = p.HyperContext(), true
	}
	if hasCtx {
		sel = ctx.Sel[guest.CS]
		ptr = ctx.RIP
	}

	mode := p.Mode()
	hiddenValid := p.HiddenSelRegsValid()
	realMode := (hasCtx && ctx.V86()) || mode == guest.ModeReal

	// A hidden cache that disagrees with its selector is stale.
	if hasCtx && hiddenValid && ctx.Hid[guest.CS].Selector == sel {
		return Request{
			Kind:      KindCurrent,
			Sel:       sel,
			Ptr:       ptr,
			Hidden:    ctx.Hid[guest.CS],
			HasHidden: true,
			RealMode:  realMode,
			Hyper:     src == FromHyper,
		}, nil
	}

	if sel == SelFlat {
		req := Request{Kind: KindFlat, Sel: sel, Ptr: ptr, Hyper: src == FromHyper}
		if hiddenValid {
			cur, err := p.GuestContext(cpu)
			if err != nil {
				return Request{}, err
			}
			req.Hidden = cur.Hid[guest.CS]
			req.HasHidden = true
		}
		return req, nil
	}

	if src != FromHyper && realMode {
		return Request{Kind: KindRealMode, Sel: sel, Ptr: ptr, RealMode: true}, nil
	}

	return Request{Kind: KindTable, Sel: sel, Ptr: ptr, Hyper: src == FromHyper}, nil
}

// Resolve turns a classified request into addressing information.
func Resolve(p Provider, req Request) (Info, error) {
	switch req.Kind {
	case KindCurrent:
		hid := req.Hidden
		return Info{
			Sel:      req.Sel,
			Base:     hid.Base,
			Limit:    uint64(hid.Limit),
			Long:     hid.L != 0,
			DefBig:   hid.Db != 0,
			RealMode: req.RealMode,
			Hyper:    req.Hyper,
		}, nil

	case KindFlat:
		info := Info{
			Sel:   req.Sel,
			Limit: NoLimit,
			Flat:  true,
			Hyper: req.Hyper,
		}
		if req.HasHidden {
			// The current CS decides the execution mode.
			info.Long = req.Hidden.L != 0
			info.DefBig = req.Hidden.Db != 0
		} else {
			info.DefBig = true
		}
		return info, nil

	case KindRealMode:
		return Info{
			Sel:      req.Sel,
			Base:     uint64(req.Sel) << 4,
			Limit:    NoLimit,
			RealMode: true,
		}, nil

	case KindTable:
		desc, err := p.LookupSelector(req.Sel)
		if err != nil {
			return Info{}, err
		}
		return Info{
			Sel:    req.Sel,
			Base:   desc.Base,
			Limit:  uint64(desc.Limit),
			Long:   desc.L != 0,
			DefBig: desc.Db != 0,
			Hyper:  req.Hyper,
		}, nil
	}
	return Info{}, fmt.Errorf("request kind %v: %w", req.Kind, vmerr.ErrInvalidArgument)
}

// Bits returns the operand size, 16, 32 or 64, of code in the segment.
func Bits(mode guest.PagingMode, info Info) int {
	switch {
	case mode.Long() && info.Long:
		return 64
	case info.DefBig:
		return 32
	}
	return 16
}
