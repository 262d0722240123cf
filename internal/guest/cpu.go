package guest

// Segment registers.
type Segment int

const (
	CS Segment = iota
	DS
	ES
	FS
	GS
	SS
	numSegments
)

var segmentNames = [numSegments]string{"cs", "ds", "es", "fs", "gs", "ss"}

func (seg Segment) String() string {
	if seg < 0 || seg >= numSegments {
		return "seg?"
	}
	return segmentNames[seg]
}

// SegmentValue is the hidden part of a segment register, as the CPU
// caches it from the descriptor.
type SegmentValue struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	L        uint8
	S        uint8
	G        uint8
	Avl      uint8
}

// FromDescriptor fills a hidden segment register from a descriptor.
func FromDescriptor(sel uint16, desc Descriptor) SegmentValue {
	return SegmentValue{
		Base:     desc.Base,
		Limit:    desc.Limit,
		Selector: sel,
		Type:     desc.Type,
		Present:  desc.Present,
		Dpl:      desc.Dpl,
		Db:       desc.Db,
		L:        desc.L,
		S:        desc.S,
		G:        desc.G,
		Avl:      desc.Avl,
	}
}

// RFLAGS bits we care about.
const (
	FlagVM = 1 << 17 // virtual-8086 mode
)

// Context is the register state of one virtual CPU (or of the
// hypervisor itself) as seen by the debugger.
type Context struct {
	RIP    uint64
	RFLAGS uint64

	// Visible selectors and their hidden caches.
	Sel [numSegments]uint16
	Hid [numSegments]SegmentValue
}

// SetSegment loads both the visible selector and its hidden cache.
func (ctx *Context) SetSegment(seg Segment, val SegmentValue) {
	ctx.Sel[seg] = val.Selector
	ctx.Hid[seg] = val
}

// V86 reports whether the context runs in virtual-8086 mode.
func (ctx *Context) V86() bool {
	return ctx.RFLAGS&FlagVM != 0
}
