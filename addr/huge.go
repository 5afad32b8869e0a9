package addr

// HugeFrame identifies a physical frame at one of the huge-page granularities
// (2 MiB or 1 GiB), or equivalently a regular 4 KiB frame when Size is
// Size4KiB — the huge and non-huge cases share this type per the design
// decision in SPEC_FULL.md to unify the huge_page_ratio==1 path with the
// ordinary frame path.
type HugeFrame struct {
	Number uint64
	Size   PageSize
}

// HugeFrameContaining returns the huge frame of the given size that contains p.
func HugeFrameContaining(p PhysicalAddress, size PageSize) HugeFrame {
	return HugeFrame{Number: uint64(p) / size.Bytes(), Size: size}
}

// StartAddress returns the physical address of the first byte of this frame.
func (f HugeFrame) StartAddress() PhysicalAddress {
	return NewCanonicalPhysicalAddress(f.Number * f.Size.Bytes())
}

// AsFrame re-expresses this huge frame as a plain 4 KiB Frame number, using
// the huge-page ratio.
func (f HugeFrame) AsFrame() Frame {
	return Frame(f.Number * f.Size.HugePageRatio())
}

// P4Index, P3Index and P2Index extract the page-table index for each level
// from this huge frame's number, scaled by its huge-page ratio so that the
// result matches the index a plain Page/Frame at the same address would
// produce.
func (f HugeFrame) p4p3p2p1() (p4, p3, p2, p1 uint64) {
	n := f.Number * f.Size.HugePageRatio()
	return (n >> 27) & 0x1FF, (n >> 18) & 0x1FF, (n >> 9) & 0x1FF, n & 0x1FF
}

func (f HugeFrame) P4Index() uint64 { p4, _, _, _ := f.p4p3p2p1(); return p4 }
func (f HugeFrame) P3Index() uint64 { _, p3, _, _ := f.p4p3p2p1(); return p3 }
func (f HugeFrame) P2Index() uint64 { _, _, p2, _ := f.p4p3p2p1(); return p2 }

// HugePage identifies a virtual page at one of the huge-page granularities.
type HugePage struct {
	Number uint64
	Size   PageSize
}

// HugePageContaining returns the huge page of the given size that contains v.
func HugePageContaining(v VirtualAddress, size PageSize) HugePage {
	return HugePage{Number: uint64(v) / size.Bytes(), Size: size}
}

// StartAddress returns the canonical virtual address of the first byte of
// this page.
func (p HugePage) StartAddress() VirtualAddress {
	return NewCanonicalVirtualAddress(p.Number * p.Size.Bytes())
}

// AsPage re-expresses this huge page as a plain 4 KiB Page number, using the
// huge-page ratio.
func (p HugePage) AsPage() Page {
	return Page(p.Number * p.Size.HugePageRatio())
}

func (p HugePage) p4p3p2p1() (p4, p3, p2, p1 uint64) {
	n := p.Number * p.Size.HugePageRatio()
	return (n >> 27) & 0x1FF, (n >> 18) & 0x1FF, (n >> 9) & 0x1FF, n & 0x1FF
}

func (p HugePage) P4Index() uint64 { p4, _, _, _ := p.p4p3p2p1(); return p4 }
func (p HugePage) P3Index() uint64 { _, p3, _, _ := p.p4p3p2p1(); return p3 }
func (p HugePage) P2Index() uint64 { _, _, p2, _ := p.p4p3p2p1(); return p2 }

// HugeFrameRange is an inclusive [Start, End] range of same-size huge frames.
type HugeFrameRange struct {
	Start Frame
	End   Frame
	Size  PageSize
}

// NewHugeFrameRange builds an inclusive range spanning count huge frames of
// the given size starting at start.
func NewHugeFrameRange(start HugeFrame, count uint64) HugeFrameRange {
	if count == 0 {
		return HugeFrameRange{Start: start.AsFrame(), End: start.AsFrame() - 1, Size: start.Size}
	}
	end := HugeFrame{Number: start.Number + count - 1, Size: start.Size}
	return HugeFrameRange{Start: start.AsFrame(), End: end.AsFrame() + Frame(start.Size.HugePageRatio()) - 1, Size: start.Size}
}

// SizeInFrames returns the number of base 4 KiB frames spanned by this range.
func (r HugeFrameRange) SizeInFrames() uint64 {
	if r.Start > r.End {
		return 0
	}
	return uint64(r.End) - uint64(r.Start) + 1
}

// SizeInBytes returns SizeInFrames() * 4 KiB.
func (r HugeFrameRange) SizeInBytes() uint64 { return r.SizeInFrames() * pageSizeBytes }

// HugePageRange is an inclusive [Start, End] range of same-size huge pages.
type HugePageRange struct {
	Start Page
	End   Page
	Size  PageSize
}

// NewHugePageRange builds an inclusive range spanning count huge pages of the
// given size starting at start.
func NewHugePageRange(start HugePage, count uint64) HugePageRange {
	if count == 0 {
		return HugePageRange{Start: start.AsPage(), End: start.AsPage() - 1, Size: start.Size}
	}
	end := HugePage{Number: start.Number + count - 1, Size: start.Size}
	return HugePageRange{Start: start.AsPage(), End: end.AsPage() + Page(start.Size.HugePageRatio()) - 1, Size: start.Size}
}

// SizeInPages returns the number of base 4 KiB pages spanned by this range.
func (r HugePageRange) SizeInPages() uint64 {
	if r.Start > r.End {
		return 0
	}
	return uint64(r.End) - uint64(r.Start) + 1
}

// SizeInBytes returns SizeInPages() * 4 KiB.
func (r HugePageRange) SizeInBytes() uint64 { return r.SizeInPages() * pageSizeBytes }

// NumHugeUnits returns the number of huge-granularity units (not base pages)
// spanned by this range.
func (r HugePageRange) NumHugeUnits() uint64 {
	return r.SizeInPages() / r.Size.HugePageRatio()
}

// StartAddress returns the virtual address of the first byte of the range.
func (r HugePageRange) StartAddress() VirtualAddress {
	return r.Start.StartAddress()
}
