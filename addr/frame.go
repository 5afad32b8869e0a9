package addr

// Frame identifies a 4 KiB physical page frame by its frame number (physical
// address divided by 4 KiB).
type Frame uint64

// FrameContaining returns the frame that contains the given physical address.
func FrameContaining(p PhysicalAddress) Frame {
	return Frame(uint64(p) >> PageShift)
}

// StartAddress returns the physical address of the first byte of this frame.
func (f Frame) StartAddress() PhysicalAddress {
	return PhysicalAddress(uint64(f) << PageShift)
}

// Add returns f+delta, saturating at MaxFrameNumber.
func (f Frame) Add(delta uint64) Frame {
	sum := uint64(f) + delta
	if sum < uint64(f) || sum > MaxFrameNumber {
		return Frame(MaxFrameNumber)
	}
	return Frame(sum)
}

// Sub returns f-delta, saturating at zero.
func (f Frame) Sub(delta uint64) Frame {
	if delta > uint64(f) {
		return 0
	}
	return Frame(uint64(f) - delta)
}

// FrameRange is an inclusive [Start, End] range of frames.
type FrameRange struct {
	Start Frame
	End   Frame
}

// NewFrameRange builds an inclusive range; if end < start the range is empty.
func NewFrameRange(start, end Frame) FrameRange {
	return FrameRange{Start: start, End: end}
}

// FrameRangeFromAddr returns the inclusive range of frames spanned by
// [start, start+sizeInBytes).
func FrameRangeFromAddr(start PhysicalAddress, sizeInBytes uint64) FrameRange {
	if sizeInBytes == 0 {
		return FrameRange{Start: FrameContaining(start), End: FrameContaining(start) - 1}
	}
	end := start.Add(sizeInBytes - 1)
	return FrameRange{Start: FrameContaining(start), End: FrameContaining(end)}
}

// Empty reports whether this range contains no frames.
func (r FrameRange) Empty() bool { return r.Start > r.End }

// SizeInFrames returns the number of frames in this range (0 if empty).
func (r FrameRange) SizeInFrames() uint64 {
	if r.Empty() {
		return 0
	}
	return uint64(r.End) - uint64(r.Start) + 1
}

// SizeInBytes returns SizeInFrames() * 4 KiB.
func (r FrameRange) SizeInBytes() uint64 { return r.SizeInFrames() * pageSizeBytes }

// StartAddress returns the physical address of the first byte of the range.
func (r FrameRange) StartAddress() PhysicalAddress { return r.Start.StartAddress() }

// Contains reports whether f lies within this range.
func (r FrameRange) Contains(f Frame) bool {
	return !r.Empty() && f >= r.Start && f <= r.End
}

// ContainsAddress reports whether p falls within the byte range spanned by
// this frame range.
func (r FrameRange) ContainsAddress(p PhysicalAddress) bool {
	return r.Contains(FrameContaining(p))
}

// OffsetOfAddress returns the byte offset of p from the start of the range;
// the second return value is false if p is not contained in the range.
func (r FrameRange) OffsetOfAddress(p PhysicalAddress) (uint64, bool) {
	if !r.ContainsAddress(p) {
		return 0, false
	}
	return uint64(p) - uint64(r.StartAddress()), true
}
