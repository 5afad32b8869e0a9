package addr

// Page identifies a 4 KiB virtual page by its page number (virtual address
// divided by 4 KiB).
type Page uint64

// PageContaining returns the page that contains the given virtual address.
func PageContaining(v VirtualAddress) Page {
	return Page(uint64(v) >> PageShift)
}

// StartAddress returns the canonical virtual address of the first byte of
// this page.
func (p Page) StartAddress() VirtualAddress {
	return NewCanonicalVirtualAddress(uint64(p) << PageShift)
}

// Add returns p+delta, saturating at MaxPageNumber.
func (p Page) Add(delta uint64) Page {
	sum := uint64(p) + delta
	if sum < uint64(p) || sum > MaxPageNumber {
		return Page(MaxPageNumber)
	}
	return Page(sum)
}

// Sub returns p-delta, saturating at zero.
func (p Page) Sub(delta uint64) Page {
	if delta > uint64(p) {
		return 0
	}
	return Page(uint64(p) - delta)
}

// P4Index, P3Index, P2Index and P1Index extract the page-table index for
// each of the four levels from this page's number.
func (p Page) P4Index() uint64 { return (uint64(p) >> 27) & 0x1FF }
func (p Page) P3Index() uint64 { return (uint64(p) >> 18) & 0x1FF }
func (p Page) P2Index() uint64 { return (uint64(p) >> 9) & 0x1FF }
func (p Page) P1Index() uint64 { return uint64(p) & 0x1FF }

// PageRange is an inclusive [Start, End] range of 4 KiB pages.
type PageRange struct {
	Start Page
	End   Page
}

// NewPageRange builds an inclusive range; if end < start the range is empty.
func NewPageRange(start, end Page) PageRange {
	return PageRange{Start: start, End: end}
}

// PageRangeFromAddr returns the inclusive range of pages spanned by
// [start, start+sizeInBytes).
func PageRangeFromAddr(start VirtualAddress, sizeInBytes uint64) PageRange {
	if sizeInBytes == 0 {
		return PageRange{Start: PageContaining(start), End: PageContaining(start) - 1}
	}
	end := start.Add(sizeInBytes - 1)
	return PageRange{Start: PageContaining(start), End: PageContaining(end)}
}

// Empty reports whether this range contains no pages.
func (r PageRange) Empty() bool { return r.Start > r.End }

// SizeInPages returns the number of pages in this range (0 if empty).
func (r PageRange) SizeInPages() uint64 {
	if r.Empty() {
		return 0
	}
	return uint64(r.End) - uint64(r.Start) + 1
}

// SizeInBytes returns SizeInPages() * 4 KiB.
func (r PageRange) SizeInBytes() uint64 { return r.SizeInPages() * pageSizeBytes }

// StartAddress returns the virtual address of the first byte of the range.
func (r PageRange) StartAddress() VirtualAddress { return r.Start.StartAddress() }

// Contains reports whether p lies within this range.
func (r PageRange) Contains(p Page) bool {
	return !r.Empty() && p >= r.Start && p <= r.End
}

// ContainsAddress reports whether v falls within the byte range spanned by
// this page range.
func (r PageRange) ContainsAddress(v VirtualAddress) bool {
	return r.Contains(PageContaining(v))
}

// OffsetOfAddress returns the byte offset of v from the start of the range;
// the second return value is false if v is not contained in the range.
func (r PageRange) OffsetOfAddress(v VirtualAddress) (uint64, bool) {
	if !r.ContainsAddress(v) {
		return 0, false
	}
	return uint64(v) - uint64(r.StartAddress()), true
}

// AddressAtOffset returns the virtual address offset bytes into the range;
// the second return value is false if the offset falls outside the range.
func (r PageRange) AddressAtOffset(offset uint64) (VirtualAddress, bool) {
	if offset >= r.SizeInBytes() {
		return 0, false
	}
	return r.StartAddress().Add(offset), true
}
