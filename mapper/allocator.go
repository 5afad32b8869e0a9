package mapper

import "github.com/theseus-os/vmem/addr"

// FrameAllocator hands out physical frames on demand. Implementations are
// supplied by the caller; internal/memdemo provides a demonstration bitmap
// allocator, and a freestanding kernel would back this with its own physical
// memory manager.
type FrameAllocator interface {
	// AllocateFrame returns a single free frame, or ok=false if none remain.
	AllocateFrame() (frame addr.Frame, ok bool)

	// AllocateAlignedFrames returns a contiguous run of count frames whose
	// start frame number is a multiple of alignmentInFrames, or ok=false if
	// no such run is available. Used by map_huge to obtain an aligned block
	// sized to the huge-page ratio.
	AllocateAlignedFrames(count, alignmentInFrames uint64) (frames addr.FrameRange, ok bool)

	// Free returns a single frame to the allocator. Called by the MappedPages
	// destructor for each frame it unmaps.
	Free(frame addr.Frame)

	// FreeRange returns a contiguous run of frames to the allocator. Called
	// by the MappedHugePages destructor for each huge leaf it unmaps.
	FreeRange(frames addr.FrameRange)
}

// PageAllocator hands out virtual page ranges on demand, independent of any
// physical backing. Mapper consumes the AllocatedPages/AllocatedHugePages it
// produces and is responsible for returning them on teardown.
type PageAllocator interface {
	// AllocatePages reserves a range of count contiguous 4 KiB pages.
	AllocatePages(count uint64) (AllocatedPages, bool)

	// AllocateHugePages reserves a range of count contiguous pages at the
	// given huge granularity.
	AllocateHugePages(count uint64, size addr.PageSize) (AllocatedHugePages, bool)
}

// AllocatedPages is an exclusively-owned virtual page range obtained from a
// PageAllocator. It carries no physical backing by itself; Mapper.Map/MapTo
// consume one to produce a MappedPages. Release returns the range to the
// allocator that produced it; calling it more than once is a no-op.
type AllocatedPages struct {
	Pages    addr.PageRange
	release  func(addr.PageRange)
	released bool
}

// NewAllocatedPages wraps a page range with the release callback that
// returns it to its owning allocator. Allocator implementations use this to
// construct the value returned from AllocatePages.
func NewAllocatedPages(pages addr.PageRange, release func(addr.PageRange)) AllocatedPages {
	return AllocatedPages{Pages: pages, release: release}
}

// Release returns the page range to its allocator. Safe to call multiple
// times; only the first call has any effect.
func (a *AllocatedPages) Release() {
	if a.released {
		return
	}
	a.released = true
	if a.release != nil {
		a.release(a.Pages)
	}
}

// AllocatedHugePages is the huge-granularity counterpart of AllocatedPages.
type AllocatedHugePages struct {
	Pages    addr.HugePageRange
	release  func(addr.HugePageRange)
	released bool
}

// NewAllocatedHugePages wraps a huge page range with its release callback.
func NewAllocatedHugePages(pages addr.HugePageRange, release func(addr.HugePageRange)) AllocatedHugePages {
	return AllocatedHugePages{Pages: pages, release: release}
}

// Release returns the huge page range to its allocator.
func (a *AllocatedHugePages) Release() {
	if a.released {
		return
	}
	a.released = true
	if a.release != nil {
		a.release(a.Pages)
	}
}
