// Package memdemo provides self-contained demonstration implementations of
// mapper.FrameAllocator and mapper.PageAllocator, for callers (tests, the
// vmmdemo CLI) that need working allocators but are not backed by any real
// boot-time memory map. A freestanding kernel would replace both with an
// allocator wired to its own physical memory manager.
package memdemo

import (
	"sync"

	"github.com/theseus-os/vmem/addr"
)

// BitmapFrameAllocator tracks frame reservations across a single contiguous
// pool using a free bitmap, the same bookkeeping scheme a bootmem-style
// physical frame allocator uses, minus any coupling to a boot-time memory
// map: the pool bounds are supplied directly by the caller.
type BitmapFrameAllocator struct {
	mu sync.Mutex

	start, end addr.Frame // inclusive
	freeBitmap []uint64
	freeCount  uint64
}

// NewBitmapFrameAllocator creates an allocator over the inclusive frame range
// [start, end], with every frame initially free.
func NewBitmapFrameAllocator(start, end addr.Frame) *BitmapFrameAllocator {
	count := uint64(end-start) + 1
	return &BitmapFrameAllocator{
		start:      start,
		end:        end,
		freeBitmap: make([]uint64, (count+63)/64),
		freeCount:  count,
	}
}

func (a *BitmapFrameAllocator) relIndex(f addr.Frame) uint64 { return uint64(f - a.start) }

func (a *BitmapFrameAllocator) isFree(rel uint64) bool {
	return a.freeBitmap[rel/64]&(uint64(1)<<(rel%64)) == 0
}

func (a *BitmapFrameAllocator) markUsed(rel uint64) { a.freeBitmap[rel/64] |= uint64(1) << (rel % 64) }
func (a *BitmapFrameAllocator) markFree(rel uint64)  { a.freeBitmap[rel/64] &^= uint64(1) << (rel % 64) }

// AllocateFrame returns a single free frame, scanning the bitmap for the
// first unused bit.
func (a *BitmapFrameAllocator) AllocateFrame() (addr.Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := uint64(a.end-a.start) + 1
	for rel := uint64(0); rel < total; rel++ {
		if a.isFree(rel) {
			a.markUsed(rel)
			a.freeCount--
			return a.start.Add(rel), true
		}
	}
	return 0, false
}

// AllocateAlignedFrames returns a contiguous run of count frames whose start
// frame number is a multiple of alignmentInFrames.
func (a *BitmapFrameAllocator) AllocateAlignedFrames(count, alignmentInFrames uint64) (addr.FrameRange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alignmentInFrames == 0 {
		alignmentInFrames = 1
	}
	total := uint64(a.end-a.start) + 1
	for rel := uint64(0); rel+count <= total; rel++ {
		if (uint64(a.start)+rel)%alignmentInFrames != 0 {
			continue
		}
		if !a.rangeFree(rel, count) {
			continue
		}
		for i := uint64(0); i < count; i++ {
			a.markUsed(rel + i)
		}
		a.freeCount -= count
		startFrame := a.start.Add(rel)
		return addr.NewFrameRange(startFrame, startFrame.Add(count-1)), true
	}
	return addr.FrameRange{}, false
}

func (a *BitmapFrameAllocator) rangeFree(rel, count uint64) bool {
	for i := uint64(0); i < count; i++ {
		if !a.isFree(rel + i) {
			return false
		}
	}
	return true
}

// Free returns a single frame to the allocator.
func (a *BitmapFrameAllocator) Free(f addr.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rel := a.relIndex(f)
	if !a.isFree(rel) {
		a.markFree(rel)
		a.freeCount++
	}
}

// FreeRange returns a contiguous run of frames to the allocator.
func (a *BitmapFrameAllocator) FreeRange(frames addr.FrameRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := frames.Start; f <= frames.End; f = f.Add(1) {
		rel := a.relIndex(f)
		if !a.isFree(rel) {
			a.markFree(rel)
			a.freeCount++
		}
	}
}

// FreeCount returns the number of currently unallocated frames, for
// diagnostics.
func (a *BitmapFrameAllocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCount
}
