package memdemo

import (
	"sync"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/mapper"
)

// BitmapPageAllocator hands out virtual page ranges from a single
// caller-supplied region, using the same free-bitmap scheme as
// BitmapFrameAllocator. Released ranges are marked free again, so it is
// suitable for tests that map, unmap and remap repeatedly.
type BitmapPageAllocator struct {
	mu sync.Mutex

	start, end addr.Page // inclusive
	freeBitmap []uint64
}

// NewBitmapPageAllocator creates an allocator over the inclusive page range
// [start, end].
func NewBitmapPageAllocator(start, end addr.Page) *BitmapPageAllocator {
	count := uint64(end-start) + 1
	return &BitmapPageAllocator{
		start:      start,
		end:        end,
		freeBitmap: make([]uint64, (count+63)/64),
	}
}

func (a *BitmapPageAllocator) relIndex(p addr.Page) uint64 { return uint64(p - a.start) }
func (a *BitmapPageAllocator) isFree(rel uint64) bool {
	return a.freeBitmap[rel/64]&(uint64(1)<<(rel%64)) == 0
}
func (a *BitmapPageAllocator) markUsed(rel uint64) { a.freeBitmap[rel/64] |= uint64(1) << (rel % 64) }
func (a *BitmapPageAllocator) markFree(rel uint64)  { a.freeBitmap[rel/64] &^= uint64(1) << (rel % 64) }

func (a *BitmapPageAllocator) rangeFree(rel, count uint64) bool {
	for i := uint64(0); i < count; i++ {
		if !a.isFree(rel + i) {
			return false
		}
	}
	return true
}

// AllocatePages reserves a range of count contiguous 4 KiB pages.
func (a *BitmapPageAllocator) AllocatePages(count uint64) (mapper.AllocatedPages, bool) {
	a.mu.Lock()
	total := uint64(a.end-a.start) + 1
	var found bool
	var rel uint64
	for rel = 0; rel+count <= total; rel++ {
		if a.rangeFree(rel, count) {
			found = true
			break
		}
	}
	if !found {
		a.mu.Unlock()
		return mapper.AllocatedPages{}, false
	}
	for i := uint64(0); i < count; i++ {
		a.markUsed(rel + i)
	}
	a.mu.Unlock()

	startPage := a.start.Add(rel)
	pages := addr.NewPageRange(startPage, startPage.Add(count-1))
	return mapper.NewAllocatedPages(pages, a.release), true
}

func (a *BitmapPageAllocator) release(pages addr.PageRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := pages.Start; p <= pages.End; p = p.Add(1) {
		a.markFree(a.relIndex(p))
	}
}

// AllocateHugePages is unsupported by this demonstration allocator: callers
// exercising huge-page mappings are expected to supply their own
// granularity-aware allocator, since a single flat bitmap over 4 KiB pages
// cannot honor the alignment a huge leaf requires.
func (a *BitmapPageAllocator) AllocateHugePages(count uint64, size addr.PageSize) (mapper.AllocatedHugePages, bool) {
	return mapper.AllocatedHugePages{}, false
}
