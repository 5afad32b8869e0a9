package mapper

import (
	"testing"
	"unsafe"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/pagetable"
)

// fakeFrameAllocator is a minimal FrameAllocator for tests: AllocateFrame
// hands out sequential frame numbers from a fixed pool, AllocateAlignedFrames
// always succeeds with a block starting at the next alignment boundary.
type fakeFrameAllocator struct {
	next  uint64
	freed []addr.Frame
}

func (f *fakeFrameAllocator) AllocateFrame() (addr.Frame, bool) {
	f.next++
	return addr.Frame(f.next), true
}

func (f *fakeFrameAllocator) AllocateAlignedFrames(count, alignment uint64) (addr.FrameRange, bool) {
	if f.next%alignment != 0 {
		f.next += alignment - (f.next % alignment)
	}
	start := addr.Frame(f.next)
	f.next += count
	return addr.FrameRange{Start: start, End: addr.Frame(f.next - 1)}, true
}

func (f *fakeFrameAllocator) Free(frame addr.Frame) { f.freed = append(f.freed, frame) }

func (f *fakeFrameAllocator) FreeRange(frames addr.FrameRange) {
	f.freed = append(f.freed, frames.Start)
}

// presentPTEFn returns a ptePtrFn that hands back a fresh, independent Entry
// per call preloaded with the given per-level flags/frame: safe whenever the
// exercised code path never
// creates a missing intermediate table (so mem.Memset is never invoked
// against the synthetic address Walk computes).
func presentPTEFn(perLevel []pagetable.Entry) (fn func(uintptr) unsafe.Pointer, calls *int) {
	n := 0
	calls = &n
	fn = func(uintptr) unsafe.Pointer {
		e := perLevel[*calls]
		*calls++
		return unsafe.Pointer(&e)
	}
	return fn, calls
}

func TestTranslate4KiBLeaf(t *testing.T) {
	frame := addr.Frame(42)
	var leaf pagetable.Entry
	leaf.Set(frame, pagetable.Present|pagetable.Writable)
	p4, p3, p2 := pagetable.Entry(0), pagetable.Entry(0), pagetable.Entry(0)
	p4.SetFlags(pagetable.Present)
	p3.SetFlags(pagetable.Present)
	p2.SetFlags(pagetable.Present)

	fn, _ := presentPTEFn([]pagetable.Entry{p4, p3, p2, leaf})
	restore := pagetable.SetPTEPtrFn(fn)
	defer restore()

	m := &Mapper{TargetP4: addr.Frame(1)}
	v := addr.NewCanonicalVirtualAddress(0x1234)
	phys, ok := m.Translate(v)
	if !ok {
		t.Fatal("expected translate to succeed")
	}
	if want := frame.StartAddress().Add(v.PageOffset()); phys != want {
		t.Errorf("expected phys addr %#x; got %#x", want, phys)
	}
}

func TestTranslateNotPresent(t *testing.T) {
	fn, _ := presentPTEFn([]pagetable.Entry{0})
	restore := pagetable.SetPTEPtrFn(fn)
	defer restore()

	m := &Mapper{TargetP4: addr.Frame(1)}
	if _, ok := m.Translate(0); ok {
		t.Fatal("expected translate to fail when P4 entry is not present")
	}
}

func TestTranslate1GiBLeaf(t *testing.T) {
	leafFrame := addr.Frame(262144) // 512*512, correctly aligned
	var p3Leaf pagetable.Entry
	p3Leaf.Set(leafFrame, pagetable.Present|pagetable.HugePage)
	var p4 pagetable.Entry
	p4.SetFlags(pagetable.Present)

	fn, _ := presentPTEFn([]pagetable.Entry{p4, p3Leaf})
	restore := pagetable.SetPTEPtrFn(fn)
	defer restore()

	m := &Mapper{TargetP4: addr.Frame(1)}
	v := addr.NewCanonicalVirtualAddress(0x40001000)
	phys, ok := m.Translate(v)
	if !ok {
		t.Fatal("expected translate to succeed for 1 GiB leaf")
	}
	if want := leafFrame.StartAddress().Add(v.HugePageOffset(addr.Size1GiB)); phys != want {
		t.Errorf("expected phys addr %#x; got %#x", want, phys)
	}
}

func TestMapToPageCountMismatch(t *testing.T) {
	m := &Mapper{TargetP4: addr.Frame(1), Frames: &fakeFrameAllocator{}}
	pages := AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(1))}
	frames := addr.NewFrameRange(addr.Frame(0), addr.Frame(5))
	if _, err := m.MapTo(pages, frames, pagetable.Present|pagetable.Writable); err != ErrPageCountMismatch {
		t.Fatalf("expected ErrPageCountMismatch; got %v", err)
	}
}

func TestMapToAlreadyMapped(t *testing.T) {
	var p4, p3, p2 pagetable.Entry
	p4.SetFlags(pagetable.Present)
	p3.SetFlags(pagetable.Present)
	p2.SetFlags(pagetable.Present)
	var leaf pagetable.Entry
	leaf.Set(addr.Frame(9), pagetable.Present)

	fn, _ := presentPTEFn([]pagetable.Entry{p4, p3, p2, leaf})
	restore := pagetable.SetPTEPtrFn(fn)
	defer restore()

	m := &Mapper{TargetP4: addr.Frame(1), Frames: &fakeFrameAllocator{}}
	pages := AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(0))}
	frames := addr.NewFrameRange(addr.Frame(5), addr.Frame(5))
	if _, err := m.MapTo(pages, frames, pagetable.Present|pagetable.Writable); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped; got %v", err)
	}
}

func TestMapCreatesIntermediateTables(t *testing.T) {
	// Grounded on the teacher's TestMapTemporaryAmd64: a real backing array
	// stands in for the four page-table levels, ptePtrFn resolves each
	// Walk call to the next row in sequence (Walk always visits P4..P1 in
	// order for a single-page Map), and nextAddrFn redirects the
	// newly-"allocated" table's zeroing target to that same row instead of
	// the synthetic, non-dereferenceable address Walk computes internally.
	const levels = 4
	var physPages [levels][512]pagetable.Entry
	allocator := &fakeFrameAllocator{}

	pteCallCount := 0
	restorePte := pagetable.SetPTEPtrFn(func(entry uintptr) unsafe.Pointer {
		pteIndex := (entry % 4096) / 8
		row := pteCallCount
		pteCallCount++
		return unsafe.Pointer(&physPages[row][pteIndex])
	})
	defer restorePte()

	origNextAddrFn := nextAddrFn
	nextAddrFn = func(uintptr) uintptr {
		// pteCallCount has already advanced past the level whose entry was
		// just written; that level's child table is the next row.
		return uintptr(unsafe.Pointer(&physPages[pteCallCount][0]))
	}
	defer func() { nextAddrFn = origNextAddrFn }()

	m := &Mapper{TargetP4: addr.Frame(1), Frames: allocator}
	pages := AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(0))}
	mp, err := m.Map(pages, pagetable.Present|pagetable.Writable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mp.Flags()&pagetable.Present == 0 {
		t.Error("expected mapped handle to carry Present")
	}
	leaf := physPages[3][0]
	if !leaf.HasFlags(pagetable.Present | pagetable.Writable) {
		t.Error("expected leaf entry to carry Present|Writable")
	}
	for level := 0; level < 3; level++ {
		if !physPages[level][0].HasFlags(pagetable.Present) {
			t.Errorf("expected intermediate entry at level %d to be Present", level)
		}
	}
}

func TestMergeRequiresAdjacencyAndEqualFlags(t *testing.T) {
	a := &MappedPages{targetP4: addr.Frame(1), flags: pagetable.Present | pagetable.Writable,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(3))}}
	b := &MappedPages{targetP4: addr.Frame(1), flags: pagetable.Present | pagetable.Writable,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(4), addr.Page(7))}}

	if err := a.Merge(b); err != nil {
		t.Fatalf("expected adjacent merge to succeed: %v", err)
	}
	if a.pages.Pages.End != addr.Page(7) {
		t.Errorf("expected merged range to extend to page 7; got %v", a.pages.Pages.End)
	}
	if !b.closed {
		t.Error("expected other's destructor to be suppressed after merge")
	}
}

func TestMergeMismatchLeavesBothHandlesIntact(t *testing.T) {
	a := &MappedPages{targetP4: addr.Frame(1), flags: pagetable.Present,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(3))}}
	b := &MappedPages{targetP4: addr.Frame(1), flags: pagetable.Present,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(5), addr.Page(7))}} // gap at page 4

	if err := a.Merge(b); err != ErrMergeNotContiguous {
		t.Fatalf("expected ErrMergeNotContiguous; got %v", err)
	}
	if b.closed {
		t.Error("expected other handle to remain open on merge failure")
	}

	c := &MappedPages{targetP4: addr.Frame(2), flags: pagetable.Present,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(4), addr.Page(7))}}
	if err := a.Merge(c); err != ErrMergeDifferentTable {
		t.Fatalf("expected ErrMergeDifferentTable; got %v", err)
	}

	d := &MappedPages{targetP4: addr.Frame(1), flags: pagetable.Present | pagetable.Writable,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(4), addr.Page(7))}}
	if err := a.Merge(d); err != ErrMergeDifferentFlags {
		t.Fatalf("expected ErrMergeDifferentFlags; got %v", err)
	}
}

func TestHugeMergeUnsupported(t *testing.T) {
	a := &MappedHugePages{}
	b := &MappedHugePages{}
	if err := a.Merge(b); err != ErrMergeUnsupported {
		t.Fatalf("expected ErrMergeUnsupported; got %v", err)
	}
}

func TestRemapNoopWhenFlagsUnchanged(t *testing.T) {
	mp := &MappedPages{flags: pagetable.Present | pagetable.Writable,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(0))}}
	if err := mp.Remap(pagetable.Writable); err != nil {
		t.Fatalf("expected no-op remap to succeed; got %v", err)
	}
}

func TestAsTypeOutOfBounds(t *testing.T) {
	mp := &MappedPages{flags: pagetable.Present | pagetable.Writable,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(0))}}
	if _, err := AsType[uint64](mp, mp.SizeInBytes()); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds; got %v", err)
	}
}

func TestAsTypeMutRequiresWritable(t *testing.T) {
	mp := &MappedPages{flags: pagetable.Present,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(0))}}
	if _, err := AsTypeMut[uint64](mp, 0); err != ErrNotWritable {
		t.Fatalf("expected ErrNotWritable; got %v", err)
	}
}

func TestAsSliceOutOfBounds(t *testing.T) {
	mp := &MappedPages{flags: pagetable.Present | pagetable.Writable,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(0))}}
	if _, err := AsSlice[byte](mp, 0, mp.SizeInBytes()+1); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds; got %v", err)
	}
}

func TestAsFuncRequiresExecutable(t *testing.T) {
	mp := &MappedPages{flags: pagetable.Present | pagetable.NoExecute,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(0))}}
	var carrier uintptr
	if _, err := AsFunc(mp, 0, &carrier); err != ErrNotExecutable {
		t.Fatalf("expected ErrNotExecutable; got %v", err)
	}
}

func TestAsFuncWritesCarrier(t *testing.T) {
	mp := &MappedPages{flags: pagetable.Present,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(1), addr.Page(1))}}
	var carrier uintptr
	cp, err := AsFunc(mp, 16, &carrier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uintptr(cp) != carrier {
		t.Error("expected returned CodePointer to equal the carrier's value")
	}
	if carrier != uintptr(mp.pages.Pages.StartAddress())+16 {
		t.Errorf("expected carrier to equal mapped base+offset; got %#x", carrier)
	}
}

func TestCloseSkipsOnAddressSpaceMismatch(t *testing.T) {
	owner := &Mapper{TargetP4: addr.Frame(1)}
	mp := &MappedPages{targetP4: addr.Frame(2), owner: owner,
		pages: AllocatedPages{Pages: addr.NewPageRange(addr.Page(0), addr.Page(0))}}
	mp.Close() // must not panic despite the mismatch
	if !mp.closed {
		t.Error("expected Close to mark the handle closed even when skipping teardown")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	mp := &MappedPages{closed: true}
	mp.Close() // second call must be a no-op; absence of panic is the assertion
}
