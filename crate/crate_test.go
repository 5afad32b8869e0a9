package crate

import (
	"debug/elf"
	"testing"
	"unsafe"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/mapper"
	"github.com/theseus-os/vmem/pagetable"
	"github.com/theseus-os/vmem/reloc"
)

func TestParseCrateObjectNameBasic(t *testing.T) {
	typ, ns, name, err := ParseCrateObjectName("k#my_crate.o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != CrateKernel || ns != "" || name != "my_crate.o" {
		t.Errorf("got (%v, %q, %q)", typ, ns, name)
	}
}

func TestParseCrateObjectNameWithNamespace(t *testing.T) {
	typ, ns, name, err := ParseCrateObjectName("ksse#my_crate.o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != CrateKernel || ns != "sse" || name != "my_crate.o" {
		t.Errorf("got (%v, %q, %q)", typ, ns, name)
	}
}

func TestParseCrateObjectNameMalformed(t *testing.T) {
	if _, _, _, err := ParseCrateObjectName("k#a#b.o"); err != ErrMalformedCrateName {
		t.Fatalf("expected ErrMalformedCrateName; got %v", err)
	}
}

func TestParseCrateObjectNameUnknownPrefix(t *testing.T) {
	if _, _, _, err := ParseCrateObjectName("z#my_crate.o"); err == nil {
		t.Fatal("expected an error for an unrecognized crate type prefix")
	}
}

func TestSectionNameWithoutHash(t *testing.T) {
	got := SectionNameWithoutHash("keyboard_new::init::h832430094f98e56b")
	if want := "keyboard_new::init::h"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := SectionNameWithoutHash("start_me"); got != "start_me" {
		t.Errorf("expected unchanged name for a hashless symbol; got %q", got)
	}
}

func TestWeakSectionRefInvalidatesOnRemoval(t *testing.T) {
	sec := NewLoadedSection(SectionData, "test::sec", nil, 0, 0, 8, false, WeakCrateRef{})
	weak := sec.Downgrade()
	if _, ok := weak.Get(); !ok {
		t.Fatal("expected a freshly created section's weak ref to upgrade")
	}
	sectionArena.invalidate(weak.index)
	if _, ok := weak.Get(); ok {
		t.Error("expected weak ref to fail to upgrade after invalidation")
	}
}

// --- DeepCopy -----------------------------------------------------------

type fakeFrameAllocator struct{ next uint64 }

func (f *fakeFrameAllocator) AllocateFrame() (addr.Frame, bool) {
	f.next++
	return addr.Frame(f.next), true
}
func (f *fakeFrameAllocator) AllocateAlignedFrames(count, alignment uint64) (addr.FrameRange, bool) {
	start := addr.Frame(f.next + 1)
	f.next += count
	return addr.FrameRange{Start: start, End: addr.Frame(uint64(start) + count - 1)}, true
}
func (f *fakeFrameAllocator) Free(addr.Frame)           {}
func (f *fakeFrameAllocator) FreeRange(addr.FrameRange) {}

// fixedPagePool hands out real, page-aligned pages from a caller-supplied
// list, one per AllocatePages(1) call, so DeepCopy's destination region
// lands on genuinely dereferenceable memory.
type fixedPagePool struct {
	pages []addr.Page
	i     int
}

func (p *fixedPagePool) AllocatePages(count uint64) (mapper.AllocatedPages, bool) {
	if count != 1 || p.i >= len(p.pages) {
		return mapper.AllocatedPages{}, false
	}
	pg := p.pages[p.i]
	p.i++
	return mapper.AllocatedPages{Pages: addr.NewPageRange(pg, pg)}, true
}
func (p *fixedPagePool) AllocateHugePages(uint64, addr.PageSize) (mapper.AllocatedHugePages, bool) {
	return mapper.AllocatedHugePages{}, false
}

// pageAlignedPage carves a real, page-aligned 4 KiB window out of a larger
// backing array and returns the addr.Page containing it.
func pageAlignedPage(t *testing.T) addr.Page {
	t.Helper()
	const pageSize = uintptr(4096)
	raw := make([]byte, 2*pageSize)
	start := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (start + pageSize - 1) &^ (pageSize - 1)
	return addr.Page(uint64(aligned) / uint64(pageSize))
}

// repeatingPresentPTEFn always reports P4/P3/P2 present and the leaf unused,
// regardless of which virtual address is being walked, which is enough for
// any number of Map/DeepCopy-internal-Map calls in a test: the path is
// always already complete, so only the leaf is ever set (and immediately
// discarded, since the fake hands back a fresh local copy every call).
func repeatingPresentPTEFn() func(uintptr) unsafe.Pointer {
	var p4, p3, p2 pagetable.Entry
	p4.SetFlags(pagetable.Present)
	p3.SetFlags(pagetable.Present)
	p2.SetFlags(pagetable.Present)
	perLevel := []pagetable.Entry{p4, p3, p2, 0}
	calls := 0
	return func(uintptr) unsafe.Pointer {
		e := perLevel[calls%4]
		calls++
		return unsafe.Pointer(&e)
	}
}

func TestLoadedCrateDeepCopyRewritesRelocations(t *testing.T) {
	restore := pagetable.SetPTEPtrFn(repeatingPresentPTEFn())
	defer restore()

	m := mapper.WithP4Frame(addr.Frame(0), &fakeFrameAllocator{})

	oldPage := pageAlignedPage(t)
	oldMP, mErr := m.MapTo(
		mapper.AllocatedPages{Pages: addr.NewPageRange(oldPage, oldPage)},
		addr.FrameRange{Start: addr.Frame(1), End: addr.Frame(1)},
		DataBssSectionFlags,
	)
	if mErr != nil {
		t.Fatalf("MapTo: %v", mErr)
	}

	// A standalone "foreign" section this crate's secA has an absolute
	// dependency on: absolute relocations are never rewritten, so its
	// value should survive the deep copy unchanged.
	foreignSec := NewLoadedSection(SectionData, "other_crate::thing", nil, 0, addr.NewCanonicalVirtualAddress(0x5000), 8, true, WeakCrateRef{})

	sentinel, sErr := mapper.AsSliceMut[byte](oldMP, 24, 4)
	if sErr != nil {
		t.Fatalf("AsSliceMut: %v", sErr)
	}
	copy(sentinel, []byte{0xEF, 0xBE, 0xAD, 0xDE})

	c := NewLoadedCrate("test_crate-abc123", "test_crate.o")
	c.SetDataPages(oldMP, oldMP.Pages().StartAddress(), oldMP.Pages().StartAddress().Add(64))

	secA := NewLoadedSectionWithDependencies(
		SectionData, "test_crate::a::h1", newSharedMappedPages(oldMP).retain(), 0,
		oldMP.Pages().StartAddress(), 32, true, c.Downgrade(),
		[]StrongDependency{{Section: foreignSec, Relocation: reloc.Entry{Type: uint32(elf.R_X86_64_32), Addend: 5, Offset: 24}}},
		nil,
		[]InternalDependency{{Relocation: reloc.Entry{Type: uint32(elf.R_X86_64_PC32), Offset: 0}, SourceSecShndx: 0}},
	)
	secB := NewLoadedSectionWithDependencies(
		SectionBss, "test_crate::b::h2", newSharedMappedPages(oldMP).retain(), 32,
		oldMP.Pages().StartAddress().Add(32), 32, false, c.Downgrade(),
		nil, nil,
		[]InternalDependency{{Relocation: reloc.Entry{Type: uint32(elf.R_X86_64_64), Offset: 0}, SourceSecShndx: 0}},
	)
	c.Sections[0] = secA
	c.Sections[1] = secB
	c.BssSections[secB.Name] = secB

	destPage := pageAlignedPage(t)
	newCrate, err := c.DeepCopy(&fixedPagePool{pages: []addr.Page{destPage}})
	if err != nil {
		t.Fatalf("DeepCopy: %v", err)
	}

	if len(newCrate.Sections) != 2 {
		t.Fatalf("expected 2 sections in the copy; got %d", len(newCrate.Sections))
	}
	newSecA := newCrate.Sections[0]
	newSecB := newCrate.Sections[1]
	if newSecA.Name != secA.Name || newSecB.Name != secB.Name {
		t.Error("expected section names to be preserved")
	}
	if _, ok := newCrate.BssSections[newSecB.Name]; !ok {
		t.Error("expected the new Bss section to be indexed in BssSections")
	}

	// The self-referential PC32 relocation (offset 0 of a section pointing
	// at its own start) must evaluate to exactly 0 after rewriting.
	selfRef, vErr := mapper.AsType[uint32](newCrate.dataPages.pages.mp, newSecA.MappedPagesOffset+0)
	if vErr != nil {
		t.Fatalf("AsType: %v", vErr)
	}
	if *selfRef != 0 {
		t.Errorf("expected self-referential PC32 relocation to evaluate to 0; got %#x", *selfRef)
	}

	// secB's internal dependency on secA must now hold secA's new address.
	crossRef, vErr := mapper.AsType[uint64](newCrate.dataPages.pages.mp, newSecB.MappedPagesOffset+0)
	if vErr != nil {
		t.Fatalf("AsType: %v", vErr)
	}
	if *crossRef != newSecA.StartAddress().Value() {
		t.Errorf("expected internal dependency to point at new secA address %#x; got %#x", newSecA.StartAddress().Value(), *crossRef)
	}

	// The absolute dependency on the foreign section must be byte-for-byte
	// unchanged, since is_absolute() relocations are never rewritten.
	gotSentinel, vErr := mapper.AsSlice[byte](newCrate.dataPages.pages.mp, newSecA.MappedPagesOffset+24, 4)
	if vErr != nil {
		t.Fatalf("AsSlice: %v", vErr)
	}
	for i, want := range []byte{0xEF, 0xBE, 0xAD, 0xDE} {
		if gotSentinel[i] != want {
			t.Errorf("absolute relocation sentinel byte %d changed: got %#x, want %#x", i, gotSentinel[i], want)
		}
	}

	// The foreign section secA strongly depends on must have gained a
	// WeakDependent back-edge to the new secA, even though the absolute
	// relocation itself was not rewritten.
	if _, ok := foreignSec.FindWeakDependent(newSecA); !ok {
		t.Error("expected foreignSec.SectionsDependentOnMe to contain newSecA")
	}
}

func TestLoadedCrateMemoryBoundsReportsInstalledRegionsOnly(t *testing.T) {
	restore := pagetable.SetPTEPtrFn(repeatingPresentPTEFn())
	defer restore()

	m := mapper.WithP4Frame(addr.Frame(0), &fakeFrameAllocator{})
	page := pageAlignedPage(t)
	mp, mErr := m.MapTo(
		mapper.AllocatedPages{Pages: addr.NewPageRange(page, page)},
		addr.FrameRange{Start: addr.Frame(1), End: addr.Frame(1)},
		DataBssSectionFlags,
	)
	if mErr != nil {
		t.Fatalf("MapTo: %v", mErr)
	}

	c := NewLoadedCrate("bounds_crate-abc123", "bounds_crate.o")
	c.SetDataPages(mp, mp.Pages().StartAddress(), mp.Pages().StartAddress().Add(64))

	bounds := c.MemoryBounds()
	if bounds.Data.Start != mp.Pages().StartAddress() || bounds.Data.End != mp.Pages().StartAddress().Add(64) {
		t.Errorf("got data bounds %+v", bounds.Data)
	}
	if bounds.Data.Flags != DataBssSectionFlags {
		t.Errorf("got data flags %v, want %v", bounds.Data.Flags, DataBssSectionFlags)
	}
	if bounds.Text != (SectionMemoryBounds{}) || bounds.Rodata != (SectionMemoryBounds{}) {
		t.Error("expected text/rodata bounds to remain zero-valued; neither region was installed")
	}
}
