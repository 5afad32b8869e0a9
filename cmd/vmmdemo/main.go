// Command vmmdemo is a small, self-contained walkthrough of the mapping
// engine: it wires internal/memdemo's allocators and a simulated page-table
// backing store (no real hardware page tables — see setupPageTables) to the
// mapper, reloc and crate packages, and narrates each of the end-to-end
// scenarios a production caller would exercise. Output goes through the
// standard fmt package, since this is hosted CLI narration rather than the
// allocation-free diagnostic channel internal/klog serves inside the engine
// itself.
package main

import (
	"debug/elf"
	"fmt"
	"unsafe"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/crate"
	"github.com/theseus-os/vmem/internal/memdemo"
	"github.com/theseus-os/vmem/internal/symname"
	"github.com/theseus-os/vmem/mapper"
	"github.com/theseus-os/vmem/pagetable"
	"github.com/theseus-os/vmem/reloc"
)

// setupPageTables installs a fake PTE-pointer function backed entirely by
// Go-managed memory, standing in for the recursive self-map a real kernel
// would use to reach its own page tables. Every upper level reports present,
// and each leaf entry is kept per entry address, so a leaf written by Map is
// read back by a later Remap or Close. The level of an access is taken from
// call order, which holds because every walk in this demo visits all four
// levels.
func setupPageTables() (restore func()) {
	var p4, p3, p2 pagetable.Entry
	p4.SetFlags(pagetable.Present)
	p3.SetFlags(pagetable.Present)
	p2.SetFlags(pagetable.Present)
	perLevel := []pagetable.Entry{p4, p3, p2}
	leaves := map[uintptr]*pagetable.Entry{}
	calls := 0
	return pagetable.SetPTEPtrFn(func(entryAddr uintptr) unsafe.Pointer {
		level := calls % 4
		calls++
		if level < 3 {
			e := perLevel[level]
			return unsafe.Pointer(&e)
		}
		leaf, ok := leaves[entryAddr]
		if !ok {
			leaf = new(pagetable.Entry)
			leaves[entryAddr] = leaf
		}
		return unsafe.Pointer(leaf)
	})
}

// alignedPage carves a real, page-aligned 4 KiB window out of a larger
// backing array, so reads/writes through a MappedPages land on genuinely
// dereferenceable memory.
func alignedPage() addr.Page {
	const pageSize = uintptr(4096)
	raw := make([]byte, 2*pageSize)
	start := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (start + pageSize - 1) &^ (pageSize - 1)
	return addr.Page(uint64(aligned) / uint64(pageSize))
}

func main() {
	restore := setupPageTables()
	defer restore()

	scenarioBasicMapping()
	scenarioRemapProtectsExecutables()
	scenarioMerge()
	scenarioDeepCopyPreservesAbsoluteRelocation()
	scenarioCrateNaming()
}

// scenarioBasicMapping is SPEC §8 scenario 1: map a page, write then read it
// back, then tear it down.
func scenarioBasicMapping() {
	fmt.Println("--- scenario 1: basic 4 KiB mapping and teardown ---")
	frames := memdemo.NewBitmapFrameAllocator(addr.Frame(1), addr.Frame(64))
	m := mapper.WithP4Frame(addr.Frame(0), frames)

	page := alignedPage()
	pageAlloc := memdemo.NewBitmapPageAllocator(page, page)
	alloc, _ := pageAlloc.AllocatePages(1)

	mp, err := m.Map(alloc, pagetable.Present|pagetable.Writable)
	if err != nil {
		fmt.Printf("map failed: %v\n", err)
		return
	}
	buf, _ := mapper.AsSliceMut[byte](mp, 0, mp.SizeInBytes())
	for i := range buf {
		buf[i] = 0
	}
	readBack, _ := mapper.AsSlice[byte](mp, 0, mp.SizeInBytes())
	fmt.Printf("mapped %d bytes at page %d, first byte after zeroing = %d\n", len(readBack), mp.Pages().Start, readBack[0])
	mp.Close()
	fmt.Println("closed; translations for this range are now gone")
}

// scenarioRemapProtectsExecutables is SPEC §8 scenario 4: a NoExecute
// mapping rejects as_func until remapped.
func scenarioRemapProtectsExecutables() {
	fmt.Println("--- scenario 4: remap protects executables ---")
	frames := memdemo.NewBitmapFrameAllocator(addr.Frame(1), addr.Frame(64))
	m := mapper.WithP4Frame(addr.Frame(0), frames)

	page := alignedPage()
	pageAlloc := memdemo.NewBitmapPageAllocator(page, page)
	alloc, _ := pageAlloc.AllocatePages(1)

	mp, err := m.Map(alloc, pagetable.Present|pagetable.NoExecute)
	if err != nil {
		fmt.Printf("map failed: %v\n", err)
		return
	}
	var carrier uintptr
	if _, err := mapper.AsFunc(mp, 0, &carrier); err != nil {
		fmt.Printf("as_func on a NoExecute mapping correctly failed: %v\n", err)
	}
	if err := mp.Remap(pagetable.Present); err != nil {
		fmt.Printf("remap failed: %v\n", err)
		return
	}
	if _, err := mapper.AsFunc(mp, 0, &carrier); err != nil {
		fmt.Printf("unexpected as_func failure after remap: %v\n", err)
	} else {
		fmt.Println("as_func succeeded after remap to executable")
	}
	if _, err := mapper.AsTypeMut[uint64](mp, 0); err != nil {
		fmt.Printf("as_type_mut correctly rejected (not writable): %v\n", err)
	}
	mp.Close()
}

// scenarioMerge is SPEC §8 scenario 5: two adjacent ranges merge into one
// handle whose single Close tears down both.
func scenarioMerge() {
	fmt.Println("--- scenario 5: merge ---")
	frames := memdemo.NewBitmapFrameAllocator(addr.Frame(1), addr.Frame(64))
	m := mapper.WithP4Frame(addr.Frame(0), frames)

	first := alignedPage()
	pageAlloc := memdemo.NewBitmapPageAllocator(first, first.Add(1))
	alloc1, _ := pageAlloc.AllocatePages(1)
	alloc2, _ := pageAlloc.AllocatePages(1)

	mp1, err := m.Map(alloc1, pagetable.Present|pagetable.Writable)
	if err != nil {
		fmt.Printf("map 1 failed: %v\n", err)
		return
	}
	mp2, err := m.Map(alloc2, pagetable.Present|pagetable.Writable)
	if err != nil {
		fmt.Printf("map 2 failed: %v\n", err)
		return
	}
	sizeBefore := mp1.SizeInBytes()
	if err := mp1.Merge(mp2); err != nil {
		fmt.Printf("merge failed: %v\n", err)
		return
	}
	fmt.Printf("merged: %d bytes -> %d bytes; single Close unmaps both ranges\n", sizeBefore, mp1.SizeInBytes())
	mp1.Close()
}

// scenarioDeepCopyPreservesAbsoluteRelocation is SPEC §8 scenario 6: an
// absolute relocation's value survives a crate deep-copy unrewritten.
func scenarioDeepCopyPreservesAbsoluteRelocation() {
	fmt.Println("--- scenario 6: absolute relocation survives deep-copy ---")
	frames := memdemo.NewBitmapFrameAllocator(addr.Frame(1), addr.Frame(64))
	m := mapper.WithP4Frame(addr.Frame(0), frames)

	oldPage := alignedPage()
	oldMP, err := m.Map(
		mapper.NewAllocatedPages(addr.NewPageRange(oldPage, oldPage), nil),
		crate.DataBssSectionFlags,
	)
	if err != nil {
		fmt.Printf("map failed: %v\n", err)
		return
	}

	foreignSec := crate.NewLoadedSection(crate.SectionData, "other_crate::thing::h1", nil, 0, addr.NewCanonicalVirtualAddress(0x5000), 8, true, crate.WeakCrateRef{})
	sentinel, _ := mapper.AsSliceMut[byte](oldMP, 0, 4)
	copy(sentinel, []byte{0x11, 0x22, 0x33, 0x44})

	c := crate.NewLoadedCrate("demo_crate-deadbeef", "demo_crate.o")
	c.SetDataPages(oldMP, oldMP.Pages().StartAddress(), oldMP.Pages().StartAddress().Add(32))
	secA := crate.NewLoadedSectionWithDependencies(
		crate.SectionData, symname.Demangle("demo_crate::a::h1"), nil, 0,
		oldMP.Pages().StartAddress(), 32, true, c.Downgrade(),
		[]crate.StrongDependency{{Section: foreignSec, Relocation: reloc.Entry{Type: uint32(elf.R_X86_64_32), Offset: 0}}},
		nil, nil,
	)
	c.Sections[0] = secA

	destPage := alignedPage()
	destAlloc := &singlePagePool{page: destPage}
	newCrate, err := c.DeepCopy(destAlloc)
	if err != nil {
		fmt.Printf("deep copy failed: %v\n", err)
		return
	}
	newSecA := newCrate.Sections[0]
	newSentinel, _ := mapper.AsSlice[byte](newSecA.MappedPages(), newSecA.MappedPagesOffset, 4)
	fmt.Printf("sentinel before: %v, after deep-copy: %v (unchanged, since is_absolute() skips the rewrite)\n", sentinel, newSentinel)

	bounds := newCrate.MemoryBounds()
	fmt.Printf("copy's data region: [%#x, %#x) flags=%v\n", bounds.Data.Start.Value(), bounds.Data.End.Value(), bounds.Data.Flags)
}

// scenarioCrateNaming is SPEC §8 scenario 7: module-name parsing.
func scenarioCrateNaming() {
	fmt.Println("--- scenario 7: crate naming ---")
	typ, ns, name, err := crate.ParseCrateObjectName("ksse#my_crate.o")
	if err != nil {
		fmt.Printf("parse failed: %v\n", err)
		return
	}
	fmt.Printf("%q -> type=%s namespace=%q name=%q\n", "ksse#my_crate.o", typ, ns, name)

	if _, _, _, err := crate.ParseCrateObjectName("k#a#b.o"); err != nil {
		fmt.Printf("malformed name correctly rejected: %v\n", err)
	}
}

// singlePagePool hands destPage to exactly one AllocatePages(1) call.
type singlePagePool struct {
	page addr.Page
	used bool
}

func (p *singlePagePool) AllocatePages(count uint64) (mapper.AllocatedPages, bool) {
	if count != 1 || p.used {
		return mapper.AllocatedPages{}, false
	}
	p.used = true
	return mapper.AllocatedPages{Pages: addr.NewPageRange(p.page, p.page)}, true
}

func (p *singlePagePool) AllocateHugePages(uint64, addr.PageSize) (mapper.AllocatedHugePages, bool) {
	return mapper.AllocatedHugePages{}, false
}
