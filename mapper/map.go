package mapper

import (
	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/kernel"
	"github.com/theseus-os/vmem/kernel/mem"
	"github.com/theseus-os/vmem/pagetable"
)

// nextAddrFn resolves the virtual address of a newly-created intermediate
// table before it is zeroed. Production code leaves this as the identity
// function, relying on the recursive-mapping identity that NextTableAddr's
// result is already the table's own virtual address; tests substitute a fn
// that redirects to a real backing array, since the synthetic addresses a
// faked ptePtrFn produces are not real memory.
var nextAddrFn = func(v uintptr) uintptr { return v }

// ensurePathAndSetLeaf walks virtAddr's page-table path, creating and
// zeroing any missing intermediate table with topLevelFlags along the way,
// and invokes setLeaf once the entry at leafLevel is reached. This single
// helper backs MapTo, Map and MapHuge; the 4 KiB path and the huge paths
// differ only in which level is the leaf and what setLeaf does there,
// mirroring the teacher's choice to inline table creation into the walk
// callback rather than factor it into the access layer.
func (m *Mapper) ensurePathAndSetLeaf(virtAddr uint64, leafLevel int, topLevelFlags pagetable.EntryFlag, setLeaf func(pte *pagetable.Entry) *kernel.Error) *kernel.Error {
	var opErr *kernel.Error
	pagetable.Walk(virtAddr, func(level int, entryAddr uintptr, pte *pagetable.Entry) bool {
		if level == leafLevel {
			opErr = setLeaf(pte)
			return false
		}
		if pte.HasFlags(pagetable.HugePage) {
			opErr = ErrAlreadyMapped
			return false
		}
		if !pte.HasFlags(pagetable.Present) {
			frame, ok := m.Frames.AllocateFrame()
			if !ok {
				opErr = ErrOutOfMemory
				return false
			}
			pte.Set(frame, topLevelFlags)
			next := nextAddrFn(pagetable.NextTableAddr(entryAddr, level))
			mem.Memset(next, 0, mem.PageSize)
		}
		return true
	})
	return opErr
}

// hugeLeafLevel returns the pagetable level (0=P4..3=P1) at which a leaf of
// the given size lives: P1 for 4 KiB, P2 for 2 MiB, P3 for 1 GiB.
func hugeLeafLevel(size addr.PageSize) int {
	switch size.HugePageRatio() {
	case addr.Size1GiB.HugePageRatio():
		return 1
	case addr.Size2MiB.HugePageRatio():
		return 2
	default:
		return 3
	}
}

// MapTo maps pages onto frames one-to-one with the given flags, using
// exactly the frames supplied rather than asking the frame allocator. It
// consumes pages: on success, ownership of its range passes to the returned
// MappedPages.
func (m *Mapper) MapTo(pages AllocatedPages, frames addr.FrameRange, flags pagetable.EntryFlag) (*MappedPages, *kernel.Error) {
	if pages.Pages.SizeInPages() != frames.SizeInFrames() {
		return nil, ErrPageCountMismatch
	}
	top := flags &^ pagetable.NoExecute
	leafFlags := flags | pagetable.Present
	n := pages.Pages.SizeInPages()
	for i := uint64(0); i < n; i++ {
		page := pages.Pages.Start.Add(i)
		frame := frames.Start.Add(i)
		virt := uint64(page.StartAddress())
		if err := m.ensurePathAndSetLeaf(virt, pagetable.PageLevels()-1, top, func(pte *pagetable.Entry) *kernel.Error {
			if !pte.IsUnused() {
				return ErrAlreadyMapped
			}
			pte.Set(frame, leafFlags)
			flushTLBEntryFn(uintptr(virt))
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return &MappedPages{targetP4: m.TargetP4, pages: pages, flags: leafFlags, frames: m.Frames, owner: m}, nil
}

// Map maps pages with the given flags, asking the frame allocator for one
// frame per page. It consumes pages.
func (m *Mapper) Map(pages AllocatedPages, flags pagetable.EntryFlag) (*MappedPages, *kernel.Error) {
	top := flags &^ pagetable.NoExecute
	leafFlags := flags | pagetable.Present
	n := pages.Pages.SizeInPages()
	for i := uint64(0); i < n; i++ {
		page := pages.Pages.Start.Add(i)
		virt := uint64(page.StartAddress())
		if err := m.ensurePathAndSetLeaf(virt, pagetable.PageLevels()-1, top, func(pte *pagetable.Entry) *kernel.Error {
			if !pte.IsUnused() {
				return ErrAlreadyMapped
			}
			frame, ok := m.Frames.AllocateFrame()
			if !ok {
				return ErrOutOfMemory
			}
			pte.Set(frame, leafFlags)
			flushTLBEntryFn(uintptr(virt))
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return &MappedPages{targetP4: m.TargetP4, pages: pages, flags: leafFlags, frames: m.Frames, owner: m}, nil
}

// MapHuge maps pages at their intrinsic huge granularity, allocating one
// aligned frame block per huge unit. A Size4KiB range is mapped through the
// same P1 leaf path Map uses, without the HUGE_PAGE bit; 2 MiB and 1 GiB
// ranges set HUGE_PAGE at P2/P3 respectively. It consumes pages.
func (m *Mapper) MapHuge(pages AllocatedHugePages, flags pagetable.EntryFlag) (*MappedHugePages, *kernel.Error) {
	size := pages.Pages.Size
	top := flags &^ pagetable.NoExecute
	leafLevel := hugeLeafLevel(size)
	leafFlags := flags | pagetable.Present
	if size.IsHuge() {
		leafFlags |= pagetable.HugePage
	}
	ratio := size.HugePageRatio()
	n := pages.Pages.NumHugeUnits()
	for i := uint64(0); i < n; i++ {
		page := pages.Pages.Start.Add(i * ratio)
		virt := uint64(page.StartAddress())
		frameRange, ok := m.Frames.AllocateAlignedFrames(ratio, ratio)
		if !ok {
			return nil, ErrOutOfMemory
		}
		leafFrame := frameRange.Start
		if err := m.ensurePathAndSetLeaf(virt, leafLevel, top, func(pte *pagetable.Entry) *kernel.Error {
			if !pte.IsUnused() {
				return ErrAlreadyMapped
			}
			pte.Set(leafFrame, leafFlags)
			flushTLBEntryFn(uintptr(virt))
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return &MappedHugePages{targetP4: m.TargetP4, pages: pages, flags: leafFlags, frames: m.Frames, owner: m}, nil
}
