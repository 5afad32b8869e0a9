package mapper

import (
	"unsafe"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/internal/klog"
	"github.com/theseus-os/vmem/kernel"
	"github.com/theseus-os/vmem/pagetable"
)

// MappedHugePages is the huge-granularity counterpart of MappedPages: an
// owning handle over a range mapped at a single huge page size (2 MiB or
// 1 GiB), or at 4 KiB via the same P1 leaf path MappedPages uses.
type MappedHugePages struct {
	targetP4 addr.Frame
	pages    AllocatedHugePages
	flags    pagetable.EntryFlag
	frames   FrameAllocator
	owner    *Mapper
	closed   bool
}

// TargetP4 returns the address space this handle's mappings belong to.
func (mp *MappedHugePages) TargetP4() addr.Frame { return mp.targetP4 }

// Flags returns the flags currently applied to every leaf in this handle's
// range.
func (mp *MappedHugePages) Flags() pagetable.EntryFlag { return mp.flags }

// HugePages returns the huge page range this handle owns.
func (mp *MappedHugePages) HugePages() addr.HugePageRange { return mp.pages.Pages }

// SizeInBytes returns the byte size of the mapped region.
func (mp *MappedHugePages) SizeInBytes() uint64 { return mp.pages.Pages.SizeInBytes() }

// Merge is not supported for huge pages.
func (mp *MappedHugePages) Merge(*MappedHugePages) error {
	return ErrMergeUnsupported
}

// Remap rewrites every leaf in the handle's range to newFlags, invalidating
// each affected TLB entry.
func (mp *MappedHugePages) Remap(newFlags pagetable.EntryFlag) *kernel.Error {
	newFlags |= pagetable.Present
	if mp.pages.Pages.Size.IsHuge() {
		newFlags |= pagetable.HugePage
	}
	if newFlags == mp.flags {
		return nil
	}
	leafLevel := hugeLeafLevel(mp.pages.Pages.Size)
	ratio := mp.pages.Pages.Size.HugePageRatio()
	n := mp.pages.Pages.NumHugeUnits()
	for i := uint64(0); i < n; i++ {
		virt := uint64(mp.pages.Pages.Start.Add(i * ratio).StartAddress())
		var opErr *kernel.Error
		pagetable.Walk(virt, func(level int, entryAddr uintptr, pte *pagetable.Entry) bool {
			if !pte.HasFlags(pagetable.Present) {
				opErr = ErrNotMapped
				return false
			}
			if level != leafLevel {
				return true
			}
			pte.Set(pte.Frame(), newFlags)
			flushTLBEntryFn(uintptr(virt))
			return false
		})
		if opErr != nil {
			return opErr
		}
	}
	if Shootdown != nil {
		Shootdown(addr.PageRange{Start: mp.pages.Pages.Start, End: mp.pages.Pages.End})
	}
	mp.flags = newFlags
	return nil
}

// DeepCopy is the huge-page counterpart of MappedPages.DeepCopy.
func (mp *MappedHugePages) DeepCopy(pageAlloc PageAllocator, newFlags *pagetable.EntryFlag) (*MappedHugePages, *kernel.Error) {
	if mp.owner == nil {
		return nil, ErrWrongAddressSpace
	}
	n := mp.pages.Pages.NumHugeUnits()
	alloc, ok := pageAlloc.AllocateHugePages(n, mp.pages.Pages.Size)
	if !ok {
		return nil, ErrOutOfMemory
	}
	dest, err := mp.owner.MapHuge(alloc, pagetable.Present|pagetable.Writable)
	if err != nil {
		alloc.Release()
		return nil, err
	}

	srcBase := uint64(mp.pages.Pages.StartAddress())
	dstBase := uint64(dest.pages.Pages.StartAddress())
	size := int(mp.SizeInBytes())
	srcBytes := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(srcBase))), size)
	dstBytes := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dstBase))), size)
	copy(dstBytes, srcBytes)

	requested := mp.flags
	if newFlags != nil {
		requested = *newFlags
	}
	wantFlags := requested | pagetable.Present
	if dest.pages.Pages.Size.IsHuge() {
		wantFlags |= pagetable.HugePage
	}
	if wantFlags != dest.flags {
		if err := dest.Remap(requested); err != nil {
			dest.Close()
			return nil, err
		}
	}
	return dest, nil
}

// AsType returns a pointer to a T at offset within the mapped region.
func AsTypeHuge[T any](mp *MappedHugePages, offset uint64) (*T, *kernel.Error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	if offset+size > mp.SizeInBytes() {
		return nil, ErrOutOfBounds
	}
	base := uint64(mp.pages.Pages.StartAddress())
	return (*T)(unsafe.Pointer(uintptr(base + offset))), nil
}

// AsTypeMutHuge is AsTypeHuge but additionally requires the handle to be
// writable.
func AsTypeMutHuge[T any](mp *MappedHugePages, offset uint64) (*T, *kernel.Error) {
	if mp.flags&pagetable.Writable == 0 {
		return nil, ErrNotWritable
	}
	return AsTypeHuge[T](mp, offset)
}

// AsSliceHuge returns a []T of the given length starting at byteOffset.
func AsSliceHuge[T any](mp *MappedHugePages, byteOffset, length uint64) ([]T, *kernel.Error) {
	var zero T
	elemSize := uint64(unsafe.Sizeof(zero))
	if byteOffset+length*elemSize > mp.SizeInBytes() {
		return nil, ErrOutOfBounds
	}
	base := uint64(mp.pages.Pages.StartAddress())
	return unsafe.Slice((*T)(unsafe.Pointer(uintptr(base+byteOffset))), int(length)), nil
}

// AsSliceMutHuge is AsSliceHuge but additionally requires the handle to be
// writable.
func AsSliceMutHuge[T any](mp *MappedHugePages, byteOffset, length uint64) ([]T, *kernel.Error) {
	if mp.flags&pagetable.Writable == 0 {
		return nil, ErrNotWritable
	}
	return AsSliceHuge[T](mp, byteOffset, length)
}

// Close tears down every leaf in the range, invalidates the TLB per huge
// unit, broadcasts one shootdown for the whole range if registered, and
// releases the AllocatedHugePages and backing frames. Never panics; a
// target_p4 mismatch is logged and skipped. Idempotent.
func (mp *MappedHugePages) Close() {
	if mp.closed {
		return
	}
	mp.closed = true
	if mp.owner == nil || mp.owner.TargetP4 != mp.targetP4 {
		klog.Printf("mapper: MappedHugePages.Close skipped: %s\n", ErrWrongAddressSpace.Error())
		return
	}
	leafLevel := hugeLeafLevel(mp.pages.Pages.Size)
	ratio := mp.pages.Pages.Size.HugePageRatio()
	n := mp.pages.Pages.NumHugeUnits()
	for i := uint64(0); i < n; i++ {
		virt := uint64(mp.pages.Pages.Start.Add(i * ratio).StartAddress())
		pagetable.Walk(virt, func(level int, entryAddr uintptr, pte *pagetable.Entry) bool {
			if level != leafLevel {
				return pte.HasFlags(pagetable.Present)
			}
			if pte.HasFlags(pagetable.Present) {
				leafFrame := pte.Frame()
				pte.Clear()
				flushTLBEntryFn(uintptr(virt))
				if mp.frames != nil {
					mp.frames.FreeRange(addr.FrameRange{Start: leafFrame, End: leafFrame.Add(ratio - 1)})
				}
			}
			return false
		})
	}
	if Shootdown != nil {
		Shootdown(addr.PageRange{Start: mp.pages.Pages.Start, End: mp.pages.Pages.End})
	}
	mp.pages.Release()
}
