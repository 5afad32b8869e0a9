package mapper

import (
	"unsafe"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/internal/klog"
	"github.com/theseus-os/vmem/kernel"
	"github.com/theseus-os/vmem/pagetable"
)

// MappedPages is an owning handle over a 4 KiB-granularity virtual page
// range mapped into one address space. It carries the target_p4 it was
// created against, the AllocatedPages it consumed, and the flags every leaf
// PTE in its range currently holds.
type MappedPages struct {
	targetP4 addr.Frame
	pages    AllocatedPages
	flags    pagetable.EntryFlag
	frames   FrameAllocator
	owner    *Mapper
	closed   bool
}

// TargetP4 returns the address space this handle's mappings belong to.
func (mp *MappedPages) TargetP4() addr.Frame { return mp.targetP4 }

// Flags returns the flags currently applied to every leaf in this handle's
// range.
func (mp *MappedPages) Flags() pagetable.EntryFlag { return mp.flags }

// Pages returns the virtual page range this handle owns.
func (mp *MappedPages) Pages() addr.PageRange { return mp.pages.Pages }

// SizeInBytes returns the byte size of the mapped region.
func (mp *MappedPages) SizeInBytes() uint64 { return mp.pages.Pages.SizeInBytes() }

// Merge absorbs other into mp, provided both target the same address space,
// carry identical flags, and other begins exactly one page past mp's end.
// On success other's destructor is suppressed (its pages are not released;
// they now belong to mp) and mp's range is extended to cover both. On
// failure mp is unchanged and other remains fully owned by the caller.
func (mp *MappedPages) Merge(other *MappedPages) error {
	if mp.targetP4 != other.targetP4 {
		return ErrMergeDifferentTable
	}
	if mp.flags != other.flags {
		return ErrMergeDifferentFlags
	}
	if other.pages.Pages.Start != mp.pages.Pages.End.Add(1) {
		return ErrMergeNotContiguous
	}
	mp.pages.Pages.End = other.pages.Pages.End
	other.closed = true
	return nil
}

// Remap rewrites every leaf in the handle's range to newFlags, invalidating
// each affected TLB entry. A no-op if newFlags already matches. Fails with
// ErrNotMapped if a leaf in the range is missing, which should not happen
// for a handle that has not been torn down from under its Mapper.
func (mp *MappedPages) Remap(newFlags pagetable.EntryFlag) *kernel.Error {
	newFlags |= pagetable.Present
	if newFlags == mp.flags {
		return nil
	}
	leafLevel := pagetable.PageLevels() - 1
	n := mp.pages.Pages.SizeInPages()
	for i := uint64(0); i < n; i++ {
		virt := uint64(mp.pages.Pages.Start.Add(i).StartAddress())
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
		Shootdown(mp.pages.Pages)
	}
	mp.flags = newFlags
	return nil
}

// DeepCopy allocates a fresh virtual range of equal size from pageAlloc,
// maps it writable, copies the underlying bytes page-by-page, then (if the
// resulting flags differ from the temporary writable mapping) remaps the
// new range to the requested flags. newFlags of nil keeps mp's own flags.
func (mp *MappedPages) DeepCopy(pageAlloc PageAllocator, newFlags *pagetable.EntryFlag) (*MappedPages, *kernel.Error) {
	if mp.owner == nil {
		return nil, ErrWrongAddressSpace
	}
	n := mp.pages.Pages.SizeInPages()
	alloc, ok := pageAlloc.AllocatePages(n)
	if !ok {
		return nil, ErrOutOfMemory
	}
	dest, err := mp.owner.Map(alloc, pagetable.Present|pagetable.Writable)
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
	// Remap whenever the requested flags differ from the temporary
	// writable mapping used for the copy, not only when non-writable: this
	// keeps the flags field equal to the leaf PTE flags invariant exact in
	// every case, at the cost of one extra remap pass the original avoids
	// when the requested flags happen to already be plain writable.
	if requested|pagetable.Present != dest.flags {
		if err := dest.Remap(requested); err != nil {
			dest.Close()
			return nil, err
		}
	}
	return dest, nil
}

// AsType returns a pointer to a T at offset within the mapped region,
// provided offset+sizeof(T) fits. The pointer is only valid for as long as
// the handle remains open.
func AsType[T any](mp *MappedPages, offset uint64) (*T, *kernel.Error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	if offset+size > mp.SizeInBytes() {
		return nil, ErrOutOfBounds
	}
	base := uint64(mp.pages.Pages.StartAddress())
	return (*T)(unsafe.Pointer(uintptr(base + offset))), nil
}

// AsTypeMut is AsType but additionally requires the handle to be writable.
func AsTypeMut[T any](mp *MappedPages, offset uint64) (*T, *kernel.Error) {
	if mp.flags&pagetable.Writable == 0 {
		return nil, ErrNotWritable
	}
	return AsType[T](mp, offset)
}

// AsSlice returns a []T of the given length starting at byteOffset within
// the mapped region, provided it fits.
func AsSlice[T any](mp *MappedPages, byteOffset, length uint64) ([]T, *kernel.Error) {
	var zero T
	elemSize := uint64(unsafe.Sizeof(zero))
	if byteOffset+length*elemSize > mp.SizeInBytes() {
		return nil, ErrOutOfBounds
	}
	base := uint64(mp.pages.Pages.StartAddress())
	return unsafe.Slice((*T)(unsafe.Pointer(uintptr(base+byteOffset))), int(length)), nil
}

// AsSliceMut is AsSlice but additionally requires the handle to be writable.
func AsSliceMut[T any](mp *MappedPages, byteOffset, length uint64) ([]T, *kernel.Error) {
	if mp.flags&pagetable.Writable == 0 {
		return nil, ErrNotWritable
	}
	return AsSlice[T](mp, byteOffset, length)
}

// CodePointer is the resolved address of an executable offset inside a
// MappedPages. Callers cast it to a concrete function type with a
// documented, site-local unsafe conversion, e.g.
// fn := *(*func())(unsafe.Pointer(&cp)); the carrier parameter to AsFunc
// exists solely to anchor that conversion's lifetime at the call site.
type CodePointer uintptr

// AsFunc requires the handle to be executable (NoExecute clear), writes the
// resolved address into carrier, and returns it as a CodePointer.
func AsFunc(mp *MappedPages, offset uint64, carrier *uintptr) (CodePointer, *kernel.Error) {
	if mp.flags&pagetable.NoExecute != 0 {
		return 0, ErrNotExecutable
	}
	if offset > mp.SizeInBytes() {
		return 0, ErrOutOfBounds
	}
	base := uint64(mp.pages.Pages.StartAddress())
	*carrier = uintptr(base + offset)
	return CodePointer(*carrier), nil
}

// Close unmaps the handle's range, invalidates the TLB for each page,
// broadcasts one shootdown for the whole range if a broadcaster is
// registered, and releases the underlying AllocatedPages and frames. It
// never panics: a leaked range is preferable to a corrupted address space,
// so a target_p4 mismatch against the owning Mapper is logged and skipped
// rather than treated as fatal. Close is idempotent.
func (mp *MappedPages) Close() {
	if mp.closed {
		return
	}
	mp.closed = true
	if mp.owner == nil || mp.owner.TargetP4 != mp.targetP4 {
		klog.Printf("mapper: MappedPages.Close skipped: %s\n", ErrWrongAddressSpace.Error())
		return
	}
	leafLevel := pagetable.PageLevels() - 1
	n := mp.pages.Pages.SizeInPages()
	for i := uint64(0); i < n; i++ {
		virt := uint64(mp.pages.Pages.Start.Add(i).StartAddress())
		pagetable.Walk(virt, func(level int, entryAddr uintptr, pte *pagetable.Entry) bool {
			if level != leafLevel {
				return pte.HasFlags(pagetable.Present)
			}
			if pte.HasFlags(pagetable.Present) {
				frame := pte.Frame()
				pte.Clear()
				flushTLBEntryFn(uintptr(virt))
				if mp.frames != nil {
					mp.frames.Free(frame)
				}
			}
			return false
		})
	}
	if Shootdown != nil {
		Shootdown(mp.pages.Pages)
	}
	mp.pages.Release()
}
