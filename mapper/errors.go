package mapper

import (
	"github.com/theseus-os/vmem/kernel"
	"github.com/theseus-os/vmem/kernel/errors"
)

var (
	// ErrPageCountMismatch is returned by MapTo when the page range and frame
	// range passed to it span a different number of units.
	ErrPageCountMismatch = &kernel.Error{Module: "mapper", Message: "page count does not match frame count"}

	// ErrAlreadyMapped is returned when the target leaf entry is already in
	// use, or when an intermediate entry in the walk path is itself a huge
	// leaf and therefore blocks descent.
	ErrAlreadyMapped = &kernel.Error{Module: "mapper", Message: "target is already mapped"}

	// ErrOutOfMemory is returned when the frame allocator cannot satisfy a
	// request made on the caller's behalf (map, map_huge, or an intermediate
	// table frame).
	ErrOutOfMemory = &kernel.Error{Module: "mapper", Message: "frame allocator exhausted"}

	// ErrNotMapped is returned by remap when a page in the handle's range has
	// no present leaf entry, which should not happen for a live handle and
	// indicates the address space was mutated out from under it.
	ErrNotMapped = &kernel.Error{Module: "mapper", Message: "page is not mapped"}

	// ErrMergeUnsupported is returned by MappedHugePages.Merge; merging huge
	// handles is not supported. A parameter-free precondition, so it uses
	// the lightweight KernelError style rather than *kernel.Error's
	// module/message split.
	ErrMergeUnsupported = errors.KernelError("merge is not supported for huge pages")

	// ErrMergeDifferentTable is returned by MappedPages.Merge when the two
	// handles were created against different target_p4 address spaces.
	ErrMergeDifferentTable = errors.KernelError("cannot merge handles targeting different address spaces")

	// ErrMergeDifferentFlags is returned by MappedPages.Merge when the two
	// handles' leaf flags differ.
	ErrMergeDifferentFlags = errors.KernelError("cannot merge handles with different flags")

	// ErrMergeNotContiguous is returned by MappedPages.Merge when other does
	// not begin exactly one page past mp's end.
	ErrMergeNotContiguous = errors.KernelError("cannot merge non-contiguous handles")

	// ErrOutOfBounds is returned by as_type/as_slice when the requested
	// region does not fit within the handle's mapped size.
	ErrOutOfBounds = &kernel.Error{Module: "mapper", Message: "offset and length exceed mapped region"}

	// ErrNotWritable is returned by the _mut accessors when the handle's
	// flags do not include Writable.
	ErrNotWritable = &kernel.Error{Module: "mapper", Message: "mapped region is not writable"}

	// ErrNotExecutable is returned by AsFunc when the handle's flags mark the
	// region non-executable (NoExecute set).
	ErrNotExecutable = &kernel.Error{Module: "mapper", Message: "mapped region is not executable"}

	// ErrWrongAddressSpace is returned by DeepCopy when the handle has no
	// owning Mapper. Close does not return it, per the destructor's
	// cannot-fail contract: it only logs it and skips teardown when the
	// owning Mapper is missing or its target_p4 does not match the one the
	// handle was created with.
	ErrWrongAddressSpace = &kernel.Error{Module: "mapper", Message: "mapper targets a different address space than this handle"}
)
