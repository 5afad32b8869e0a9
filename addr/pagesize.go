package addr

import (
	"fmt"

	"github.com/theseus-os/vmem/internal/cpufeat"
	"github.com/theseus-os/vmem/kernel"
)

// ErrUnsupportedPageSize is returned by NewPageSize for any byte size other
// than 4 KiB, 2 MiB or 1 GiB, and for 1 GiB when the CPU does not report
// support for it.
var ErrUnsupportedPageSize = &kernel.Error{Module: "addr", Message: "unsupported page size"}

// PageSize identifies one of the three hardware page-table leaf granularities.
// The zero value is not a valid PageSize; always construct one via
// NewPageSize.
type PageSize struct {
	bytes uint64
	ratio uint64
}

var (
	// Size4KiB is the base page/frame granularity, also the leaf size
	// used by ordinary (non-huge) mappings.
	Size4KiB = PageSize{bytes: 4 * 1024, ratio: 1}
	// Size2MiB is a huge-page leaf at P2.
	Size2MiB = PageSize{bytes: 2 * 1024 * 1024, ratio: 512}
	// Size1GiB is a huge-page leaf at P3, available only when the CPU
	// reports CPUID.80000001H:EDX[26].
	Size1GiB = PageSize{bytes: 1024 * 1024 * 1024, ratio: 262144}
)

// NewPageSize validates sizeInBytes and returns the matching PageSize.
// 1 GiB is rejected with ErrUnsupportedPageSize unless the CPU supports it.
func NewPageSize(sizeInBytes uint64) (PageSize, *kernel.Error) {
	switch sizeInBytes {
	case Size4KiB.bytes:
		return Size4KiB, nil
	case Size2MiB.bytes:
		return Size2MiB, nil
	case Size1GiB.bytes:
		if !cpufeat.Has1GiBPages() {
			return PageSize{}, ErrUnsupportedPageSize
		}
		return Size1GiB, nil
	default:
		return PageSize{}, ErrUnsupportedPageSize
	}
}

// Bytes returns the size in bytes of a page/frame of this size.
func (s PageSize) Bytes() uint64 { return s.bytes }

// HugePageRatio returns the number of base (4 KiB) pages contained in a page
// of this size: 1, 512 or 262144.
func (s PageSize) HugePageRatio() uint64 { return s.ratio }

// IsHuge reports whether this size is larger than the base page size.
func (s PageSize) IsHuge() bool { return s.ratio != 1 }

// String renders the page size for diagnostics, e.g. "2 MiB".
func (s PageSize) String() string {
	switch s.bytes {
	case Size4KiB.bytes:
		return "4 KiB"
	case Size2MiB.bytes:
		return "2 MiB"
	case Size1GiB.bytes:
		return "1 GiB"
	default:
		return fmt.Sprintf("%d bytes", s.bytes)
	}
}
