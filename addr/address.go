// Package addr provides the address and page/frame geometry primitives that
// everything else in this module is built on: canonical virtual and physical
// addresses, page/frame numbers at three hardware page granularities, and the
// inclusive ranges over them.
package addr

import "github.com/theseus-os/vmem/kernel"

const (
	// PageShift is log2(4 KiB), the base page size used throughout this
	// module.
	PageShift = 12

	// pageSizeBytes is the base page size in bytes.
	pageSizeBytes = uint64(1) << PageShift

	// canonicalShift is used to sign-extend bit 47 into bits 48-63 of a
	// virtual address.
	canonicalShift = 16

	// physAddrHighBitsMask covers bits 52-63, which must be zero for a
	// valid physical address.
	physAddrHighBitsMask = uint64(0xFFF0000000000000)

	// MaxFrameNumber and MaxPageNumber bound saturating arithmetic on
	// Frame/Page values; physical addresses are 52 bits wide and virtual
	// addresses 48, so the largest frame number is (2^52 / 4096) - 1 and
	// the largest page number is (2^48 / 4096) - 1.
	MaxFrameNumber = uint64(1)<<(52-PageShift) - 1
	MaxPageNumber  = uint64(1)<<(48-PageShift) - 1
)

var (
	// ErrNonCanonicalAddress is returned by VirtualAddress.New when bits
	// 48-63 do not sign-extend bit 47.
	ErrNonCanonicalAddress = &kernel.Error{Module: "addr", Message: "virtual address is not canonical"}

	// ErrHighBitsSet is returned by PhysicalAddress.New when bits 52-63
	// are non-zero.
	ErrHighBitsSet = &kernel.Error{Module: "addr", Message: "physical address has non-zero high bits"}
)

// VirtualAddress is a canonical 64-bit x86_64 virtual address: bits 48-63
// must equal bit 47 (sign-extended).
type VirtualAddress uint64

// NewVirtualAddress validates v is canonical and returns ErrNonCanonicalAddress
// otherwise.
func NewVirtualAddress(v uint64) (VirtualAddress, *kernel.Error) {
	if canonicalize(v) != v {
		return 0, ErrNonCanonicalAddress
	}
	return VirtualAddress(v), nil
}

// NewCanonicalVirtualAddress forces canonicality via sign-extension of bit 47,
// discarding any bits above 48 the caller may have set.
func NewCanonicalVirtualAddress(v uint64) VirtualAddress {
	return VirtualAddress(canonicalize(v))
}

func canonicalize(v uint64) uint64 {
	return uint64(int64(v<<canonicalShift) >> canonicalShift)
}

// Value returns the raw 64-bit value of this address.
func (v VirtualAddress) Value() uint64 { return uint64(v) }

// PageOffset returns the offset of this address within its containing 4 KiB
// page.
func (v VirtualAddress) PageOffset() uint64 { return uint64(v) & (pageSizeBytes - 1) }

// HugePageOffset returns the offset of this address within a huge page of
// the given size.
func (v VirtualAddress) HugePageOffset(size PageSize) uint64 {
	return uint64(v) & (size.Bytes() - 1)
}

// Add returns v+delta, saturating and re-canonicalizing at the maximum
// representable virtual address.
func (v VirtualAddress) Add(delta uint64) VirtualAddress {
	sum := uint64(v) + delta
	if sum < uint64(v) {
		sum = ^uint64(0)
	}
	return NewCanonicalVirtualAddress(sum)
}

// Sub returns v-delta, saturating at zero.
func (v VirtualAddress) Sub(delta uint64) VirtualAddress {
	if delta > uint64(v) {
		return 0
	}
	return NewCanonicalVirtualAddress(uint64(v) - delta)
}

// PhysicalAddress is a 64-bit physical address; bits 52-63 must be zero.
type PhysicalAddress uint64

// NewPhysicalAddress validates p has no bits set above bit 51 and returns
// ErrHighBitsSet otherwise.
func NewPhysicalAddress(p uint64) (PhysicalAddress, *kernel.Error) {
	if p&physAddrHighBitsMask != 0 {
		return 0, ErrHighBitsSet
	}
	return PhysicalAddress(p), nil
}

// NewCanonicalPhysicalAddress masks off any bits above bit 51.
func NewCanonicalPhysicalAddress(p uint64) PhysicalAddress {
	return PhysicalAddress(p &^ physAddrHighBitsMask)
}

// Value returns the raw 64-bit value of this address.
func (p PhysicalAddress) Value() uint64 { return uint64(p) }

// PageOffset returns the offset of this address within its containing 4 KiB
// frame.
func (p PhysicalAddress) PageOffset() uint64 { return uint64(p) & (pageSizeBytes - 1) }

// Add returns p+delta, saturating and masking at the maximum representable
// physical address.
func (p PhysicalAddress) Add(delta uint64) PhysicalAddress {
	sum := uint64(p) + delta
	if sum < uint64(p) {
		sum = ^uint64(0)
	}
	return NewCanonicalPhysicalAddress(sum)
}

// Sub returns p-delta, saturating at zero.
func (p PhysicalAddress) Sub(delta uint64) PhysicalAddress {
	if delta > uint64(p) {
		return 0
	}
	return NewCanonicalPhysicalAddress(uint64(p) - delta)
}
