// Package pagetable provides the typed view of the four x86_64 page-table
// levels (P4-P1): entry flag bits, entry value accessors, and the
// recursive-mapping-based access to the table backing any physical frame.
package pagetable

import "github.com/theseus-os/vmem/addr"

// EntryFlag describes a flag that can be applied to a page table entry. Bit
// positions match the hardware layout exactly, since entries are written
// straight into CR3-reachable memory.
type EntryFlag uintptr

const (
	// Present is set when the page is available in memory.
	Present EntryFlag = 1 << iota
	// Writable is set if the page can be written to.
	Writable
	// UserAccessible is set if user-mode code may access this page.
	UserAccessible
	// WriteThrough implies write-through caching when set.
	WriteThrough
	// NoCache prevents this page from being cached if set.
	NoCache
	// Accessed is set by the CPU when the page is accessed.
	Accessed
	// Dirty is set by the CPU when the page is modified.
	Dirty
	// HugePage is set when the entry is a huge-page leaf (2 MiB at P2, 1
	// GiB at P3).
	HugePage
	// Global prevents the TLB from flushing this entry's translation on
	// a CR3 reload.
	Global
)

const (
	// NoExecute marks a leaf as non-executable. Only ever set on leaf
	// entries; intermediate entries must keep it clear or nothing below
	// them would be reachable as executable.
	NoExecute EntryFlag = 1 << 63
)

// entryAddrMask covers bits 12-51, the physical frame address encoded in an
// entry.
const entryAddrMask = uintptr(0x000ffffffffff000)

// Entry is a single page table entry: an encoded physical frame number plus
// flag bits.
type Entry uintptr

// IsUnused reports whether every bit of this entry is zero.
func (e Entry) IsUnused() bool { return e == 0 }

// HasFlags returns true if this entry has every one of the given flags set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return uintptr(e)&uintptr(flags) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the given flags
// set.
func (e Entry) HasAnyFlag(flags EntryFlag) bool {
	return uintptr(e)&uintptr(flags) != 0
}

// SetFlags ORs the given flags into this entry.
func (e *Entry) SetFlags(flags EntryFlag) {
	*e = Entry(uintptr(*e) | uintptr(flags))
}

// ClearFlags clears the given flags from this entry.
func (e *Entry) ClearFlags(flags EntryFlag) {
	*e = Entry(uintptr(*e) &^ uintptr(flags))
}

// Frame returns the physical frame this entry points to.
func (e Entry) Frame() addr.Frame {
	return addr.Frame((uintptr(e) & entryAddrMask) >> addr.PageShift)
}

// SetFrame updates the entry to point at the given physical frame, leaving
// its flags untouched.
func (e *Entry) SetFrame(f addr.Frame) {
	*e = Entry((uintptr(*e) &^ entryAddrMask) | (uintptr(f) << addr.PageShift))
}

// Set overwrites the entry to point at frame f with exactly the given flags
// plus Present.
func (e *Entry) Set(f addr.Frame, flags EntryFlag) {
	*e = Entry((uintptr(f) << addr.PageShift) | uintptr(flags|Present))
}

// Clear zeroes the entry, marking it unused.
func (e *Entry) Clear() { *e = 0 }

// Table is one level of the page-table hierarchy: 512 entries backed by a
// single 4 KiB physical frame.
type Table [512]Entry

// Zero clears every entry in the table.
func (t *Table) Zero() {
	for i := range t {
		t[i] = 0
	}
}
