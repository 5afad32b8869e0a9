// Package mapper implements the virtual-to-physical mapping engine: Mapper
// walks and writes page tables through the recursive self-mapping exposed by
// package pagetable, and MappedPages/MappedHugePages are the owning handles
// it hands back to callers.
package mapper

import (
	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/internal/klog"
	"github.com/theseus-os/vmem/kernel/cpu"
	"github.com/theseus-os/vmem/pagetable"
)

// flushTLBEntryFn invalidates a single virtual address's TLB entry.
// Production code leaves this as cpu.FlushTLBEntry; tests substitute a fake
// to observe which addresses were flushed without real hardware.
var flushTLBEntryFn = cpu.FlushTLBEntry

// ShootdownBroadcaster is invoked once, with the whole affected page range,
// whenever a MappedPages/MappedHugePages destructor or remap has modified
// live translations that other CPUs may have cached. A single-CPU caller may
// leave this nil.
type ShootdownBroadcaster func(addr.PageRange)

// Shootdown is the registered broadcaster, or nil if none is registered.
var Shootdown ShootdownBroadcaster

// Mapper represents exclusive write access to one address space's page
// tables, reached through the recursive self-mapping at the current
// RecursiveIndex slot. It is not safe for concurrent use: callers serialize
// access to a given target_p4, typically with a mutex they hold across a
// mapping operation.
type Mapper struct {
	// TargetP4 is the frame backing the P4 table this Mapper writes through.
	// Every PTE this Mapper modifies belongs to the address space rooted at
	// this frame.
	TargetP4 addr.Frame

	// Frames supplies physical frames for new mappings and intermediate
	// tables. Required for Map/MapTo/MapHuge; Translate and DumpPTE do not
	// use it.
	Frames FrameAllocator
}

// FromActiveP4 builds a Mapper for the currently loaded P4, as reported by
// the CPU's active page directory table register.
func FromActiveP4(frames FrameAllocator) *Mapper {
	return &Mapper{TargetP4: addr.Frame(cpu.ActivePDT() >> addr.PageShift), Frames: frames}
}

// WithP4Frame builds a Mapper for an explicitly named P4 frame, e.g. one
// being constructed for a not-yet-active address space.
func WithP4Frame(p4 addr.Frame, frames FrameAllocator) *Mapper {
	return &Mapper{TargetP4: p4, Frames: frames}
}

// Translate walks the page tables for v and returns the physical address it
// maps to, honoring 1 GiB and 2 MiB huge leaves, or ok=false if any level of
// the walk is not present.
func (m *Mapper) Translate(v addr.VirtualAddress) (phys addr.PhysicalAddress, ok bool) {
	pagetable.Walk(uint64(v), func(level int, entryAddr uintptr, pte *pagetable.Entry) bool {
		if !pte.HasFlags(pagetable.Present) {
			ok = false
			return false
		}
		switch level {
		case 1: // P3
			if pte.HasFlags(pagetable.HugePage) {
				leaf := pte.Frame()
				if uint64(leaf)%addr.Size1GiB.HugePageRatio() != 0 {
					panic("mapper: 1 GiB leaf frame is not 262144-aligned")
				}
				phys = leaf.StartAddress().Add(v.HugePageOffset(addr.Size1GiB))
				ok = true
				return false
			}
			return true
		case 2: // P2
			if pte.HasFlags(pagetable.HugePage) {
				leaf := pte.Frame()
				if uint64(leaf)%addr.Size2MiB.HugePageRatio() != 0 {
					panic("mapper: 2 MiB leaf frame is not 512-aligned")
				}
				phys = leaf.StartAddress().Add(v.HugePageOffset(addr.Size2MiB))
				ok = true
				return false
			}
			return true
		case 3: // P1
			phys = pte.Frame().StartAddress().Add(v.PageOffset())
			ok = true
			return false
		}
		return true
	})
	return phys, ok
}

// DumpPTE walks P4 through P1 for v and logs, at each level, the raw entry
// value and its decoded flag set. It never mutates state.
func (m *Mapper) DumpPTE(v addr.VirtualAddress) {
	levelNames := [4]string{"P4", "P3", "P2", "P1"}
	pagetable.Walk(uint64(v), func(level int, entryAddr uintptr, pte *pagetable.Entry) bool {
		klog.Printf("mapper: %s entry for %x = %x [present=%t writable=%t huge=%t noexec=%t]\n",
			levelNames[level], uint64(v), uint64(*pte),
			pte.HasFlags(pagetable.Present), pte.HasFlags(pagetable.Writable),
			pte.HasFlags(pagetable.HugePage), pte.HasFlags(pagetable.NoExecute))
		return pte.HasFlags(pagetable.Present) && !pte.HasFlags(pagetable.HugePage)
	})
}
