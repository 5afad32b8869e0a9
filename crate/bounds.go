package crate

import (
	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/pagetable"
)

// SectionMemoryBounds describes the virtual-address bounds and mapping
// flags of one of a crate's regions, for diagnostics and tests — the
// mapper and crate algorithms never consult this, since they already hold
// the authoritative *mapper.MappedPages for each region.
type SectionMemoryBounds struct {
	Start addr.VirtualAddress
	End   addr.VirtualAddress
	Flags pagetable.EntryFlag
}

func (b SectionMemoryBounds) sizeInBytes() uint64 { return b.End.Value() - b.Start.Value() }

// AggregatedSectionMemoryBounds summarizes a loaded crate's three mapped
// regions in one value, for a CLI demonstration or test to print or assert
// against without reaching into the crate's unexported region fields.
//
// The original this is supplemented from also carries a stack region
// descriptor, tracked separately because it covers the boot stack set up
// before any crate is loaded; this module has no boot-sequence component
// (out of scope per this engine's Non-goals), so there is no stack region
// to aggregate here.
type AggregatedSectionMemoryBounds struct {
	Text   SectionMemoryBounds
	Rodata SectionMemoryBounds
	Data   SectionMemoryBounds
}

// MemoryBounds reports the virtual-address bounds and flags of this
// crate's text, rodata, and data/bss regions. A region that was never
// installed (via SetTextPages etc.) reports a zero SectionMemoryBounds.
func (c *LoadedCrate) MemoryBounds() AggregatedSectionMemoryBounds {
	c.mu.Lock()
	defer c.mu.Unlock()

	bounds := func(r *regionMapping, flags pagetable.EntryFlag) SectionMemoryBounds {
		if r == nil {
			return SectionMemoryBounds{}
		}
		return SectionMemoryBounds{Start: r.start, End: r.end, Flags: flags}
	}
	return AggregatedSectionMemoryBounds{
		Text:   bounds(c.textPages, TextSectionFlags),
		Rodata: bounds(c.rodataPages, RodataSectionFlags),
		Data:   bounds(c.dataPages, DataBssSectionFlags),
	}
}
