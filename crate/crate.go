// Package crate models a loaded crate's sections and their dependency
// graph, built on top of the mapper package's virtual-memory handles.
//
// # Representing dependencies between sections
//
// If section A references section B, A has a StrongDependency on B, and B
// has a WeakDependent pointing back at A: A.SectionsIDependOn contains a
// StrongDependency(B), and B.SectionsDependentOnMe contains a
// WeakDependent(A). The asymmetry (strong forward, weak backward) lets A be
// dropped before B but never the reverse, and lets a crate swap find every
// section that depends on a section it is about to replace by walking that
// section's SectionsDependentOnMe list.
package crate

import (
	"sort"
	"sync"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/kernel"
	"github.com/theseus-os/vmem/mapper"
	"github.com/theseus-os/vmem/pagetable"
	"github.com/theseus-os/vmem/reloc"
)

// Region flag sets: the three mapped-pages regions a crate's sections
// partition onto.
const (
	TextSectionFlags    = pagetable.Present
	RodataSectionFlags  = pagetable.Present | pagetable.NoExecute
	DataBssSectionFlags = pagetable.Present | pagetable.NoExecute | pagetable.Writable
)

// regionMapping is one of a crate's (up to three) mapped-pages regions: the
// shared mapping plus the exact virtual-address range this crate's sections
// occupy within it (which need not span the whole mapping).
type regionMapping struct {
	pages *sharedMappedPages
	start addr.VirtualAddress
	end   addr.VirtualAddress
}

func (r *regionMapping) sizeInBytes() uint64 { return r.end.Value() - r.start.Value() }

// LoadedCrate represents a single crate whose object file has been loaded
// and linked into memory.
type LoadedCrate struct {
	mu sync.Mutex

	CrateName  string
	ObjectFile string

	// Sections maps ELF section header index (shndx) to the loaded
	// section, which is how relocations address each other positionally.
	Sections map[uint64]*LoadedSection

	textPages   *regionMapping
	rodataPages *regionMapping
	dataPages   *regionMapping

	GlobalSymbols map[string]struct{}
	// BssSections maps a BSS section's name to the section itself (also
	// present in Sections); a plain mutex-guarded map is the direct
	// translation of the original's name-only lookup usage, since nothing
	// in this engine relies on prefix iteration over that lookup.
	BssSections       map[string]*LoadedSection
	ReexportedSymbols map[string]struct{}

	self WeakCrateRef
}

// NewLoadedCrate creates an empty crate and registers it in the weak-ref
// arena so ParentCrate handles issued to its sections can be upgraded.
func NewLoadedCrate(crateName, objectFile string) *LoadedCrate {
	c := &LoadedCrate{
		CrateName:         crateName,
		ObjectFile:        objectFile,
		Sections:          make(map[uint64]*LoadedSection),
		GlobalSymbols:     make(map[string]struct{}),
		BssSections:       make(map[string]*LoadedSection),
		ReexportedSymbols: make(map[string]struct{}),
	}
	c.self = crateArena.insert(c)
	return c
}

// Downgrade returns a weak reference to this crate.
func (c *LoadedCrate) Downgrade() WeakCrateRef { return c.self }

// SetTextPages installs this crate's executable, read-only region.
func (c *LoadedCrate) SetTextPages(mp *mapper.MappedPages, start, end addr.VirtualAddress) {
	c.textPages = &regionMapping{pages: newSharedMappedPages(mp), start: start, end: end}
}

// SetRodataPages installs this crate's read-only, non-executable region.
func (c *LoadedCrate) SetRodataPages(mp *mapper.MappedPages, start, end addr.VirtualAddress) {
	c.rodataPages = &regionMapping{pages: newSharedMappedPages(mp), start: start, end: end}
}

// SetDataPages installs this crate's read-write region (.data and .bss).
func (c *LoadedCrate) SetDataPages(mp *mapper.MappedPages, start, end addr.VirtualAddress) {
	c.dataPages = &regionMapping{pages: newSharedMappedPages(mp), start: start, end: end}
}

func (c *LoadedCrate) regionFor(typ SectionType) *regionMapping {
	switch typ {
	case SectionText:
		return c.textPages
	case SectionRodata, SectionGccExceptTable, SectionEhFrame:
		return c.rodataPages
	case SectionData, SectionBss:
		return c.dataPages
	default:
		return nil
	}
}

// GetFunctionSection returns the Text section matching funcName, if any.
func (c *LoadedCrate) GetFunctionSection(funcName string) (*LoadedSection, bool) {
	return c.FindSection(func(s *LoadedSection) bool {
		return s.Type == SectionText && s.Name == funcName
	})
}

// FindSection returns the first section satisfying predicate, in shndx
// order.
func (c *LoadedCrate) FindSection(predicate func(*LoadedSection) bool) (*LoadedSection, bool) {
	for _, shndx := range c.sortedShndx() {
		sec := c.Sections[shndx]
		if predicate(sec) {
			return sec, true
		}
	}
	return nil, false
}

func (c *LoadedCrate) sortedShndx() []uint64 {
	keys := make([]uint64, 0, len(c.Sections))
	for k := range c.Sections {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// BssSectionNames returns this crate's BSS section names in sorted order,
// for deterministic diagnostics.
func (c *LoadedCrate) BssSectionNames() []string {
	names := make([]string, 0, len(c.BssSections))
	for name := range c.BssSections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CrateNameWithoutHash returns this crate's name without its trailing build
// hash (the part before the first "-"), or the full name if there is none.
func (c *LoadedCrate) CrateNameWithoutHash() string {
	if idx := indexByte(c.CrateName, '-'); idx >= 0 {
		return c.CrateName[:idx]
	}
	return c.CrateName
}

// CrateNameAsPrefix returns this crate's name (without hash) followed by
// "::", the form used to prefix its symbols.
func (c *LoadedCrate) CrateNameAsPrefix() string {
	return c.CrateNameWithoutHash() + "::"
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// CratesDependentOnMe returns, with possible duplicates, the crates that
// own a section depending on one of this crate's sections.
func (c *LoadedCrate) CratesDependentOnMe() []WeakCrateRef {
	var results []WeakCrateRef
	for _, sec := range c.Sections {
		sec.mu.Lock()
		for _, weakDep := range sec.SectionsDependentOnMe {
			if depSec, ok := weakDep.Section.Get(); ok {
				results = append(results, depSec.ParentCrate)
			}
		}
		sec.mu.Unlock()
	}
	return results
}

// CratesIDependOn returns, with possible duplicates, the crates owning a
// section that one of this crate's sections strongly depends on.
func (c *LoadedCrate) CratesIDependOn() []WeakCrateRef {
	var results []WeakCrateRef
	for _, sec := range c.Sections {
		sec.mu.Lock()
		for _, strongDep := range sec.SectionsIDependOn {
			results = append(results, strongDep.Section.ParentCrate)
		}
		sec.mu.Unlock()
	}
	return results
}

// deepCopyRegion deep-copies region (mapping it writable regardless of its
// final intended flags) and recomputes the crate-local virtual-address
// range it occupies within the new mapping.
func deepCopyRegion(region *regionMapping, pageAlloc mapper.PageAllocator) (*regionMapping, *kernel.Error) {
	if region == nil {
		return nil, nil
	}
	oldMP := region.pages.Lock()
	size := region.sizeInBytes()
	offset := region.start.Value() - oldMP.Pages().StartAddress().Value()
	writable := pagetable.Writable
	newMP, err := oldMP.DeepCopy(pageAlloc, &writable)
	region.pages.Unlock()
	if err != nil {
		return nil, err
	}
	newStart := newMP.Pages().StartAddress().Add(offset)
	return &regionMapping{pages: newSharedMappedPages(newMP), start: newStart, end: newStart.Add(size)}, nil
}

// DeepCopy creates an independent copy of this crate: every mapped region is
// duplicated into fresh memory, every section is rebuilt to point at the
// copy, and every relocation that depended on the old addresses is
// rewritten against the new ones. This is a comparatively slow operation —
// very different from cheaply cloning a *LoadedCrate pointer — and there is
// no way to deep-copy a single section in isolation, since sections within
// a crate share regions and reference each other via relocations.
func (c *LoadedCrate) DeepCopy(pageAlloc mapper.PageAllocator) (*LoadedCrate, *kernel.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newText, err := deepCopyRegion(c.textPages, pageAlloc)
	if err != nil {
		return nil, err
	}
	newRodata, err := deepCopyRegion(c.rodataPages, pageAlloc)
	if err != nil {
		return nil, err
	}
	newData, err := deepCopyRegion(c.dataPages, pageAlloc)
	if err != nil {
		return nil, err
	}

	newCrate := NewLoadedCrate(c.CrateName, c.ObjectFile)
	newCrate.textPages, newCrate.rodataPages, newCrate.dataPages = newText, newRodata, newData
	for sym := range c.GlobalSymbols {
		newCrate.GlobalSymbols[sym] = struct{}{}
	}
	for sym := range c.ReexportedSymbols {
		newCrate.ReexportedSymbols[sym] = struct{}{}
	}

	// First pass: duplicate every section, fixing up the fields that
	// cannot be cloned as-is (parent crate, mapped-pages region, virtual
	// address). Relocations are carried over unrewritten for now.
	for _, shndx := range c.sortedShndx() {
		oldSec := c.Sections[shndx]
		oldSec.mu.Lock()
		region := newCrate.regionFor(oldSec.Type)
		if region == nil {
			oldSec.mu.Unlock()
			return nil, ErrDeepCopyInconsistent
		}
		newVAddr, ok := region.pages.mp.Pages().AddressAtOffset(oldSec.MappedPagesOffset)
		if !ok {
			oldSec.mu.Unlock()
			return nil, ErrDeepCopyInconsistent
		}
		newSec := NewLoadedSectionWithDependencies(
			oldSec.Type,
			oldSec.Name,
			region.pages.retain(),
			oldSec.MappedPagesOffset,
			newVAddr,
			oldSec.Size(),
			oldSec.Global,
			newCrate.self,
			append([]StrongDependency(nil), oldSec.SectionsIDependOn...),
			nil, // no section can depend on a section that was just created
			append([]InternalDependency(nil), oldSec.InternalDependencies...),
		)
		oldSec.mu.Unlock()

		if newSec.Type == SectionBss {
			newCrate.BssSections[newSec.Name] = newSec
		}
		newCrate.Sections[shndx] = newSec
	}

	// Second pass: rewrite relocations now that every new section has its
	// final address.
	for _, newSec := range newCrate.Sections {
		newSec.mu.Lock()
		region := newCrate.regionFor(newSec.Type)

		for i := range newSec.SectionsIDependOn {
			dep := &newSec.SectionsIDependOn[i]
			sourceSec := dep.Section
			sourceSec.mu.Lock()
			var writeErr *kernel.Error
			if !dep.Relocation.IsAbsolute() {
				// An absolute value depends only on the source section,
				// which was not touched by this copy (only the target
				// was duplicated), so the existing value is still correct
				// and only relative relocations are rewritten.
				writeErr = reloc.WriteRelocation(dep.Relocation, region.pages.mp, newSec.MappedPagesOffset, sourceSec.StartAddress())
			}
			if writeErr == nil {
				sourceSec.SectionsDependentOnMe = append(sourceSec.SectionsDependentOnMe, WeakDependent{
					Section:    newSec.Downgrade(),
					Relocation: dep.Relocation,
				})
			}
			sourceSec.mu.Unlock()
			if writeErr != nil {
				newSec.mu.Unlock()
				return nil, writeErr
			}
		}

		for _, internalDep := range newSec.InternalDependencies {
			sourceSec, ok := newCrate.Sections[internalDep.SourceSecShndx]
			if !ok {
				newSec.mu.Unlock()
				return nil, ErrDeepCopyInconsistent
			}
			// The source and target may be the same section; avoid
			// locking it twice in that case.
			var sourceAddr addr.VirtualAddress
			if sourceSec == newSec {
				sourceAddr = newSec.StartAddress()
			} else {
				sourceSec.mu.Lock()
				sourceAddr = sourceSec.StartAddress()
				sourceSec.mu.Unlock()
			}
			if writeErr := reloc.WriteRelocation(internalDep.Relocation, region.pages.mp, newSec.MappedPagesOffset, sourceAddr); writeErr != nil {
				newSec.mu.Unlock()
				return nil, writeErr
			}
		}
		newSec.mu.Unlock()
	}

	// Every new region was mapped writable for the copy; restore text and
	// rodata to their intended permissions. Data/bss are meant to stay
	// writable.
	if newCrate.textPages != nil {
		if err := newCrate.textPages.pages.mp.Remap(TextSectionFlags); err != nil {
			return nil, err
		}
	}
	if newCrate.rodataPages != nil {
		if err := newCrate.rodataPages.pages.mp.Remap(RodataSectionFlags); err != nil {
			return nil, err
		}
	}

	return newCrate, nil
}
