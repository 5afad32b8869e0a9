package crate

import (
	"strings"
	"sync"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/kernel"
	"github.com/theseus-os/vmem/mapper"
	"github.com/theseus-os/vmem/reloc"
)

// SectionType is the kind of a section loaded from a crate object file.
type SectionType int

const (
	SectionText SectionType = iota
	SectionRodata
	SectionData
	SectionBss
	// SectionGccExceptTable holds exception-handling landing pads (the
	// LSDA), used to decide where stack unwinding should stop.
	SectionGccExceptTable
	// SectionEhFrame holds stack-unwinding and destructor-call information.
	SectionEhFrame
)

// hashDelimiter marks the start of the compiler-generated hash suffix a
// mangled symbol name carries.
const hashDelimiter = "::h"

// sharedMappedPages is a reference-counted, mutex-guarded wrapper around a
// single *mapper.MappedPages, since every section that overlays a given
// region shares that one mapping and must observe the same flags.
type sharedMappedPages struct {
	mu       sync.Mutex
	mp       *mapper.MappedPages
	refCount int32
}

func newSharedMappedPages(mp *mapper.MappedPages) *sharedMappedPages {
	return &sharedMappedPages{mp: mp, refCount: 1}
}

func (s *sharedMappedPages) retain() *sharedMappedPages {
	s.mu.Lock()
	s.refCount++
	s.mu.Unlock()
	return s
}

// release drops one reference, closing the underlying mapping once the
// count reaches zero.
func (s *sharedMappedPages) release() {
	s.mu.Lock()
	s.refCount--
	dead := s.refCount == 0
	s.mu.Unlock()
	if dead {
		s.mp.Close()
	}
}

// Lock acquires exclusive access for a mutating operation (remap, a
// typed-mut write) and returns the underlying handle; callers must Unlock
// when done.
func (s *sharedMappedPages) Lock() *mapper.MappedPages {
	s.mu.Lock()
	return s.mp
}

func (s *sharedMappedPages) Unlock() { s.mu.Unlock() }

// StrongDependency records that the section owning this struct depends on
// Section, which lives in a foreign crate (or the same crate, via a
// separate InternalDependency list — see below). The dependency is a
// strong reference because Section must outlive every section that
// depends on it.
type StrongDependency struct {
	Section    *LoadedSection
	Relocation reloc.Entry
}

// WeakDependent records that some other section depends on the section
// owning this struct. It is a weak reference: a dependent section may be
// removed before the section it depends on, but not the other way around,
// so this list must not keep its targets alive.
type WeakDependent struct {
	Section    WeakSectionRef
	Relocation reloc.Entry
}

// InternalDependency records a same-crate dependency by ELF section index
// rather than by reference, so a crate can be deep-copied and have its
// relocations rewritten without needing to re-parse the original ELF file.
type InternalDependency struct {
	Relocation     reloc.Entry
	SourceSecShndx uint64
}

// LoadedSection is a single section loaded from a crate's object file.
type LoadedSection struct {
	mu sync.Mutex

	Type SectionType
	// Name is the fully-qualified, possibly-mangled symbol name, e.g.
	// "my_crate::my_function::hbce878984534ceda".
	Name string

	mappedPages       *sharedMappedPages
	MappedPagesOffset uint64

	addressStart addr.VirtualAddress
	addressEnd   addr.VirtualAddress

	Global      bool
	ParentCrate WeakCrateRef

	SectionsIDependOn     []StrongDependency
	SectionsDependentOnMe []WeakDependent
	InternalDependencies  []InternalDependency

	self WeakSectionRef
}

// NewLoadedSection creates a section with empty dependency lists.
func NewLoadedSection(typ SectionType, name string, mp *sharedMappedPages, mappedPagesOffset uint64, virtAddr addr.VirtualAddress, size uint64, global bool, parentCrate WeakCrateRef) *LoadedSection {
	return NewLoadedSectionWithDependencies(typ, name, mp, mappedPagesOffset, virtAddr, size, global, parentCrate, nil, nil, nil)
}

// NewLoadedSectionWithDependencies is NewLoadedSection but with the given
// dependency lists instead of empty ones.
func NewLoadedSectionWithDependencies(
	typ SectionType,
	name string,
	mp *sharedMappedPages,
	mappedPagesOffset uint64,
	virtAddr addr.VirtualAddress,
	size uint64,
	global bool,
	parentCrate WeakCrateRef,
	sectionsIDependOn []StrongDependency,
	sectionsDependentOnMe []WeakDependent,
	internalDependencies []InternalDependency,
) *LoadedSection {
	sec := &LoadedSection{
		Type:                  typ,
		Name:                  name,
		mappedPages:           mp,
		MappedPagesOffset:     mappedPagesOffset,
		addressStart:          virtAddr,
		addressEnd:            virtAddr.Add(size),
		Global:                global,
		ParentCrate:           parentCrate,
		SectionsIDependOn:     sectionsIDependOn,
		SectionsDependentOnMe: sectionsDependentOnMe,
		InternalDependencies:  internalDependencies,
	}
	sec.self = sectionArena.insert(sec)
	return sec
}

// Downgrade returns a weak reference to this section.
func (s *LoadedSection) Downgrade() WeakSectionRef { return s.self }

// StartAddress is the virtual address where this section begins.
func (s *LoadedSection) StartAddress() addr.VirtualAddress { return s.addressStart }

// Size is this section's size in bytes.
func (s *LoadedSection) Size() uint64 { return s.addressEnd.Value() - s.addressStart.Value() }

// MappedPages returns the shared mapping this section overlays.
func (s *LoadedSection) MappedPages() *mapper.MappedPages { return s.mappedPages.mp }

// NameWithoutHash returns this section's name with its trailing compiler
// hash (if any) stripped.
func (s *LoadedSection) NameWithoutHash() string { return SectionNameWithoutHash(s.Name) }

// SectionNameWithoutHash returns name with its trailing hash stripped but
// the "::h" delimiter kept, e.g. "keyboard::init::h832430094f98e56b"
// becomes "keyboard::init::h". A name with no hash is returned unchanged.
func SectionNameWithoutHash(name string) string {
	if idx := strings.LastIndex(name, hashDelimiter); idx >= 0 {
		return name[:idx+len(hashDelimiter)]
	}
	return name
}

// FindWeakDependent returns the index of the first entry in
// SectionsDependentOnMe whose upgraded section is identical (by pointer) to
// matching, or false if none is found.
func (s *LoadedSection) FindWeakDependent(matching *LoadedSection) (int, bool) {
	for i, dep := range s.SectionsDependentOnMe {
		if sec, ok := dep.Section.Get(); ok && sec == matching {
			return i, true
		}
	}
	return 0, false
}

// CopySectionDataTo copies this section's bytes into dest. Both sections
// must have equal size and dest's mapping must be writable.
func (s *LoadedSection) CopySectionDataTo(dest *LoadedSection) *kernel.Error {
	destMP := dest.mappedPages.Lock()
	defer dest.mappedPages.Unlock()
	destData, err := mapper.AsSliceMut[byte](destMP, dest.MappedPagesOffset, dest.Size())
	if err != nil {
		return err
	}

	srcMP := s.mappedPages.Lock()
	defer s.mappedPages.Unlock()
	srcData, err := mapper.AsSlice[byte](srcMP, s.MappedPagesOffset, s.Size())
	if err != nil {
		return err
	}

	if len(destData) != len(srcData) {
		return errSectionSizeMismatch
	}
	copy(destData, srcData)
	return nil
}
