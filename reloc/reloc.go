// Package reloc writes ELF relocation entries into mapped memory, the last
// step of loading a crate's object file: once every section has a target
// virtual address, each section's relocations must be patched in place so
// that references to other sections (or to itself) resolve correctly.
package reloc

import (
	"debug/elf"

	"github.com/theseus-os/vmem/addr"
	"github.com/theseus-os/vmem/internal/klog"
	"github.com/theseus-os/vmem/kernel"
	"github.com/theseus-os/vmem/mapper"
)

// ErrUnsupportedRelocation is returned for any relocation type this engine
// does not implement.
var ErrUnsupportedRelocation = &kernel.Error{Module: "reloc", Message: "unsupported relocation type. Are you compiling crates with 'code-model=large'?"}

// Entry is the information necessary to calculate and write a relocation
// value: a source section's address is combined with Addend and written at
// Offset within some target section.
type Entry struct {
	// Type is an elf.R_X86_64 relocation type code.
	Type uint32
	// Addend is added to the source section's address when computing the
	// value written into the target.
	Addend int64
	// Offset is measured from the start of the target section.
	Offset uint64
}

// IsAbsolute reports whether this relocation's written value depends only on
// the source section's address, not on the target's — so it survives a
// target-only deep-copy without needing to be rewritten.
func (e Entry) IsAbsolute() bool {
	switch elf.R_X86_64(e.Type) {
	case elf.R_X86_64_64, elf.R_X86_64_32:
		return true
	default:
		return false
	}
}

// WriteRelocation performs the write described by entry: targetOffsetWithinMP
// locates the target section's start inside targetMP, and sourceVAddr is the
// address of the section the target depends on. targetMP must be mapped
// writable.
func WriteRelocation(entry Entry, targetMP *mapper.MappedPages, targetOffsetWithinMP uint64, sourceVAddr addr.VirtualAddress) *kernel.Error {
	targetOffset := targetOffsetWithinMP + entry.Offset
	targetPtr := targetMP.Pages().StartAddress().Add(targetOffset)

	switch elf.R_X86_64(entry.Type) {
	case elf.R_X86_64_32:
		ref, err := mapper.AsTypeMut[uint32](targetMP, targetOffset)
		if err != nil {
			return err
		}
		*ref = uint32(wrappingAdd(sourceVAddr, entry.Addend))

	case elf.R_X86_64_64:
		ref, err := mapper.AsTypeMut[uint64](targetMP, targetOffset)
		if err != nil {
			return err
		}
		*ref = wrappingAdd(sourceVAddr, entry.Addend)

	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		ref, err := mapper.AsTypeMut[uint32](targetMP, targetOffset)
		if err != nil {
			return err
		}
		*ref = uint32(wrappingAdd(sourceVAddr, entry.Addend) - targetPtr.Value())

	case elf.R_X86_64_PC64:
		ref, err := mapper.AsTypeMut[uint64](targetMP, targetOffset)
		if err != nil {
			return err
		}
		*ref = wrappingAdd(sourceVAddr, entry.Addend) - targetPtr.Value()

	default:
		klog.Printf("reloc: found unsupported relocation type %d\n", entry.Type)
		return ErrUnsupportedRelocation
	}
	return nil
}

// wrappingAdd computes sourceVAddr + addend with two's-complement wraparound,
// matching the source language's explicit wrapping_add rather than Go's
// default (which wraps identically for unsigned types, but the signed addend
// makes the cast order worth spelling out).
func wrappingAdd(sourceVAddr addr.VirtualAddress, addend int64) uint64 {
	return sourceVAddr.Value() + uint64(addend)
}

