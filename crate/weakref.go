package crate

import "sync"

// arenaSlot holds one arena-managed value alongside the generation stamp
// current weak handles must match to upgrade successfully.
type arenaSlot[T any] struct {
	value      T
	generation uint64
	alive      bool
}

// arena is a generation-stamped slot table standing in for Rust's Weak<T>,
// since Go has no native weak-pointer primitive and its garbage collector
// would otherwise keep every referenced value reachable regardless of
// whether the owning crate or section still considers it live. A weakRef
// upgrades only while its slot is still marked alive and its generation
// still matches the one it was issued with. invalidate marks a slot dead so
// that weak handles issued for it fail to upgrade; no code in this package
// calls it, so a slot stays alive, and its weak handles keep upgrading,
// after its crate or section is dropped from a crate's live maps.
type arena[T any] struct {
	mu    sync.Mutex
	slots []arenaSlot[T]
}

func newArena[T any]() *arena[T] { return &arena[T]{} }

// insert records v in a free slot (reusing one left behind by an earlier
// invalidate, bumping its generation so old handles into that slot cannot
// resolve to the new occupant) and returns a weak handle to it.
func (a *arena[T]) insert(v T) weakRef[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.slots {
		if !a.slots[i].alive {
			a.slots[i].value = v
			a.slots[i].generation++
			a.slots[i].alive = true
			return weakRef[T]{arena: a, index: i, generation: a.slots[i].generation}
		}
	}
	a.slots = append(a.slots, arenaSlot[T]{value: v, generation: 1, alive: true})
	return weakRef[T]{arena: a, index: len(a.slots) - 1, generation: 1}
}

func (a *arena[T]) get(index int, generation uint64) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	if index < 0 || index >= len(a.slots) {
		return zero, false
	}
	s := a.slots[index]
	if !s.alive || s.generation != generation {
		return zero, false
	}
	return s.value, true
}

func (a *arena[T]) invalidate(index int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index >= 0 && index < len(a.slots) {
		a.slots[index].alive = false
		var zero T
		a.slots[index].value = zero
	}
}

// weakRef is a generation-stamped handle into an arena. It never keeps its
// target alive by itself; Get reports ok=false once the slot has been
// invalidated.
type weakRef[T any] struct {
	arena      *arena[T]
	index      int
	generation uint64
}

// Get upgrades the weak reference to its strong value, or reports false if
// the value has since been invalidated.
func (w weakRef[T]) Get() (T, bool) {
	if w.arena == nil {
		var zero T
		return zero, false
	}
	return w.arena.get(w.index, w.generation)
}

// sectionArena and crateArena back every weak handle this package hands
// out. A single package-level pair mirrors the teacher's single active
// address space: this module models one kernel-wide namespace of loaded
// crates, not multiple isolated namespaces.
var (
	sectionArena = newArena[*LoadedSection]()
	crateArena   = newArena[*LoadedCrate]()
)

// WeakSectionRef is a weak reference to a LoadedSection: used by
// WeakDependent (the "used-by" side of a section dependency edge).
type WeakSectionRef = weakRef[*LoadedSection]

// WeakCrateRef is a weak reference to a LoadedCrate, returned by
// LoadedSection.ParentCrate and the crate-level dependency queries.
type WeakCrateRef = weakRef[*LoadedCrate]
