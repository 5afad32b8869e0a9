// Package cpufeat answers hardware capability questions the mapping engine
// needs at construction time, most importantly whether the running CPU
// supports 1 GiB huge pages. It is the one place allowed to consult a
// third-party CPU-feature-detection library instead of hand-rolled CPUID
// assembly, so that the same capability check works both in a freestanding
// kernel build (where the raw instruction is used) and in ordinary userspace
// test/demo builds of this module.
package cpufeat

import "github.com/klauspost/cpuid/v2"

// Has1GiBPages reports whether CPUID.80000001H:EDX[26] is set, i.e. whether
// the CPU supports 1 GiB page table leaves at P3.
func Has1GiBPages() bool {
	return cpuid.CPU.Supports(cpuid.PDPE1GB)
}
