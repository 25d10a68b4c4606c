// Package vm implements the Sv39 page-table engine (spec.md §4.2): three
// levels of 512-entry page tables, 9 bits of index per level over a 12-bit
// page offset, plus the per-process address space built on top of it
// (trapframe/trampoline mapping, fork's deep-copy, sbrk growth).
//
// Grounded on the teacher's vm/as.go (Vm_t, Lock_pmap/Unlock_pmap,
// Page_insert/Page_remove) and mem/dmap.go (page-table walk shape), adapted
// from x86-64's 4-level PML4 format to RISC-V's 3-level Sv39 format and
// from COW-capable demand paging to the spec's simpler deep-copy fork.
package vm

import (
	"riscvkern/mem"
)

// Pte_t is one Sv39 page-table entry.
type Pte_t uint64

// Page-table-entry flag bits, per spec.md §3 (Page-table entry) and the
// Sv39 hardware format.
const (
	PTE_V Pte_t = 1 << 0 // valid
	PTE_R Pte_t = 1 << 1 // readable
	PTE_W Pte_t = 1 << 2 // writable
	PTE_X Pte_t = 1 << 3 // executable
	PTE_U Pte_t = 1 << 4 // user-accessible
	PTE_G Pte_t = 1 << 5 // global
	PTE_A Pte_t = 1 << 6 // accessed
	PTE_D Pte_t = 1 << 7 // dirty
)

const pteFlagsMask = PTE_V | PTE_R | PTE_W | PTE_X | PTE_U | PTE_G | PTE_A | PTE_D

// pa2pte packs a page-aligned physical address into the PPN field of a PTE.
func pa2pte(pa mem.Pa_t) Pte_t {
	return Pte_t(pa>>mem.PGSHIFT) << 10
}

// pte2pa unpacks the PPN field of a PTE back into a physical address.
func pte2pa(pte Pte_t) mem.Pa_t {
	return mem.Pa_t(pte>>10) << mem.PGSHIFT
}

// flags returns the flag bits of a PTE.
func flags(pte Pte_t) Pte_t { return pte & pteFlagsMask }

// pxshift returns the bit offset of the index for the given page-table
// level (0 = leaf, 2 = root).
func pxshift(level uint) uint { return mem.PGSHIFT + 9*level }

// px extracts the 9-bit index for the given level out of a virtual
// address.
func px(level uint, va uintptr) int {
	return int((va >> pxshift(level)) & 0x1ff)
}
