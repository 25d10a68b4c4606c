package vm

import (
	"encoding/binary"
	"fmt"

	"riscvkern/mem"
)

// Pagetable_t names a page-table page by its physical address. A page
// table is exactly one 4KiB frame holding 512 8-byte entries, the same
// frame type the physical allocator hands out.
type Pagetable_t mem.Pa_t

// getPTE and setPTE read/write one entry of a page-table frame. Unlike the
// teacher's Pmap_t (a direct-mapped *[512]Pa_t the CPU's MMU also reads),
// these go through mem.Physmem's arena accessors, since there is no real
// MMU walking this table underneath us (SPEC_FULL.md §0).
func getPTE(pt Pagetable_t, idx int) Pte_t {
	var buf [8]byte
	mem.Physmem.Read(mem.Pa_t(pt), idx*8, buf[:])
	return Pte_t(binary.LittleEndian.Uint64(buf[:]))
}

func setPTE(pt Pagetable_t, idx int, v Pte_t) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	mem.Physmem.Write(mem.Pa_t(pt), idx*8, buf[:])
}

// AllocTable allocates and zeroes a fresh page-table frame.
func AllocTable() (Pagetable_t, bool) {
	pa, ok := mem.Physmem.Alloc()
	if !ok {
		return 0, false
	}
	zero := make([]byte, mem.PGSIZE)
	mem.Physmem.Write(pa, 0, zero)
	return Pagetable_t(pa), true
}

// Walk descends three levels of page table for va, allocating intermediate
// tables along the way when create is set, exactly per spec.md §4.2. It
// returns the leaf-level table and the index within it where va's PTE
// lives, or ok=false if the walk bottomed out without create set, or
// allocation failed.
func Walk(root Pagetable_t, va uintptr, create bool) (table Pagetable_t, idx int, ok bool) {
	if va >= mem.MAXVA {
		panic("vm: walk of out-of-range virtual address")
	}
	pt := root
	for level := uint(2); level > 0; level-- {
		i := px(level, va)
		pte := getPTE(pt, i)
		if pte&PTE_V != 0 {
			pt = Pagetable_t(pte2pa(pte))
			continue
		}
		if !create {
			return 0, 0, false
		}
		child, ok := AllocTable()
		if !ok {
			return 0, 0, false
		}
		setPTE(pt, i, pa2pte(mem.Pa_t(child))|PTE_V)
		pt = child
	}
	return pt, px(0, va), true
}

// Lookup translates va to its mapped physical address and permission bits,
// or ok=false if va is unmapped. Used by the allocator/page-table bijection
// test (spec.md §8).
func Lookup(root Pagetable_t, va uintptr) (pa mem.Pa_t, perm Pte_t, ok bool) {
	table, idx, found := Walk(root, va, false)
	if !found {
		return 0, 0, false
	}
	pte := getPTE(table, idx)
	if pte&PTE_V == 0 {
		return 0, 0, false
	}
	return pte2pa(pte), flags(pte), true
}

// MapPages installs leaf entries mapping the page-aligned range
// [va, va+size) to the physical range starting at pa with the given
// permission bits. Remapping an already-valid entry is a fatal programming
// error (spec.md §4.2).
func MapPages(root Pagetable_t, va uintptr, size int, pa mem.Pa_t, perm Pte_t) error {
	if size == 0 {
		panic("vm: mapping zero-length range")
	}
	first := roundDown(va, mem.PGSIZE)
	last := roundDown(va+uintptr(size)-1, mem.PGSIZE)

	a, p := first, pa
	for {
		table, idx, ok := Walk(root, a, true)
		if !ok {
			return fmt.Errorf("vm: walk failed mapping %#x", a)
		}
		if getPTE(table, idx)&PTE_V != 0 {
			panic("vm: remap of already-valid page")
		}
		setPTE(table, idx, pa2pte(p)|perm|PTE_V)
		if a == last {
			break
		}
		a += mem.PGSIZE
		p += mem.PGSIZE
	}
	return nil
}

// Unmap removes npages leaf mappings starting at va. Every entry in the
// range must already be a valid leaf (spec.md §4.2); encountering an
// invalid entry is a fatal programming error. With freeFrames set, the
// backing physical frame of each unmapped page is returned to the
// allocator.
func Unmap(root Pagetable_t, va uintptr, npages int, freeFrames bool) {
	if va%mem.PGSIZE != 0 {
		panic("vm: unmap of unaligned address")
	}
	for i := 0; i < npages; i++ {
		a := va + uintptr(i)*mem.PGSIZE
		table, idx, ok := Walk(root, a, false)
		if !ok {
			panic("vm: unmap of unmapped address")
		}
		pte := getPTE(table, idx)
		if pte&PTE_V == 0 {
			panic("vm: unmap of invalid entry")
		}
		if flags(pte) == PTE_V {
			panic("vm: unmap of non-leaf entry")
		}
		if freeFrames {
			mem.Physmem.Free(pte2pa(pte))
		}
		setPTE(table, idx, 0)
	}
}

func roundDown(a uintptr, b uintptr) uintptr { return a - a%b }
func roundUp(a uintptr, b uintptr) uintptr   { return roundDown(a+b-1, b) }
