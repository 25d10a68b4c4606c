package vm

import (
	"sync"

	"riscvkern/mem"
)

// AddrSpace_t is a process's user address space: a root page table plus
// the current size bound sz that every user virtual address must lie
// strictly below (spec.md §3 Address space invariants). The mutex matches
// the teacher's Vm_t (biscuit/vm/as.go), which protects the page table and
// size together.
type AddrSpace_t struct {
	mu sync.Mutex

	Root Pagetable_t
	Sz   uintptr

	trampolinePa mem.Pa_t
	trapframePa  mem.Pa_t
}

// NewUserAddrSpace allocates an empty user address space and installs its
// trapframe and the shared trampoline, per spec.md §3's invariants: "the
// trampoline page is mapped read+execute at the highest virtual address...
// a per-process trap-frame frame is mapped read+write at the virtual
// address immediately below the trampoline."
func NewUserAddrSpace(trampolinePa mem.Pa_t) (*AddrSpace_t, error) {
	root, ok := AllocTable()
	if !ok {
		return nil, errOOM("user page table root")
	}
	tfpa, ok := mem.Physmem.Alloc()
	if !ok {
		Unmap(root, 0, 0, false) // no-op; keep shape symmetric with failure paths below
		mem.Physmem.Free(mem.Pa_t(root))
		return nil, errOOM("trapframe")
	}
	as := &AddrSpace_t{Root: root, trampolinePa: trampolinePa, trapframePa: tfpa}
	if err := MapTrampoline(root, trampolinePa); err != nil {
		mem.Physmem.Free(tfpa)
		mem.Physmem.Free(mem.Pa_t(root))
		return nil, err
	}
	if err := MapPages(root, mem.TRAPFRAME, mem.PGSIZE, tfpa, PTE_R|PTE_W); err != nil {
		mem.Physmem.Free(tfpa)
		mem.Physmem.Free(mem.Pa_t(root))
		return nil, err
	}
	return as, nil
}

// TrapframePa returns the physical address backing this address space's
// trapframe, for the trap plane to read/write via mem.Physmem.
func (as *AddrSpace_t) TrapframePa() mem.Pa_t { return as.trapframePa }

// TrampolinePa returns the physical address of the (shared) trampoline
// frame mapped into this address space, so callers (e.g. fork) can map the
// same frame into a new address space.
func (as *AddrSpace_t) TrampolinePa() mem.Pa_t { return as.trampolinePa }

// Lock / Unlock match the teacher's Lock_pmap/Unlock_pmap naming; callers
// must hold the lock while walking or modifying the page table.
func (as *AddrSpace_t) Lock()   { as.mu.Lock() }
func (as *AddrSpace_t) Unlock() { as.mu.Unlock() }

// Grow extends the address space from oldsz to newsz, mapping and zeroing
// fresh user pages with the given permission. It returns the new size, or
// an error with partial work undone if allocation fails partway (spec.md
// §7.2).
func (as *AddrSpace_t) Grow(oldsz, newsz uintptr, perm Pte_t) (uintptr, error) {
	if newsz <= oldsz {
		return oldsz, nil
	}
	perm |= PTE_U | PTE_V
	a := roundUp(oldsz, mem.PGSIZE)
	for ; a < newsz; a += mem.PGSIZE {
		pa, ok := mem.Physmem.Alloc()
		if !ok {
			as.Shrink(a, oldsz)
			return oldsz, errOOM("user page")
		}
		mem.Physmem.Write(pa, 0, make([]byte, mem.PGSIZE))
		if err := MapPages(as.Root, a, mem.PGSIZE, pa, perm); err != nil {
			mem.Physmem.Free(pa)
			as.Shrink(a, oldsz)
			return oldsz, err
		}
	}
	as.Sz = newsz
	return newsz, nil
}

// Shrink unmaps and frees user pages to bring the address space down from
// oldsz to newsz.
func (as *AddrSpace_t) Shrink(oldsz, newsz uintptr) uintptr {
	if newsz >= oldsz {
		return oldsz
	}
	lo := roundUp(newsz, mem.PGSIZE)
	hi := roundUp(oldsz, mem.PGSIZE)
	if hi > lo {
		Unmap(as.Root, lo, int(hi-lo)/mem.PGSIZE, true)
	}
	as.Sz = newsz
	return newsz
}

// Free releases every user mapping plus the trapframe, then the root page
// table itself. The trampoline frame is only unmapped, never freed, since
// it is shared by every address space (spec.md §3).
func (as *AddrSpace_t) Free() {
	// Holes below Sz (exec's unmapped stack guard page) are skipped, as in Copy.
	for a := uintptr(0); a < roundUp(as.Sz, mem.PGSIZE); a += mem.PGSIZE {
		if _, _, ok := Lookup(as.Root, a); ok {
			Unmap(as.Root, a, 1, true)
		}
	}
	Unmap(as.Root, mem.TRAPFRAME, 1, true)
	Unmap(as.Root, mem.TRAMPOLINE, 1, false)
	freePageTable(as.Root)
}

// freePageTable recursively frees every page-table frame (but not leaf
// data frames, which callers must already have unmapped).
func freePageTable(pt Pagetable_t) {
	for i := 0; i < 512; i++ {
		pte := getPTE(pt, i)
		if pte&PTE_V == 0 {
			continue
		}
		if flags(pte) == PTE_V {
			freePageTable(Pagetable_t(pte2pa(pte)))
		} else {
			panic("vm: freePageTable found a leftover leaf mapping")
		}
	}
	mem.Physmem.Free(mem.Pa_t(pt))
}

// Copy deep-copies every valid user mapping from old to a new address
// space with its own trapframe/trampoline, per spec.md §4.4's fork: "
// deep-copies the parent's user address space (page table and physical
// pages)". There is no copy-on-write in this kernel (unlike the teacher's
// vm/as.go) — the spec does not call for it.
func (as *AddrSpace_t) Copy(trampolinePa mem.Pa_t) (*AddrSpace_t, error) {
	child, err := NewUserAddrSpace(trampolinePa)
	if err != nil {
		return nil, err
	}
	sz := roundUp(as.Sz, mem.PGSIZE)
	for a := uintptr(0); a < sz; a += mem.PGSIZE {
		pa, perm, ok := Lookup(as.Root, a)
		if !ok {
			continue
		}
		npa, ok := mem.Physmem.Alloc()
		if !ok {
			child.Free()
			return nil, errOOM("fork page copy")
		}
		buf := make([]byte, mem.PGSIZE)
		mem.Physmem.Read(pa, 0, buf)
		mem.Physmem.Write(npa, 0, buf)
		if err := MapPages(child.Root, a, mem.PGSIZE, npa, perm); err != nil {
			mem.Physmem.Free(npa)
			child.Free()
			return nil, err
		}
	}
	child.Sz = as.Sz
	return child, nil
}

// CopyOut copies src into user memory starting at virtual address dst.
// It returns an error, without side effects beyond the bytes already
// copied, if any page in the range is unmapped (spec.md §7.1).
func (as *AddrSpace_t) CopyOut(dst uintptr, src []byte) error {
	for len(src) > 0 {
		base := roundDown(dst, mem.PGSIZE)
		off := int(dst - base)
		pa, _, ok := Lookup(as.Root, base)
		if !ok {
			return errFault()
		}
		n := mem.PGSIZE - off
		if n > len(src) {
			n = len(src)
		}
		mem.Physmem.Write(pa, off, src[:n])
		src = src[n:]
		dst += uintptr(n)
	}
	return nil
}

// CopyIn copies from user memory starting at virtual address src into dst.
func (as *AddrSpace_t) CopyIn(dst []byte, src uintptr) error {
	for len(dst) > 0 {
		base := roundDown(src, mem.PGSIZE)
		off := int(src - base)
		pa, _, ok := Lookup(as.Root, base)
		if !ok {
			return errFault()
		}
		n := mem.PGSIZE - off
		if n > len(dst) {
			n = len(dst)
		}
		mem.Physmem.Read(pa, off, dst[:n])
		dst = dst[n:]
		src += uintptr(n)
	}
	return nil
}

// CopyInStr copies a NUL-terminated string from user memory, up to max
// bytes, matching the teacher's Userstr (biscuit/vm/as.go).
func (as *AddrSpace_t) CopyInStr(va uintptr, max int) (string, error) {
	out := make([]byte, 0, 32)
	for len(out) < max {
		base := roundDown(va, mem.PGSIZE)
		off := int(va - base)
		pa, _, ok := Lookup(as.Root, base)
		if !ok {
			return "", errFault()
		}
		chunk := mem.Physmem.Frame(pa)[off:]
		for _, c := range chunk {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
			if len(out) >= max {
				return "", errNameTooLong()
			}
		}
		va += uintptr(len(chunk))
	}
	return "", errNameTooLong()
}

func errFault() error       { return vmErr("vm: bad user address") }
func errNameTooLong() error { return vmErr("vm: string exceeds max length") }
