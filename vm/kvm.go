package vm

import "riscvkern/mem"

// KvmMake builds the kernel's page table exactly once, per spec.md §4.2:
// devices direct-mapped RW, kernel RAM direct-mapped R+W+X (this hosted
// kernel does not distinguish a separate read-only/executable text segment
// from data, since there is no real instruction fetch through these
// mappings — see SPEC_FULL.md §0), and one kernel stack per process slot,
// high, flanked by unmapped guard pages. The trampoline is not mapped
// here; the caller maps it with MapTrampoline (boot does so right after).
func KvmMake(nproc int) (Pagetable_t, error) {
	kpt, ok := AllocTable()
	if !ok {
		return 0, errOOM("kernel page table root")
	}

	type devmap struct {
		pa   mem.Pa_t
		size int
	}
	devs := []devmap{
		{mem.UART0, mem.UART0Size},
		{mem.PLIC, mem.PLICSize},
		{mem.CLINT, mem.CLINTSize},
		{mem.VIRTIO0, mem.VIRTIO0Size},
	}
	for _, d := range devs {
		if err := MapPages(kpt, uintptr(d.pa), d.size, d.pa, PTE_R|PTE_W); err != nil {
			return 0, err
		}
	}

	if err := MapPages(kpt, uintptr(mem.KERNBASE), int(mem.PHYSIZE), mem.KERNBASE, PTE_R|PTE_W|PTE_X); err != nil {
		return 0, err
	}

	for i := 0; i < nproc; i++ {
		pa, ok := mem.Physmem.Alloc()
		if !ok {
			return 0, errOOM("kernel stack")
		}
		va := mem.KstackVA(i)
		if err := MapPages(kpt, va, mem.PGSIZE, pa, PTE_R|PTE_W); err != nil {
			return 0, err
		}
	}

	return kpt, nil
}

// MapTrampoline installs the single trampoline frame at the fixed virtual
// address TRAMPOLINE in the given address space (kernel or user), per
// spec.md §3 (Address space invariants) and §4.3 (Trap plane). The
// trampoline frame itself is a singleton shared by every address space;
// its contents (the real assembly stub) are out of scope (spec.md §1) —
// here it is just a page-sized sentinel.
func MapTrampoline(pt Pagetable_t, pa mem.Pa_t) error {
	return MapPages(pt, mem.TRAMPOLINE, mem.PGSIZE, pa, PTE_R|PTE_X)
}

type vmErr string

func (e vmErr) Error() string { return string(e) }

func errOOM(what string) error { return vmErr("vm: out of memory allocating " + what) }
