package mem

// Physical memory map for the virtualized RISC-V platform this kernel
// targets, per spec.md §6 (External Interfaces). Addresses are nominal —
// this module never touches real hardware — but every offset below is
// meaningful to the page-table engine in package vm, which maps the
// kernel's view of physical memory using these exact ranges.
const (
	// Boot ROM / SBI firmware; out of scope (spec.md §1 Non-goals), but
	// its address is reserved so nothing else is mapped over it.
	BootROM Pa_t = 0x1000

	// CLINT: core-local interruptor (per-hart timer).
	CLINT     Pa_t = 0x2000000
	CLINTSize      = 0x10000

	// PLIC: platform-level interrupt controller.
	PLIC     Pa_t = 0xc000000
	PLICSize      = 0x400000

	// UART0: 16550-compatible console.
	UART0     Pa_t = 0x10000000
	UART0Size      = 0x1000

	// VIRTIO0: the single memory-mapped virtio-blk device this kernel
	// drives (package virtio).
	VIRTIO0     Pa_t = 0x10001000
	VIRTIO0Size      = 0x1000

	// KERNBASE is where the kernel image and all of physical RAM after it
	// is mapped, 1:1, in the kernel page table (vm.KvmMake). User address
	// spaces do not map it.
	KERNBASE Pa_t = 0x80000000
	// PHYSIZE is the amount of RAM available after KERNBASE.
	PHYSIZE Pa_t = 128 * 1024 * 1024
	// PHYSTOP is the physical address ceiling; frees above it are fatal.
	PHYSTOP Pa_t = KERNBASE + PHYSIZE
)

// Sv39 occupies the low 39 bits of a virtual address; MAXVA is 2^38, one
// bit short of the full 39-bit range, so that sign-extension of the 39th
// bit (required by the privileged spec) never needs to be reasoned about
// here.
const MAXVA = 1 << (9 + 9 + 9 + 12 - 1)

const (
	// TRAMPOLINE is mapped at the same VA in every address space (spec.md
	// §3 Address space invariants, §4.3 Trap plane).
	TRAMPOLINE = MAXVA - PGSIZE
	// TRAPFRAME sits immediately below the trampoline in user address
	// spaces only.
	TRAPFRAME = TRAMPOLINE - PGSIZE
	// USERMIN is the lowest virtual address a user program may use; the
	// spec calls this bound "sz" per process, but every address space
	// additionally starts user mappings at 0.
	USERMIN = 0
)

// KSTACKSIZE is the size of one process's kernel stack; each is flanked by
// unmapped guard pages (spec.md §3 Process, §4.2 kernel address space).
const KSTACKSIZE = PGSIZE

// KstackVA returns the kernel virtual address of process slot index's
// kernel stack, leaving one guard page below every stack.
func KstackVA(index int) uintptr {
	return uintptr(TRAMPOLINE) - uintptr(index+1)*(KSTACKSIZE+PGSIZE)
}
