package vm

// Trapframe_t is the per-process save area for user registers, mapped at
// the fixed virtual address TRAPFRAME in every user address space so the
// trampoline can reach it without a kernel pointer in any register
// (spec.md §3 Data Model, §9 Design Notes). The four Kernel* fields are
// written by the kernel immediately before every return to user mode and
// read by the trampoline on the next trap; the remaining fields hold the
// saved general-purpose registers plus the saved program counter (Epc).
//
// Field names follow RISC-V calling-convention register names, matching
// how the teacher names x86 registers in its (unexported, assembly-facing)
// trap frame layout.
type Trapframe_t struct {
	// Written by the kernel before SRET, read by the trampoline on entry.
	KernelSatp   uint64 // kernel page-table root (satp CSR value)
	KernelSp     uint64 // top of this process's kernel stack
	KernelTrap   uint64 // address of usertrap()
	KernelHartid uint64 // this hart's id, so usertrap can find its Cpu_t

	// Saved by the trampoline on entry, restored on return.
	Epc uint64 // saved program counter (sepc)

	Ra, Sp, Gp, Tp             uint64
	T0, T1, T2                 uint64
	S0, S1                     uint64
	A0, A1, A2, A3, A4, A5, A6, A7 uint64
	S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
	T3, T4, T5, T6             uint64
}
