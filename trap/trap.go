// Package trap implements the three-way trap dispatch of spec.md §4.3:
// a trap from user mode is either a system call, a device interrupt, or
// an exception (page fault, illegal instruction, ...), each handled on a
// distinct path. The actual `satp`-swapping trampoline assembly is out of
// scope (spec.md §1); this package models its contract — the fixed
// kernel-side trapframe fields read/written immediately around every
// user<->kernel transition (vm.Trapframe_t) — without the assembly itself.
package trap

import (
	"fmt"

	"golang.org/x/arch/riscv64/riscv64asm"

	"riscvkern/defs"
	"riscvkern/proc"
)

// Cause classifies why control returned to the kernel, mirroring the
// scause CSR's three broad dispositions (spec.md §4.3).
type Cause int

const (
	CauseSyscall Cause = iota
	CauseDeviceIRQ
	CauseException
)

// Dispatcher lets trap call into the syscall table without importing it
// directly, keeping trap a leaf consumer of whatever decides syscall
// numbers and argument order.
type Dispatcher interface {
	Dispatch(p *proc.Proc_t) defs.Err_t
}

// UserTrap handles one trap taken while p was executing in user mode. It
// returns the process's Killed flag, per spec.md §4.3 and §4.4; it does
// not exit a killed process itself, and Invoke discards the flag.
func UserTrap(p *proc.Proc_t, cause Cause, d Dispatcher) bool {
	p.Accnt.Sysstart()
	defer p.Accnt.Finish()

	switch cause {
	case CauseSyscall:
		p.Tf.Epc += 4 // step past the ecall instruction so a retried trap doesn't re-enter the same call
		ret := d.Dispatch(p)
		p.Tf.A0 = uint64(ret)
	case CauseDeviceIRQ:
		// Device interrupts are handled by their owning driver (virtio)
		// before UserTrap is even called in this hosted model; nothing
		// else to do here.
	case CauseException:
		diag := diagnose(p)
		fmt.Printf("trap: pid %d: unhandled exception at epc=%#x: %s\n", p.Pid, p.Tf.Epc, diag)
		p.Killed = true
	default:
		panic("trap: unknown cause")
	}

	return p.Killed
}

// UserTrapRet prepares p's trapframe's kernel-side fields immediately
// before a (simulated) return to user mode, per spec.md §4.3's trapframe
// contract: the trampoline reads these four fields on the next trap so it
// can find its way back into the kernel without a kernel pointer surviving
// in any user-visible register.
func UserTrapRet(p *proc.Proc_t, kernelSatp, kernelSp, kernelTrap, hartid uint64) {
	p.Tf.KernelSatp = kernelSatp
	p.Tf.KernelSp = kernelSp
	p.Tf.KernelTrap = kernelTrap
	p.Tf.KernelHartid = hartid
}

// Invoke simulates the user-mode ecall+trap round trip a real libc stub
// performs with inline assembly: it loads num and args into the
// trapframe's a7/a0..a5, runs UserTrap as if a syscall trap had just been
// taken, and returns the resulting a0 as a plain int64. SPEC_FULL.md §0's
// hosted model has no real user-mode instruction stream to issue an
// `ecall`, so every simulated user program (see the `boot` package) calls
// Invoke instead of executing one.
func Invoke(p *proc.Proc_t, d Dispatcher, num uint64, args ...uint64) int64 {
	if len(args) > 6 {
		panic("trap: invoke: too many syscall arguments")
	}
	regs := [6]uint64{}
	copy(regs[:], args)
	p.Tf.A0, p.Tf.A1, p.Tf.A2, p.Tf.A3, p.Tf.A4, p.Tf.A5 = regs[0], regs[1], regs[2], regs[3], regs[4], regs[5]
	p.Tf.A7 = num
	UserTrap(p, CauseSyscall, d)
	return int64(p.Tf.A0)
}

// diagnose decodes the faulting instruction for a crash message, using
// golang.org/x/arch/riscv64/riscv64asm the same way a real kernel's panic
// handler might disassemble the instruction at the faulting PC. If the
// faulting page is itself unmapped (the common case for a page fault)
// there is nothing to decode, which is reported rather than treated as a
// disassembler bug.
func diagnose(p *proc.Proc_t) string {
	var buf [4]byte
	if err := p.AS.CopyIn(buf[:], uintptr(p.Tf.Epc)); err != nil {
		return "(faulting address itself unmapped)"
	}
	inst, err := riscv64asm.Decode(buf[:])
	if err != nil {
		return fmt.Sprintf("(could not decode instruction bytes %x: %v)", buf, err)
	}
	return inst.String()
}
