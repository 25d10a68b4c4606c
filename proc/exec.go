package proc

import (
	"bytes"
	"debug/elf"
	"fmt"

	"riscvkern/mem"
	"riscvkern/vm"
)

// execStackPages is how many pages of argv/argument stack each exec'd
// program gets, above one unmapped guard page, per spec.md §4.4's exec
// description ("a guard page below the initial stack").
const execStackPages = 1

// Exec replaces p's address space with one built from image, an ELF
// binary, and sets up argv on the new stack, per spec.md §4.4 and §4.11
// (ELF loader). Parsing the ELF container itself is explicitly out of
// scope beyond its contract with paging (spec.md §1); this uses the
// standard library's debug/elf for that surface, same as the teacher
// leaves object-format parsing to a well-tested library rather than
// hand-rolling it.
func Exec(p *Proc_t, image []byte, argv []string) error {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("proc: exec: %w", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return fmt.Errorf("proc: exec: not a 64-bit RISC-V binary")
	}

	trampolinePa := p.AS.TrampolinePa()
	newAS, err := vm.NewUserAddrSpace(trampolinePa)
	if err != nil {
		return err
	}

	var sz uintptr
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		perm := progPerm(prog.Flags)
		segEnd := uintptr(prog.Vaddr + prog.Memsz)
		if segEnd > sz {
			if _, err := newAS.Grow(sz, segEnd, perm); err != nil {
				newAS.Free()
				return err
			}
			sz = segEnd
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			newAS.Free()
			return fmt.Errorf("proc: exec: reading segment: %w", err)
		}
		if err := newAS.CopyOut(uintptr(prog.Vaddr), data); err != nil {
			newAS.Free()
			return err
		}
	}

	sp, argvVA, err := layoutArgv(newAS, sz, argv)
	if err != nil {
		newAS.Free()
		return err
	}

	tf := &vm.Trapframe_t{
		Epc: f.Entry,
		Sp:  uint64(sp),
		A0:  uint64(len(argv)),
		A1:  uint64(argvVA),
	}

	oldAS := p.AS
	p.AS = newAS
	p.Tf = tf
	oldAS.Free()
	return nil
}

func progPerm(flags elf.ProgFlag) vm.Pte_t {
	var perm vm.Pte_t
	if flags&elf.PF_R != 0 {
		perm |= vm.PTE_R
	}
	if flags&elf.PF_W != 0 {
		perm |= vm.PTE_W
	}
	if flags&elf.PF_X != 0 {
		perm |= vm.PTE_X
	}
	return perm
}

// layoutArgv grows the address space past a guard page and places argv's
// strings plus a NUL-terminated pointer vector on a fresh stack page,
// matching the teacher's exec.go stack-building convention
// (sp-relative pushes, word-aligned).
func layoutArgv(as *vm.AddrSpace_t, sz uintptr, argv []string) (sp uintptr, argvVA uintptr, err error) {
	base := roundUp(sz, mem.PGSIZE) + mem.PGSIZE // guard page
	top, err := as.Grow(base, base+execStackPages*mem.PGSIZE, vm.PTE_R|vm.PTE_W)
	if err != nil {
		return 0, 0, err
	}
	sp = top

	ptrs := make([]uint64, len(argv)+1)
	for i := len(argv) - 1; i >= 0; i-- {
		s := append([]byte(argv[i]), 0)
		sp -= uintptr(len(s))
		sp = roundDown(sp, 8)
		if sp < base {
			return 0, 0, vmErrTooManyArgs()
		}
		if err := as.CopyOut(sp, s); err != nil {
			return 0, 0, err
		}
		ptrs[i] = uint64(sp)
	}

	vecBytes := make([]byte, 8*len(ptrs))
	for i, v := range ptrs {
		putLE64(vecBytes[i*8:], v)
	}
	sp -= uintptr(len(vecBytes))
	sp = roundDown(sp, 16)
	if err := as.CopyOut(sp, vecBytes); err != nil {
		return 0, 0, err
	}
	return sp, sp, nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func roundDown(a, b uintptr) uintptr { return a - a%b }
func roundUp(a, b uintptr) uintptr   { return roundDown(a+b-1, b) }

func vmErrTooManyArgs() error { return procErr("proc: exec: argv exceeds stack") }
