// Package proc implements the process table and the process lifecycle
// operations of spec.md §4.4: Fork, Exec, Exit, Wait, Kill, and the
// Sleep/Wakeup primitive that pipes, the disk driver, and sleep(ticks)
// block on. The buffer cache and the log block on their own locks and
// condition variable instead.
//
// Grounded on the teacher's proc package (Proc_t, Ptable_t, the
// fork/exit/wait state machine) but adapted from the teacher's
// "this kernel distinguishes OS threads (Tnote_t) from processes" model to
// the spec's simpler one-thread-per-process model, and from the teacher's
// assembly context switch to a goroutine park/resume (see SPEC_FULL.md §0
// and package sched).
package proc

import (
	"sync"
	"sync/atomic"

	"riscvkern/defs"
	"riscvkern/vm"
)

// State is a process's position in the spec's state machine (spec.md §3
// Process, §4.4): UNUSED -> USED -> RUNNABLE <-> RUNNING -> ZOMBIE, with a
// RUNNING -> SLEEPING -> RUNNING excursion for blocking operations (see
// Wakeup).
type State int

const (
	UNUSED State = iota
	USED
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

func (s State) String() string {
	switch s {
	case UNUSED:
		return "UNUSED"
	case USED:
		return "USED"
	case SLEEPING:
		return "SLEEPING"
	case RUNNABLE:
		return "RUNNABLE"
	case RUNNING:
		return "RUNNING"
	case ZOMBIE:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// NPROC is the fixed number of process-table slots (spec.md §3: "a
// fixed-size table of NPROC slots").
const NPROC = 64

// NOFILE is the fixed number of open-file-table slots per process,
// matching the teacher's NOFILE and spec.md §3's "an open-file table"
// process field.
const NOFILE = 16

// Proc_t is one process-table entry.
type Proc_t struct {
	Pid    defs.Tid_t
	Index  int // slot index into Table.procs; also this proc's kernel-stack slot
	State  State
	Parent *Proc_t
	Name   string

	AS *vm.AddrSpace_t
	Tf *vm.Trapframe_t

	Killed     bool
	ExitStatus int

	// Fds is this process's open-file table and Cwd its current-working-
	// directory inode reference (spec.md §3 Process). Both are typed any
	// to avoid an import cycle (proc sits below the fs/pipe/file
	// packages that define the concrete types boxed here); package file
	// provides the typed accessors, matching the cpu package's Proc any
	// field and its CurHart-style indirection.
	Fds [NOFILE]any
	Cwd any

	// chanv is the opaque value this process is sleeping on; only
	// meaningful while State == SLEEPING. See sleep.go.
	chanv any

	Accnt Accnt_t

	// resume/parked implement this process's goroutine being "switched
	// to" and "switched away from" by the scheduler, the hosted stand-in
	// for a bare-metal context switch (SPEC_FULL.md §0). See package
	// sched.
	resume chan struct{}
	parked chan struct{}

	// Run is the body the scheduler invokes each time this process is
	// switched to; it must return (logically "trap back into the
	// kernel") rather than loop forever. Tests set this directly to
	// drive specific scenarios; boot sets it for init, and Fork copies
	// the parent's into the child.
	Run func(p *Proc_t)
}

// ptable_t is the fixed-size process table plus the single condition
// variable every Sleep/Wakeup call coordinates through, matching the
// teacher's Ptable_t (one lock guarding the whole table) and spec.md §9's
// "naturally expressed as a condition variable" remark for sleep/wakeup.
type ptable_t struct {
	mu    sync.Mutex
	cond  *sync.Cond
	procs [NPROC]*Proc_t
}

// Table is the kernel's single process table.
var Table = newPtable()

var nextPid int64

func newPtable() *ptable_t {
	t := &ptable_t{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Lock/Unlock expose the table's mutex to packages (sched, profile) that
// read or change process state outside this package, matching the
// teacher's Proc_t.Lock_pid-adjacent convention of a single coarse lock.
// Sleep and Wakeup take it themselves, so callers must not hold it then.
func (t *ptable_t) Lock()   { t.mu.Lock() }
func (t *ptable_t) Unlock() { t.mu.Unlock() }

// allocproc finds a free slot, marks it USED, and assigns a fresh pid. The
// caller must finish initializing AS/Tf/Run before making the process
// RUNNABLE.
func allocproc(name string) (*Proc_t, error) {
	Table.mu.Lock()
	defer Table.mu.Unlock()
	for i, p := range Table.procs {
		if p == nil {
			np := &Proc_t{
				Pid:    defs.Tid_t(atomic.AddInt64(&nextPid, 1)),
				Index:  i,
				State:  USED,
				Name:   name,
				resume: make(chan struct{}, 1),
				parked: make(chan struct{}, 1),
			}
			Table.procs[i] = np
			return np, nil
		}
	}
	return nil, procErr("proc: process table full")
}

// New allocates a fresh process with no address space or trapframe yet,
// for the boot package to finish initializing as the first process
// (spec.md §4.4's "the kernel starts with one process already in the
// table"). Every later process comes from Fork instead.
func New(name string) (*Proc_t, error) {
	return allocproc(name)
}

// MakeRunnable publishes a fully initialized process to the scheduler.
// Only call it once the process's address space, trapframe, descriptors,
// and goroutine all exist.
func MakeRunnable(p *Proc_t) {
	Table.mu.Lock()
	p.State = RUNNABLE
	Table.mu.Unlock()
}

// Reset reinitializes the process table for a fresh boot within the same
// address space (tests boot more than once per binary). Any processes from
// a prior boot are abandoned along with their arena.
func Reset() {
	Table = newPtable()
	nextPid = 0
	Initproc = nil
}

// Resume returns the channel the scheduler signals to let p's goroutine
// proceed past its current park point.
func (p *Proc_t) Resume() chan struct{} { return p.resume }

// Parked returns the channel p's goroutine signals when it pauses
// (finishes a quantum, blocks, or exits), handing control back to the
// scheduler.
func (p *Proc_t) Parked() chan struct{} { return p.parked }

// AllProcsLocked returns the table's backing slots. Callers must hold
// Table.mu (via Table.Lock) for the duration of any iteration.
func AllProcsLocked() [NPROC]*Proc_t { return Table.procs }

// Lookup returns the process with the given pid, or nil.
func Lookup(pid defs.Tid_t) *Proc_t {
	Table.mu.Lock()
	defer Table.mu.Unlock()
	for _, p := range Table.procs {
		if p != nil && p.Pid == pid {
			return p
		}
	}
	return nil
}

// free returns a reaped process's table slot and releases its address
// space. Caller must hold Table.mu and the process must be ZOMBIE.
func free(p *Proc_t) {
	if p.AS != nil {
		p.AS.Free()
	}
	Table.procs[p.Index] = nil
}

type procErr string

func (e procErr) Error() string { return string(e) }
