// Package cpu implements the per-hart record every hart needs for nested
// interrupt-disable tracking (spec.md §5 Concurrency & Resource Model) and
// for the scheduler to find "the process currently running here."
//
// On real RISC-V, a kernel finds its own Cpu_t by reading the tp register,
// which firmware points at a per-hart struct before the kernel ever runs.
// This kernel core runs each hart as one long-lived goroutine instead
// (SPEC_FULL.md §0), so mycpu() here reads the calling goroutine's id in
// place of tp — the hosted analogue of the same trick, not a stand-in for
// real per-CPU hardware state.
package cpu

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"riscvkern/lock"
)

// Cpu_t is one hart's scheduling state. Grounded on the teaching
// requirement (spec.md §5) that spin locks nest interrupt-disable per
// hart: Noff counts nested PushOff calls, and Proc points at whatever
// process this hart is currently running, if any.
type Cpu_t struct {
	Hartid int

	mu      sync.Mutex
	noff    int
	started bool

	// Proc is an opaque pointer to this hart's running *proc.Proc_t. It is
	// untyped here to avoid an import cycle (proc imports cpu to find
	// "myproc", not the other way around); proc.CurProc wraps the type
	// assertion.
	Proc any
}

var (
	regMu  sync.Mutex
	byGoid = map[int64]*Cpu_t{}
	all    []*Cpu_t
)

// Init creates n harts (indices 0..n-1) for the scheduler to hand out.
func Init(n int) []*Cpu_t {
	regMu.Lock()
	defer regMu.Unlock()
	all = make([]*Cpu_t, n)
	for i := range all {
		all[i] = &Cpu_t{Hartid: i}
	}
	byGoid = map[int64]*Cpu_t{}
	return all
}

// Bind associates the calling goroutine with hart c, for the duration of
// that goroutine's life as "hart c's main loop." Called once by each
// hart-runner goroutine the boot package spawns.
func Bind(c *Cpu_t) {
	id := goid()
	regMu.Lock()
	byGoid[id] = c
	c.started = true
	regMu.Unlock()
	lock.CurHart = func() lock.Hart {
		if h := currentOrNil(); h != nil {
			return h
		}
		return nil
	}
}

// Current returns the calling goroutine's hart record. It panics if called
// from a goroutine that was never Bind'd, the hosted analogue of a
// mycpu()-style lookup assuming per-core state is never read before that
// core has initialized itself.
func Current() *Cpu_t {
	c := currentOrNil()
	if c == nil {
		panic("cpu: Current called from an unbound goroutine")
	}
	return c
}

// currentOrNil is Current for callers that may legitimately not be a hart
// (device goroutines, process goroutines, tests): they get nil instead of
// a panic.
func currentOrNil() *Cpu_t {
	id := goid()
	regMu.Lock()
	c := byGoid[id]
	regMu.Unlock()
	return c
}

// All returns every hart record created by Init, for the scheduler's
// round-robin scan.
func All() []*Cpu_t {
	regMu.Lock()
	defer regMu.Unlock()
	return append([]*Cpu_t(nil), all...)
}

// PushOff disables "interrupts" for this hart, nesting: interrupts only
// re-enable once PopOff has been called as many times as PushOff, the
// classic xv6-lineage pushcli/popcli pairing required by spec.md §5.
func (c *Cpu_t) PushOff() {
	c.mu.Lock()
	c.noff++
	c.mu.Unlock()
}

// PopOff reverses one PushOff. Calling it more times than PushOff was
// called is a programming error.
func (c *Cpu_t) PopOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noff--
	if c.noff < 0 {
		panic("cpu: PopOff without matching PushOff")
	}
}

// Noff reports the current nesting depth, used by lock assertions.
func (c *Cpu_t) Noff() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noff
}

// goid extracts the calling goroutine's id by parsing the header line of
// runtime.Stack's output ("goroutine 37 [running]:..."). This is the
// standard lightweight trick Go programs use for goroutine-local state
// when no other identity is threaded through; it costs one small
// allocation-free stack walk per lock operation.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		panic("cpu: unexpected runtime.Stack format")
	}
	b = b[len(prefix):]
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		panic("cpu: unexpected runtime.Stack format")
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		panic("cpu: unexpected runtime.Stack format: " + err.Error())
	}
	return id
}
