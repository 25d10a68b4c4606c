// Package clock implements the kernel's tick counter: the timer-interrupt
// driven monotonic count spec.md §4.3 advances on every timer trap and
// that the uptime() and sleep(ticks) syscalls (spec.md §6) read and block
// against. Grounded on the teacher's clock-tick handling in its trap
// path (a package-level tick counter bumped once per timer interrupt,
// wakeup'd the same way any other wait channel is); this module isolates
// that into its own leaf package since neither trap nor proc otherwise
// needs to know ticks exist.
package clock

import (
	"sync/atomic"

	"riscvkern/proc"
)

var ticks int64

// Tick advances the tick counter by one and wakes anyone sleeping on it,
// called once per (simulated) timer interrupt by the boot package's timer
// goroutine, per spec.md §4.3's "for timer interrupts yield the CPU."
func Tick() {
	atomic.AddInt64(&ticks, 1)
	proc.Wakeup(&ticks)
}

// Uptime returns the number of ticks since boot, per spec.md §6's
// uptime() syscall.
func Uptime() int64 {
	return atomic.LoadInt64(&ticks)
}

// SleepTicks blocks p for at least n ticks, re-checking p.Killed each time
// it wakes (spec.md §5's cancellation note: "long-running syscalls should
// check [killed] at each iteration and exit early"), per spec.md §6's
// sleep(ticks) syscall.
func SleepTicks(p *proc.Proc_t, n int64) error {
	target := Uptime() + n
	for Uptime() < target {
		if p.Killed {
			return clockErr("clock: interrupted")
		}
		proc.Sleep(p, &ticks, noopLocker{})
	}
	return nil
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

type clockErr string

func (e clockErr) Error() string { return string(e) }
