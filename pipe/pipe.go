// Package pipe implements the bounded single-producer-consumer byte
// channel of spec.md §4.9: a 512-byte ring with monotone read/write
// counters, blocking read/write built on proc.Sleep/proc.Wakeup, and
// half-close semantics.
//
// Grounded on the teacher's circbuf package
// (biscuit/src/circbuf/circbuf.go), whose head/tail monotone-counter ring
// is the same shape as spec.md §3's Pipe (nread/nwrite); adapted from
// circbuf's lazily-allocated, caller-synchronized buffer (safe only for a
// single daemon, per its own doc comment) to a fixed-size array guarded by
// the pipe's own spin lock, since spec.md §4.9 requires pipe reads/writes
// to block concurrent readers and writers against each other directly.
package pipe

import (
	"riscvkern/defs"
	"riscvkern/limits"
	"riscvkern/lock"
	"riscvkern/proc"
)

// PIPESIZE is the ring's capacity in bytes (spec.md §3 Pipe).
const PIPESIZE = 512

// Pipe_t is the shared record two file descriptors (one read-only, one
// write-only) reference, per spec.md §4.9.
type Pipe_t struct {
	mu lock.Spinlock_t

	data [PIPESIZE]byte
	// nread/nwrite are monotone byte counters; data[n%PIPESIZE] is the
	// next byte read/written, matching spec.md §3's Pipe fields exactly.
	nread, nwrite uint64

	readOpen, writeOpen bool
	released            bool
}

// New creates a pipe with both ends open, drawing one unit from the
// system-wide pipe budget; the unit goes back once both ends close.
func New() (*Pipe_t, error) {
	if !limits.Syslimit.Pipes.Take(1) {
		return nil, defs.Err_t(defs.ENOMEM)
	}
	return &Pipe_t{readOpen: true, writeOpen: true}, nil
}

// CloseRead marks the read end closed and wakes any blocked writer, per
// spec.md §4.9 ("closing one end wakes the other"). Whichever close
// observes both ends gone first returns the pipe's budget unit, exactly
// once.
func (pi *Pipe_t) CloseRead() {
	pi.mu.Lock()
	pi.readOpen = false
	last := !pi.writeOpen && !pi.released
	if last {
		pi.released = true
	}
	pi.mu.Unlock()
	if last {
		limits.Syslimit.Pipes.Give(1)
	}
	proc.Wakeup(&pi.nwrite)
}

// CloseWrite marks the write end closed and wakes any blocked reader, so
// it can observe end-of-file once the ring drains.
func (pi *Pipe_t) CloseWrite() {
	pi.mu.Lock()
	pi.writeOpen = false
	last := !pi.readOpen && !pi.released
	if last {
		pi.released = true
	}
	pi.mu.Unlock()
	if last {
		limits.Syslimit.Pipes.Give(1)
	}
	proc.Wakeup(&pi.nread)
}

// BothClosed reports whether neither end remains open (spec.md §4.9:
// "closing both frees the pipe"; the budget release itself happens inside
// the close that got there second).
func (pi *Pipe_t) BothClosed() bool {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return !pi.readOpen && !pi.writeOpen
}

// Write copies src into the pipe one byte at a time, blocking while the
// ring is full and the read end remains open, exactly per spec.md §4.9.
// A process marked killed aborts with EINTR rather than blocking forever.
func (pi *Pipe_t) Write(p *proc.Proc_t, src []byte) (int, error) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	n := 0
	for n < len(src) {
		if !pi.readOpen {
			return n, defs.Err_t(defs.EPIPE)
		}
		if p.Killed {
			return n, defs.Err_t(defs.EINTR)
		}
		if pi.nwrite-pi.nread == PIPESIZE {
			proc.Wakeup(&pi.nread)
			proc.Sleep(p, &pi.nwrite, &pi.mu)
			continue
		}
		pi.data[pi.nwrite%PIPESIZE] = src[n]
		pi.nwrite++
		n++
	}
	proc.Wakeup(&pi.nread)
	return n, nil
}

// Read copies out of the pipe into dst, blocking while the ring is empty
// and the write end remains open. With the write end closed and the ring
// drained, Read returns 0 bytes and no error (spec.md §8: "read returns
// 0"), matching Unix EOF-on-pipe convention.
func (pi *Pipe_t) Read(p *proc.Proc_t, dst []byte) (int, error) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	for pi.nread == pi.nwrite && pi.writeOpen {
		if p.Killed {
			return 0, defs.Err_t(defs.EINTR)
		}
		proc.Sleep(p, &pi.nread, &pi.mu)
	}

	n := 0
	for n < len(dst) && pi.nread < pi.nwrite {
		dst[n] = pi.data[pi.nread%PIPESIZE]
		pi.nread++
		n++
	}
	proc.Wakeup(&pi.nwrite)
	return n, nil
}
