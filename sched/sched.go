// Package sched implements the scheduler loop of spec.md §4.4: each hart
// repeatedly picks a RUNNABLE process and runs it until it yields, sleeps,
// or exits.
//
// Context switching on bare metal requires hand-saving registers; hosted
// on top of the Go runtime (SPEC_FULL.md §0) the natural equivalent is
// parking and resuming a goroutine. Each process owns one goroutine for
// its whole lifetime; "switching to" a process means signalling its
// resume channel and waiting for it to park again. Concurrency is bounded
// to NCPU simultaneously-running processes by golang.org/x/sync/semaphore,
// standing in for "one running process per hart" (spec.md §5).
package sched

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"

	"riscvkern/cpu"
	"riscvkern/proc"
)

// Scheduler owns the semaphore bounding concurrently RUNNING processes to
// NCPU, matching spec.md §5's "at most one process may be RUNNING per
// hart, enforced kernel-wide."
type Scheduler struct {
	sem *semaphore.Weighted
}

// New creates a scheduler that allows at most ncpu processes to run
// concurrently.
func New(ncpu int) *Scheduler {
	return &Scheduler{sem: semaphore.NewWeighted(int64(ncpu))}
}

// Spawn starts p's goroutine. It must be called exactly once per process,
// before p is ever made RUNNABLE. The goroutine parks immediately, waiting
// for the first resume signal.
func Spawn(p *proc.Proc_t) {
	go run(p)
}

func run(p *proc.Proc_t) {
	for {
		<-p.Resume()
		if p.Run != nil {
			p.Run(p)
		}
		p.Parked() <- struct{}{}
		proc.Table.Lock()
		zombie := p.State == proc.ZOMBIE
		proc.Table.Unlock()
		if zombie {
			return
		}
	}
}

// HartLoop is one hart's main loop: find a runnable process, run it to its
// next park point, repeat. It returns when ctx is cancelled, letting the
// boot package stop every hart together via errgroup.
func (s *Scheduler) HartLoop(ctx context.Context, hart *cpu.Cpu_t) error {
	cpu.Bind(hart)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		p := claimRunnable(hart)
		if p == nil {
			s.sem.Release(1)
			runtime.Gosched()
			continue
		}

		p.Resume() <- struct{}{}
		<-p.Parked()

		proc.Table.Lock()
		if p.State == proc.RUNNING {
			p.State = proc.RUNNABLE
		}
		hart.Proc = nil
		proc.Table.Unlock()

		s.sem.Release(1)
	}
}

// claimRunnable scans the process table once for a RUNNABLE process and
// marks it RUNNING on this hart in the same critical section, matching
// the teacher's round-robin scheduler() loop. Claiming under the table
// lock keeps two harts from switching to the same process.
func claimRunnable(hart *cpu.Cpu_t) *proc.Proc_t {
	proc.Table.Lock()
	defer proc.Table.Unlock()
	for _, p := range proc.AllProcsLocked() {
		if p != nil && p.State == proc.RUNNABLE {
			p.State = proc.RUNNING
			hart.Proc = p
			return p
		}
	}
	return nil
}
