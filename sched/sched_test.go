package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"riscvkern/cpu"
	"riscvkern/proc"
)

func TestHartLoopRunsProcessToCompletion(t *testing.T) {
	harts := cpu.Init(1)
	s := New(1)

	p, err := proc.New("test")
	if err != nil {
		t.Fatal(err)
	}
	var ran int32
	p.Run = func(p *proc.Proc_t) {
		atomic.AddInt32(&ran, 1)
		proc.Table.Lock()
		p.State = proc.ZOMBIE
		proc.Table.Unlock()
	}
	Spawn(p)

	proc.Table.Lock()
	p.State = proc.RUNNABLE
	proc.Table.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.HartLoop(ctx, harts[0]) }()

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&ran) == 0 {
		select {
		case <-deadline:
			t.Fatal("process never ran")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	<-done
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	harts := cpu.Init(2)
	s := New(1) // only one may run at a time, even with 2 harts

	var running int32
	var maxRunning int32
	block := make(chan struct{})

	mk := func() *proc.Proc_t {
		p, err := proc.New("spin")
		if err != nil {
			t.Fatal(err)
		}
		p.Run = func(p *proc.Proc_t) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxRunning)
				if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
					break
				}
			}
			<-block
			atomic.AddInt32(&running, -1)
			proc.Table.Lock()
			p.State = proc.ZOMBIE
			proc.Table.Unlock()
		}
		Spawn(p)
		proc.Table.Lock()
		p.State = proc.RUNNABLE
		proc.Table.Unlock()
		return p
	}
	mk()
	mk()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.HartLoop(ctx, harts[0])
	go s.HartLoop(ctx, harts[1])

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&maxRunning) > 1 {
		t.Fatalf("maxRunning = %d, want at most 1", maxRunning)
	}
	close(block)
	time.Sleep(50 * time.Millisecond)
}
