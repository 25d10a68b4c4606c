package boot

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"riscvkern/proc"
	"riscvkern/syscall"
	"riscvkern/trap"
)

// TestBootInitGetpidAndUptime exercises spec.md §8 scenario 1: boot from a
// freshly formatted disk, the init process starts, getpid() returns 1, and
// uptime() is monotone non-decreasing.
func TestBootInitGetpidAndUptime(t *testing.T) {
	img := filepath.Join(t.TempDir(), "fs.img")

	var gotPid, firstUptime, secondUptime int64
	var done sync.WaitGroup
	done.Add(1)

	prog := func(p *proc.Proc_t, sys *syscall.Syscalls) {
		defer done.Done()
		gotPid = trap.Invoke(p, sys, syscall.SysGetpid)
		firstUptime = trap.Invoke(p, sys, syscall.SysUptime)
		secondUptime = trap.Invoke(p, sys, syscall.SysUptime)
		trap.Invoke(p, sys, syscall.SysExit, 0)
	}

	k, err := Boot(Config{
		NHarts:      1,
		DiskPath:    img,
		DiskBlocks:  2048,
		Format:      true,
		InitProgram: prog,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer k.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- k.Run(ctx) }()

	done.Wait()
	cancel()
	<-runErr

	if gotPid != 1 {
		t.Fatalf("getpid() = %d, want 1", gotPid)
	}
	if secondUptime < firstUptime {
		t.Fatalf("uptime() went backwards: %d then %d", firstUptime, secondUptime)
	}
}

// TestForkPipeEchoThroughScheduler exercises spec.md §8 scenario 4 (pipe
// echo) and the Fork/exec/wait invariant end to end: init pipes, forks,
// the child writes 1024 bytes to the write end and exits, the parent
// reads 1024 bytes back off the read end and wait()s, all dispatched
// through the real syscall table and sched.Scheduler rather than calling
// proc.Fork directly the way proc_test.go's unit tests do. This is the
// regression test for sysFork needing to sched.Spawn the child: without
// that call the child's goroutine never exists and the parent's Wait
// blocks forever once the hart running it parks waiting for a state
// change that can never come.
//
// The init process and its forked child share one Go closure (Fork
// copies Run verbatim, matching a real fork() returning into the same
// text for both), so the closure tells parent and child apart by which
// one reaches it first rather than by fork's return value, which is
// only ever observed in the parent's own call stack.
func TestForkPipeEchoThroughScheduler(t *testing.T) {
	img := filepath.Join(t.TempDir(), "fs.img")

	const (
		fdsVA           = 0
		wBufVA          = 64
		msgLen          = 1024
		rBufVA          = 64 + msgLen
		statusVA        = rBufVA + msgLen
		childExitStatus = 7
	)
	pattern := bytes.Repeat([]byte("echo"), msgLen/4)

	var parentClaimed int64 // CAS guard: 0 until the first invocation claims the parent role
	var pipeFds [2]int32
	var done sync.WaitGroup
	done.Add(2) // parent and child both run prog to completion

	var childPid, waitPid, waitStatus int64
	var gotEcho []byte

	prog := func(p *proc.Proc_t, sys *syscall.Syscalls) {
		defer done.Done()

		if !atomic.CompareAndSwapInt64(&parentClaimed, 0, 1) {
			// child: write the pattern its parent seeded into wBufVA,
			// close the write end, and exit with a distinctive status.
			trap.Invoke(p, sys, syscall.SysWrite, uint64(pipeFds[1]), wBufVA, msgLen)
			trap.Invoke(p, sys, syscall.SysClose, uint64(pipeFds[1]))
			trap.Invoke(p, sys, syscall.SysExit, childExitStatus)
			return
		}

		// parent: seed the write buffer, open the pipe, fork.
		if err := p.AS.CopyOut(wBufVA, pattern); err != nil {
			t.Errorf("seeding write buffer: %v", err)
			return
		}
		if rc := trap.Invoke(p, sys, syscall.SysPipe, fdsVA); rc != 0 {
			t.Errorf("pipe() = %d, want 0", rc)
			return
		}
		var fdbuf [8]byte
		if err := p.AS.CopyIn(fdbuf[:], fdsVA); err != nil {
			t.Errorf("reading back fd pair: %v", err)
			return
		}
		pipeFds[0] = int32(fdbuf[0]) | int32(fdbuf[1])<<8 | int32(fdbuf[2])<<16 | int32(fdbuf[3])<<24
		pipeFds[1] = int32(fdbuf[4]) | int32(fdbuf[5])<<8 | int32(fdbuf[6])<<16 | int32(fdbuf[7])<<24

		childPid = trap.Invoke(p, sys, syscall.SysFork)
		if childPid <= 0 {
			t.Errorf("fork() = %d, want a positive child pid", childPid)
			return
		}
		trap.Invoke(p, sys, syscall.SysClose, uint64(pipeFds[1]))

		for len(gotEcho) < msgLen {
			n := trap.Invoke(p, sys, syscall.SysRead, uint64(pipeFds[0]), rBufVA+uint64(len(gotEcho)), uint64(msgLen-len(gotEcho)))
			if n <= 0 {
				t.Errorf("read() = %d before %d bytes arrived", n, msgLen)
				return
			}
			chunk := make([]byte, n)
			if err := p.AS.CopyIn(chunk, uintptr(rBufVA+uint64(len(gotEcho)))); err != nil {
				t.Errorf("copying read chunk back: %v", err)
				return
			}
			gotEcho = append(gotEcho, chunk...)
		}
		trap.Invoke(p, sys, syscall.SysClose, uint64(pipeFds[0]))

		waitPid = trap.Invoke(p, sys, syscall.SysWait, statusVA)
		var statusBuf [8]byte
		if err := p.AS.CopyIn(statusBuf[:], statusVA); err != nil {
			t.Errorf("reading back wait status: %v", err)
			return
		}
		waitStatus = int64(binary.LittleEndian.Uint64(statusBuf[:]))
		trap.Invoke(p, sys, syscall.SysExit, 0)
	}

	k, err := Boot(Config{
		NHarts:      2,
		DiskPath:    img,
		DiskBlocks:  2048,
		Format:      true,
		InitProgram: prog,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer k.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- k.Run(ctx) }()

	done.Wait()
	cancel()
	<-runErr

	if !bytes.Equal(gotEcho, pattern) {
		t.Fatalf("echoed %d bytes, want the %d-byte pattern back unchanged", len(gotEcho), len(pattern))
	}
	if waitPid != childPid {
		t.Fatalf("wait() = %d, want child pid %d", waitPid, childPid)
	}
	if waitStatus != childExitStatus {
		t.Fatalf("wait() status = %d, want the child's own exit status %d", waitStatus, childExitStatus)
	}
}
