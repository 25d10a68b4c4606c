package proc

import "sync"

// Sleep blocks the calling goroutine's process p until some other
// goroutine calls Wakeup with the same chanv, exactly per spec.md §9's
// sleep/wakeup design note. lk is the lock protecting whatever condition p
// is waiting on (e.g. a pipe's lock, the disk driver's lock); Sleep
// releases it before blocking and reacquires it before returning, matching
// the teacher's sleep(chan, lk) contract so callers never miss a wakeup
// racing with the condition check.
func Sleep(p *Proc_t, chanv any, lk sync.Locker) {
	Table.mu.Lock()
	p.chanv = chanv
	p.State = SLEEPING
	lk.Unlock()

	for p.State == SLEEPING {
		Table.cond.Wait()
	}

	p.chanv = nil
	Table.mu.Unlock()
	lk.Lock()
}

// Wakeup resumes every process sleeping on chanv. It is safe to call
// whether or not anything is actually sleeping on chanv (spec.md §4.9:
// "wakeup on an empty wait set is a no-op").
//
// A sleeper's goroutine is still parked inside Sleep, mid-quantum, on
// whatever hart switched to it; it never went back through the scheduler.
// So the woken process resumes as RUNNING rather than rejoining the
// runnable pool, which would let a second hart claim a process whose
// goroutine is already executing.
func Wakeup(chanv any) {
	Table.mu.Lock()
	woke := false
	for _, p := range Table.procs {
		if p != nil && p.State == SLEEPING && p.chanv == chanv {
			p.State = RUNNING
			woke = true
		}
	}
	Table.mu.Unlock()
	if woke {
		Table.cond.Broadcast()
	}
}
