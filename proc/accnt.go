package proc

import (
	"sync"
	"time"
)

// Accnt_t tracks per-process CPU time, grounded directly on the teacher's
// accnt package (biscuit/src/accnt/accnt.go): separate user/system
// nanosecond counters plus the timestamp of the last mode switch, so that
// Sys_start/Sys_finish-style bracketing pairs can be added around syscalls
// without losing time spent partway through one. The profile package reads
// these counters for D_PROF snapshots.
type Accnt_t struct {
	mu        sync.Mutex
	Userns    int64
	Systns    int64
	lastStart time.Time
	inSystem  bool
}

// Userstart marks the beginning of a span of user-mode execution.
func (a *Accnt_t) Userstart() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastStart = time.Now()
	a.inSystem = false
}

// Sysstart marks the beginning of a span of kernel-mode execution
// (servicing a syscall or trap), folding any preceding user-mode span into
// Userns first.
func (a *Accnt_t) Sysstart() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accumulate()
	a.inSystem = true
}

// Finish folds the current span (user or system, whichever is open) into
// its counter. Called when a process blocks, yields, or exits.
func (a *Accnt_t) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accumulate()
}

func (a *Accnt_t) accumulate() {
	if a.lastStart.IsZero() {
		a.lastStart = time.Now()
		return
	}
	elapsed := time.Since(a.lastStart).Nanoseconds()
	if a.inSystem {
		a.Systns += elapsed
	} else {
		a.Userns += elapsed
	}
	a.lastStart = time.Now()
}

// Snapshot returns the accumulated user/system nanosecond totals without
// folding in an in-progress span, for a quick, lock-protected read (used by
// the profile package).
func (a *Accnt_t) Snapshot() (userns, systns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Userns, a.Systns
}
