package proc

import "riscvkern/defs"

// Kill marks the process pid for termination: it sets Killed, and if the
// process is currently sleeping, wakes it so that it sees the flag
// promptly rather than waiting for whatever it was sleeping on (spec.md
// §4.4). Kill does not end the process itself: the flag is checked by the
// blocking loops (pipe reads and writes, sleep(ticks), wait) and returned
// by trap.UserTrap, and nothing in the trap path calls Exit for it.
func Kill(pid defs.Tid_t) error {
	Table.mu.Lock()
	defer Table.mu.Unlock()
	for _, p := range Table.procs {
		if p == nil || p.Pid != pid {
			continue
		}
		p.Killed = true
		if p.State == SLEEPING {
			// Resume the sleeper in place (see Wakeup): its goroutine is
			// still mid-quantum on its hart and will observe Killed at the
			// next predicate check.
			p.State = RUNNING
			Table.cond.Broadcast()
		}
		return nil
	}
	return procErr("proc: no such process")
}
