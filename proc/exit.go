package proc

import "riscvkern/defs"

// Initproc is the root of the process tree; Exit reparents orphaned
// children to it, the xv6-lineage "init adopts orphans" convention
// spec.md §4.4 calls for directly: "the exiting process's children are
// reparented to the initial process".
var Initproc *Proc_t

// Exit marks p a zombie with the given exit status, reparents its
// children to Initproc, and wakes p's parent (which Wait puts to sleep on
// its own address), plus Initproc in case a freshly reparented child is
// already a zombie.
// Exit returns to the caller's Run body, which must then return itself:
// the process's goroutine parks for the final time and the scheduler
// leaves the zombie for wait to reap.
func Exit(p *Proc_t, status int) {
	Table.mu.Lock()
	reparentedZombie := false
	for _, c := range Table.procs {
		if c != nil && c.Parent == p {
			c.Parent = Initproc
			if c.State == ZOMBIE {
				reparentedZombie = true
			}
		}
	}
	p.ExitStatus = status
	p.State = ZOMBIE
	parent := p.Parent
	Table.mu.Unlock()

	Wakeup(parent)
	if reparentedZombie {
		Wakeup(Initproc)
	}
}

// Wait blocks until a child of p exits, reaps it, and returns its pid and
// exit status. It returns defs.ECHILD if p has no children at all (spec.md
// §4.4). The sleep happens inline while still holding Table.mu, so a
// child's Exit can never slip between the zombie scan and the sleep.
func Wait(p *Proc_t) (defs.Tid_t, int, error) {
	Table.mu.Lock()
	defer Table.mu.Unlock()
	for {
		haveChild := false
		for _, c := range Table.procs {
			if c == nil || c.Parent != p {
				continue
			}
			haveChild = true
			if c.State == ZOMBIE {
				pid, status := c.Pid, c.ExitStatus
				free(c)
				return pid, status, nil
			}
		}
		if !haveChild || p.Killed {
			return 0, 0, defs.Err_t(defs.ECHILD)
		}

		// Sleep on our own address, the channel Exit's Wakeup(parent)
		// targets.
		p.chanv = p
		p.State = SLEEPING
		for p.State == SLEEPING {
			Table.cond.Wait()
		}
		p.chanv = nil
	}
}
