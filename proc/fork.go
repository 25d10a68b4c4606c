package proc

import "riscvkern/defs"

// Fork creates a child process that is a copy of parent: a deep copy of
// its address space and a copy of its trapframe with the return value
// slot (A0) zeroed, exactly per spec.md §4.4. The parent's Fork call
// returns the child's pid; the child's "Fork call" (its Tf.A0) returns 0.
//
// The child is left in state USED: the caller still has to duplicate the
// open-file table and spawn the child's goroutine before publishing it to
// the scheduler with MakeRunnable, or a hart could switch to a child whose
// descriptors do not exist yet.
func Fork(parent *Proc_t) (defs.Tid_t, error) {
	child, err := allocproc(parent.Name)
	if err != nil {
		return 0, err
	}

	as, err := parent.AS.Copy(parent.AS.TrampolinePa())
	if err != nil {
		Table.mu.Lock()
		Table.procs[child.Index] = nil
		Table.mu.Unlock()
		return 0, err
	}
	child.AS = as

	tf := *parent.Tf
	tf.A0 = 0
	child.Tf = &tf
	child.Run = parent.Run

	Table.mu.Lock()
	child.Parent = parent
	Table.mu.Unlock()

	return child.Pid, nil
}
