package file

import (
	"riscvkern/defs"
	"riscvkern/fs"
	"riscvkern/proc"
)

// Get returns the File_t installed at fd in p's open-file table, or nil if
// fd is out of range or empty.
func Get(p *proc.Proc_t, fd int) *File_t {
	if fd < 0 || fd >= proc.NOFILE {
		return nil
	}
	f, _ := p.Fds[fd].(*File_t)
	return f
}

// Install finds the lowest-numbered empty slot in p's open-file table,
// stores f there, and returns its descriptor number, or -1 with
// defs.EMFILE if the table is full (spec.md §3 Process: "an open-file
// table", fixed NOFILE size).
func Install(p *proc.Proc_t, f *File_t) (int, error) {
	for fd := 0; fd < proc.NOFILE; fd++ {
		if p.Fds[fd] == nil {
			p.Fds[fd] = f
			return fd, nil
		}
	}
	return -1, defs.Err_t(defs.EMFILE)
}

// InstallAt installs f at a specific descriptor, as dup2-style callers
// need; it does not close whatever was already there.
func InstallAt(p *proc.Proc_t, fd int, f *File_t) {
	p.Fds[fd] = f
}

// Clear removes fd from p's table without closing the File_t, for callers
// that have already taken ownership of the reference (e.g. a just-dup'd
// descriptor being handed to a pipe end).
func Clear(p *proc.Proc_t, fd int) {
	if fd >= 0 && fd < proc.NOFILE {
		p.Fds[fd] = nil
	}
}

// ForkFds duplicates every open descriptor from parent into child,
// bumping each shared File_t's refcount, and dup's the cwd reference,
// exactly per spec.md §4.4's fork: "duplicates open-file references and
// the cwd." Proc.Fork itself only copies the address space and trapframe
// (see proc/fork.go); this completes the syscall-level contract and is
// called by the syscall layer's sysFork right after proc.Fork succeeds.
func ForkFds(fsys *fs.FS_t, parent, child *proc.Proc_t) {
	for fd := 0; fd < proc.NOFILE; fd++ {
		if f, ok := parent.Fds[fd].(*File_t); ok && f != nil {
			child.Fds[fd] = f.Dup()
		}
	}
	if cwd, ok := parent.Cwd.(*fs.Inode_t); ok {
		child.Cwd = fsys.Idup(cwd)
	}
}

// CloseAll closes every open descriptor and releases the cwd reference,
// per spec.md §4.4's exit: "closes all open files, releases the cwd."
// Called by the syscall layer's sysExit before proc.Exit.
func CloseAll(fsys *fs.FS_t, p *proc.Proc_t) {
	for fd := 0; fd < proc.NOFILE; fd++ {
		if f, ok := p.Fds[fd].(*File_t); ok && f != nil {
			f.Close(fsys, p)
			p.Fds[fd] = nil
		}
	}
	if cwd, ok := p.Cwd.(*fs.Inode_t); ok {
		fsys.BeginOp(p)
		fsys.Iput(p, cwd)
		fsys.EndOp(p)
		p.Cwd = nil
	}
}

// Cwd returns p's current-working-directory inode, or nil if unset.
func Cwd(p *proc.Proc_t) *fs.Inode_t {
	ip, _ := p.Cwd.(*fs.Inode_t)
	return ip
}
