// Package limits bounds a handful of system-wide resource counts:
// outstanding pipes and cached inodes (SPEC_FULL.md §4's supplemented
// feature). Grounded directly on the teacher's limits package
// (biscuit/src/limits/limits.go): a give/take atomic counter type
// (Sysatomic_t) plus a struct of configured ceilings, adapted from the
// teacher's much larger resource set (sockets, futexes, ARP/route table
// entries — all networking concerns this module's Non-goals exclude) down
// to two resources: cached in-memory inodes and live pipes. The inode
// budget is its own figure (see Default), not fs.NINODE.
package limits

import "sync/atomic"

// Atomic_t is a numeric limit that can be given back and atomically taken
// from, matching the teacher's Sysatomic_t.
type Atomic_t int64

// Take attempts to decrement the limit by n, returning false (and undoing
// the attempt) if that would drive it negative.
func (a *Atomic_t) Take(n int64) bool {
	if atomic.AddInt64((*int64)(a), -n) >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(a), n)
	return false
}

// Give returns n units to the limit.
func (a *Atomic_t) Give(n int64) {
	atomic.AddInt64((*int64)(a), n)
}

// Sys_t is the configured set of system-wide ceilings this kernel enforces.
type Sys_t struct {
	// Pipes bounds the number of live pipes outstanding at once; pipe
	// creation fails gracefully when it runs out.
	Pipes Atomic_t
	// Inodes bounds in-memory inode cache occupancy. Exhausting it is the
	// fatal fault spec.md §9's Open Questions describe for the inode
	// table ("panics when all slots are held"), just enforced by budget
	// rather than by a fixed slot array.
	Inodes Atomic_t
}

// Syslimit is the kernel's single system-wide limit set, matching the
// teacher's package-level Syslimit singleton.
var Syslimit = Default()

// Default returns the kernel's configured limits, sized generously but
// finitely, matching the teacher's MkSysLimit defaults in spirit (round
// numbers, not derived from NPROC/NBUF).
func Default() *Sys_t {
	return &Sys_t{
		Pipes:  1024,
		Inodes: 512,
	}
}
