// Package lock implements the two lock flavors the kernel relies on:
// spin locks, which disable this hart's "interrupts" while held, and sleep
// locks, which may be held across blocking operations. A sleep lock here is
// a plain sync.Mutex that parks the waiting goroutine; it does not go
// through proc.Sleep/proc.Wakeup. See spec.md §5 (Concurrency & Resource
// Model).
package lock

import "sync"

// Hart abstracts the one piece of per-CPU state spin locks need: a nested
// interrupt-disable counter with the remembered prior enable state. The
// cpu package supplies the concrete implementation; lock only depends on
// this interface to avoid an import cycle.
type Hart interface {
	PushOff()
	PopOff()
}

// CurHart is set once during boot to the function that returns the calling
// goroutine's Hart record, or nil when the caller is not a hart (a device
// goroutine, a test, boot code before any hart starts). It exists so this
// package need not import cpu.
var CurHart func() Hart

// Spinlock_t is a mutual-exclusion lock that never sleeps, in the spirit of
// gopher-os's kernel/sync.Spinlock. Acquiring one disables "interrupts"
// (via the Hart's nested push/pop counter) for as long as any spin lock is
// held on this hart, matching spec.md §5's requirement that interrupts
// re-enable only on the outermost release.
type Spinlock_t struct {
	mu   sync.Mutex
	name string
}

// MkSpinlock names a new spin lock; the name is used only in panic
// messages.
func MkSpinlock(name string) *Spinlock_t {
	return &Spinlock_t{name: name}
}

func curHart() Hart {
	if CurHart == nil {
		return nil
	}
	return CurHart()
}

// Lock acquires the spin lock, disabling this hart's interrupts first.
// Callers that are not harts have no interrupts to disable.
func (l *Spinlock_t) Lock() {
	if h := curHart(); h != nil {
		h.PushOff()
	}
	l.mu.Lock()
}

// Unlock releases the spin lock and re-enables interrupts if this was the
// outermost spin lock held on this hart.
func (l *Spinlock_t) Unlock() {
	l.mu.Unlock()
	if h := curHart(); h != nil {
		h.PopOff()
	}
}

// Sleeplock_t may be held across blocking operations (unlike Spinlock_t)
// and must not be acquired from interrupt/device-handling context.
type Sleeplock_t struct {
	mu   sync.Mutex
	name string
}

// MkSleeplock names a new sleep lock.
func MkSleeplock(name string) *Sleeplock_t {
	return &Sleeplock_t{name: name}
}

// Lock blocks until the sleep lock is acquired.
func (l *Sleeplock_t) Lock() {
	l.mu.Lock()
}

// Unlock releases the sleep lock.
func (l *Sleeplock_t) Unlock() {
	l.mu.Unlock()
}

// TryLock attempts to acquire the sleep lock without blocking.
func (l *Sleeplock_t) TryLock() bool {
	return l.mu.TryLock()
}
