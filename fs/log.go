package fs

import (
	"encoding/binary"
	"sync"

	"riscvkern/proc"
)

// Log_t implements the write-ahead log of spec.md §4.6: a header block
// followed by up to LOGSIZE data blocks, group commit across concurrent
// syscalls, and crash-safe recovery. This pack's copy of biscuit ships no
// fs/log.go (fs/ has only blk.go and super.go), so the four-phase
// commit/recover protocol here is built directly from spec.md §4.6's own
// description rather than adapted from a surviving teacher file.
type Log_t struct {
	mu   sync.Mutex
	cond *sync.Cond

	dev   int
	start uint32 // first log block (the header)
	size  uint32 // number of log blocks, including the header

	outstanding int
	committing  bool

	lh struct {
		n     int
		block [LOGSIZE]uint32
	}

	cache *Cache_t
}

// OpenLog constructs the log for (dev, start, size) and replays any
// committed-but-not-installed transaction left by a prior crash, per
// spec.md §4.6 and §8's crash-recovery scenario.
func OpenLog(cache *Cache_t, dev int, start, size uint32, p *proc.Proc_t) *Log_t {
	l := &Log_t{cache: cache, dev: dev, start: start, size: size}
	l.cond = sync.NewCond(&l.mu)
	l.recover(p)
	return l
}

func (l *Log_t) readHead(p *proc.Proc_t) {
	b := l.cache.Bread(l.dev, l.start, p)
	l.lh.n = int(binary.LittleEndian.Uint32(b.Data[0:4]))
	for i := 0; i < l.lh.n; i++ {
		l.lh.block[i] = binary.LittleEndian.Uint32(b.Data[4+4*i:])
	}
	l.cache.Release(b)
}

// writeHead writes the in-memory header to disk; a header with n>0 is the
// transaction's commit point (spec.md §4.6).
func (l *Log_t) writeHead(p *proc.Proc_t) {
	b := l.cache.Get(l.dev, l.start, p)
	binary.LittleEndian.PutUint32(b.Data[0:4], uint32(l.lh.n))
	for i := 0; i < l.lh.n; i++ {
		binary.LittleEndian.PutUint32(b.Data[4+4*i:], l.lh.block[i])
	}
	l.cache.Bwrite(b, p)
	l.cache.Release(b)
}

func (l *Log_t) recover(p *proc.Proc_t) {
	l.readHead(p)
	if l.lh.n > 0 {
		l.installTrans(p)
		l.lh.n = 0
		l.writeHead(p)
	}
}

// installTrans copies each logged block from its log-region slot to its
// home location.
func (l *Log_t) installTrans(p *proc.Proc_t) {
	for i := 0; i < l.lh.n; i++ {
		lbuf := l.cache.Bread(l.dev, l.start+1+uint32(i), p)
		dbuf := l.cache.Get(l.dev, l.lh.block[i], p)
		dbuf.Data = lbuf.Data
		l.cache.Bwrite(dbuf, p)
		l.cache.Unpin(dbuf)
		l.cache.Release(dbuf)
		l.cache.Release(lbuf)
	}
}

// BeginOp reserves room in the log for one syscall's writes, blocking
// while a commit is in progress or there is not enough space, exactly per
// spec.md §4.6.
func (l *Log_t) BeginOp(p *proc.Proc_t) {
	l.mu.Lock()
	for {
		if l.committing {
			l.cond.Wait()
			continue
		}
		if l.lh.n+(l.outstanding+1)*MAXOPBLOCKS > int(l.size)-1 {
			l.cond.Wait()
			continue
		}
		l.outstanding++
		break
	}
	l.mu.Unlock()
}

// EndOp ends one syscall's participation in the current transaction. The
// last participant to leave runs the commit sequence.
func (l *Log_t) EndOp(p *proc.Proc_t) {
	l.mu.Lock()
	l.outstanding--
	doCommit := false
	if l.committing {
		panic("fs: committing set while an op is still outstanding")
	}
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		l.cond.Broadcast()
	}
	l.mu.Unlock()

	if doCommit {
		l.commit(p)
		l.mu.Lock()
		l.committing = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// Write records that buf must be part of the current transaction,
// absorbing repeated writes to the same block within one transaction
// (spec.md §4.6's "log_write absorption") instead of writing it home
// immediately. The buffer is pinned so the cache cannot evict it before
// commit.
func (l *Log_t) Write(buf *Buf_t) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lh.n >= LOGSIZE {
		panic("fs: too many blocks written in one transaction")
	}
	for i := 0; i < l.lh.n; i++ {
		if l.lh.block[i] == buf.Blkno {
			l.cache.Pin(buf)
			return
		}
	}
	l.lh.block[l.lh.n] = buf.Blkno
	l.lh.n++
	l.cache.Pin(buf)
}

// commit performs the four-phase commit: write the data blocks to the log
// region, write the header (the commit point), install the transaction to
// home locations, then clear the header (spec.md §4.6).
func (l *Log_t) commit(p *proc.Proc_t) {
	if testCrashAt != crashNone {
		l.commitWithCrash(p, testCrashAt)
		return
	}
	l.mu.Lock()
	n := l.lh.n
	blocks := append([]uint32(nil), l.lh.block[:n]...)
	l.mu.Unlock()

	if n == 0 {
		return
	}

	for i, blk := range blocks {
		from := l.cache.Get(l.dev, blk, p)
		to := l.cache.Get(l.dev, l.start+1+uint32(i), p)
		to.Data = from.Data
		l.cache.Bwrite(to, p)
		l.cache.Release(to)
		l.cache.Release(from)
	}

	l.writeHead(p) // commit point

	l.installTrans(p)

	l.mu.Lock()
	l.lh.n = 0
	l.mu.Unlock()
	l.writeHead(p) // clear
}

// crashPoint and testCrashAt are a test-only hook letting fs tests truncate the commit
// sequence at an arbitrary phase to simulate power loss (spec.md §8
// scenario 5), per SPEC_FULL.md §4's supplemented feature: no pack repo
// injects a mid-commit failure this way, since their tests run against
// real (or emulated) hardware rather than a simulated crash point.
type crashPoint int

const (
	crashNone crashPoint = iota
	crashAfterLogWrite
	crashAfterHeaderWrite
	crashAfterInstall
)

var testCrashAt crashPoint

func (l *Log_t) commitWithCrash(p *proc.Proc_t, at crashPoint) (crashed bool) {
	l.mu.Lock()
	n := l.lh.n
	blocks := append([]uint32(nil), l.lh.block[:n]...)
	l.mu.Unlock()
	if n == 0 {
		return false
	}

	for i, blk := range blocks {
		from := l.cache.Get(l.dev, blk, p)
		to := l.cache.Get(l.dev, l.start+1+uint32(i), p)
		to.Data = from.Data
		l.cache.Bwrite(to, p)
		l.cache.Release(to)
		l.cache.Release(from)
	}
	if at == crashAfterLogWrite {
		return true
	}

	l.writeHead(p)
	if at == crashAfterHeaderWrite {
		return true
	}

	l.installTrans(p)
	if at == crashAfterInstall {
		return true
	}

	l.mu.Lock()
	l.lh.n = 0
	l.mu.Unlock()
	l.writeHead(p)
	return false
}
