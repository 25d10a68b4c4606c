package fs

import (
	"encoding/binary"
	"sync"

	"riscvkern/defs"
	"riscvkern/limits"
	"riscvkern/lock"
	"riscvkern/proc"
)

// Inode_t is the in-memory inode cache entry: device/inum/refcount, a
// sleep lock, a validity flag, and a cached copy of the on-disk fields
// (spec.md §3 In-memory inode). At most one cached copy exists per
// (dev, inum); refcount>0 pins the entry; valid=false means the cached
// fields are stale and must be reloaded from disk on next Ilock.
type Inode_t struct {
	Dev    int
	Inum   uint32
	Refcnt int
	Lock   lock.Sleeplock_t
	Valid  bool

	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

// FS_t ties the superblock, buffer cache, log, and inode cache together
// into the single long-lived object the boot package constructs, per
// spec.md §9's "a single long-lived object constructed during boot." This
// pack's copy of biscuit has no surviving fs/fs.go to wire an Fs_t
// against (fs/ has only blk.go and super.go); the superblock fields
// FS_t.sb mirrors do come from the teacher's real fs/super.go
// (Superblock_t).
type FS_t struct {
	Dev   int
	sb    superblock
	cache *Cache_t
	log   *Log_t

	imu    sync.Mutex
	icache map[uint32]*Inode_t
}

// Mount reads the superblock from dev and opens (and recovers) its log,
// per spec.md §9's boot-time initialization ordering.
func Mount(cache *Cache_t, dev int, p *proc.Proc_t) *FS_t {
	b := cache.Bread(dev, 1, p)
	var sb superblock
	sb.Magic = binary.LittleEndian.Uint32(b.Data[0:])
	sb.Size = binary.LittleEndian.Uint32(b.Data[4:])
	sb.Nblocks = binary.LittleEndian.Uint32(b.Data[8:])
	sb.Ninodes = binary.LittleEndian.Uint32(b.Data[12:])
	sb.Nlog = binary.LittleEndian.Uint32(b.Data[16:])
	sb.Logstart = binary.LittleEndian.Uint32(b.Data[20:])
	sb.Inodestart = binary.LittleEndian.Uint32(b.Data[24:])
	sb.Bmapstart = binary.LittleEndian.Uint32(b.Data[28:])
	cache.Release(b)
	if sb.Magic != fsMagic {
		panic("fs: bad superblock magic")
	}

	fs := &FS_t{
		Dev:    dev,
		sb:     sb,
		cache:  cache,
		icache: make(map[uint32]*Inode_t),
	}
	fs.log = OpenLog(cache, dev, sb.Logstart, sb.Nlog, p)
	return fs
}

// BeginOp/EndOp expose the log's group-commit transaction brackets to
// callers outside this package (the syscall layer), which must run every
// file-modifying syscall between them, per spec.md §2's control-flow
// summary: "file-modifying syscalls run between transaction begin/end
// brackets."
func (fs *FS_t) BeginOp(p *proc.Proc_t) { fs.log.BeginOp(p) }
func (fs *FS_t) EndOp(p *proc.Proc_t)   { fs.log.EndOp(p) }

// bmap returns the disk block backing the n'th logical block of ip,
// allocating it (and, if needed, the indirect block) if absent, per
// spec.md §4.8's Address mapping.
func (fs *FS_t) bmap(p *proc.Proc_t, ip *Inode_t, n uint32) uint32 {
	if n < NDIRECT {
		if ip.Addrs[n] == 0 {
			ip.Addrs[n] = fs.balloc(p)
		}
		return ip.Addrs[n]
	}
	n -= NDIRECT
	if n >= NINDIRECT {
		panic("fs: logical block number beyond MAXFILE")
	}
	if ip.Addrs[NDIRECT] == 0 {
		ip.Addrs[NDIRECT] = fs.balloc(p)
	}
	ib := fs.cache.Bread(fs.Dev, ip.Addrs[NDIRECT], p)
	addr := binary.LittleEndian.Uint32(ib.Data[4*n:])
	if addr == 0 {
		addr = fs.balloc(p)
		binary.LittleEndian.PutUint32(ib.Data[4*n:], addr)
		fs.log.Write(ib)
	}
	fs.cache.Release(ib)
	return addr
}

// balloc allocates a free data block by scanning the free bitmap, per
// spec.md §3's On-disk format (BPB bits per bitmap block).
func (fs *FS_t) balloc(p *proc.Proc_t) uint32 {
	for base := uint32(0); base < fs.sb.Size; base += BPB {
		bb := fs.cache.Bread(fs.Dev, fs.sb.Bmapstart+base/BPB, p)
		for bi := uint32(0); bi < BPB && base+bi < fs.sb.Size; bi++ {
			byteIdx, mask := bi/8, byte(1<<(bi%8))
			if bb.Data[byteIdx]&mask == 0 {
				bb.Data[byteIdx] |= mask
				fs.log.Write(bb)
				fs.cache.Release(bb)
				zero := fs.cache.Get(fs.Dev, base+bi, p)
				zero.Data = [BSIZE]byte{}
				// The zeroed contents are now authoritative; without this
				// a later Bread would re-read stale bytes off disk.
				zero.Valid = true
				fs.log.Write(zero)
				fs.cache.Release(zero)
				return base + bi
			}
		}
		fs.cache.Release(bb)
	}
	panic("fs: disk out of space")
}

// bfree returns a data block to the free bitmap.
func (fs *FS_t) bfree(p *proc.Proc_t, blk uint32) {
	bb := fs.cache.Bread(fs.Dev, fs.sb.Bmapstart+blk/BPB, p)
	byteIdx, mask := (blk%BPB)/8, byte(1<<((blk%BPB)%8))
	if bb.Data[byteIdx]&mask == 0 {
		panic("fs: freeing already-free block")
	}
	bb.Data[byteIdx] &^= mask
	fs.log.Write(bb)
	fs.cache.Release(bb)
}

// Ialloc allocates an on-disk inode of the given type by scanning the
// inode blocks for a free (Type==T_FREE) slot, per spec.md §4.8.
func (fs *FS_t) Ialloc(p *proc.Proc_t, typ int16) *Inode_t {
	for inum := uint32(1); inum < fs.sb.Ninodes; inum++ {
		b := fs.cache.Bread(fs.Dev, fs.sb.Inodestart+inum/IPB, p)
		off := (inum % IPB) * dinodeSize
		if binary.LittleEndian.Uint16(b.Data[off:]) == T_FREE {
			binary.LittleEndian.PutUint16(b.Data[off:], uint16(typ))
			fs.log.Write(b)
			fs.cache.Release(b)
			return fs.Iget(inum)
		}
		fs.cache.Release(b)
	}
	panic("fs: no free inodes")
}

// Iget returns a reference to inum's in-memory inode without touching
// disk, creating a cache slot on first reference (spec.md §4.8). Cache
// occupancy is bounded by the system-wide inode budget; exhausting it is a
// fatal fault, the inode-table contract spec.md §9's Open Questions note.
func (fs *FS_t) Iget(inum uint32) *Inode_t {
	fs.imu.Lock()
	defer fs.imu.Unlock()
	if ip, ok := fs.icache[inum]; ok {
		ip.Refcnt++
		return ip
	}
	if !limits.Syslimit.Inodes.Take(1) {
		panic("fs: in-memory inode table exhausted")
	}
	ip := &Inode_t{Dev: fs.Dev, Inum: inum}
	ip.Refcnt = 1
	fs.icache[inum] = ip
	return ip
}

// Idup bumps ip's reference count without touching disk, for callers (fork
// duplicating a cwd, namex starting from one) that already hold a
// reference.
func (fs *FS_t) Idup(ip *Inode_t) *Inode_t {
	fs.imu.Lock()
	ip.Refcnt++
	fs.imu.Unlock()
	return ip
}

// Ilock acquires ip's sleep lock and, on first use, loads its fields from
// disk (spec.md §4.8).
func (fs *FS_t) Ilock(p *proc.Proc_t, ip *Inode_t) {
	ip.Lock.Lock()
	if ip.Valid {
		return
	}
	b := fs.cache.Bread(fs.Dev, fs.sb.Inodestart+ip.Inum/IPB, p)
	off := (ip.Inum % IPB) * dinodeSize
	d := b.Data[off:]
	ip.Type = int16(binary.LittleEndian.Uint16(d[0:]))
	ip.Major = int16(binary.LittleEndian.Uint16(d[2:]))
	ip.Minor = int16(binary.LittleEndian.Uint16(d[4:]))
	ip.Nlink = int16(binary.LittleEndian.Uint16(d[6:]))
	ip.Size = binary.LittleEndian.Uint32(d[8:])
	for i := 0; i < NDIRECT+1; i++ {
		ip.Addrs[i] = binary.LittleEndian.Uint32(d[12+4*i:])
	}
	fs.cache.Release(b)
	ip.Valid = true
}

// Iunlock releases ip's sleep lock.
func (fs *FS_t) Iunlock(ip *Inode_t) { ip.Lock.Unlock() }

// Iupdate writes ip's cached fields back to disk (spec.md §4.8).
func (fs *FS_t) Iupdate(p *proc.Proc_t, ip *Inode_t) {
	b := fs.cache.Bread(fs.Dev, fs.sb.Inodestart+ip.Inum/IPB, p)
	off := (ip.Inum % IPB) * dinodeSize
	d := b.Data[off:]
	binary.LittleEndian.PutUint16(d[0:], uint16(ip.Type))
	binary.LittleEndian.PutUint16(d[2:], uint16(ip.Major))
	binary.LittleEndian.PutUint16(d[4:], uint16(ip.Minor))
	binary.LittleEndian.PutUint16(d[6:], uint16(ip.Nlink))
	binary.LittleEndian.PutUint32(d[8:], ip.Size)
	for i := 0; i < NDIRECT+1; i++ {
		binary.LittleEndian.PutUint32(d[12+4*i:], ip.Addrs[i])
	}
	fs.log.Write(b)
	fs.cache.Release(b)
}

// Iput drops a reference to ip, and if this was the last reference and
// the inode has zero links, truncates and frees it (spec.md §4.8).
//
// The caller must hold a transaction (be between BeginOp and EndOp)
// whenever the drop could free the inode, since truncation writes blocks
// through the log. Iput never opens its own transaction: a nested BeginOp
// inside a caller's open one can wait forever for log space the outer
// operation is itself holding.
func (fs *FS_t) Iput(p *proc.Proc_t, ip *Inode_t) {
	fs.imu.Lock()
	ip.Refcnt--
	last := ip.Refcnt == 0
	if last {
		delete(fs.icache, ip.Inum)
		limits.Syslimit.Inodes.Give(1)
	}
	fs.imu.Unlock()

	if last && ip.Valid && ip.Nlink == 0 {
		fs.Ilock(p, ip)
		fs.itrunc(p, ip)
		ip.Type = T_FREE
		fs.Iupdate(p, ip)
		fs.Iunlock(ip)
	}
}

func (fs *FS_t) itrunc(p *proc.Proc_t, ip *Inode_t) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			fs.bfree(p, ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		ib := fs.cache.Bread(fs.Dev, ip.Addrs[NDIRECT], p)
		for i := 0; i < NINDIRECT; i++ {
			a := binary.LittleEndian.Uint32(ib.Data[4*i:])
			if a != 0 {
				fs.bfree(p, a)
			}
		}
		fs.cache.Release(ib)
		fs.bfree(p, ip.Addrs[NDIRECT])
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	fs.Iupdate(p, ip)
}

// Readi copies up to len(dst) bytes starting at off from ip into dst,
// returning the number of bytes copied, per spec.md §4.8.
func (fs *FS_t) Readi(p *proc.Proc_t, ip *Inode_t, dst []byte, off uint32) (int, error) {
	if off > ip.Size {
		return 0, nil
	}
	n := uint32(len(dst))
	if off+n > ip.Size {
		n = ip.Size - off
	}
	total := uint32(0)
	for total < n {
		blk := fs.bmap(p, ip, off/BSIZE)
		b := fs.cache.Bread(fs.Dev, blk, p)
		boff := off % BSIZE
		m := min32(n-total, BSIZE-boff)
		copy(dst[total:total+m], b.Data[boff:boff+m])
		fs.cache.Release(b)
		total += m
		off += m
	}
	return int(total), nil
}

// Writei copies src into ip starting at off, extending Size and updating
// the inode as needed, per spec.md §4.8.
func (fs *FS_t) Writei(p *proc.Proc_t, ip *Inode_t, src []byte, off uint32) (int, error) {
	if uint32(len(src))+off > MAXFILE*BSIZE {
		return 0, defs.Err_t(defs.EINVAL)
	}
	n := uint32(len(src))
	total := uint32(0)
	for total < n {
		blk := fs.bmap(p, ip, off/BSIZE)
		b := fs.cache.Bread(fs.Dev, blk, p)
		boff := off % BSIZE
		m := min32(n-total, BSIZE-boff)
		copy(b.Data[boff:boff+m], src[total:total+m])
		fs.log.Write(b)
		fs.cache.Release(b)
		total += m
		off += m
	}
	if off > ip.Size {
		ip.Size = off
	}
	fs.Iupdate(p, ip)
	return int(total), nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
