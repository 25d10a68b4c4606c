package fs

import (
	"bytes"
	"testing"
)

func logLen(fsys *FS_t) int {
	fsys.log.mu.Lock()
	defer fsys.log.mu.Unlock()
	return fsys.log.lh.n
}

// TestLogAbsorption checks spec.md §8's absorption invariant: writing the
// same block twice within one transaction consumes exactly one log slot.
func TestLogAbsorption(t *testing.T) {
	fsys, p, done := mountTestFS(t)
	defer done()

	fsys.log.BeginOp(p)
	blk := uint32(testDataStart + 5)
	b := fsys.cache.Bread(0, blk, p)
	b.Data[0] = 1
	fsys.log.Write(b)
	n1 := logLen(fsys)
	b.Data[1] = 2
	fsys.log.Write(b)
	n2 := logLen(fsys)
	fsys.cache.Release(b)
	fsys.log.EndOp(p)

	if n1 != 1 || n2 != 1 {
		t.Fatalf("log slots after duplicate writes = %d then %d, want 1 then 1", n1, n2)
	}
}

// crashCommit runs one transaction that rewrites blk with newData, cutting
// the commit sequence short at the given point, then "reboots" by mounting
// a fresh cache over the same disk so recovery replays whatever survived.
// It returns the block's post-recovery contents.
func crashCommit(t *testing.T, at crashPoint) (old, now []byte) {
	t.Helper()
	disk, p := mkTestDisk(t)
	t.Cleanup(func() { disk.Close() })
	cache := NewCache(disk)
	fsys := Mount(cache, 0, p)

	blk := uint32(testDataStart + 3)
	old = bytes.Repeat([]byte{0xaa}, BSIZE)
	rawWrite(cache, p, 0, blk, old)

	fsys.log.BeginOp(p)
	b := cache.Bread(0, blk, p)
	for i := range b.Data {
		b.Data[i] = 0xbb
	}
	fsys.log.Write(b)
	cache.Release(b)
	testCrashAt = at
	fsys.log.EndOp(p)
	testCrashAt = crashNone

	// Reboot: only what reached the disk survives; the dirty cache is
	// gone with the "power".
	cache2 := NewCache(disk)
	Mount(cache2, 0, p)
	b2 := cache2.Bread(0, blk, p)
	now = append([]byte(nil), b2.Data[:]...)
	cache2.Release(b2)
	return old, now
}

// TestCrashBeforeCommitPointKeepsOldContents: power loss before the header
// write must leave the home block untouched (spec.md §8 log atomicity).
func TestCrashBeforeCommitPointKeepsOldContents(t *testing.T) {
	old, now := crashCommit(t, crashAfterLogWrite)
	if !bytes.Equal(now, old) {
		t.Fatalf("home block changed without a committed header")
	}
}

// TestCrashAfterCommitPointInstallsNewContents: once the header is on
// disk the transaction is committed; recovery must finish the install.
func TestCrashAfterCommitPointInstallsNewContents(t *testing.T) {
	_, now := crashCommit(t, crashAfterHeaderWrite)
	want := bytes.Repeat([]byte{0xbb}, BSIZE)
	if !bytes.Equal(now, want) {
		t.Fatalf("committed transaction not installed by recovery")
	}
}

// TestCrashAfterInstallIsIdempotent: losing power between the install and
// the header clear makes recovery replay the install, which must be
// harmless.
func TestCrashAfterInstallIsIdempotent(t *testing.T) {
	_, now := crashCommit(t, crashAfterInstall)
	want := bytes.Repeat([]byte{0xbb}, BSIZE)
	if !bytes.Equal(now, want) {
		t.Fatalf("re-replayed install corrupted the home block")
	}
}

// TestUnlinkCrashRecovery is spec.md §8 scenario 5: crash an unlink
// between the log-header commit and the home installation, reboot, and
// verify the file is gone with its data block returned to the bitmap
// exactly once.
func TestUnlinkCrashRecovery(t *testing.T) {
	disk, p := mkTestDisk(t)
	t.Cleanup(func() { disk.Close() })
	cache := NewCache(disk)
	fsys := Mount(cache, 0, p)

	// Create /t with a little data.
	fsys.log.BeginOp(p)
	ip := fsys.Ialloc(p, T_FILE)
	fsys.Ilock(p, ip)
	ip.Nlink = 1
	fsys.Iupdate(p, ip)
	if _, err := fsys.Writei(p, ip, []byte("doomed"), 0); err != nil {
		t.Fatal(err)
	}
	dataBlk := ip.Addrs[0]
	fsys.Iunlock(ip)
	root := fsys.Iget(ROOTINO)
	fsys.Ilock(p, root)
	if err := fsys.Dirlink(p, root, "t", ip.Inum); err != nil {
		t.Fatal(err)
	}
	fsys.Iunlock(root)
	fsys.Iput(p, root)
	fsys.Iput(p, ip)
	fsys.log.EndOp(p)

	// Unlink it, losing power right after the commit point.
	fsys.log.BeginOp(p)
	root = fsys.Iget(ROOTINO)
	fsys.Ilock(p, root)
	victim, off, err := fsys.Dirlookup(p, root, "t")
	if err != nil {
		t.Fatal(err)
	}
	var zero [2]byte
	if _, err := fsys.Writei(p, root, zero[:], off); err != nil {
		t.Fatal(err)
	}
	fsys.Ilock(p, victim)
	victim.Nlink--
	fsys.Iupdate(p, victim)
	fsys.Iunlock(victim)
	fsys.Iput(p, victim) // last reference, zero links: truncates and frees
	fsys.Iunlock(root)
	fsys.Iput(p, root)
	testCrashAt = crashAfterHeaderWrite
	fsys.log.EndOp(p)
	testCrashAt = crashNone

	// Reboot and recover.
	cache2 := NewCache(disk)
	fsys2 := Mount(cache2, 0, p)
	root2 := fsys2.Iget(ROOTINO)
	fsys2.Ilock(p, root2)
	if _, _, err := fsys2.Dirlookup(p, root2, "t"); err == nil {
		t.Fatal("/t still present after recovered unlink")
	}
	fsys2.Iunlock(root2)
	fsys2.Iput(p, root2)

	// The freed data block's bitmap bit must be clear again.
	bb := cache2.Bread(0, testBmapstart+dataBlk/BPB, p)
	bit := bb.Data[(dataBlk%BPB)/8] & (1 << (dataBlk % 8))
	cache2.Release(bb)
	if bit != 0 {
		t.Fatalf("block %d still marked allocated after recovered unlink", dataBlk)
	}
}
