package fs

import (
	"bytes"
	"testing"
)

func TestMountReadsSuperblockAndRootInode(t *testing.T) {
	fsys, p, done := mountTestFS(t)
	defer done()

	root := fsys.Iget(ROOTINO)
	fsys.Ilock(p, root)
	if root.Type != T_DIR {
		t.Fatalf("root type = %d, want T_DIR", root.Type)
	}
	if root.Size != 2*direntSize {
		t.Fatalf("root size = %d, want %d", root.Size, 2*direntSize)
	}
	fsys.Iunlock(root)
	fsys.Iput(p, root)
}

func TestIallocWriteiReadiRoundTrip(t *testing.T) {
	fsys, p, done := mountTestFS(t)
	defer done()

	fsys.log.BeginOp(p)
	ip := fsys.Ialloc(p, T_FILE)
	fsys.Ilock(p, ip)
	ip.Nlink = 1
	fsys.Iupdate(p, ip)

	want := []byte("hello, crash-safe file system")
	n, err := fsys.Writei(p, ip, want, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) {
		t.Fatalf("wrote %d bytes, want %d", n, len(want))
	}
	fsys.Iunlock(ip)
	fsys.Iput(p, ip)
	fsys.log.EndOp(p)

	ip2 := fsys.Iget(ip.Inum)
	fsys.Ilock(p, ip2)
	got := make([]byte, len(want))
	n, err = fsys.Readi(p, ip2, got, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("read back %q, want %q", got[:n], want)
	}
	fsys.Iunlock(ip2)
	fsys.Iput(p, ip2)
}

func TestWriteiSpansIndirectBlock(t *testing.T) {
	fsys, p, done := mountTestFS(t)
	defer done()

	fsys.log.BeginOp(p)
	ip := fsys.Ialloc(p, T_FILE)
	fsys.Ilock(p, ip)
	ip.Nlink = 1
	fsys.Iupdate(p, ip)

	const off = (NDIRECT + 2) * BSIZE
	want := bytes.Repeat([]byte("x"), 64)
	if _, err := fsys.Writei(p, ip, want, off); err != nil {
		t.Fatal(err)
	}
	if ip.Addrs[NDIRECT] == 0 {
		t.Fatal("expected indirect block to be allocated")
	}
	fsys.Iunlock(ip)
	fsys.Iput(p, ip)
	fsys.log.EndOp(p)

	ip2 := fsys.Iget(ip.Inum)
	fsys.Ilock(p, ip2)
	got := make([]byte, len(want))
	if _, err := fsys.Readi(p, ip2, got, off); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back %q, want %q", got, want)
	}
	fsys.Iunlock(ip2)
	fsys.Iput(p, ip2)
}

// TestDirlinkRefusesDuplicateAndResolves checks spec.md §8's directory
// uniqueness invariant: a second Dirlink of the same name fails, and
// Dirlookup of a linked name returns the linked inum.
func TestDirlinkRefusesDuplicateAndResolves(t *testing.T) {
	fsys, p, done := mountTestFS(t)
	defer done()

	fsys.log.BeginOp(p)
	ip := fsys.Ialloc(p, T_FILE)
	fsys.Ilock(p, ip)
	ip.Nlink = 1
	fsys.Iupdate(p, ip)
	fsys.Iunlock(ip)

	root := fsys.Iget(ROOTINO)
	fsys.Ilock(p, root)
	if err := fsys.Dirlink(p, root, "once", ip.Inum); err != nil {
		t.Fatalf("Dirlink: %v", err)
	}
	if err := fsys.Dirlink(p, root, "once", ip.Inum); err == nil {
		t.Fatal("duplicate Dirlink unexpectedly succeeded")
	}
	got, _, err := fsys.Dirlookup(p, root, "once")
	if err != nil {
		t.Fatalf("Dirlookup: %v", err)
	}
	if got.Inum != ip.Inum {
		t.Fatalf("Dirlookup inum = %d, want %d", got.Inum, ip.Inum)
	}
	fsys.Iput(p, got)
	fsys.Iunlock(root)
	fsys.Iput(p, root)
	fsys.Iput(p, ip)
	fsys.log.EndOp(p)
}

func TestIputFreesZeroLinkInode(t *testing.T) {
	fsys, p, done := mountTestFS(t)
	defer done()

	fsys.log.BeginOp(p)
	ip := fsys.Ialloc(p, T_FILE)
	fsys.Ilock(p, ip)
	if _, err := fsys.Writei(p, ip, []byte("gone soon"), 0); err != nil {
		t.Fatal(err)
	}
	ip.Nlink = 0
	fsys.Iupdate(p, ip)
	fsys.Iunlock(ip)
	fsys.Iput(p, ip) // refcnt -> 0, nlink == 0: truncate and free
	fsys.log.EndOp(p)

	reget := fsys.Iget(ip.Inum)
	fsys.Ilock(p, reget)
	if reget.Type != T_FREE {
		t.Fatalf("type = %d, want T_FREE after Iput dropped the last link", reget.Type)
	}
	fsys.Iunlock(reget)
	fsys.Iput(p, reget)
}
