package fs

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"riscvkern/mem"
	"riscvkern/proc"
	"riscvkern/virtio"
)

// testLayout fixes a small disk geometry used by every test in this
// package: enough log, inode, and bitmap blocks to exercise the real
// on-disk format without needing the cmd/mkfs tool.
const (
	testTotalBlocks = 200
	testLogstart    = 2
	testNlog        = LOGSIZE
	testInodestart  = testLogstart + testNlog // 32
	testInodeBlocks = 4                       // ceil(50/IPB)
	testBmapstart   = testInodestart + testInodeBlocks // 36
	testDataStart   = testBmapstart + 1                // 37
	testNinodes     = 50
)

// mkTestDisk formats a fresh disk image with a valid superblock, an empty
// log, and a root directory containing "." and ".." entries — the minimal
// hand-built equivalent of running cmd/mkfs against this geometry.
func mkTestDisk(t *testing.T) (*virtio.Disk_t, *proc.Proc_t) {
	t.Helper()
	mem.Physmem = &mem.Physmem_t{}
	mem.Physmem.Init(mem.Pa_t(0), 256*mem.PGSIZE)

	p, err := proc.New("fstest")
	if err != nil {
		t.Fatal(err)
	}

	img := filepath.Join(t.TempDir(), "fs.img")
	disk, err := virtio.Open(img, int64(testTotalBlocks)*BSIZE)
	if err != nil {
		t.Fatal(err)
	}

	rawWrite := func(blk uint32, data []byte) {
		var payload [BSIZE]byte
		copy(payload[:], data)
		buf := &virtio.Buf{Dev: 0, Blk: uint64(blk) * sectorsPerBlock, Data: payload[:]}
		if err := disk.Rw(p, buf, true); err != nil {
			t.Fatal(err)
		}
	}

	var sb [BSIZE]byte
	binary.LittleEndian.PutUint32(sb[0:], fsMagic)
	binary.LittleEndian.PutUint32(sb[4:], testTotalBlocks)
	binary.LittleEndian.PutUint32(sb[8:], testTotalBlocks-testDataStart)
	binary.LittleEndian.PutUint32(sb[12:], testNinodes)
	binary.LittleEndian.PutUint32(sb[16:], testNlog)
	binary.LittleEndian.PutUint32(sb[20:], testLogstart)
	binary.LittleEndian.PutUint32(sb[24:], testInodestart)
	binary.LittleEndian.PutUint32(sb[28:], testBmapstart)
	rawWrite(1, sb[:])

	// Empty log header (n=0): nothing to recover.
	var hdr [BSIZE]byte
	rawWrite(testLogstart, hdr[:])

	// Root inode: a directory with two directory entries in its first
	// data block, which is the first allocatable block.
	var inodeBlk [BSIZE]byte
	off := (ROOTINO % IPB) * dinodeSize
	binary.LittleEndian.PutUint16(inodeBlk[off:], T_DIR)
	binary.LittleEndian.PutUint16(inodeBlk[off+6:], 1) // nlink
	binary.LittleEndian.PutUint32(inodeBlk[off+8:], 2*direntSize)
	binary.LittleEndian.PutUint32(inodeBlk[off+12:], testDataStart)
	rawWrite(testInodestart+ROOTINO/IPB, inodeBlk[:])

	var dirBlk [BSIZE]byte
	dot := direntBytes(ROOTINO, ".")
	dotdot := direntBytes(ROOTINO, "..")
	copy(dirBlk[0:], dot[:])
	copy(dirBlk[direntSize:], dotdot[:])
	rawWrite(testDataStart, dirBlk[:])

	// Mark the superblock, log, inode, bitmap, and root-data blocks used
	// in the free bitmap (block 0 is reserved/boot and also marked used).
	var bitmap [BSIZE]byte
	used := uint32(testDataStart + 1)
	for i := uint32(0); i < used; i++ {
		bitmap[i/8] |= 1 << (i % 8)
	}
	rawWrite(testBmapstart, bitmap[:])

	return disk, p
}

// mountTestFS formats a fresh disk and mounts it, returning the FS_t, the
// process used to do so, and a cleanup func.
func mountTestFS(t *testing.T) (*FS_t, *proc.Proc_t, func()) {
	t.Helper()
	disk, p := mkTestDisk(t)
	cache := NewCache(disk)
	fsys := Mount(cache, 0, p)
	return fsys, p, func() { disk.Close() }
}
