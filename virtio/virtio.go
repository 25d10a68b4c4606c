// Package virtio implements the block-device driver of spec.md §4.7: a
// single split virtqueue of NUM descriptors, three-descriptor request
// chains (header/data/status), bitmap descriptor allocation with
// sleep-on-exhaustion, and interrupt-driven completion.
//
// Grounded on hanwen-go-fuse's vhostuser/device.go and vhostuser/types.go,
// the pack's one real split-virtqueue implementation (Virtq, VringDesc,
// VringAvail, VringUsed against guest memory reached via unix.Mmap), and
// the spec's own protocol section, which names the exact
// magic/version/device-id/feature-negotiation sequence. The device side
// of the link — which on real hardware is QEMU — is modeled here by a
// goroutine that performs the actual I/O against an mmap'ed backing file
// via golang.org/x/sys/unix, the same package vhost-user reaches for to
// map guest memory, and the domain dependency this package exists to
// exercise (SPEC_FULL.md §2).
package virtio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"riscvkern/lock"
	"riscvkern/mem"
	"riscvkern/proc"
)

// NUM is the virtqueue's descriptor count; must be a power of two
// (spec.md §4.7).
const NUM = 8

const (
	descFNext  = 1
	descFWrite = 2
)

const (
	blkTypeIn  = 0 // read
	blkTypeOut = 1 // write
)

const sectorSize = 512

// Magic, version, device id, and vendor match the standard split-virtqueue
// block device protocol spec.md §4.7 and §6 specify.
const (
	Magic    = 0x74726976
	Version  = 2
	DeviceID = 2
	VendorID = 0x554d4551 // "QEMU"
)

type desc struct {
	addr  mem.Pa_t
	len   uint32
	flags uint16
	next  uint16
}

// Disk_t is the driver half of the link: the virtqueue plus the bitmap of
// free descriptor chains. One instance per block device (spec.md §6: a
// single virtio block device at a fixed physical address).
type Disk_t struct {
	mu   lock.Spinlock_t
	desc [NUM]desc

	availIdx  uint16
	availRing [NUM]uint16

	usedIdx  uint16
	usedSeen uint16
	usedRing [NUM]struct {
		id  uint32
		len uint32
	}

	free [NUM]bool // true = descriptor in use

	inflight map[uint16]*Buf // head descriptor index -> request

	notify chan struct{}
	done   chan struct{}

	backing []byte // mmap'ed disk image, the "device"'s storage
	fd      int
}

// Buf is the minimal request record the driver sleeps/wakes on, matching
// spec.md §4.5's buffer cache entry fields relevant to disk I/O: device
// number, block number, and the `disk` in-flight flag the completion
// handler clears.
type Buf struct {
	Dev  int
	Blk  uint64 // 512-byte sector number; fs scales its BSIZE block numbers to sectors
	Data []byte
	Disk bool

	// status is the device-reported completion byte, copied out of the
	// request's status cell by the completion handler; non-zero means the
	// device failed the request.
	status byte
}

// Open mmaps path (created if missing, then truncated or extended to
// exactly size bytes) as the simulated device's backing store and starts its
// completion-draining goroutine, matching the teacher's own device-open +
// interrupt-handler-goroutine pairing.
func Open(path string, size int64) (*Disk_t, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		return nil, fmt.Errorf("virtio: open %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("virtio: truncate %s: %w", path, err)
	}
	backing, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("virtio: mmap %s: %w", path, err)
	}

	d := &Disk_t{
		backing:  backing,
		fd:       fd,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		inflight: make(map[uint16]*Buf),
	}
	go d.deviceLoop()
	return d, nil
}

// Close stops the device goroutine and unmaps the backing file.
func (d *Disk_t) Close() error {
	close(d.done)
	err := unix.Munmap(d.backing)
	unix.Close(d.fd)
	return err
}

// Rw submits buf for a read (write=false) or write (write=true) on behalf
// of calling process p, and blocks until the device completes it, per
// spec.md §4.7: "the submitter sleeps on the buffer's address with
// buf.disk=1 asserted."
func (d *Disk_t) Rw(p *proc.Proc_t, buf *Buf, write bool) error {
	head, err := d.allocChain(p, buf, write)
	if err != nil {
		return err
	}

	d.mu.Lock()
	buf.Disk = true
	buf.status = 0
	d.inflight[head] = buf
	d.pushAvail(head)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}

	d.mu.Lock()
	for buf.Disk {
		proc.Sleep(p, buf, &d.mu)
	}
	status := buf.status
	d.mu.Unlock()

	if status != 0 {
		return fmt.Errorf("virtio: device reported status %d for sector %d", status, buf.Blk)
	}
	return nil
}

// allocChain allocates three consecutive-in-purpose (not necessarily
// index-adjacent) descriptors for a header/data/status request chain,
// sleeping on bitmap exhaustion exactly per spec.md §4.7.
func (d *Disk_t) allocChain(p *proc.Proc_t, buf *Buf, write bool) (head uint16, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idxs := make([]int, 0, 3)
	for len(idxs) < 3 {
		free := -1
		for i, used := range d.free {
			if !used {
				free = i
				break
			}
		}
		if free < 0 {
			proc.Sleep(p, &d.free, &d.mu)
			continue
		}
		d.free[free] = true
		idxs = append(idxs, free)
	}

	hdrPa, ok := mem.Physmem.Alloc()
	if !ok {
		return 0, fmt.Errorf("virtio: out of memory for request header")
	}
	typ := uint32(blkTypeIn)
	if write {
		typ = blkTypeOut
	}
	var hdrBytes [16]byte
	binary.LittleEndian.PutUint32(hdrBytes[0:], typ)
	binary.LittleEndian.PutUint64(hdrBytes[8:], buf.Blk)
	mem.Physmem.Write(hdrPa, 0, hdrBytes[:])

	statusPa, ok := mem.Physmem.Alloc()
	if !ok {
		return 0, fmt.Errorf("virtio: out of memory for status byte")
	}
	mem.Physmem.Write(statusPa, 0, []byte{0xff})

	dataPa, ok := mem.Physmem.Alloc()
	if !ok {
		return 0, fmt.Errorf("virtio: out of memory for request data")
	}
	if write {
		mem.Physmem.Write(dataPa, 0, buf.Data)
	}

	d.desc[idxs[0]] = desc{addr: hdrPa, len: uint32(len(hdrBytes)), flags: descFNext, next: uint16(idxs[1])}
	dataFlags := uint16(descFNext)
	if !write {
		dataFlags |= descFWrite
	}
	d.desc[idxs[1]] = desc{addr: dataPa, len: uint32(len(buf.Data)), flags: dataFlags, next: uint16(idxs[2])}
	d.desc[idxs[2]] = desc{addr: statusPa, len: 1, flags: descFWrite}

	return uint16(idxs[0]), nil
}

// pushAvail writes head into the available ring and bumps its index,
// bracketed by the memory-fence-equivalent spec.md §4.7 calls for: Go's
// memory model guarantees this goroutine's writes are visible to the
// device goroutine once it receives on d.notify (a channel send is itself
// a release/acquire pair), so no explicit fence primitive is needed here.
func (d *Disk_t) pushAvail(head uint16) {
	d.availRing[d.availIdx%NUM] = head
	d.availIdx++
}

// deviceLoop stands in for the virtio device itself: it waits for a
// notify, walks newly available descriptor chains, performs the real I/O
// against the mmap'ed backing file, and posts completions to the used
// ring before calling Intr. The device only reads and writes the frames
// the chain points at; reclaiming them is the driver's job, in Intr,
// after it has copied the results out.
func (d *Disk_t) deviceLoop() {
	seen := uint16(0)
	for {
		select {
		case <-d.done:
			return
		case <-d.notify:
		}

		d.mu.Lock()
		avail := d.availIdx
		d.mu.Unlock()

		for seen != avail {
			d.mu.Lock()
			head := d.availRing[seen%NUM]
			hdrD := d.desc[head]
			dataD := d.desc[hdrD.next]
			statusD := d.desc[dataD.next]
			d.mu.Unlock()

			d.service(hdrD, dataD, statusD)

			d.mu.Lock()
			d.usedRing[d.usedIdx%NUM] = struct {
				id  uint32
				len uint32
			}{id: uint32(head), len: dataD.len}
			d.usedIdx++
			d.mu.Unlock()

			seen++
		}

		d.Intr()
	}
}

// service performs the actual sector I/O against the backing file for one
// request chain.
func (d *Disk_t) service(hdr, data, status desc) {
	var hdrBytes [16]byte
	mem.Physmem.Read(hdr.addr, 0, hdrBytes[:])
	typ := binary.LittleEndian.Uint32(hdrBytes[0:])
	sector := binary.LittleEndian.Uint64(hdrBytes[8:])
	off := int64(sector) * sectorSize

	buf := mem.Physmem.Frame(data.addr)[:data.len]
	if typ == blkTypeOut {
		copy(d.backing[off:], buf)
	} else {
		copy(buf, d.backing[off:off+int64(data.len)])
	}
	mem.Physmem.Write(status.addr, 0, []byte{0})
}

// Intr drains the used ring, matching spec.md §4.7's interrupt handler:
// for each newly completed request, copy read data out of the DMA frame
// into the submitter's buffer, read the status byte the device wrote,
// release the descriptor chain and its frames, clear the buffer's disk
// flag, and wake it. The status is handed to the sleeping Rw caller via
// the request record rather than checked here, so a device failure
// surfaces as that caller's error instead of halting the kernel.
func (d *Disk_t) Intr() {
	d.mu.Lock()
	for d.usedSeen != d.usedIdx {
		entry := d.usedRing[d.usedSeen%NUM]
		head := uint16(entry.id)
		hdrD := d.desc[head]
		dataD := d.desc[hdrD.next]
		statusD := d.desc[dataD.next]

		if b, ok := d.inflight[head]; ok {
			var hdrBytes [16]byte
			mem.Physmem.Read(hdrD.addr, 0, hdrBytes[:])
			if binary.LittleEndian.Uint32(hdrBytes[0:]) == blkTypeIn {
				copy(b.Data, mem.Physmem.Frame(dataD.addr)[:dataD.len])
			}
			var status [1]byte
			mem.Physmem.Read(statusD.addr, 0, status[:])
			b.status = status[0]
			b.Disk = false
			delete(d.inflight, head)
			proc.Wakeup(b)
		}

		d.free[head] = false
		d.free[hdrD.next] = false
		d.free[dataD.next] = false
		mem.Physmem.Free(hdrD.addr)
		mem.Physmem.Free(dataD.addr)
		mem.Physmem.Free(statusD.addr)

		d.usedSeen++
	}
	d.mu.Unlock()
	proc.Wakeup(&d.free)
}

