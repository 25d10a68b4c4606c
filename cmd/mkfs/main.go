// Command mkfs formats a disk image file with a fresh, empty file system
// in this kernel's on-disk format (spec.md §3's On-disk format, §6's
// authoritative BSIZE=1024), the hosted-model equivalent of the teacher's
// mkfs command (biscuit/src/mkfs/mkfs.go) which instead stitches a
// bootloader, kernel, and skeleton directory tree into a bootable image —
// this module's kernel never boots bare metal (SPEC_FULL.md §0), so mkfs
// only needs to produce a mountable image, not a bootable one.
package main

import (
	"flag"
	"log"

	"golang.org/x/tools/txtar"

	"riscvkern/fs"
	"riscvkern/mem"
	"riscvkern/proc"
	"riscvkern/virtio"
)

func main() {
	var (
		out    = flag.String("o", "fs.img", "output disk image path")
		blocks = flag.Uint("blocks", 4096, "total number of fs blocks in the image")
		seed   = flag.String("seed", "", "txtar archive of top-level files to seed the root directory with")
	)
	flag.Parse()

	mem.Physmem = &mem.Physmem_t{}
	mem.Physmem.Init(mem.Pa_t(0), 256*mem.PGSIZE)

	p, err := proc.New("mkfs")
	if err != nil {
		log.Fatalf("mkfs: %v", err)
	}

	sizeBytes := int64(*blocks) * fs.BSIZE
	disk, err := virtio.Open(*out, sizeBytes)
	if err != nil {
		log.Fatalf("mkfs: opening %s: %v", *out, err)
	}
	defer disk.Close()

	geo := fs.DefaultGeometry(uint32(*blocks))
	cache, err := fs.FormatNew(disk, 0, p, geo)
	if err != nil {
		log.Fatalf("mkfs: formatting %s: %v", *out, err)
	}

	if *seed != "" {
		archive, err := txtar.ParseFile(*seed)
		if err != nil {
			log.Fatalf("mkfs: reading seed archive %s: %v", *seed, err)
		}
		fsys := fs.Mount(cache, 0, p)
		if err := fs.Seed(fsys, p, archive); err != nil {
			log.Fatalf("mkfs: seeding %s: %v", *out, err)
		}
		log.Printf("mkfs: seeded %d files from %s", len(archive.Files), *seed)
	}

	log.Printf("mkfs: wrote %d-block file system to %s", *blocks, *out)
}
