package fs

import (
	"bytes"
	"testing"

	"golang.org/x/tools/txtar"
)

// TestSeedPopulatesRootFromArchive exercises fs.Seed against a txtar
// fixture describing the two files spec.md §8's end-to-end scenarios name
// literally ("/init" from scenario 1, "/t" from scenario 2), checking
// that each lands in the root directory with the exact bytes the archive
// specified.
func TestSeedPopulatesRootFromArchive(t *testing.T) {
	fsys, p, done := mountTestFS(t)
	defer done()

	archive := txtar.Parse([]byte(`
-- init --
(init placeholder)
-- t --
hello
`))

	if err := Seed(fsys, p, archive); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	root := fsys.Iget(ROOTINO)
	fsys.Ilock(p, root)
	defer func() {
		fsys.Iunlock(root)
		fsys.Iput(p, root)
	}()

	for _, f := range archive.Files {
		ip, _, err := fsys.Dirlookup(p, root, f.Name)
		if err != nil {
			t.Fatalf("Dirlookup(%q): %v", f.Name, err)
		}
		fsys.Ilock(p, ip)
		got := make([]byte, ip.Size)
		if _, err := fsys.Readi(p, ip, got, 0); err != nil {
			fsys.Iunlock(ip)
			fsys.Iput(p, ip)
			t.Fatalf("Readi(%q): %v", f.Name, err)
		}
		fsys.Iunlock(ip)
		fsys.Iput(p, ip)
		if !bytes.Equal(got, f.Data) {
			t.Fatalf("seeded %q = %q, want %q", f.Name, got, f.Data)
		}
	}
}

// TestSeedRejectsNestedPaths checks that Seed refuses an archive entry
// that names a subdirectory path, since this kernel's mkfs never
// fabricates directories ahead of boot.
func TestSeedRejectsNestedPaths(t *testing.T) {
	fsys, p, done := mountTestFS(t)
	defer done()

	archive := txtar.Parse([]byte(`
-- bin/sh --
nope
`))
	if err := Seed(fsys, p, archive); err == nil {
		t.Fatal("Seed: want error for nested path, got nil")
	}
}
