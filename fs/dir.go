package fs

import (
	"bytes"
	"strings"

	"riscvkern/defs"
	"riscvkern/proc"
	"riscvkern/ustr"
)

// direntBytes serializes a dirent to its on-disk form.
func direntBytes(inum uint16, name string) [direntSize]byte {
	var b [direntSize]byte
	b[0] = byte(inum)
	b[1] = byte(inum >> 8)
	copy(b[2:], name)
	return b
}

func direntName(b []byte) string {
	n := bytes.IndexByte(b[2:2+DIRSIZ], 0)
	if n < 0 {
		n = DIRSIZ
	}
	return string(b[2 : 2+n])
}

func direntInum(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// Dirlookup scans directory inode dp for name, returning the child inode
// (unlocked, referenced) and the byte offset of its dirent, per spec.md
// §4.9's Directories.
func (fs *FS_t) Dirlookup(p *proc.Proc_t, dp *Inode_t, name string) (*Inode_t, uint32, error) {
	if dp.Type != T_DIR {
		panic("fs: dirlookup of a non-directory")
	}
	name = ustr.Normalize(name)
	var de [direntSize]byte
	for off := uint32(0); off < dp.Size; off += direntSize {
		n, err := fs.Readi(p, dp, de[:], off)
		if err != nil {
			return nil, 0, err
		}
		if n != direntSize {
			panic("fs: short directory read")
		}
		inum := direntInum(de[:])
		if inum == 0 {
			continue
		}
		if ustr.Eq(direntName(de[:]), name) {
			return fs.Iget(uint32(inum)), off, nil
		}
	}
	return nil, 0, defs.Err_t(defs.ENOENT)
}

// Dirlink adds a (name, inum) entry to directory dp, reusing a free slot
// if one exists, per spec.md §4.9.
func (fs *FS_t) Dirlink(p *proc.Proc_t, dp *Inode_t, name string, inum uint32) error {
	name = ustr.Normalize(name)
	if existing, _, err := fs.Dirlookup(p, dp, name); err == nil {
		fs.Iput(p, existing)
		return defs.Err_t(defs.EEXIST)
	}
	if len(name) > DIRSIZ {
		return defs.Err_t(defs.ENAMETOOLONG)
	}

	var de [direntSize]byte
	off := uint32(0)
	for ; off < dp.Size; off += direntSize {
		n, err := fs.Readi(p, dp, de[:], off)
		if err != nil {
			return err
		}
		if n != direntSize {
			panic("fs: short directory read")
		}
		if direntInum(de[:]) == 0 {
			break
		}
	}

	rec := direntBytes(uint16(inum), name)
	_, err := fs.Writei(p, dp, rec[:], off)
	return err
}

// skipElem splits the first path element off path, returning it and the
// remainder. No fs/dir.go survives in this pack's copy of biscuit; this
// follows the ordinary POSIX multi-slash/trailing-slash collapsing rules
// any xv6-lineage path walker applies.
func skipElem(path string) (elem, rest string) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", ""
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	return path[:i], strings.TrimLeft(path[i:], "/")
}

// Namex resolves path to an inode (unlocked, referenced), starting from
// root if path is absolute or from cwd otherwise, implementing spec.md
// §4.9's Path resolution including "." and ".." handling via the ordinary
// directory entries every directory carries. Callers must hold a
// transaction: the Iput on each intermediate inode can free an unlinked
// one.
func (fs *FS_t) Namex(p *proc.Proc_t, cwd *Inode_t, path string) (*Inode_t, error) {
	var ip *Inode_t
	if strings.HasPrefix(path, "/") {
		ip = fs.Iget(ROOTINO)
	} else if cwd != nil {
		ip = fs.Idup(cwd)
	} else {
		ip = fs.Iget(ROOTINO)
	}

	elem, rest := skipElem(path)
	for elem != "" {
		fs.Ilock(p, ip)
		if ip.Type != T_DIR {
			fs.Iunlock(ip)
			fs.Iput(p, ip)
			return nil, defs.Err_t(defs.ENOTDIR)
		}
		next, _, err := fs.Dirlookup(p, ip, elem)
		fs.Iunlock(ip)
		if err != nil {
			fs.Iput(p, ip)
			return nil, err
		}
		fs.Iput(p, ip)
		ip = next
		elem, rest = skipElem(rest)
	}
	return ip, nil
}

// NamexParent resolves all but the last path element, returning the parent
// directory inode and the final element's name, for callers (create,
// unlink, rename) that need to modify the parent's directory entries
// themselves (spec.md §4.9).
func (fs *FS_t) NamexParent(p *proc.Proc_t, cwd *Inode_t, path string) (*Inode_t, string, error) {
	i := strings.LastIndexByte(strings.TrimRight(path, "/"), '/')
	name := strings.TrimRight(path, "/")
	var dir string
	if i < 0 {
		dir = "."
		if strings.HasPrefix(path, "/") {
			dir = "/"
		}
	} else {
		dir = path[:i+1]
		name = name[i+1:]
	}
	if name == "" {
		return nil, "", defs.Err_t(defs.EINVAL)
	}
	dp, err := fs.Namex(p, cwd, dir)
	if err != nil {
		return nil, "", err
	}
	return dp, name, nil
}
