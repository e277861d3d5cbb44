// Package mountfs overlays sub-filesystems at chosen paths, the way staged
// builds see linked packages under node_modules/<name>. Directories above a
// mount point are synthesized so the tree walks like a real one.
package mountfs

import (
	"fmt"
	"io"
	"io/fs"
	"maps"
	"path"
	"slices"
	"strings"
	"time"
)

// Tree is an fs.FS assembled from sub-filesystems mounted at slash-separated
// paths. Mounts must not nest; every ancestor directory of a mount point is
// synthesized. Mounting must not run concurrently with reads.
type Tree struct {
	mounts map[string]fs.FS
}

var _ fs.FS = (*Tree)(nil)

func New() *Tree {
	return &Tree{mounts: make(map[string]fs.FS)}
}

// Mount places fsys at the given path. Mounting at ".", at an existing mount
// point, or inside another mount's subtree is an error.
func (t *Tree) Mount(at string, fsys fs.FS) error {
	at = path.Clean(at)
	if !fs.ValidPath(at) || at == "." {
		return fmt.Errorf("invalid mount path %q", at)
	}
	for existing := range t.mounts {
		if existing == at || strings.HasPrefix(at, existing+"/") || strings.HasPrefix(existing, at+"/") {
			return fmt.Errorf("mount %q overlaps mount %q", at, existing)
		}
	}
	t.mounts[at] = fsys
	return nil
}

func (t *Tree) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	for at, fsys := range t.mounts {
		if name == at {
			// The mount point itself lists the mounted filesystem's root.
			return &dirHandle{
				info: dirInfo(path.Base(at)),
				read: func() ([]fs.DirEntry, error) { return fs.ReadDir(fsys, ".") },
			}, nil
		}
		if rest, ok := strings.CutPrefix(name, at+"/"); ok {
			return fsys.Open(rest)
		}
	}

	children := t.childrenOf(name)
	if len(children) == 0 {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	entries := make([]fs.DirEntry, len(children))
	for i, child := range children {
		entries[i] = dirInfo(child)
	}
	elem := name
	if name != "." {
		elem = path.Base(name)
	}
	return &dirHandle{
		info: dirInfo(elem),
		read: func() ([]fs.DirEntry, error) { return entries, nil },
	}, nil
}

// childrenOf lists the synthesized entries of a directory on the way down to
// the mount points: the next path element of every mount below name.
func (t *Tree) childrenOf(name string) []string {
	seen := make(map[string]bool)
	for at := range t.mounts {
		rest := at
		if name != "." {
			var ok bool
			rest, ok = strings.CutPrefix(at, name+"/")
			if !ok {
				continue
			}
		}
		child, _, _ := strings.Cut(rest, "/")
		seen[child] = true
	}
	return slices.Sorted(maps.Keys(seen))
}

// dirHandle is an open synthesized directory. Listing is deferred so that a
// mount point reflects the mounted filesystem at read time.
type dirHandle struct {
	info    dirInfo
	read    func() ([]fs.DirEntry, error)
	entries []fs.DirEntry
	offset  int
}

var _ fs.ReadDirFile = (*dirHandle)(nil)

func (d *dirHandle) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *dirHandle) Close() error               { return nil }

func (d *dirHandle) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.Name(), Err: fs.ErrInvalid}
}

func (d *dirHandle) ReadDir(count int) ([]fs.DirEntry, error) {
	if d.entries == nil {
		entries, err := d.read()
		if err != nil {
			return nil, err
		}
		d.entries = entries
	}

	n := len(d.entries) - d.offset
	if n == 0 && count > 0 {
		return nil, io.EOF
	}
	if count > 0 && n > count {
		n = count
	}
	list := d.entries[d.offset : d.offset+n]
	d.offset += n
	return list, nil
}

// dirInfo describes a synthesized directory, as fs.FileInfo and fs.DirEntry.
type dirInfo string

var (
	_ fs.FileInfo = dirInfo("")
	_ fs.DirEntry = dirInfo("")
)

func (i dirInfo) Name() string               { return string(i) }
func (i dirInfo) Size() int64                { return 0 }
func (i dirInfo) Mode() fs.FileMode          { return fs.ModeDir | 0o555 }
func (i dirInfo) Type() fs.FileMode          { return fs.ModeDir }
func (i dirInfo) ModTime() time.Time         { return time.Time{} }
func (i dirInfo) IsDir() bool                { return true }
func (i dirInfo) Sys() any                   { return nil }
func (i dirInfo) Info() (fs.FileInfo, error) { return i, nil }
