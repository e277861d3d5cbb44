package fs

import (
	"io/fs"
	"strings"

	"github.com/gobwas/glob"
)

// filterFS wraps an fs.FS and hides files according to include/exclude glob
// patterns. Directories are never hidden themselves; their filtered-out
// entries simply do not appear when reading them.
type filterFS struct {
	fsys     fs.FS
	included []glob.Glob
	excluded []glob.Glob
}

// NewFilterFS returns a filtered view of fsys. An empty included list means
// every file is included. Excludes are applied after includes. Patterns use
// '/' as the separator, so "lib/**/*.ts" does not cross into other trees.
func NewFilterFS(fsys fs.FS, included, excluded []string) (fs.FS, error) {
	f := &filterFS{fsys: fsys}

	for _, pattern := range included {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, err
		}
		f.included = append(f.included, g)
	}

	for _, pattern := range excluded {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, err
		}
		f.excluded = append(f.excluded, g)
	}

	return f, nil
}

func (f *filterFS) allowed(path string) bool {
	if len(f.included) > 0 {
		ok := false
		for _, g := range f.included {
			if g.Match(path) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	for _, g := range f.excluded {
		if g.Match(path) {
			return false
		}
	}

	return true
}

func (f *filterFS) Open(name string) (fs.File, error) {
	file, err := f.fsys.Open(name)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.IsDir() {
		return file, nil
	}

	if !f.allowed(name) {
		file.Close()
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	return file, nil
}

// ReadDir implements fs.ReadDirFS so that fs.WalkDir observes the filtered
// view without opening every file.
func (f *filterFS) ReadDir(name string) ([]fs.DirEntry, error) {
	entries, err := fs.ReadDir(f.fsys, name)
	if err != nil {
		return nil, err
	}

	filtered := entries[:0:0]
	for _, e := range entries {
		if e.IsDir() || f.allowed(join(name, e.Name())) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func join(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return dir + "/" + name
}

// Escape maps a source name to a path component safe for mounting, replacing
// separators that would otherwise nest the mount.
func Escape(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
}
