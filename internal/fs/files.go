package fs

import (
	"io/fs"
	"testing/fstest"
)

// MapFS builds an in-memory fs.FS from a path→content map.
func MapFS(m map[string]string) fs.FS {
	m0 := make(map[string]*fstest.MapFile, len(m))
	for p, f := range m {
		m0[p] = &fstest.MapFile{Data: []byte(f)}
	}
	return fstest.MapFS(m0)
}
