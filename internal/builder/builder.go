package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/yalue/merged_fs"

	"github.com/packlane/packlane/internal/config"
	pl_fs "github.com/packlane/packlane/internal/fs"
	"github.com/packlane/packlane/internal/fs/mountfs"
)

// ConfigFilename is the name the emitted bundler configuration is written
// under in the staging directory.
const ConfigFilename = "packlane.config.json"

// Source is one tree of files going into a staged build: the package's own
// source root, or a linked package mounted under node_modules.
type Source struct {
	Name string

	// fses are the fs.FS instances used for staging, with per-source
	// includes/excludes already applied
	fses []fs.FS
}

func NewSource(name string) *Source {
	return &Source{Name: name}
}

func (s *Source) Equal(other *Source) bool {
	return s.Name == other.Name
}

// AddDir adds an OS directory to the source. os.DirFS does not read anything
// until it is used, so syncing the directory between staging runs is fine.
func (s *Source) AddDir(d Dir) error {
	f, err := pl_fs.NewFilterFS(os.DirFS(d.Path), d.IncludedFiles, d.ExcludedFiles)
	if err != nil {
		return err
	}
	s.AddFS(f)
	return nil
}

func (s *Source) AddFS(f fs.FS) {
	s.fses = append(s.fses, f)
}

type Dir struct {
	Path          string   // local fs path to source files
	IncludedFiles []string // inclusion filter on files to load from path
	ExcludedFiles []string // exclusion filter on files to skip from path
}

// Builder stages a package build: it composes the package's source tree with
// its linked packages, applies the exclusion filters, writes the staged tree
// to the staging directory, and emits the bundler-ready configuration object
// alongside it. The external bundler is then pointed at the emitted
// configuration; nothing here bundles, resolves, or transpiles.
type Builder struct {
	pkg      *config.Package
	policy   *Policy
	source   *Source
	links    []*Source
	excluded []string
	dir      string
	config   io.Writer
}

func New() *Builder {
	return &Builder{}
}

func (b *Builder) WithPackage(pkg *config.Package) *Builder {
	b.pkg = pkg
	return b
}

func (b *Builder) WithPolicy(p *Policy) *Builder {
	b.policy = p
	return b
}

func (b *Builder) WithSource(src *Source) *Builder {
	b.source = src
	return b
}

func (b *Builder) WithLinks(links []*Source) *Builder {
	b.links = links
	return b
}

func (b *Builder) WithExcluded(excluded []string) *Builder {
	b.excluded = excluded
	return b
}

// WithStagingDir sets the directory the staged tree is materialized into.
// Empty means stage nothing to disk (emit only).
func (b *Builder) WithStagingDir(dir string) *Builder {
	b.dir = dir
	return b
}

// WithConfigOutput additionally writes the emitted configuration to w.
func (b *Builder) WithConfigOutput(w io.Writer) *Builder {
	b.config = w
	return b
}

// MountConflictErr reports two linked packages claiming the same mount path
// in the staged tree.
type MountConflictErr struct {
	Mount  string
	First  string
	Second string
}

func (err *MountConflictErr) Error() string {
	return fmt.Sprintf("linked packages %q and %q both mount %q", err.First, err.Second, err.Mount)
}

// Result describes a finished staging run.
type Result struct {
	Config     *PackageConfig
	ConfigPath string // empty unless staged to disk
	Files      int    // files materialized into the staging directory
}

func (b *Builder) Build(ctx context.Context) (*Result, error) {
	policy := b.policy
	if policy == nil {
		policy = NewPolicy(nil)
	}

	emitted, err := policy.Package(b.pkg)
	if err != nil {
		return nil, err
	}

	staged, err := b.compose()
	if err != nil {
		return nil, err
	}

	res := &Result{Config: emitted}

	if b.dir != "" {
		n, err := materialize(ctx, staged, b.dir)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", b.pkg.Name, err)
		}
		res.Files = n

		res.ConfigPath = filepath.Join(b.dir, ConfigFilename)
		f, err := os.Create(res.ConfigPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := WriteConfig(f, emitted); err != nil {
			return nil, err
		}
	}

	if b.config != nil {
		if err := WriteConfig(b.config, emitted); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// compose merges the package source with its linked packages. The package's
// own files sit at the root; each linked package is mounted under
// node_modules/<name>, which is where the bundler's resolution stage looks
// for it.
func (b *Builder) compose() (fs.FS, error) {
	var layers []fs.FS

	if b.source != nil {
		for _, fsys := range b.source.fses {
			filtered, err := pl_fs.NewFilterFS(fsys, nil, b.excluded)
			if err != nil {
				return nil, err
			}
			layers = append(layers, filtered)
		}
	}

	tree := mountfs.New()
	mounted := false
	claimed := make(map[string]string, len(b.links))
	for _, link := range b.links {
		mnt := "node_modules/" + pl_fs.Escape(link.Name)
		if first, ok := claimed[mnt]; ok {
			return nil, &MountConflictErr{Mount: mnt, First: first, Second: link.Name}
		}
		claimed[mnt] = link.Name

		if len(link.fses) == 0 {
			continue
		}

		merged := link.fses[0]
		if len(link.fses) > 1 {
			merged = merged_fs.MergeMultiple(link.fses...)
		}
		if err := tree.Mount(mnt, merged); err != nil {
			return nil, err
		}
		mounted = true
	}

	if mounted {
		layers = append(layers, tree)
	}

	if len(layers) == 0 {
		return pl_fs.MapFS(nil), nil
	}
	if len(layers) == 1 {
		return layers[0], nil
	}
	return merged_fs.MergeMultiple(layers...), nil
}

// materialize copies the staged fs.FS onto disk under dir.
func materialize(ctx context.Context, fsys fs.FS, dir string) (int, error) {
	if err := removeDir(dir); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	count := 0
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Directories materialize only when a file needs them, so trees that
		// filter out all their files leave no empty skeleton behind.
		if d.IsDir() {
			return nil
		}

		target := filepath.Join(dir, filepath.FromSlash(path))
		bs, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, bs, 0o644); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// WriteConfig marshals an emitted configuration object as indented JSON with
// a trailing newline, the shape the external bundler's config loader reads.
func WriteConfig(w io.Writer, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(bs, '\n'))
	return err
}

func removeDir(path string) error {

	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	files, err := os.ReadDir(path)
	if err != nil {
		return err
	}

	for _, f := range files {
		err := os.RemoveAll(filepath.Join(path, f.Name()))
		if err != nil {
			return err
		}
	}

	return nil
}

// node_modules trees inside a source are excluded from staging; staged link
// mounts are authoritative for dependencies.
func DefaultExcluded() []string {
	return []string{"node_modules/**"}
}
