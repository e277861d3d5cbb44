package config

import (
	"cmp"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"
)

// Internal configuration data structures for packlane.

// Metadata contains metadata about the configuration file itself. It is
// carried through merges but has no effect on builds.
type Metadata struct {
	ExportedFrom string `json:"exported_from,omitempty"`
	ExportedAt   string `json:"exported_at,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Root is the top-level configuration structure used by packlane.
type Root struct {
	Metadata    Metadata           `json:"metadata,omitzero"`
	Policy      *Policy            `json:"policy,omitempty"`
	Packages    Packages           `json:"packages,omitempty"`
	Playgrounds Playgrounds        `json:"playgrounds,omitempty"`
	Sources     Sources            `json:"sources,omitempty"`
	Secrets     map[string]*Secret `json:"secrets,omitempty"` // Schema validation overrides Secret to object type.
	Database    *Database          `json:"database,omitempty"`

	// baseDir is the directory of the configuration file this Root was parsed
	// from. All relative paths in the document resolve against it, never
	// against the process working directory.
	baseDir string
}

// SetSQLiteByDefault sets the database configuration to use a SQLite database
// stored in the given data directory if no other database configuration
// exists.
func (r *Root) SetSQLiteByDefault(dataDir string) bool {
	if r.Database == nil {
		r.Database = &Database{}
	}

	if r.Database.SQL == nil {
		r.Database.SQL = &SQLDatabase{}
	}

	switch r.Database.SQL.Driver {
	case "", "sqlite3", "sqlite":
		if r.Database.SQL.DSN == "" {
			r.Database.SQL.Driver = "sqlite"
			r.Database.SQL.DSN = filepath.Join(dataDir, "packlane.db")
		}
		return true
	}
	return false
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for the Root struct.
// This lets us define packlane resources with mappings where keys are the
// resource names. It also injects the secret store into each secret reference
// so that internal callers can resolve secret values as needed.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal(r)
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal(r)
}

func (r *Root) Unmarshal() error {
	return r.unmarshal(r)
}

func (*Root) unmarshal(raw *Root) error {
	for name := range raw.Secrets {
		raw.Secrets[name] = cmp.Or(raw.Secrets[name], &Secret{})
		raw.Secrets[name].Name = name
	}

	for name := range raw.Packages {
		raw.Packages[name] = cmp.Or(raw.Packages[name], &Package{})
		raw.Packages[name].Name = name
	}

	for name := range raw.Playgrounds {
		raw.Playgrounds[name] = cmp.Or(raw.Playgrounds[name], &Playground{})
		raw.Playgrounds[name].Name = name
	}

	for name := range raw.Sources {
		raw.Sources[name] = cmp.Or(raw.Sources[name], &Source{})
		raw.Sources[name].Name = name
		if raw.Sources[name].Git.Credentials != nil {
			raw.Sources[name].Git.Credentials.value = raw.Secrets[raw.Sources[name].Git.Credentials.Name]
		}
	}

	return nil
}

// BaseDir returns the directory of the configuration file this Root was
// parsed from, or "" if the Root was not read from a file.
func (r *Root) BaseDir() string {
	return r.baseDir
}

func (r *Root) SetBaseDir(dir string) {
	r.baseDir = dir
}

// Abs resolves path against the configuration file's directory. Absolute
// paths are returned unchanged. Builds stay reproducible regardless of the
// process working directory at invocation time.
func (r *Root) Abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.baseDir, path)
}

func (r *Root) SortedPackages() iter.Seq2[int, *Package] {
	return iterator(r.Packages, func(p *Package) string { return p.Name })
}

func (r *Root) SortedPlaygrounds() iter.Seq2[int, *Playground] {
	return iterator(r.Playgrounds, func(p *Playground) string { return p.Name })
}

func (r *Root) SortedSecrets() iter.Seq2[int, *Secret] {
	return iterator(r.Secrets, func(s *Secret) string { return s.Name })
}

// TopologicalSortedPackages returns packages from the configuration ordered
// so that every package appears after the packages it links against. Cycles
// are treated as errors. Linked packages without a package entry (external
// sources or pre-built libraries) are ignored here.
func (r *Root) TopologicalSortedPackages() ([]*Package, error) {
	sorter := topologicalSortPackages{
		packages:   r.Packages,
		inprogress: make(map[string]struct{}),
		done:       make(map[string]struct{}),
	}

	for _, name := range slices.Sorted(maps.Keys(r.Packages)) {
		if err := sorter.Visit(r.Packages[name]); err != nil {
			return nil, err
		}
	}
	return sorter.sorted, nil
}

type topologicalSortPackages struct {
	packages   map[string]*Package
	inprogress map[string]struct{}
	done       map[string]struct{}
	sorted     []*Package
}

func (s *topologicalSortPackages) Visit(pkg *Package) error {
	if _, ok := s.inprogress[pkg.Name]; ok {
		return fmt.Errorf("cycle found on package %q", pkg.Name)
	}
	if _, ok := s.done[pkg.Name]; ok {
		return nil
	}
	s.inprogress[pkg.Name] = struct{}{}
	for _, lib := range pkg.LinkedPackages {
		if other, ok := s.packages[lib]; ok {
			if err := s.Visit(other); err != nil {
				return err
			}
		}
	}
	s.done[pkg.Name] = struct{}{}
	delete(s.inprogress, pkg.Name)
	s.sorted = append(s.sorted, pkg)
	return nil
}

func iterator[V any](m map[string]V, name func(V) string) func(func(int, V) bool) {
	names := make([]string, 0, len(m))
	for _, v := range m {
		names = append(names, name(v))
	}

	sort.Strings(names)

	return func(yield func(int, V) bool) {
		for i, name := range names {
			if !yield(i, m[name]) {
				return
			}
		}
	}
}

func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(config)
}

// Package defines the build configuration for a library package bundle. The
// record is expanded into a bundler-ready configuration object by the shared
// build policy (see internal/builder).
type Package struct {
	Name             string            `json:"name"`
	SourceRoot       string            `json:"source" required:"true"`
	LinkedPackages   []string          `json:"linked_packages,omitempty"` // ordered, also determines build order
	WorkingDirectory string            `json:"directory,omitempty"`
	OutputDirectory  string            `json:"output" required:"true"`
	Externals        map[string]string `json:"externals,omitempty"`
	Minify           *bool             `json:"minify,omitempty"`
	ExcludedFiles    StringSet         `json:"excluded_files,omitempty"`
	Interval         Duration          `json:"rebuild_interval,omitzero"`

	_ struct{} `additionalProperties:"false"`
}

func (p *Package) UnmarshalJSON(bs []byte) error {
	type rawPackage Package // avoid recursive calls to UnmarshalJSON by type aliasing
	var raw rawPackage

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode package: %w", err)
	}

	*p = Package(raw)
	return p.validate()
}

func (p *Package) UnmarshalYAML(bs []byte) error {
	type rawPackage Package
	var raw rawPackage

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode package: %w", err)
	}

	*p = Package(raw)
	return p.validate()
}

func (p *Package) validate() error {
	for _, pattern := range p.ExcludedFiles {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("failed to compile excluded file pattern %q: %w", pattern, err)
		}
	}

	return nil
}

func (p *Package) Equal(other *Package) bool {
	return fastEqual(p, other, func(p, other *Package) bool {
		return p.Name == other.Name &&
			p.SourceRoot == other.SourceRoot &&
			slices.Equal(p.LinkedPackages, other.LinkedPackages) && // link order matters
			p.WorkingDirectory == other.WorkingDirectory &&
			p.OutputDirectory == other.OutputDirectory &&
			maps.Equal(p.Externals, other.Externals) &&
			boolPtrEqual(p.Minify, other.Minify) &&
			p.ExcludedFiles.Equal(other.ExcludedFiles) &&
			p.Interval == other.Interval
	})
}

type Packages map[string]*Package

func (a Packages) Equal(b Packages) bool {
	return maps.EqualFunc(a, b, (*Package).Equal)
}

// Playground defines the build configuration for a single-entry playground
// bundle with an ordered transform pipeline.
type Playground struct {
	Name     string   `json:"name"`
	Entry    string   `json:"entry" required:"true"`
	Output   Output   `json:"output" required:"true"`
	Pipeline Pipeline `json:"pipeline,omitempty"` // empty means DefaultPipeline()
	Interval Duration `json:"rebuild_interval,omitzero"`

	_ struct{} `additionalProperties:"false"`
}

func (p *Playground) UnmarshalJSON(bs []byte) error {
	type rawPlayground Playground
	var raw rawPlayground

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode playground: %w", err)
	}

	*p = Playground(raw)
	return p.validate()
}

func (p *Playground) UnmarshalYAML(bs []byte) error {
	type rawPlayground Playground
	var raw rawPlayground

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode playground: %w", err)
	}

	*p = Playground(raw)
	return p.validate()
}

func (p *Playground) validate() error {
	if err := p.Output.validate(); err != nil {
		return err
	}

	return p.Pipeline.Validate()
}

func (p *Playground) Equal(other *Playground) bool {
	return fastEqual(p, other, func(p, other *Playground) bool {
		return p.Name == other.Name &&
			p.Entry == other.Entry &&
			p.Output == other.Output &&
			p.Pipeline.Equal(other.Pipeline) &&
			p.Interval == other.Interval
	})
}

type Playgrounds map[string]*Playground

func (a Playgrounds) Equal(b Playgrounds) bool {
	return maps.EqualFunc(a, b, (*Playground).Equal)
}

// Output defines where and in what module format a playground bundle is
// emitted.
type Output struct {
	Directory string `json:"directory" required:"true"`
	Format    string `json:"format,omitempty" enum:"es,cjs,iife"`

	_ struct{} `additionalProperties:"false"`
}

func (o Output) validate() error {
	switch o.Format {
	case "", "es", "cjs", "iife":
		return nil
	}
	return fmt.Errorf("unknown output format %q", o.Format)
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Policy holds the shared build policy applied to every package build: the
// resolve extension precedence, default externals, minification, and the
// external bundler invocations. Zero values fall back to the defaults in
// internal/builder.
type Policy struct {
	Extensions        StringSet         `json:"extensions,omitempty"`
	Externals         map[string]string `json:"externals,omitempty"`
	Minify            *bool             `json:"minify,omitempty"`
	Filename          string            `json:"filename,omitempty"` // pattern with one %s verb, e.g. "%s.min.js"
	Bundler           *Bundler          `json:"bundler,omitempty"`
	PlaygroundBundler *Bundler          `json:"playground_bundler,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (p *Policy) Equal(other *Policy) bool {
	return fastEqual(p, other, func(p, other *Policy) bool {
		return p.Extensions.Equal(other.Extensions) &&
			maps.Equal(p.Externals, other.Externals) &&
			boolPtrEqual(p.Minify, other.Minify) &&
			p.Filename == other.Filename &&
			p.Bundler.Equal(other.Bundler) &&
			p.PlaygroundBundler.Equal(other.PlaygroundBundler)
	})
}

// Bundler names the external bundler executable and its argument template.
// The emitted configuration file path is substituted for "{config}".
type Bundler struct {
	Command string   `json:"command" required:"true"`
	Args    []string `json:"args,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (b *Bundler) Equal(other *Bundler) bool {
	return fastEqual(b, other, func(b, other *Bundler) bool {
		return b.Command == other.Command && slices.Equal(b.Args, other.Args)
	})
}

// Source defines a location linked packages are staged from. A source is
// either a plain directory or a git repository kept in sync locally.
type Source struct {
	Name          string    `json:"name"`
	Git           Git       `json:"git,omitzero"`
	Directory     string    `json:"directory,omitempty"`
	IncludedFiles StringSet `json:"included_files,omitempty"`
	ExcludedFiles StringSet `json:"excluded_files,omitempty"`
}

func (s *Source) Equal(other *Source) bool {
	return fastEqual(s, other, func(s, other *Source) bool {
		return s.Name == other.Name &&
			s.Git.Equal(&other.Git) &&
			s.Directory == other.Directory &&
			s.IncludedFiles.Equal(other.IncludedFiles) &&
			s.ExcludedFiles.Equal(other.ExcludedFiles)
	})
}

type Sources map[string]*Source

func (a Sources) Equal(b Sources) bool {
	return maps.EqualFunc(a, b, (*Source).Equal)
}

// Git defines the Git synchronization configuration used by packlane sources.
type Git struct {
	Repo        string     `json:"repo" required:"true"`
	Reference   *string    `json:"reference,omitempty"`
	Commit      *string    `json:"commit,omitempty"`
	Path        *string    `json:"path,omitempty"`
	Credentials *SecretRef `json:"credentials,omitempty"` // If nil, use no authentication (public repos).

	_ struct{} `additionalProperties:"false"`
}

func (g *Git) Equal(other *Git) bool {
	return fastEqual(g, other, func(g, other *Git) bool {
		return g.Repo == other.Repo &&
			stringPtrEqual(g.Reference, other.Reference) &&
			stringPtrEqual(g.Commit, other.Commit) &&
			stringPtrEqual(g.Path, other.Path) &&
			g.Credentials.Equal(other.Credentials)
	})
}

type SecretRef struct {
	Name  string `json:"-"`
	value *Secret
}

// Resolve retrieves the secret value from the secret store. If the secret is
// not found, an error is returned.
func (s *SecretRef) Resolve() (any, error) {
	if s.value == nil {
		return nil, fmt.Errorf("secret %q not found", s.Name)
	}

	return s.value.Typed()
}

func (s *SecretRef) MarshalYAML() (any, error) {
	if s.Name == "" {
		return nil, nil
	}
	return s.Name, nil
}

func (s *SecretRef) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *SecretRef) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("expected scalar node: %w", err)
	}
	return nil
}

func (s *SecretRef) UnmarshalJSON(bs []byte) error {
	if err := json.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("failed to unmarshal SecretRef: %w", err)
	}

	return nil
}

func (s *SecretRef) Equal(other *SecretRef) bool {
	return fastEqual(s, other, func(s, other *SecretRef) bool {
		return s.Name == other.Name && s.value.Equal(other.value)
	})
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	root, err = Parse(bs)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	root.baseDir = filepath.Dir(abs)
	return root, nil
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &root, nil
}

type Database struct {
	SQL *SQLDatabase `json:"sql,omitempty"`
}

type SQLDatabase struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type StringSet []string

func (a StringSet) Equal(b StringSet) bool {
	return setEqual(a, b, func(s string) string { return s }, func(a, b string) bool { return a == b })
}

func (a StringSet) Add(value string) StringSet {
	i := sort.Search(len(a), func(i int) bool { return a[i] >= value })
	if i < len(a) && a[i] == value {
		return a
	}

	return slices.Insert(a, i, value)
}

func setEqual[K comparable, V any](a, b []V, key func(V) K, eq func(a, b V) bool) bool {
	if len(a) == 1 && len(b) == 1 {
		return eq(a[0], b[0])
	}

	m := make(map[K]V, len(a))
	for _, v := range a {
		m[key(v)] = v
	}

	n := make(map[K]V, len(b))
	for _, v := range b {
		n[key(v)] = v
	}

	return maps.EqualFunc(m, n, eq)
}

func stringPtrEqual(a, b *string) bool {
	return fastEqual(a, b, func(a, b *string) bool { return *a == *b })
}

func boolPtrEqual(a, b *bool) bool {
	return fastEqual(a, b, func(a, b *bool) bool { return *a == *b })
}

func fastEqual[V any](a, b *V, slowEqual func(a, b *V) bool) bool {
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return slowEqual(a, b)
}
