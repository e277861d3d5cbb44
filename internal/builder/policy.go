package builder

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/packlane/packlane/internal/config"
)

// Shared build policy. This is the factory every package build configuration
// is passed through: it expands the five-field package record into the full
// configuration object the external bundler loads, applying the defaults
// (resolve extension precedence, externals, minification, output filename
// pattern) that individual packages do not spell out.

var (
	defaultExtensions = []string{".js", ".json"}
	defaultFilename   = "%s.min.js"
)

type Policy struct {
	extensions []string
	externals  map[string]string
	minify     bool
	filename   string
}

// NewPolicy builds the shared policy from configuration. A nil configuration
// yields the default policy.
func NewPolicy(cfg *config.Policy) *Policy {
	p := &Policy{
		extensions: defaultExtensions,
		minify:     true,
		filename:   defaultFilename,
	}

	if cfg == nil {
		return p
	}

	if len(cfg.Extensions) > 0 {
		p.extensions = cfg.Extensions
	}
	if len(cfg.Externals) > 0 {
		p.externals = cfg.Externals
	}
	if cfg.Minify != nil {
		p.minify = *cfg.Minify
	}
	if cfg.Filename != "" {
		p.filename = cfg.Filename
	}
	return p
}

// PackageConfig is the bundler-ready configuration object emitted for a
// library package build. Its JSON form is what the external bundler's config
// loader consumes.
type PackageConfig struct {
	Name           string            `json:"name"`
	Source         string            `json:"source"`
	LinkedPackages []string          `json:"linked_packages"` // never null, empty stays empty
	Directory      string            `json:"directory,omitempty"`
	Output         OutputConfig      `json:"output"`
	Resolve        ResolveConfig     `json:"resolve"`
	Externals      map[string]string `json:"externals,omitempty"`
	Optimization   Optimization      `json:"optimization"`
}

type OutputConfig struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

type ResolveConfig struct {
	Extensions []string `json:"extensions"`
}

type Optimization struct {
	Minimize bool `json:"minimize"`
}

func (c *PackageConfig) Equal(other *PackageConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Name == other.Name &&
		c.Source == other.Source &&
		slices.Equal(c.LinkedPackages, other.LinkedPackages) &&
		c.Directory == other.Directory &&
		c.Output == other.Output &&
		slices.Equal(c.Resolve.Extensions, other.Resolve.Extensions) &&
		maps.Equal(c.Externals, other.Externals) &&
		c.Optimization == other.Optimization
}

// Package expands a package build record through the policy. The expansion
// is pure: the same package and policy always produce the same configuration
// object. Output and source paths are carried through verbatim; resolving
// them against the configuration file's directory is the caller's concern.
func (p *Policy) Package(pkg *config.Package) (*PackageConfig, error) {
	if pkg.Name == "" {
		return nil, errors.New("package name is required")
	}
	if pkg.SourceRoot == "" {
		return nil, fmt.Errorf("package %q: source is required", pkg.Name)
	}
	if pkg.OutputDirectory == "" {
		return nil, fmt.Errorf("package %q: output is required", pkg.Name)
	}

	// An empty linked package list is meaningful (the package links nothing)
	// and must survive emission as an empty sequence.
	links := make([]string, 0, len(pkg.LinkedPackages))
	links = append(links, pkg.LinkedPackages...)

	externals := p.externals
	if len(pkg.Externals) > 0 {
		externals = make(map[string]string, len(p.externals)+len(pkg.Externals))
		maps.Copy(externals, p.externals)
		maps.Copy(externals, pkg.Externals)
	}

	minify := p.minify
	if pkg.Minify != nil {
		minify = *pkg.Minify
	}

	return &PackageConfig{
		Name:           pkg.Name,
		Source:         pkg.SourceRoot,
		LinkedPackages: links,
		Directory:      pkg.WorkingDirectory,
		Output: OutputConfig{
			Path:     pkg.OutputDirectory,
			Filename: fmt.Sprintf(p.filename, pkg.Name),
		},
		Resolve:      ResolveConfig{Extensions: slices.Clone(p.extensions)},
		Externals:    externals,
		Optimization: Optimization{Minimize: minify},
	}, nil
}

// PlaygroundConfig is the bundler-ready configuration object emitted for a
// playground bundle.
type PlaygroundConfig struct {
	Input   string           `json:"input"`
	Output  PlaygroundOutput `json:"output"`
	Plugins []PluginConfig   `json:"plugins"`
}

type PlaygroundOutput struct {
	Dir    string `json:"dir"`
	Format string `json:"format"`
}

// PluginConfig is one stage of the external bundler's plugin pipeline. The
// options are the typed stage options, so emission order and content are
// deterministic.
type PluginConfig struct {
	Name    string `json:"name"`
	Options any    `json:"options,omitempty"`
}

// Playground emits the configuration for a playground bundle. Stage order is
// preserved; an unset pipeline gets the default two stages (resolution, then
// TypeScript syntax transform).
func Playground(pg *config.Playground) (*PlaygroundConfig, error) {
	if pg.Entry == "" {
		return nil, fmt.Errorf("playground %q: entry is required", pg.Name)
	}

	pipeline := pg.Pipeline
	if len(pipeline) == 0 {
		pipeline = config.DefaultPipeline()
	}
	if err := pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("playground %q: %w", pg.Name, err)
	}

	plugins := make([]PluginConfig, 0, len(pipeline))
	for _, stage := range pipeline {
		typed, err := stage.Typed()
		if err != nil {
			return nil, fmt.Errorf("playground %q: %w", pg.Name, err)
		}
		plugins = append(plugins, PluginConfig{Name: stage.Kind, Options: typed})
	}

	format := pg.Output.Format
	if format == "" {
		format = "es"
	}

	return &PlaygroundConfig{
		Input: pg.Entry,
		Output: PlaygroundOutput{
			Dir:    pg.Output.Directory,
			Format: format,
		},
		Plugins: plugins,
	}, nil
}
