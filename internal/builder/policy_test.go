package builder_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/packlane/packlane/internal/builder"
	"github.com/packlane/packlane/internal/config"
)

func TestPolicyPackage(t *testing.T) {
	boolptr := func(b bool) *bool { return &b }

	cases := []struct {
		note     string
		policy   *config.Policy
		pkg      *config.Package
		exp      *builder.PackageConfig
		expError string
	}{
		{
			note: "reference build, no linked packages",
			pkg: &config.Package{
				Name:            "mml-chtml",
				SourceRoot:      "mathjax/mml-chtml",
				OutputDirectory: "../../../es5",
			},
			exp: &builder.PackageConfig{
				Name:           "mml-chtml",
				Source:         "mathjax/mml-chtml",
				LinkedPackages: []string{},
				Output: builder.OutputConfig{
					Path:     "../../../es5",
					Filename: "mml-chtml.min.js",
				},
				Resolve:      builder.ResolveConfig{Extensions: []string{".js", ".json"}},
				Optimization: builder.Optimization{Minimize: true},
			},
		},
		{
			note: "linked package order preserved",
			pkg: &config.Package{
				Name:            "ui",
				SourceRoot:      "src/ui",
				OutputDirectory: "dist",
				LinkedPackages:  []string{"core", "icons", "core-theme"},
			},
			exp: &builder.PackageConfig{
				Name:           "ui",
				Source:         "src/ui",
				LinkedPackages: []string{"core", "icons", "core-theme"},
				Output: builder.OutputConfig{
					Path:     "dist",
					Filename: "ui.min.js",
				},
				Resolve:      builder.ResolveConfig{Extensions: []string{".js", ".json"}},
				Optimization: builder.Optimization{Minimize: true},
			},
		},
		{
			note: "policy overrides and externals merge",
			policy: &config.Policy{
				Extensions: []string{".mjs", ".js"},
				Externals:  map[string]string{"react": "React", "lodash": "_"},
				Minify:     boolptr(false),
				Filename:   "%s.bundle.js",
			},
			pkg: &config.Package{
				Name:            "widgets",
				SourceRoot:      "src/widgets",
				OutputDirectory: "dist",
				Externals:       map[string]string{"lodash": "lodash_"},
			},
			exp: &builder.PackageConfig{
				Name:           "widgets",
				Source:         "src/widgets",
				LinkedPackages: []string{},
				Output: builder.OutputConfig{
					Path:     "dist",
					Filename: "widgets.bundle.js",
				},
				Resolve:      builder.ResolveConfig{Extensions: []string{".mjs", ".js"}},
				Externals:    map[string]string{"react": "React", "lodash": "lodash_"},
				Optimization: builder.Optimization{Minimize: false},
			},
		},
		{
			note: "working directory carried through",
			pkg: &config.Package{
				Name:             "core",
				SourceRoot:       "src/core",
				WorkingDirectory: "build",
				OutputDirectory:  "dist",
				Minify:           boolptr(false),
			},
			exp: &builder.PackageConfig{
				Name:           "core",
				Source:         "src/core",
				LinkedPackages: []string{},
				Directory:      "build",
				Output: builder.OutputConfig{
					Path:     "dist",
					Filename: "core.min.js",
				},
				Resolve:      builder.ResolveConfig{Extensions: []string{".js", ".json"}},
				Optimization: builder.Optimization{Minimize: false},
			},
		},
		{
			note:     "missing name",
			pkg:      &config.Package{SourceRoot: "src", OutputDirectory: "dist"},
			expError: "name is required",
		},
		{
			note:     "missing source",
			pkg:      &config.Package{Name: "x", OutputDirectory: "dist"},
			expError: "source is required",
		},
		{
			note:     "missing output",
			pkg:      &config.Package{Name: "x", SourceRoot: "src"},
			expError: "output is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.note, func(t *testing.T) {
			act, err := builder.NewPolicy(tc.policy).Package(tc.pkg)
			if tc.expError != "" {
				if err == nil || !strings.Contains(err.Error(), tc.expError) {
					t.Fatalf("expected error containing %q, got %v", tc.expError, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, act); diff != "" {
				t.Fatalf("unexpected config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPolicyPackageIdempotent(t *testing.T) {
	pkg := &config.Package{
		Name:            "mml-chtml",
		SourceRoot:      "mathjax/mml-chtml",
		OutputDirectory: "../../../es5",
	}

	policy := builder.NewPolicy(nil)

	first, err := policy.Package(pkg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := policy.Package(pkg)
	if err != nil {
		t.Fatal(err)
	}

	if !first.Equal(second) {
		t.Fatalf("expected identical emissions, got diff:\n%s", cmp.Diff(first, second))
	}

	var a, b bytes.Buffer
	if err := builder.WriteConfig(&a, first); err != nil {
		t.Fatal(err)
	}
	if err := builder.WriteConfig(&b, second); err != nil {
		t.Fatal(err)
	}
	if a.String() != b.String() {
		t.Fatalf("expected identical serialized emissions:\n%s\n---\n%s", a.String(), b.String())
	}
}

func TestPolicyPackageEmptyLinksSerialized(t *testing.T) {
	emitted, err := builder.NewPolicy(nil).Package(&config.Package{
		Name:            "mml-chtml",
		SourceRoot:      "mathjax/mml-chtml",
		OutputDirectory: "../../../es5",
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := builder.WriteConfig(&buf, emitted); err != nil {
		t.Fatal(err)
	}

	// Empty linked packages stay an empty list, never null or omitted.
	if !strings.Contains(buf.String(), `"linked_packages": []`) {
		t.Fatalf("expected empty linked_packages list in output:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "null") {
		t.Fatalf("unexpected null in output:\n%s", buf.String())
	}
}

func TestPlayground(t *testing.T) {
	cases := []struct {
		note     string
		pg       *config.Playground
		exp      *builder.PlaygroundConfig
		expError string
	}{
		{
			note: "reference playground, default pipeline",
			pg: &config.Playground{
				Name:   "mc",
				Entry:  "playground/mc.ts",
				Output: config.Output{Directory: "playground/dist"},
			},
			exp: &builder.PlaygroundConfig{
				Input:  "playground/mc.ts",
				Output: builder.PlaygroundOutput{Dir: "playground/dist", Format: "es"},
				Plugins: []builder.PluginConfig{
					{Name: "resolve", Options: config.StageResolve{Extensions: []string{".ts", ".js", ".json"}}},
					{Name: "transform", Options: config.StageTransform{Transforms: []string{"typescript"}}},
				},
			},
		},
		{
			note: "explicit pipeline and format",
			pg: &config.Playground{
				Name:   "bench",
				Entry:  "bench/main.ts",
				Output: config.Output{Directory: "bench/dist", Format: "iife"},
				Pipeline: config.Pipeline{
					{Kind: "resolve", Options: map[string]any{"extensions": []string{".ts", ".tsx", ".js", ".json"}}},
					{Kind: "transform", Options: map[string]any{"transforms": []string{"typescript"}, "exclude": []string{"**/*.d.ts"}}},
				},
			},
			exp: &builder.PlaygroundConfig{
				Input:  "bench/main.ts",
				Output: builder.PlaygroundOutput{Dir: "bench/dist", Format: "iife"},
				Plugins: []builder.PluginConfig{
					{Name: "resolve", Options: config.StageResolve{Extensions: []string{".ts", ".tsx", ".js", ".json"}}},
					{Name: "transform", Options: config.StageTransform{Transforms: []string{"typescript"}, Exclude: []string{"**/*.d.ts"}}},
				},
			},
		},
		{
			note: "transform before resolution rejected",
			pg: &config.Playground{
				Name:   "backwards",
				Entry:  "playground/mc.ts",
				Output: config.Output{Directory: "dist"},
				Pipeline: config.Pipeline{
					{Kind: "transform"},
					{Kind: "resolve"},
				},
			},
			expError: "resolution must precede syntax transform",
		},
		{
			note:     "missing entry",
			pg:       &config.Playground{Name: "empty", Output: config.Output{Directory: "dist"}},
			expError: "entry is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.note, func(t *testing.T) {
			act, err := builder.Playground(tc.pg)
			if tc.expError != "" {
				if err == nil || !strings.Contains(err.Error(), tc.expError) {
					t.Fatalf("expected error containing %q, got %v", tc.expError, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, act); diff != "" {
				t.Fatalf("unexpected config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlaygroundResolveExtensions(t *testing.T) {
	emitted, err := builder.Playground(&config.Playground{
		Name:   "mc",
		Entry:  "playground/mc.ts",
		Output: config.Output{Directory: "dist"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(emitted.Plugins) != 2 {
		t.Fatalf("expected two pipeline stages, got %d", len(emitted.Plugins))
	}
	if emitted.Plugins[0].Name != "resolve" || emitted.Plugins[1].Name != "transform" {
		t.Fatalf("expected [resolve, transform], got [%s, %s]", emitted.Plugins[0].Name, emitted.Plugins[1].Name)
	}

	resolve, ok := emitted.Plugins[0].Options.(config.StageResolve)
	if !ok {
		t.Fatalf("expected resolve options, got %T", emitted.Plugins[0].Options)
	}
	for _, ext := range []string{".ts", ".js", ".json"} {
		found := false
		for _, e := range resolve.Extensions {
			if e == ext {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected extension %s in %v", ext, resolve.Extensions)
		}
	}
}

func TestPlaygroundIdempotent(t *testing.T) {
	pg := &config.Playground{
		Name:   "mc",
		Entry:  "playground/mc.ts",
		Output: config.Output{Directory: "playground/dist"},
	}

	first, err := builder.Playground(pg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := builder.Playground(pg)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("expected identical emissions (-first +second):\n%s", diff)
	}
}
