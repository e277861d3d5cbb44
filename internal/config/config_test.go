package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/packlane/packlane/internal/config"
)

func TestParseReference(t *testing.T) {
	result, err := config.Parse([]byte(`{
		packages: {
			mml-chtml: {
				source: mathjax/mml-chtml,
				output: ../../../es5,
			},
			ui: {
				source: src/ui,
				output: dist,
				linked_packages: [core, icons],
				rebuild_interval: 5m,
			}
		},
		playgrounds: {
			mc: {
				entry: playground/mc.ts,
				output: {directory: playground/dist},
			}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	pkg := result.Packages["mml-chtml"]
	if pkg == nil {
		t.Fatal("expected package mml-chtml")
	}
	if pkg.Name != "mml-chtml" { // injected from the map key
		t.Fatalf("expected name mml-chtml, got %q", pkg.Name)
	}
	if pkg.SourceRoot != "mathjax/mml-chtml" || pkg.OutputDirectory != "../../../es5" {
		t.Fatalf("unexpected package fields: %+v", pkg)
	}
	if len(pkg.LinkedPackages) != 0 {
		t.Fatalf("expected no linked packages, got %v", pkg.LinkedPackages)
	}

	ui := result.Packages["ui"]
	if exp := []string{"core", "icons"}; !reflect.DeepEqual(ui.LinkedPackages, exp) {
		t.Fatalf("expected linked packages %v, got %v", exp, ui.LinkedPackages)
	}
	if exp, act := 5*time.Minute, time.Duration(ui.Interval); exp != act {
		t.Fatalf("expected interval %v, got %v", exp, act)
	}

	pg := result.Playgrounds["mc"]
	if pg == nil || pg.Name != "mc" {
		t.Fatalf("expected playground mc, got %+v", pg)
	}
	if pg.Entry != "playground/mc.ts" || pg.Output.Directory != "playground/dist" {
		t.Fatalf("unexpected playground fields: %+v", pg)
	}
	if pg.Output.Format != "" { // default applied at emission, not parse
		t.Fatalf("expected empty format, got %q", pg.Output.Format)
	}
}

func TestParseSecretResolve(t *testing.T) {
	result, err := config.Parse([]byte(`{
		sources: {
			foo: {
				git: {
					repo: https://example.com/repo.git,
					reference: refs/heads/main,
					credentials: secret1
				},
			}
		},
		secrets: {
			secret1: {
				type: basic_auth,
				username: bob,
				password: '${PACKLANE_PASSWORD}'
			}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("PACKLANE_PASSWORD", "passw0rd")

	value, err := result.Sources["foo"].Git.Credentials.Resolve()
	if err != nil {
		t.Fatal(err)
	}

	exp := config.SecretBasicAuth{
		Username: "bob",
		Password: "passw0rd",
	}

	if !reflect.DeepEqual(value, exp) {
		t.Fatalf("expected: %v\n\ngot: %v", exp, value)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	cases := []struct {
		note string
		doc  string
	}{
		{
			note: "unknown top-level key",
			doc:  `{bundles: {}}`,
		},
		{
			note: "unknown package field",
			doc:  `{packages: {x: {source: s, output: o, target: web}}}`,
		},
		{
			note: "unknown stage kind",
			doc: `{playgrounds: {x: {entry: e.ts, output: {directory: d},
				pipeline: [{kind: minify}]}}}`,
		},
		{
			note: "bad output format",
			doc:  `{playgrounds: {x: {entry: e.ts, output: {directory: d, format: umd}}}}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.note, func(t *testing.T) {
			if _, err := config.Parse([]byte(tc.doc)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseInvalidGlob(t *testing.T) {
	_, err := config.Parse([]byte(`{
		packages: {
			x: {source: s, output: o, excluded_files: ['[']}
		}
	}`))
	if err == nil || !strings.Contains(err.Error(), "excluded file pattern") {
		t.Fatalf("expected glob compile error, got %v", err)
	}
}

func TestParseFileBaseDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "packlane.yml")
	err := os.WriteFile(path, []byte(`{
		packages: {
			mml-chtml: {source: mathjax/mml-chtml, output: ../../../es5}
		}
	}`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	root, err := config.ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if exp, act := dir, root.BaseDir(); exp != act {
		t.Fatalf("expected base dir %q, got %q", exp, act)
	}

	// Relative paths resolve against the config file's directory, not the
	// process working directory.
	pkg := root.Packages["mml-chtml"]
	if exp, act := filepath.Join(dir, "mathjax/mml-chtml"), root.Abs(pkg.SourceRoot); exp != act {
		t.Fatalf("expected source %q, got %q", exp, act)
	}
	if exp, act := filepath.Join(dir, "../../../es5"), root.Abs(pkg.OutputDirectory); exp != act {
		t.Fatalf("expected output %q, got %q", exp, act)
	}
	if abs := root.Abs("/abs/path"); abs != "/abs/path" {
		t.Fatalf("expected absolute path unchanged, got %q", abs)
	}
}

func TestTopologicalSortedPackages(t *testing.T) {
	t.Run("link order respected", func(t *testing.T) {
		root, err := config.Parse([]byte(`{
			packages: {
				ui: {source: s, output: o, linked_packages: [core, icons]},
				icons: {source: s, output: o, linked_packages: [core]},
				core: {source: s, output: o},
			}
		}`))
		if err != nil {
			t.Fatal(err)
		}

		sorted, err := root.TopologicalSortedPackages()
		if err != nil {
			t.Fatal(err)
		}

		names := make([]string, len(sorted))
		for i, pkg := range sorted {
			names[i] = pkg.Name
		}
		if exp := []string{"core", "icons", "ui"}; !reflect.DeepEqual(names, exp) {
			t.Fatalf("expected order %v, got %v", exp, names)
		}
	})

	t.Run("cycle rejected", func(t *testing.T) {
		root, err := config.Parse([]byte(`{
			packages: {
				a: {source: s, output: o, linked_packages: [b]},
				b: {source: s, output: o, linked_packages: [a]},
			}
		}`))
		if err != nil {
			t.Fatal(err)
		}

		if _, err := root.TopologicalSortedPackages(); err == nil || !strings.Contains(err.Error(), "cycle") {
			t.Fatalf("expected cycle error, got %v", err)
		}
	})
}

func TestPackageEqual(t *testing.T) {
	boolptr := func(b bool) *bool { return &b }

	base := func() *config.Package {
		return &config.Package{
			Name:            "ui",
			SourceRoot:      "src/ui",
			OutputDirectory: "dist",
			LinkedPackages:  []string{"core", "icons"},
			ExcludedFiles:   config.StringSet{"a", "b"},
		}
	}

	cases := []struct {
		note  string
		mod   func(*config.Package)
		equal bool
	}{
		{note: "identical", mod: func(*config.Package) {}, equal: true},
		{note: "linked package order matters", mod: func(p *config.Package) {
			p.LinkedPackages = []string{"icons", "core"}
		}},
		{note: "excluded files compare as set", mod: func(p *config.Package) {
			p.ExcludedFiles = config.StringSet{"b", "a"}
		}, equal: true},
		{note: "minify differs", mod: func(p *config.Package) {
			p.Minify = boolptr(false)
		}},
		{note: "interval differs", mod: func(p *config.Package) {
			p.Interval = config.Duration(time.Minute)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.note, func(t *testing.T) {
			a, b := base(), base()
			tc.mod(b)
			if act := a.Equal(b); act != tc.equal {
				t.Fatalf("expected Equal=%v, got %v\n%s", tc.equal, act, cmp.Diff(a, b, cmp.AllowUnexported(config.Package{})))
			}
		})
	}
}

func TestDurationMarshal(t *testing.T) {
	root, err := config.Parse([]byte(`{
		packages: {x: {source: s, output: o, rebuild_interval: 90s}}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	if exp, act := 90*time.Second, time.Duration(root.Packages["x"].Interval); exp != act {
		t.Fatalf("expected %v, got %v", exp, act)
	}
	if exp, act := "1m30s", root.Packages["x"].Interval.String(); exp != act {
		t.Fatalf("expected %q, got %q", exp, act)
	}
}
