package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/packlane/packlane/internal/builder"
	"github.com/packlane/packlane/internal/config"
	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/runner"
	"github.com/packlane/packlane/internal/store"
)

type fakeSync struct {
	err    error
	commit string
	calls  int
}

func (f *fakeSync) Execute(context.Context) error {
	f.calls++
	return f.err
}

func (f *fakeSync) Commit() string { return f.commit }

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: logging.LevelError})
}

func writeSourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestPackageWorkerSingleShot(t *testing.T) {
	srcDir := writeSourceTree(t, map[string]string{"index.js": "export {}"})
	linkDir := writeSourceTree(t, map[string]string{"index.js": "export default {}"})

	reports, err := store.Open(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reports.Close()

	pkg := &config.Package{
		Name:            "ui",
		SourceRoot:      srcDir,
		OutputDirectory: "dist",
		LinkedPackages:  []string{"core"},
	}

	source := builder.NewSource("ui")
	if err := source.AddDir(builder.Dir{Path: srcDir}); err != nil {
		t.Fatal(err)
	}
	link := builder.NewSource("core")
	if err := link.AddDir(builder.Dir{Path: linkDir}); err != nil {
		t.Fatal(err)
	}

	stagingDir := t.TempDir()
	sync := &fakeSync{commit: "abc123"}

	w := NewPackageWorker(stagingDir, pkg, nil, nil, testLogger(), nil).
		WithSource(source).
		WithLinks([]*builder.Source{link}).
		WithSynchronizers([]sourceSynchronizer{{sync: sync, sourceName: "core"}}).
		WithReports(reports).
		WithSingleShot(true)

	next := w.Execute(t.Context())
	if !next.IsZero() {
		t.Fatalf("expected single-shot worker to leave the pool, next deadline %v", next)
	}
	if !w.Done() {
		t.Fatal("expected worker to be done")
	}
	if sync.calls != 1 {
		t.Fatalf("expected one sync, got %d", sync.calls)
	}

	for _, name := range []string{
		"index.js",
		"node_modules/core/index.js",
		builder.ConfigFilename,
	} {
		if _, err := os.Stat(filepath.Join(stagingDir, filepath.FromSlash(name))); err != nil {
			t.Fatalf("expected staged file %s: %v", name, err)
		}
	}

	report, err := reports.Get(t.Context(), "ui", "package")
	if err != nil {
		t.Fatal(err)
	}
	if report.State != "built" || report.Revision != "abc123" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestPackageWorkerSyncFailure(t *testing.T) {
	srcDir := writeSourceTree(t, map[string]string{"index.js": ""})

	reports, err := store.Open(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reports.Close()

	pkg := &config.Package{Name: "ui", SourceRoot: srcDir, OutputDirectory: "dist"}

	source := builder.NewSource("ui")
	if err := source.AddDir(builder.Dir{Path: srcDir}); err != nil {
		t.Fatal(err)
	}

	w := NewPackageWorker(t.TempDir(), pkg, nil, nil, testLogger(), nil).
		WithSource(source).
		WithSynchronizers([]sourceSynchronizer{{
			sync:       &fakeSync{err: errors.New("remote unreachable")},
			sourceName: "core",
		}}).
		WithReports(reports).
		WithSingleShot(true)

	if next := w.Execute(t.Context()); !next.IsZero() {
		t.Fatalf("expected worker to leave the pool, next deadline %v", next)
	}

	report, err := reports.Get(t.Context(), "ui", "package")
	if err != nil {
		t.Fatal(err)
	}
	if report.State != "sync_failed" || report.Message == "" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestPlaygroundWorkerEmitsConfig(t *testing.T) {
	pg := &config.Playground{
		Name:   "mc",
		Entry:  "playground/mc.ts",
		Output: config.Output{Directory: "playground/dist"},
	}

	stagingDir := t.TempDir()
	w := NewPlaygroundWorker(stagingDir, t.TempDir(), pg, testLogger(), nil).
		WithSingleShot(true)

	if next := w.Execute(t.Context()); !next.IsZero() {
		t.Fatalf("expected worker to leave the pool, next deadline %v", next)
	}

	bs, err := os.ReadFile(filepath.Join(stagingDir, builder.ConfigFilename))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"playground/mc.ts"`, `"es"`, `"resolve"`, `"transform"`} {
		if !strings.Contains(string(bs), want) {
			t.Fatalf("expected %s in emitted config:\n%s", want, bs)
		}
	}
}

// The bundler must run in the worker's work directory: the configuration's
// base directory for playgrounds, the staging directory for packages.
func TestPlaygroundBundlerRunsInWorkDir(t *testing.T) {
	workDir := t.TempDir()

	pg := &config.Playground{
		Name:   "mc",
		Entry:  "playground/mc.ts",
		Output: config.Output{Directory: "playground/dist"},
	}

	w := NewPlaygroundWorker(t.TempDir(), workDir, pg, testLogger(), nil).
		WithBundler(runner.New("sh", []string{"-c", "pwd > cwd.txt"})).
		WithSingleShot(true)

	if next := w.Execute(t.Context()); !next.IsZero() {
		t.Fatalf("expected worker to leave the pool, next deadline %v", next)
	}

	// cwd.txt lands in the process working directory.
	if _, err := os.Stat(filepath.Join(workDir, "cwd.txt")); err != nil {
		t.Fatalf("expected the bundler to run in the work directory: %v", err)
	}
}

func TestWorkerConfigChangeTearsDown(t *testing.T) {
	srcDir := writeSourceTree(t, map[string]string{"index.js": ""})
	pkg := &config.Package{Name: "ui", SourceRoot: srcDir, OutputDirectory: "dist"}

	w := NewPackageWorker(t.TempDir(), pkg, nil, nil, testLogger(), nil)

	// Same configuration: no teardown.
	same := *pkg
	w.UpdateConfig(&same, nil, nil, nil)
	if w.configurationChanged() {
		t.Fatal("expected no teardown for identical configuration")
	}

	changed := *pkg
	changed.OutputDirectory = "build"
	w.UpdateConfig(&changed, nil, nil, nil)

	if next := w.Execute(t.Context()); !next.IsZero() {
		t.Fatalf("expected teardown, next deadline %v", next)
	}
	if !w.Done() {
		t.Fatal("expected worker to be done")
	}
}
