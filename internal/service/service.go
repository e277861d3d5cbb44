// Package service wires configuration, source synchronization, staging, and
// bundler invocation into scheduled build workers.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/packlane/packlane/internal/builder"
	"github.com/packlane/packlane/internal/config"
	pl_fs "github.com/packlane/packlane/internal/fs"
	"github.com/packlane/packlane/internal/gitsync"
	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/pool"
	"github.com/packlane/packlane/internal/progress"
	"github.com/packlane/packlane/internal/runner"
	"github.com/packlane/packlane/internal/store"
)

const defaultWorkerCount = 4

// Service runs build workers for every configured package and playground.
// Workers are scheduled on a deadline-ordered pool; when the configuration
// changes, affected workers tear themselves down and are replaced.
type Service struct {
	mu         sync.Mutex
	config     *config.Root
	dataDir    string
	workers    map[string]*BuildWorker
	pool       *pool.Pool
	poolSize   int
	reports    *store.Store
	log        *logging.Logger
	singleShot bool
	watch      bool
	selection  []string
	bar        *progress.Bar
	progress   bool
}

func New() *Service {
	return &Service{
		workers:  make(map[string]*BuildWorker),
		poolSize: defaultWorkerCount,
		log:      logging.NewLogger(logging.Config{}),
	}
}

func (s *Service) WithConfig(cfg *config.Root) *Service {
	s.config = cfg
	return s
}

// WithDataDir sets the directory holding synced sources, staging trees, and
// the default build-report database.
func (s *Service) WithDataDir(dir string) *Service {
	s.dataDir = dir
	return s
}

func (s *Service) WithLogger(logger *logging.Logger) *Service {
	s.log = logger
	return s
}

func (s *Service) WithPoolSize(n int) *Service {
	if n > 0 {
		s.poolSize = n
	}
	return s
}

// WithSingleShot makes every worker build once and leave the pool; Run
// returns when all builds have finished.
func (s *Service) WithSingleShot(singleShot bool) *Service {
	s.singleShot = singleShot
	return s
}

// WithWatch enables filesystem watches on source roots; a change triggers
// the affected worker ahead of its interval.
func (s *Service) WithWatch(watch bool) *Service {
	s.watch = watch
	return s
}

// WithSelection restricts the service to the named bundles. Empty means all.
func (s *Service) WithSelection(names []string) *Service {
	s.selection = names
	return s
}

func (s *Service) WithReports(reports *store.Store) *Service {
	s.reports = reports
	return s
}

func (s *Service) WithProgress(enabled bool) *Service {
	s.progress = enabled
	return s
}

// Run starts the workers and blocks until the context is cancelled, or, in
// single-shot mode, until every worker has finished.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.pool = pool.New(s.poolSize)

	workers, err := s.makeWorkers()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.bar = progress.New(len(workers), "building", s.progress && s.singleShot)
	defer s.bar.Finish()

	var watcher *watcher
	if s.watch {
		watcher, err = newWatcher(s.log)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		defer watcher.Close()
	}

	for _, w := range workers {
		s.startWorker(w)

		if watcher != nil {
			for _, dir := range s.watchDirs(w) {
				if err := watcher.Watch(dir, w.Name(), s.pool); err != nil {
					s.mu.Unlock()
					return err
				}
			}
		}
	}
	s.mu.Unlock()

	if s.singleShot {
		for _, w := range workers {
			if err := w.Wait(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	<-ctx.Done()
	return ctx.Err()
}

// startWorker requires s.mu to be held.
func (s *Service) startWorker(w *BuildWorker) {
	w.bar = s.bar
	s.workers[w.Name()] = w
	s.pool.Add(w.Name(), w.Execute)
}

// UpdateConfig applies a freshly merged configuration. Workers whose
// configuration changed tear down and are replaced once they finish; bundles
// new to the configuration get workers right away.
func (s *Service) UpdateConfig(cfg *config.Root) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg

	// Not running yet, the workers pick the configuration up on start.
	if s.pool == nil {
		return nil
	}

	for name, w := range s.workers {
		var pkg *config.Package
		var pg *config.Playground
		if w.packageConfig != nil {
			pkg = cfg.Packages[w.name]
		}
		if w.playgroundConfig != nil {
			pg = cfg.Playgrounds[w.name]
		}
		w.UpdateConfig(pkg, pg, cfg.Policy, cfg.Sources)
		if w.configurationChanged() {
			// The teardown happens inside the worker's next run; pull it
			// forward so the replacement does not wait a full interval.
			_ = s.pool.Trigger(name)
			go s.replace(name, w)
		}
	}

	workers, err := s.makeWorkers()
	if err != nil {
		return err
	}
	for _, w := range workers {
		if _, ok := s.workers[w.Name()]; !ok {
			s.startWorker(w)
		}
	}
	return nil
}

// replace waits for a torn-down worker to finish and installs its freshly
// configured replacement. Bundles removed from the configuration get none.
func (s *Service) replace(name string, old *BuildWorker) {
	_ = old.Wait(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workers[name] != old {
		return
	}
	delete(s.workers, name)

	workers, err := s.makeWorkers()
	if err != nil {
		s.log.Errorf("failed to rebuild workers after config change: %v", err)
		return
	}
	for _, w := range workers {
		if w.Name() == name {
			s.startWorker(w)
		}
	}
}

func (s *Service) selected(name string) bool {
	return len(s.selection) == 0 || slices.Contains(s.selection, name)
}

func (s *Service) makeWorkers() ([]*BuildWorker, error) {
	pkgs, err := s.config.TopologicalSortedPackages()
	if err != nil {
		return nil, err
	}

	var workers []*BuildWorker

	for _, pkg := range pkgs {
		if !s.selected(pkg.Name) {
			continue
		}
		w, err := s.makePackageWorker(pkg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	for _, pg := range s.config.SortedPlaygrounds() {
		if !s.selected(pg.Name) {
			continue
		}
		w, err := s.makePlaygroundWorker(pg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	return workers, nil
}

func (s *Service) makePackageWorker(pkg *config.Package) (*BuildWorker, error) {
	stagingDir := filepath.Join(s.dataDir, "staging", pl_fs.Escape("package/"+pkg.Name))

	w := NewPackageWorker(stagingDir, pkg, s.config.Policy, s.config.Sources, s.log.WithName(pkg.Name), s.bar).
		WithSingleShot(s.singleShot).
		WithReports(s.reports)

	source := builder.NewSource(pkg.Name)
	if err := source.AddDir(builder.Dir{Path: s.config.Abs(pkg.SourceRoot)}); err != nil {
		return nil, err
	}
	w.WithSource(source)

	var links []*builder.Source
	var synchronizers []sourceSynchronizer
	for _, name := range pkg.LinkedPackages {
		link, sync, err := s.makeLink(name)
		if err != nil {
			return nil, fmt.Errorf("package %q: %w", pkg.Name, err)
		}
		links = append(links, link)
		if sync != nil {
			synchronizers = append(synchronizers, *sync)
		}
	}
	w.WithLinks(links).WithSynchronizers(synchronizers)

	if s.config.Policy != nil && s.config.Policy.Bundler != nil {
		w.WithBundler(runner.New(s.config.Policy.Bundler.Command, s.config.Policy.Bundler.Args))
	}

	return w, nil
}

func (s *Service) makePlaygroundWorker(pg *config.Playground) (*BuildWorker, error) {
	stagingDir := filepath.Join(s.dataDir, "staging", pl_fs.Escape("playground/"+pg.Name))

	// Playground bundles run against the configuration's own tree; only the
	// emitted config goes to the staging directory.
	w := NewPlaygroundWorker(stagingDir, s.config.BaseDir(), pg, s.log.WithName(pg.Name), s.bar).
		WithSingleShot(s.singleShot).
		WithReports(s.reports)

	if s.config.Policy != nil && s.config.Policy.PlaygroundBundler != nil {
		w.WithBundler(runner.New(s.config.Policy.PlaygroundBundler.Command, s.config.Policy.PlaygroundBundler.Args))
	}

	return w, nil
}

// makeLink resolves a linked package name to its staged source. A configured
// source of that name wins (git-backed ones get a synchronizer); otherwise
// another package of that name contributes its source root.
func (s *Service) makeLink(name string) (*builder.Source, *sourceSynchronizer, error) {
	src := builder.NewSource(name)

	if sc, ok := s.config.Sources[name]; ok {
		if sc.Git.Repo != "" {
			dir := filepath.Join(s.dataDir, "sources", pl_fs.Escape(name))
			path := dir
			if sc.Git.Path != nil {
				path = filepath.Join(dir, *sc.Git.Path)
			}
			// The checkout's git metadata and its own node_modules never
			// stage; the synchronizer owns the directory's lifecycle.
			excluded := append(builder.DefaultExcluded(), ".git/**")
			if err := src.AddDir(builder.Dir{
				Path:          path,
				IncludedFiles: sc.IncludedFiles,
				ExcludedFiles: append(excluded, sc.ExcludedFiles...),
			}); err != nil {
				return nil, nil, err
			}
			return src, &sourceSynchronizer{
				sync:       gitsync.New(dir, sc.Git, name),
				sourceName: name,
			}, nil
		}

		if err := src.AddDir(builder.Dir{
			Path:          s.config.Abs(sc.Directory),
			IncludedFiles: sc.IncludedFiles,
			ExcludedFiles: append(builder.DefaultExcluded(), sc.ExcludedFiles...),
		}); err != nil {
			return nil, nil, err
		}
		return src, nil, nil
	}

	if pkg, ok := s.config.Packages[name]; ok {
		if err := src.AddDir(builder.Dir{
			Path:          s.config.Abs(pkg.SourceRoot),
			ExcludedFiles: builder.DefaultExcluded(),
		}); err != nil {
			return nil, nil, err
		}
		return src, nil, nil
	}

	return nil, nil, fmt.Errorf("linked package %q matches no source or package", name)
}

// watchDirs lists the local directories whose changes should trigger the
// worker. Git-backed sources are excluded, their syncs run on the interval.
func (s *Service) watchDirs(w *BuildWorker) []string {
	var dirs []string

	if w.packageConfig != nil {
		dirs = append(dirs, s.config.Abs(w.packageConfig.SourceRoot))
		for _, name := range w.packageConfig.LinkedPackages {
			if sc, ok := s.config.Sources[name]; ok && sc.Git.Repo == "" && sc.Directory != "" {
				dirs = append(dirs, s.config.Abs(sc.Directory))
			}
			if pkg, ok := s.config.Packages[name]; ok {
				dirs = append(dirs, s.config.Abs(pkg.SourceRoot))
			}
		}
	}

	if w.playgroundConfig != nil {
		dirs = append(dirs, filepath.Dir(filepath.Join(s.config.BaseDir(), w.playgroundConfig.Entry)))
	}

	return dirs
}

// Trigger schedules the named bundle ahead of its interval.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.name == name {
			return s.pool.Trigger(w.Name())
		}
	}
	return fmt.Errorf("no bundle named %q", name)
}
