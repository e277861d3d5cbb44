package service

import (
	"cmp"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/packlane/packlane/internal/builder"
	"github.com/packlane/packlane/internal/config"
	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/metrics"
	"github.com/packlane/packlane/internal/progress"
	"github.com/packlane/packlane/internal/runner"
	"github.com/packlane/packlane/internal/store"
)

var (
	defaultInterval = 30 * time.Second
	errorInterval   = 10 * time.Second
)

type BuildState int

const (
	BuildStateSuccess BuildState = iota
	BuildStateSyncFailed
	BuildStateStageFailed
	BuildStateBuildFailed
	BuildStateInternalError
)

func (s BuildState) String() string {
	switch s {
	case BuildStateSuccess:
		return "built"
	case BuildStateSyncFailed:
		return "sync_failed"
	case BuildStateStageFailed:
		return "stage_failed"
	case BuildStateBuildFailed:
		return "build_failed"
	default:
		return "internal_error"
	}
}

type Synchronizer interface {
	Execute(ctx context.Context) error
	Commit() string
}

type sourceSynchronizer struct {
	sync       Synchronizer
	sourceName string
}

// BuildWorker builds one configured bundle: it synchronizes the git-backed
// sources it depends on, stages the source tree, emits the bundler
// configuration, and hands both to the external bundler. A worker handles
// either a package or a playground, never both.
type BuildWorker struct {
	name             string
	kind             string
	stagingDir       string
	workDir          string
	packageConfig    *config.Package
	playgroundConfig *config.Playground
	policyConfig     *config.Policy
	sourceConfigs    config.Sources
	policy           *builder.Policy
	synchronizers    []sourceSynchronizer
	source           *builder.Source
	links            []*builder.Source
	bundler          *runner.Runner
	reports          *store.Store
	changed          chan struct{}
	done             chan struct{}
	singleShot       bool
	log              *logging.Logger
	bar              *progress.Bar
	interval         time.Duration
}

func NewPackageWorker(stagingDir string, pkg *config.Package, policy *config.Policy, sources config.Sources, logger *logging.Logger, bar *progress.Bar) *BuildWorker {
	return &BuildWorker{
		name:          pkg.Name,
		kind:          "package",
		stagingDir:    stagingDir,
		workDir:       stagingDir,
		packageConfig: pkg,
		policyConfig:  policy,
		sourceConfigs: sources,
		policy:        builder.NewPolicy(policy),
		log:           logger,
		bar:           bar,
		changed:       make(chan struct{}), done: make(chan struct{}),
		interval: cmp.Or(time.Duration(pkg.Interval), defaultInterval),
	}
}

func NewPlaygroundWorker(stagingDir, workDir string, pg *config.Playground, logger *logging.Logger, bar *progress.Bar) *BuildWorker {
	return &BuildWorker{
		name:             pg.Name,
		kind:             "playground",
		stagingDir:       stagingDir,
		workDir:          workDir,
		playgroundConfig: pg,
		log:              logger,
		bar:              bar,
		changed:          make(chan struct{}), done: make(chan struct{}),
		interval: cmp.Or(time.Duration(pg.Interval), defaultInterval),
	}
}

func (w *BuildWorker) WithSynchronizers(synchronizers []sourceSynchronizer) *BuildWorker {
	w.synchronizers = synchronizers
	return w
}

func (w *BuildWorker) WithSource(source *builder.Source) *BuildWorker {
	w.source = source
	return w
}

func (w *BuildWorker) WithLinks(links []*builder.Source) *BuildWorker {
	w.links = links
	return w
}

// WithBundler sets the external bundler invocation. It runs in the worker's
// work directory: the staging directory for packages, the configuration's
// base directory for playgrounds.
func (w *BuildWorker) WithBundler(r *runner.Runner) *BuildWorker {
	w.bundler = r.WithDir(w.workDir)
	return w
}

func (w *BuildWorker) WithReports(s *store.Store) *BuildWorker {
	w.reports = s
	return w
}

func (w *BuildWorker) WithSingleShot(singleShot bool) *BuildWorker {
	w.singleShot = singleShot
	return w
}

func (w *BuildWorker) Name() string {
	return w.kind + "/" + w.name
}

func (w *BuildWorker) Done() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *BuildWorker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateConfig flags the worker for teardown if the new configuration
// differs. The service replaces dead workers with freshly configured ones.
func (w *BuildWorker) UpdateConfig(pkg *config.Package, pg *config.Playground, policy *config.Policy, sources config.Sources) {
	equal := w.packageConfig.Equal(pkg) &&
		w.playgroundConfig.Equal(pg) &&
		w.policyConfig.Equal(policy) &&
		w.sourceConfigs.Equal(sources)
	if !equal {
		w.changeConfiguration()
	}
}

// Execute runs one build iteration: sync sources, stage the tree, emit the
// bundler config, invoke the external bundler, report. The returned time is
// the deadline of the next run; the zero time removes the worker from the
// pool.
func (w *BuildWorker) Execute(ctx context.Context) time.Time {
	startTime := time.Now()

	defer w.bar.Add(1)

	// Torn down on configuration change, the service starts a replacement.
	if w.configurationChanged() {
		return w.die()
	}

	var revision string
	for _, ss := range w.synchronizers {
		if err := ss.sync.Execute(ctx); err != nil {
			w.log.Warnf("failed to synchronize %q: %v", w.name, err)
			return w.report(ctx, BuildStateSyncFailed, startTime, "", err)
		}
		revision = ss.sync.Commit()
	}

	configPath, err := w.stage(ctx)
	if err != nil {
		w.log.Warnf("failed to stage %q: %v", w.name, err)
		return w.report(ctx, BuildStateStageFailed, startTime, revision, err)
	}

	if w.bundler != nil {
		res, err := w.bundler.Run(ctx, configPath)
		if res != nil && res.Output != "" {
			w.log.Debugf("bundler output for %q: %s", w.name, res.Output)
		}
		if err != nil {
			w.log.Warnf("failed to build %q: %v", w.name, err)
			return w.report(ctx, BuildStateBuildFailed, startTime, revision, err)
		}
	}

	w.log.Debugf("Bundle %q built.", w.name)
	return w.report(ctx, BuildStateSuccess, startTime, revision, nil)
}

// stage emits the bundler configuration and, for packages, materializes the
// staged source tree next to it. It returns the path of the emitted config.
func (w *BuildWorker) stage(ctx context.Context) (string, error) {
	if w.packageConfig != nil {
		res, err := builder.New().
			WithPackage(w.packageConfig).
			WithPolicy(w.policy).
			WithSource(w.source).
			WithLinks(w.links).
			WithExcluded(append(builder.DefaultExcluded(), w.packageConfig.ExcludedFiles...)).
			WithStagingDir(w.stagingDir).
			Build(ctx)
		if err != nil {
			return "", err
		}
		return res.ConfigPath, nil
	}

	emitted, err := builder.Playground(w.playgroundConfig)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(w.stagingDir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(w.stagingDir, builder.ConfigFilename)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return path, builder.WriteConfig(f, emitted)
}

func (w *BuildWorker) report(ctx context.Context, state BuildState, startTime time.Time, revision string, err error) time.Time {
	interval := w.interval
	message := ""
	if err != nil {
		interval = errorInterval // faster retry on error
		message = err.Error()
	}

	if state == BuildStateSuccess {
		metrics.BundleBuildCount.Inc()
		metrics.BundleBuildDuration.WithLabelValues(w.name).Observe(time.Since(startTime).Seconds())
		metrics.LastBundleBuildStart.WithLabelValues(w.name).Set(float64(startTime.Unix()))
		metrics.LastBundleBuildEnd.WithLabelValues(w.name).Set(float64(time.Now().Unix()))
	} else {
		metrics.BundleBuildFailed.WithLabelValues(w.name, state.String()).Inc()
	}

	if w.reports != nil {
		if err := w.reports.Put(ctx, store.Report{
			Name:      w.name,
			Kind:      w.kind,
			State:     state.String(),
			Message:   message,
			Revision:  revision,
			Duration:  time.Since(startTime),
			StartedAt: startTime,
		}); err != nil {
			w.log.Warnf("failed to record build report for %q: %v", w.name, err)
		}
	}

	if w.singleShot {
		return w.die()
	}

	return time.Now().Add(interval)
}

func (w *BuildWorker) changeConfiguration() {
	select {
	case <-w.changed:
	default:
		close(w.changed)
	}
}

func (w *BuildWorker) configurationChanged() bool {
	select {
	case <-w.changed:
		return true
	default:
		return false
	}
}

func (w *BuildWorker) die() time.Time {
	close(w.done)

	var zero time.Time
	return zero
}
