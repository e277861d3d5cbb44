package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/service"
	"github.com/packlane/packlane/internal/store"
)

func init() {
	var (
		workers     int
		watch       bool
		metricsAddr string
	)

	run := &cobra.Command{
		Use:   "run [bundle...]",
		Short: "Run bundle builds on their configured intervals",
		Long: `Run starts a worker per configured package and playground and rebuilds each
on its interval until interrupted. With --watch, changes under local source
roots trigger the affected bundle ahead of its interval, and edits to the
configuration files apply without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			root, err := params.loadConfig()
			if err != nil {
				return err
			}

			reports, err := store.Open(ctx, root.Database)
			if err != nil {
				return err
			}
			defer reports.Close()

			svc := service.New().
				WithConfig(root).
				WithDataDir(params.dataDir).
				WithLogger(params.logger()).
				WithPoolSize(workers).
				WithReports(reports).
				WithSelection(args).
				WithWatch(watch)

			group, ctx := errgroup.WithContext(ctx)

			if metricsAddr != "" {
				server := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
				group.Go(func() error {
					if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				group.Go(func() error {
					<-ctx.Done()
					return server.Shutdown(context.Background())
				})
			}

			if watch {
				group.Go(func() error {
					return reloadOnChange(ctx, svc, params.logger())
				})
			}

			group.Go(func() error {
				err := svc.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})

			return group.Wait()
		},
	}

	run.Flags().IntVar(&workers, "workers", 0, "number of concurrent build workers")
	run.Flags().BoolVar(&watch, "watch", false, "rebuild when files under source roots change")
	run.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")

	RootCommand.AddCommand(run)
}

// reloadOnChange re-reads the configuration whenever one of its files
// changes and hands the result to the service. A reload that fails to
// parse keeps the previous configuration.
func reloadOnChange(ctx context.Context, svc *service.Service, logger *logging.Logger) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch parent directories, editors replace files on save.
	files := map[string]bool{}
	dirs := map[string]bool{}
	for _, f := range params.configFiles {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		watch := filepath.Dir(abs)
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			dirs[abs] = true
			watch = abs
		} else {
			files[abs] = true
		}
		if err := fsw.Add(watch); err != nil {
			return err
		}
	}

	matches := func(name string) bool {
		abs, err := filepath.Abs(name)
		if err != nil {
			return false
		}
		return files[abs] || dirs[filepath.Dir(abs)]
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 || !matches(ev.Name) {
				continue
			}
			root, err := params.loadConfig()
			if err != nil {
				logger.Warnf("configuration reload skipped: %v", err)
				continue
			}
			if err := svc.UpdateConfig(root); err != nil {
				logger.Warnf("configuration update failed: %v", err)
				continue
			}
			logger.Infof("configuration reloaded")
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("configuration watch: %v", err)
		}
	}
}
