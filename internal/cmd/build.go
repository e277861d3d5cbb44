package cmd

import (
	"github.com/spf13/cobra"

	"github.com/packlane/packlane/internal/service"
	"github.com/packlane/packlane/internal/store"
)

func init() {
	var workers int

	build := &cobra.Command{
		Use:   "build [bundle...]",
		Short: "Build all configured bundles once and exit",
		Long: `Build merges the configuration files, stages every configured package and
playground (or only the named ones), and invokes the external bundlers. Each
build outcome is recorded in the report store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := params.loadConfig()
			if err != nil {
				return err
			}

			reports, err := store.Open(cmd.Context(), root.Database)
			if err != nil {
				return err
			}
			defer reports.Close()

			return service.New().
				WithConfig(root).
				WithDataDir(params.dataDir).
				WithLogger(params.logger()).
				WithPoolSize(workers).
				WithReports(reports).
				WithSelection(args).
				WithSingleShot(true).
				WithProgress(true).
				Run(cmd.Context())
		},
	}

	build.Flags().IntVar(&workers, "workers", 0, "number of concurrent build workers")

	RootCommand.AddCommand(build)
}
