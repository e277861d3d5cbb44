package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packlane/packlane/internal/builder"
	"github.com/packlane/packlane/internal/config"
)

func init() {
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration files",
		Long: `Validate merges the configuration files, checks the result against the
configuration schema, and dry-runs every emitter so structural problems
(pipeline ordering, missing fields, bad globs) surface without building
anything.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bs, err := config.Merge(params.configFiles, true)
			if err != nil {
				return err
			}

			root, err := config.Parse(bs)
			if err != nil {
				return err
			}

			policy := builder.NewPolicy(root.Policy)
			for _, pkg := range root.SortedPackages() {
				if _, err := policy.Package(pkg); err != nil {
					return fmt.Errorf("package %q: %w", pkg.Name, err)
				}
			}
			for _, pg := range root.SortedPlaygrounds() {
				if _, err := builder.Playground(pg); err != nil {
					return fmt.Errorf("playground %q: %w", pg.Name, err)
				}
			}

			if _, err := root.TopologicalSortedPackages(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d package(s), %d playground(s)\n",
				len(root.Packages), len(root.Playgrounds))
			return nil
		},
	}

	RootCommand.AddCommand(validate)
}
