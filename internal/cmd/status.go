package cmd

import (
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/packlane/packlane/internal/store"
)

func init() {
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the latest build report for each bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := params.loadConfig()
			if err != nil {
				return err
			}

			reports, err := store.Open(cmd.Context(), root.Database)
			if err != nil {
				return err
			}
			defer reports.Close()

			list, err := reports.List(cmd.Context())
			if err != nil {
				return err
			}

			table := tablewriter.NewTable(cmd.OutOrStdout())
			table.Header("NAME", "KIND", "STATE", "REVISION", "DURATION", "STARTED", "MESSAGE")

			for _, r := range list {
				revision := r.Revision
				if len(revision) > 12 {
					revision = revision[:12]
				}
				if err := table.Append(r.Name, r.Kind, r.State, revision,
					r.Duration.Round(time.Millisecond).String(),
					r.StartedAt.Local().Format(time.DateTime),
					r.Message); err != nil {
					return err
				}
			}

			return table.Render()
		},
	}

	RootCommand.AddCommand(status)
}
