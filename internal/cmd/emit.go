package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/packlane/packlane/internal/builder"
)

func init() {
	emit := &cobra.Command{
		Use:   "emit <bundle>",
		Short: "Print the bundler configuration emitted for a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			root, err := params.loadConfig()
			if err != nil {
				return err
			}

			name := args[0]

			if pkg, ok := root.Packages[name]; ok {
				emitted, err := builder.NewPolicy(root.Policy).Package(pkg)
				if err != nil {
					return err
				}
				return builder.WriteConfig(os.Stdout, emitted)
			}

			if pg, ok := root.Playgrounds[name]; ok {
				emitted, err := builder.Playground(pg)
				if err != nil {
					return err
				}
				return builder.WriteConfig(os.Stdout, emitted)
			}

			return fmt.Errorf("no package or playground named %q", name)
		},
	}

	RootCommand.AddCommand(emit)
}
