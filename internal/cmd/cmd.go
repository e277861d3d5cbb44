// Package cmd implements the packlane command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/packlane/packlane/internal/config"
	"github.com/packlane/packlane/internal/logging"
)

var RootCommand = &cobra.Command{
	Use:           "packlane",
	Short:         "Control plane for JavaScript bundle builds",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// rootParams are the global flags shared by all subcommands.
type rootParams struct {
	configFiles []string
	logLevel    logging.Level
	dataDir     string
}

var params = rootParams{
	logLevel: logging.LevelInfo,
}

var logLevelIDs = map[logging.Level][]string{
	logging.LevelDebug: {"debug"},
	logging.LevelInfo:  {"info"},
	logging.LevelWarn:  {"warn", "warning"},
	logging.LevelError: {"error"},
}

func init() {
	flags := RootCommand.PersistentFlags()
	flags.StringSliceVarP(&params.configFiles, "config", "c", []string{"packlane.yml"},
		"configuration files or directories (merged in order)")
	flags.Var(enumflag.New(&params.logLevel, "level", logLevelIDs, enumflag.EnumCaseInsensitive),
		"log-level", "log level (debug, info, warn, error)")
	flags.StringVar(&params.dataDir, "data-dir", ".packlane",
		"directory for synced sources, staging trees, and build reports")
}

func (p *rootParams) logger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: p.logLevel})
}

// loadConfig merges the configured files and parses the result. Relative
// paths in the document resolve against the first configuration file's
// directory.
func (p *rootParams) loadConfig() (*config.Root, error) {
	bs, err := config.Merge(p.configFiles, false)
	if err != nil {
		return nil, err
	}

	root, err := config.Parse(bs)
	if err != nil {
		return nil, err
	}

	if len(p.configFiles) > 0 {
		abs, err := filepath.Abs(p.configFiles[0])
		if err != nil {
			return nil, err
		}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			root.SetBaseDir(abs)
		} else {
			root.SetBaseDir(filepath.Dir(abs))
		}
	}

	root.SetSQLiteByDefault(p.dataDir)
	return root, nil
}

func Execute() {
	if err := RootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
