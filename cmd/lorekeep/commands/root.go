// Package commands defines all Cobra CLI commands for the lorekeep binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/lorehaven/lorekeep/internal/audit"
	"github.com/lorehaven/lorekeep/internal/config"
	"github.com/lorehaven/lorekeep/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lorekeep",
		Short: "Lorekeep — a grounded question-answering assistant for your writing",
		Long: `Lorekeep keeps a vector index in step with a corpus of markdown documents
(a blog, a wiki, a notes directory) and answers questions grounded in that
corpus, citing the source files for every answer.

The corpus lives wherever it is authored — a GitHub repository directory or a
local folder — and 'lorekeep sync' diffs it against the index by content hash,
reindexing only what changed.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.lorekeep/config.yaml).
See 'lorekeep --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.lorekeep/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewSearchCmd(),
		NewSyncCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
