// Package commands implements the CLI commands for the plcvis server.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "plcvis",
	Short: "PLC log visualizer backend",
	Long: `plcvis is the backend server for the PLC log visualizer.

It accepts chunked log uploads, parses PLC and transport-system log formats
into queryable columnar stores, and serves the query API the visualizer
frontend is built on.

Use "plcvis [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// GetConfigFile returns the --config flag value. Empty means the default
// location.
func GetConfigFile() string {
	return configFile
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("plcvis %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to config file (default: $XDG_CONFIG_HOME/plcvis/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
