package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/dmfship/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath   string
	envFile   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dmfship",
		Short: "Deliver catalogued documents from S3 to the DMS SFTP drop",
		Long: `dmfship selects the documents that are ready to ship from the job catalog,
uploads a metadata manifest and the documents to a timestamped folder on the
SFTP endpoint, moves the catalog rows forward and drops a completion marker
for the downstream document management system.`,
		Example: `  dmfship deliver --template CONTRATTO --target-dir /contratti/ --prefix quill/CONTRATTO/
  dmfship deliver --template SOAS --dry-run
  dmfship serve --listen 0.0.0.0:8080
  dmfship config show
  dmfship catalog init`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("failed to load env file: %w", err)
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if err := globalCfg.ApplyEnv(os.Getenv); err != nil {
				return err
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "catalog_driver", globalCfg.Catalog.Driver)
			}

			if shouldSkipValidate(cmd.Name()) {
				return nil
			}
			return globalCfg.Validate()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment overrides")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newDeliverCmd(),
		newServeCmd(),
		newConfigCmd(),
		newCatalogCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// shouldSkipValidate checks if a command works on an incomplete config
func shouldSkipValidate(cmdName string) bool {
	skipValidateCmds := map[string]bool{
		"show": true,
		"init": true,
	}
	return skipValidateCmds[cmdName]
}
