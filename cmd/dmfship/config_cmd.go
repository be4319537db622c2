package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Example: `  dmfship config show
  dmfship config show --config /etc/dmfship/dmfship.yaml`,
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration in YAML format: the config file (or
the defaults) with .env and environment overrides applied. Passwords are
redacted.`,
		RunE: configShowRun,
	}
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(globalCfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if cfgPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", cfgPath)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))

	if err := globalCfg.Validate(); err != nil {
		logger.Warn("configuration is not valid for a delivery", "error", err)
	}
	return nil
}
