package main

import (
	"fmt"

	"github.com/BadgerOps/dmfship/internal/catalog"
	"github.com/spf13/cobra"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage a local job catalog",
	}

	cmd.AddCommand(newCatalogInitCmd())

	return cmd
}

func newCatalogInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the catalog tables in a sqlite catalog",
		Long: `Create the job, metadata and config tables in the sqlite catalog named by
catalog.dsn. Running it again is a no-op. PostgreSQL catalogs are owned by
the document pipeline and are never migrated from here.`,
		Example: `  CATALOG_DRIVER=sqlite CATALOG_DSN=./catalog.db DB_SCHEMA=main dmfship catalog init`,
		RunE:    catalogInitRun,
	}
}

func catalogInitRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCfg.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn is required")
	}

	cat, err := catalog.Open(cmd.Context(), catalog.OptionsFromConfig(globalCfg.Catalog), logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	if err := cat.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "catalog ready: %s\n", globalCfg.Catalog.DSN)
	return nil
}
