package catalog

import (
	"context"
	"fmt"

	"github.com/BadgerOps/dmfship/internal/apperr"
)

// Migrate creates the catalog tables on a SQLite catalog. The production
// PostgreSQL catalog is owned by the document pipeline and is never
// migrated from here.
func (c *Catalog) Migrate(ctx context.Context) error {
	if c.dialect.driverName != "sqlite" {
		return apperr.Configf("migrate catalog", "schema bootstrap is only supported for sqlite catalogs")
	}

	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS catalog_migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := c.db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := c.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM catalog_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	c.logger.Debug("current catalog schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE {jobs} (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					input_file_name TEXT NOT NULL,
					output_file_name TEXT,
					description TEXT,
					cga TEXT,
					start_date DATETIME NOT NULL,
					archival_status TEXT NOT NULL DEFAULT 'READY',
					archival_time DATETIME
				);

				CREATE INDEX {schema}.idx_jobs_status ON {jobs_name}(archival_status, input_file_name);

				CREATE TABLE {meta} (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					job_id INTEGER NOT NULL,
					ds_id TEXT,
					ds_mode TEXT,
					ds_date_time TEXT,
					ds_id_cgs TEXT,
					contract_type TEXT,
					tv_order_number TEXT,
					bb_order_number TEXT,
					hw_order_number TEXT,
					offer_type TEXT,
					contract_code_tv TEXT,
					work_order_number TEXT,
					FOREIGN KEY(job_id) REFERENCES {jobs_name}(id)
				);

				CREATE TABLE {config} (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					config_name TEXT NOT NULL,
					config_value TEXT,
					active BOOLEAN NOT NULL DEFAULT 1,
					created_date DATETIME NOT NULL
				);
			`,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx, c.tables.expand(m.sql)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO catalog_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		c.logger.Info("applied catalog migration", "version", m.version)
	}

	return nil
}
