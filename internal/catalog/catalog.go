// Package catalog reads and updates the job-tracking rows that decide which
// documents are shipped. The same SQL runs on PostgreSQL (production, via
// the pgx stdlib driver) and SQLite (local catalogs and tests); only the
// placeholder syntax differs.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/BadgerOps/dmfship/internal/apperr"
	"github.com/BadgerOps/dmfship/internal/batch"
	"github.com/BadgerOps/dmfship/internal/config"
)

// Options configures a Catalog
type Options struct {
	Driver      string // "postgres" or "sqlite"
	DSN         string
	Schema      string
	JobsTable   string
	MetaTable   string
	ConfigTable string
	RecencyDays int
	// Location sets the calendar day for the recency window and the CGA
	// creation date. Nil means UTC.
	Location *time.Location
}

// OptionsFromConfig maps the catalog section of the configuration.
func OptionsFromConfig(c config.CatalogConfig) Options {
	return Options{
		Driver:      c.Driver,
		DSN:         c.DSN,
		Schema:      c.Schema,
		JobsTable:   c.JobsTable,
		MetaTable:   c.MetaTable,
		ConfigTable: c.ConfigTable,
		RecencyDays: c.RecencyDays,
	}
}

// Catalog provides access to the job-tracking tables
type Catalog struct {
	db       *sql.DB
	dialect  dialect
	tables   tables
	recency  time.Duration
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// MarkResult counts the rows moved by MarkCompleted
type MarkResult struct {
	Archived int64
	Skipped  int64
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open connects to the catalog database
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Catalog, error) {
	const op = "open catalog"

	if logger == nil {
		logger = slog.Default()
	}
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, apperr.New(op, apperr.ErrConfiguration, err)
	}
	for _, name := range []string{opts.Schema, opts.JobsTable, opts.MetaTable, opts.ConfigTable} {
		if !identifierRe.MatchString(name) {
			return nil, apperr.Configf(op, "invalid identifier %q", name)
		}
	}
	if opts.RecencyDays <= 0 {
		return nil, apperr.Configf(op, "recency days must be positive, got %d", opts.RecencyDays)
	}
	if opts.Driver == "sqlite" && opts.Schema != "main" {
		return nil, apperr.Configf(op, "sqlite catalogs use schema \"main\", got %q", opts.Schema)
	}

	db, err := sql.Open(d.driverName, opts.DSN)
	if err != nil {
		return nil, apperr.New(op, apperr.ErrCatalogQuery, fmt.Errorf("failed to open database: %w", err))
	}
	if d.singleConn {
		// each sqlite :memory: connection is its own database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.New(op, apperr.ErrCatalogQuery, fmt.Errorf("failed to ping database: %w", err))
	}

	c := &Catalog{
		db:      db,
		dialect: d,
		tables: tables{
			schema: opts.Schema,
			jobs:   opts.JobsTable,
			meta:   opts.MetaTable,
			config: opts.ConfigTable,
		},
		recency:  time.Duration(opts.RecencyDays) * 24 * time.Hour,
		location: opts.Location,
		now:      time.Now,
		logger:   logger,
	}
	if c.location == nil {
		c.location = time.UTC
	}

	logger.Debug("catalog opened", "driver", opts.Driver, "schema", opts.Schema, "jobs_table", opts.JobsTable)
	return c, nil
}

// Close closes the database connection
func (c *Catalog) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// FetchEligible returns at most limit rows ready to ship for the template
func (c *Catalog) FetchEligible(ctx context.Context, tt batch.TemplateType, limit int) (batch.Batch, error) {
	const op = "fetch eligible"

	q, err := eligibilityFor(tt)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, apperr.Configf(op, "limit must be positive, got %d", limit)
	}

	query := c.dialect.rebind(c.tables.expand(q.query))
	args := append(q.args(c.now().In(c.location), c.recency), limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.New(op, apperr.ErrCatalogQuery, fmt.Errorf("%s: %w", tt, err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperr.New(op, apperr.ErrCatalogQuery, err)
	}

	var jobs batch.Batch
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperr.New(op, apperr.ErrCatalogQuery, fmt.Errorf("failed to scan row: %w", err))
		}
		jobs = append(jobs, q.job(toFields(cols, vals)))
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(op, apperr.ErrCatalogQuery, fmt.Errorf("error iterating rows: %w", err))
	}

	c.logger.Info("eligible rows fetched", "template", tt, "count", len(jobs), "limit", limit)
	return jobs, nil
}

// MarkCompleted moves READY rows whose output identifier was transferred to
// ARCHIVED, then moves READY rows whose input identifier is in skipped (and
// whose output identifier was not transferred) to ARCHIVAL SKIPPED. Both
// transitions commit together. Rows that already left READY are untouched,
// so repeating a call is a no-op.
func (c *Catalog) MarkCompleted(ctx context.Context, transferred, skipped []string) (MarkResult, error) {
	const op = "mark completed"
	var res MarkResult

	if len(transferred) == 0 && len(skipped) == 0 {
		return res, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return res, apperr.New(op, apperr.ErrCatalogUpdate, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := c.now().UTC()

	if len(transferred) > 0 {
		query := `
			UPDATE {jobs}
			SET archival_status = ?, archival_time = ?
			WHERE archival_status = ?
			AND output_file_name IN (` + placeholders(len(transferred)) + `)`
		args := []any{batch.StatusArchived, now, batch.StatusReady}
		args = append(args, toArgs(transferred)...)

		n, err := c.exec(ctx, tx, query, args)
		if err != nil {
			return MarkResult{}, apperr.New(op, apperr.ErrCatalogUpdate, fmt.Errorf("archive: %w", err))
		}
		res.Archived = n
	}

	if len(skipped) > 0 {
		query := `
			UPDATE {jobs}
			SET archival_status = ?, archival_time = ?
			WHERE archival_status = ?
			AND input_file_name IN (` + placeholders(len(skipped)) + `)`
		args := []any{batch.StatusSkipped, now, batch.StatusReady}
		args = append(args, toArgs(skipped)...)
		if len(transferred) > 0 {
			query += ` AND output_file_name NOT IN (` + placeholders(len(transferred)) + `)`
			args = append(args, toArgs(transferred)...)
		}

		n, err := c.exec(ctx, tx, query, args)
		if err != nil {
			return MarkResult{}, apperr.New(op, apperr.ErrCatalogUpdate, fmt.Errorf("skip: %w", err))
		}
		res.Skipped = n
	}

	if err := tx.Commit(); err != nil {
		return MarkResult{}, apperr.New(op, apperr.ErrCatalogUpdate, fmt.Errorf("failed to commit transaction: %w", err))
	}

	c.logger.Info("catalog updated",
		"transferred", len(transferred),
		"skip_candidates", len(skipped),
		"archived", res.Archived,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (c *Catalog) exec(ctx context.Context, tx *sql.Tx, query string, args []any) (int64, error) {
	result, err := tx.ExecContext(ctx, c.dialect.rebind(c.tables.expand(query)), args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// tables holds the validated identifiers substituted into queries.
// {jobs} expands to the schema-qualified name, {jobs_name} to the bare one.
type tables struct {
	schema string
	jobs   string
	meta   string
	config string
}

func (t tables) expand(query string) string {
	return strings.NewReplacer(
		"{schema}", t.schema,
		"{jobs}", t.schema+"."+t.jobs,
		"{meta}", t.schema+"."+t.meta,
		"{config}", t.schema+"."+t.config,
		"{jobs_name}", t.jobs,
	).Replace(query)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
