package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/BadgerOps/dmfship/internal/batch"
	"github.com/BadgerOps/dmfship/internal/catalog"
	"github.com/BadgerOps/dmfship/internal/config"
)

// sqliteRunCatalog opens a file-backed sqlite catalog and a second handle
// on the same file for seeding and inspecting rows.
func sqliteRunCatalog(t *testing.T) (*catalog.Catalog, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	cc := config.DefaultConfig().Catalog
	cc.Driver = "sqlite"
	cc.Schema = "main"
	cc.DSN = filepath.Join(t.TempDir(), "catalog.db")

	cat, err := catalog.Open(ctx, catalog.OptionsFromConfig(cc), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	if err := cat.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	db, err := sql.Open("sqlite", cc.DSN)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return cat, db
}

func seedJob(t *testing.T, db *sql.DB, input, output, status string, start time.Time) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO main.quill_job (input_file_name, output_file_name, description, cga, start_date, archival_status)
		VALUES (?, ?, 'SIL contract', 'A1', ?, ?)`,
		input, output, start.UTC(), status)
	if err != nil {
		t.Fatalf("seed %s: %v", output, err)
	}
}

func jobStatus(t *testing.T, db *sql.DB, output string) string {
	t.Helper()
	var s string
	if err := db.QueryRow(`SELECT archival_status FROM main.quill_job WHERE output_file_name = ?`, output).Scan(&s); err != nil {
		t.Fatalf("status of %s: %v", output, err)
	}
	return s
}

func TestRunReconcilesCatalogRows(t *testing.T) {
	cat, db := sqliteRunCatalog(t)

	now := time.Now()
	seedJob(t, db, "doc-1", "doc-1.pdf", batch.StatusReady, now.Add(-time.Hour))
	seedJob(t, db, "doc-1", "doc-1-old.pdf", batch.StatusReady, now.Add(-2*time.Hour))
	seedJob(t, db, "doc-1", "doc-1-prev.pdf", batch.StatusArchived, now.Add(-3*time.Hour))
	seedJob(t, db, "doc-2", "doc-2.pdf", batch.StatusReady, now.Add(-time.Hour))
	seedJob(t, db, "doc-3", "doc-3.pdf", batch.StatusReady, now.Add(-time.Hour))

	rem := newFakeRemote()
	rem.writeErr = map[string]error{"doc-2.pdf": errors.New("permission denied")}
	src := &fakeSource{objects: map[string]string{
		"quill/CONTRATTO/doc-1.pdf":     "one",
		"quill/CONTRATTO/doc-1-old.pdf": "stale",
		"quill/CONTRATTO/doc-2.pdf":     "two",
	}}
	d := newTestDeliverer(cat, rem, src, testConfig())
	req := Request{TemplateType: "CONTRATTO", TargetDir: "/out", SourcePrefix: "quill/CONTRATTO/"}

	report, err := d.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.TotalRequested != 3 || report.FilesTransferred != 1 {
		t.Errorf("requested/transferred = %d/%d, want 3/1", report.TotalRequested, report.FilesTransferred)
	}
	if report.Archived != 1 || report.ArchivalSkipped != 3 {
		t.Errorf("archived/skipped = %d/%d, want 1/3", report.Archived, report.ArchivalSkipped)
	}

	want := map[string]string{
		"doc-1.pdf":      batch.StatusArchived, // transferred
		"doc-1-old.pdf":  batch.StatusSkipped,  // superseded by doc-1.pdf
		"doc-1-prev.pdf": batch.StatusArchived, // already left READY
		"doc-2.pdf":      batch.StatusSkipped,  // write failed
		"doc-3.pdf":      batch.StatusSkipped,  // no source object
	}
	for output, status := range want {
		if got := jobStatus(t, db, output); got != status {
			t.Errorf("%s status = %q, want %q", output, got, status)
		}
	}
	if _, ok := rem.files[report.SFTPPrefix+"/doc-1-old.pdf"]; ok {
		t.Error("superseded row was delivered")
	}

	// nothing is left READY, so a second pass ships nothing and changes nothing
	again, err := d.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	if again.TotalRequested != 0 || again.Message != "No files to transfer." {
		t.Errorf("second run = %d rows, message %q", again.TotalRequested, again.Message)
	}
	for output, status := range want {
		if got := jobStatus(t, db, output); got != status {
			t.Errorf("after second run %s status = %q, want %q", output, got, status)
		}
	}
}
