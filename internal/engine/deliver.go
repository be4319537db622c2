// Package engine runs one delivery: it selects the eligible catalog rows,
// ships the manifest and the documents to a timestamped remote folder,
// moves the catalog rows forward and drops the completion marker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/BadgerOps/dmfship/internal/apperr"
	"github.com/BadgerOps/dmfship/internal/batch"
	"github.com/BadgerOps/dmfship/internal/catalog"
	"github.com/BadgerOps/dmfship/internal/config"
	"github.com/BadgerOps/dmfship/internal/remote"
	"github.com/BadgerOps/dmfship/internal/safety"
	"github.com/BadgerOps/dmfship/internal/transfer"
)

// Catalog is the job-tracking store a run reads and updates.
type Catalog interface {
	FetchEligible(ctx context.Context, tt batch.TemplateType, limit int) (batch.Batch, error)
	MarkCompleted(ctx context.Context, transferred, skipped []string) (catalog.MarkResult, error)
}

// Request holds the per-run parameters. Empty fields take the configured
// defaults.
type Request struct {
	RunID        string
	TemplateType string
	TargetDir    string
	SourcePrefix string
	// DryRun selects rows and renders the manifest without touching the
	// delivery endpoint or the catalog.
	DryRun bool
	// Progress, when set, receives phase changes and per-file outcomes.
	Progress *RunTracker
}

// Report summarizes a completed run.
type Report struct {
	RunID            string   `json:"run_id"`
	TemplateType     string   `json:"template_type"`
	MetadataFile     string   `json:"metadata_file"`
	TotalRequested   int      `json:"total_files_requested"`
	FilesTransferred int      `json:"files_transferred"`
	BytesTransferred int64    `json:"bytes_transferred"`
	TransferredFiles []string `json:"transferred_files"`
	SFTPPrefix       string   `json:"sftp_prefix"`
	FailedFiles      []string `json:"failed_files"`
	MissingFiles     []string `json:"missing_files,omitempty"`
	Archived         int64    `json:"archived"`
	ArchivalSkipped  int64    `json:"archival_skipped"`
	DryRun           bool     `json:"dry_run,omitempty"`
	ManifestPreview  string   `json:"manifest_preview,omitempty"`
	Message          string   `json:"message,omitempty"`
	Duration         string   `json:"duration"`
}

// Deliverer sequences a delivery run.
type Deliverer struct {
	catalog Catalog
	opener  remote.Opener
	pool    *transfer.Pool
	config  *config.Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewDeliverer creates a Deliverer. cfg must have passed Validate.
func NewDeliverer(
	cat Catalog,
	opener remote.Opener,
	source transfer.Source,
	cfg *config.Config,
	logger *slog.Logger,
) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		catalog: cat,
		opener:  opener,
		pool:    transfer.NewPool(opener, source, logger),
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Validate applies the configured defaults and reports an unknown template
// type or an unusable path without touching any external system.
func (r Request) Validate(defaults config.DefaultsConfig) error {
	_, _, _, err := resolveRequest(r, defaults)
	return err
}

// Run performs one delivery. Any step error aborts the run; files already
// written and catalog rows already committed stay as they are. Per-file
// failures do not fail the run and are listed in the report. The run is
// bounded by ctx's deadline; once it passes, the error is an ErrTimeout.
func (d *Deliverer) Run(ctx context.Context, req Request) (report *Report, err error) {
	startTime := time.Now()

	tracker := req.Progress
	if tracker == nil {
		tracker = NewRunTracker(req.RunID)
	}

	defer func() {
		if err != nil {
			tracker.Fail(err)
			return
		}
		report.Duration = time.Since(startTime).Truncate(time.Millisecond).String()
		tracker.SetPhase(PhaseComplete)
	}()

	tt, targetDir, prefix, err := resolveRequest(req, d.config.Defaults)
	if err != nil {
		return nil, err
	}
	tracker.SetTemplate(tt)

	logger := d.logger.With("run_id", req.RunID, "template", string(tt))
	logger.Info("starting delivery", "target_dir", targetDir, "prefix", prefix, "dry_run", req.DryRun)

	report = &Report{
		RunID:            req.RunID,
		TemplateType:     string(tt),
		TransferredFiles: []string{},
		FailedFiles:      []string{},
	}

	// 1. Select rows
	tracker.SetPhase(PhaseFetching)
	jobs, err := d.catalog.FetchEligible(ctx, tt, d.config.Catalog.TransferLimit)
	if err != nil {
		return nil, interrupted(ctx, err)
	}
	report.TotalRequested = len(jobs)
	tracker.SetTotal(len(jobs))

	if len(jobs) == 0 {
		logger.Info("no files to transfer")
		report.Message = "No files to transfer."
		tracker.SetMessage(report.Message)
		return report, nil
	}

	manifest, err := BuildManifest(d.config.Transfer.ManifestName, jobs, tt)
	if err != nil {
		return nil, err
	}
	report.MetadataFile = manifest.Name

	if req.DryRun {
		report.DryRun = true
		report.ManifestPreview = manifest.Content
		logger.Info("dry run complete", "rows", len(jobs))
		return report, nil
	}

	folderName := d.now().In(d.config.Location()).Format(d.config.Transfer.FolderLayout)
	folder, err := safety.SafeJoinUnder(targetDir, folderName)
	if err != nil {
		return nil, apperr.New("deliver", apperr.ErrConfiguration, err)
	}
	report.SFTPPrefix = folder

	// 2. Manifest over its own session
	tracker.SetPhase(PhaseManifest)
	err = d.withSession(ctx, logger, func(s remote.Session) error {
		if err := s.EnsureDir(folder); err != nil {
			return err
		}
		_, err := s.WriteFile(path.Join(folder, manifest.Name), strings.NewReader(manifest.Content))
		return err
	})
	if err != nil {
		return nil, interrupted(ctx, err)
	}
	logger.Info("manifest uploaded", "file", manifest.Name, "folder", folder)

	// 3. Documents
	tracker.SetPhase(PhaseTransferring)
	targets := jobs.Targets(d.config.Storage.Bucket, prefix)
	chunks := batch.Partition(targets, d.config.Transfer.MaxWorkers)
	res := d.pool.Run(ctx, chunks, folder, tracker.Observe)
	if ctx.Err() != nil {
		return nil, interrupted(ctx, ctx.Err())
	}

	for _, o := range res.Transferred {
		report.TransferredFiles = append(report.TransferredFiles, o.Filename())
		report.BytesTransferred += o.Bytes
	}
	for _, o := range res.Failed {
		report.FailedFiles = append(report.FailedFiles, o.Target.Key)
		if o.Status == batch.SkippedNotFound {
			report.MissingFiles = append(report.MissingFiles, o.Target.Key)
		}
	}
	report.FilesTransferred = len(res.Transferred)

	// 4. Catalog
	if len(res.Transferred) > 0 && !tt.MetadataOnly() {
		tracker.SetPhase(PhaseReconciling)
		mark, err := d.catalog.MarkCompleted(ctx, outputIDs(res.Transferred), jobs.InputIDs())
		if err != nil {
			return nil, interrupted(ctx, err)
		}
		report.Archived = mark.Archived
		report.ArchivalSkipped = mark.Skipped
		logger.Info("catalog updated", "archived", mark.Archived, "skipped", mark.Skipped)
	}

	// 5. Completion marker over a fresh session
	err = d.withSession(ctx, logger, func(s remote.Session) error {
		_, err := s.WriteFile(path.Join(folder, d.config.Transfer.MarkerName), strings.NewReader(""))
		return err
	})
	if err != nil {
		return nil, interrupted(ctx, err)
	}
	logger.Info("completion marker written", "file", d.config.Transfer.MarkerName)

	logger.Info("delivery complete",
		"requested", report.TotalRequested,
		"transferred", report.FilesTransferred,
		"bytes", report.BytesTransferred,
		"failed", len(report.FailedFiles),
		"folder", folder,
	)
	return report, nil
}

// resolveRequest applies defaults and validates the request parameters.
func resolveRequest(req Request, defaults config.DefaultsConfig) (batch.TemplateType, string, string, error) {
	tt, err := batch.ParseTemplateType(firstNonEmpty(req.TemplateType, defaults.TemplateType))
	if err != nil {
		return "", "", "", err
	}

	targetDir, err := safety.CleanRemoteDir(firstNonEmpty(req.TargetDir, defaults.TargetDir))
	if err != nil {
		return "", "", "", apperr.New("resolve request", apperr.ErrConfiguration, err)
	}

	prefix := strings.TrimPrefix(firstNonEmpty(req.SourcePrefix, defaults.SourcePrefix), "/")
	if prefix != "" {
		if _, err := safety.CleanRelativePath(prefix); err != nil {
			return "", "", "", apperr.New("resolve request", apperr.ErrConfiguration, fmt.Errorf("source prefix: %w", err))
		}
	}

	return tt, targetDir, prefix, nil
}

// withSession runs fn on a new session and always closes it.
func (d *Deliverer) withSession(ctx context.Context, logger *slog.Logger, fn func(remote.Session) error) error {
	sess, err := d.opener.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("failed to close session", "error", cerr)
		}
	}()
	return fn(sess)
}

// interrupted reports err as a timeout when the run's deadline passed.
func interrupted(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.New("deliver", apperr.ErrTimeout, err)
	}
	return err
}

func outputIDs(outcomes []batch.Outcome) []string {
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		ids = append(ids, o.Target.OutputID)
	}
	return ids
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
