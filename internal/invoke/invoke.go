// Package invoke is the entry point shared by the CLI and the HTTP server.
// Each invocation checks its parameters, resolves credentials, connects the
// catalog, prepares the SFTP dialer and runs one delivery, then folds the outcome into a
// status-coded response.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/BadgerOps/dmfship/internal/apperr"
	"github.com/BadgerOps/dmfship/internal/blob"
	"github.com/BadgerOps/dmfship/internal/catalog"
	"github.com/BadgerOps/dmfship/internal/config"
	"github.com/BadgerOps/dmfship/internal/engine"
	"github.com/BadgerOps/dmfship/internal/remote"
	"github.com/BadgerOps/dmfship/internal/secrets"
	"github.com/BadgerOps/dmfship/internal/transfer"
)

// Event is the invocation payload. Empty fields take the configured
// defaults.
type Event struct {
	TemplateType  string `json:"templateType,omitempty"`
	SFTPTargetDir string `json:"sftpTargetDir,omitempty"`
	S3Prefix      string `json:"s3Prefix,omitempty"`
	DryRun        bool   `json:"dryRun,omitempty"`
}

// Response carries the outcome of an invocation. On success Body is the
// JSON report; on failure it is the error message.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// RunCatalog is a catalog connection owned by one invocation.
type RunCatalog interface {
	engine.Catalog
	Close() error
}

// Handler serves invocations. It is safe for concurrent use.
type Handler struct {
	config *config.Config
	logger *slog.Logger

	credentials func(ctx context.Context) (*secrets.Credentials, error)
	openCatalog func(ctx context.Context, opts catalog.Options) (RunCatalog, error)
	newOpener   func(opts remote.DialerOptions) (remote.Opener, error)
	newSource   func(ctx context.Context) (transfer.Source, error)
	newRunID    func() string

	mu      sync.Mutex
	lastRun *engine.RunTracker
}

// NewHandler creates a Handler backed by Secrets Manager, the configured
// catalog driver, SFTP and S3. cfg must have passed Validate.
func NewHandler(cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		config:   cfg,
		logger:   logger,
		newRunID: uuid.NewString,
	}
	h.credentials = h.resolveCredentials
	h.openCatalog = func(ctx context.Context, opts catalog.Options) (RunCatalog, error) {
		cat, err := catalog.Open(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return cat, nil
	}
	h.newOpener = func(opts remote.DialerOptions) (remote.Opener, error) {
		d, err := remote.NewDialer(opts, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	h.newSource = func(ctx context.Context) (transfer.Source, error) {
		client, err := blob.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		return blob.NewSource(client), nil
	}
	return h
}

// LastRun returns the progress tracker of the most recent invocation.
func (h *Handler) LastRun() *engine.RunTracker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRun
}

// Handle runs one delivery within the configured transfer timeout. It never
// returns an error: failures become a 500 response whose body is the error
// message.
func (h *Handler) Handle(ctx context.Context, ev Event) Response {
	runID := h.newRunID()
	logger := h.logger.With("run_id", runID)

	tracker := engine.NewRunTracker(runID)
	h.mu.Lock()
	h.lastRun = tracker
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.config.Transfer.Timeout)
	defer cancel()

	report, err := h.run(ctx, runID, ev, tracker, logger)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperr.ErrTimeout) {
			err = apperr.New("deliver", apperr.ErrTimeout, err)
		}
		tracker.Fail(err)
		logger.Error("delivery failed", "error", err)
		return Response{StatusCode: http.StatusInternalServerError, Body: err.Error()}
	}

	body, err := json.Marshal(report)
	if err != nil {
		logger.Error("failed to encode report", "error", err)
		return Response{StatusCode: http.StatusInternalServerError, Body: err.Error()}
	}
	return Response{StatusCode: http.StatusOK, Body: string(body)}
}

func (h *Handler) run(ctx context.Context, runID string, ev Event, tracker *engine.RunTracker, logger *slog.Logger) (*engine.Report, error) {
	req := engine.Request{
		RunID:        runID,
		TemplateType: ev.TemplateType,
		TargetDir:    ev.SFTPTargetDir,
		SourcePrefix: ev.S3Prefix,
		DryRun:       ev.DryRun,
		Progress:     tracker,
	}
	if err := req.Validate(h.config.Defaults); err != nil {
		return nil, err
	}

	creds, err := h.credentials(ctx)
	if err != nil {
		return nil, err
	}

	opts, err := h.catalogOptions(creds)
	if err != nil {
		return nil, err
	}
	cat, err := h.openCatalog(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := cat.Close(); err != nil {
			logger.Warn("failed to close catalog", "error", err)
		}
	}()

	opener, err := h.newOpener(remote.DialerOptions{
		Credentials: creds.SFTP,
		KnownHosts:  h.config.Transfer.KnownHosts,
		DialTimeout: h.config.Transfer.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	source, err := h.newSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	d := engine.NewDeliverer(cat, opener, source, h.config, logger)
	return d.Run(ctx, req)
}

func (h *Handler) resolveCredentials(ctx context.Context) (*secrets.Credentials, error) {
	if h.config.Secrets.Name == "" {
		h.logger.Debug("no secret configured, using static credentials")
		return secrets.FromConfig(h.config.Credentials)
	}
	client, err := secrets.NewManagerClient(ctx, h.config.Secrets.Region)
	if err != nil {
		return nil, err
	}
	return secrets.NewResolver(client, h.logger).Resolve(ctx, h.config.Secrets.Name)
}

// catalogOptions builds the catalog connection settings. A postgres DSN
// comes from the resolved credentials unless one is configured. Catalog
// days follow the delivery folder's time zone.
func (h *Handler) catalogOptions(creds *secrets.Credentials) (catalog.Options, error) {
	opts := catalog.OptionsFromConfig(h.config.Catalog)
	opts.Location = h.config.Location()
	if opts.DSN != "" {
		return opts, nil
	}
	switch opts.Driver {
	case "postgres":
		if creds.DB.Host == "" {
			return opts, apperr.Configf("catalog options", "no database url in credentials")
		}
		opts.DSN = creds.DB.PostgresDSN()
	default:
		return opts, apperr.Configf("catalog options", "catalog.dsn is required for driver %q", opts.Driver)
	}
	return opts, nil
}
