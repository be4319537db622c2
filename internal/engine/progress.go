package engine

import (
	"sync"
	"time"

	"github.com/BadgerOps/dmfship/internal/batch"
)

// RunPhase represents the current phase of a delivery run.
type RunPhase string

const (
	PhaseFetching     RunPhase = "fetching"
	PhaseManifest     RunPhase = "manifest"
	PhaseTransferring RunPhase = "transferring"
	PhaseReconciling  RunPhase = "reconciling"
	PhaseComplete     RunPhase = "complete"
	PhaseFailed       RunPhase = "failed"
)

// FileEvent records a finished file for the recent activity log.
type FileEvent struct {
	File   string `json:"file"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunProgress is a snapshot of a run, safe for JSON serialization.
type RunProgress struct {
	RunID            string      `json:"run_id"`
	Template         string      `json:"template_type,omitempty"`
	Phase            RunPhase    `json:"phase"`
	TotalFiles       int         `json:"total_files"`
	TransferredFiles int         `json:"transferred_files"`
	FailedFiles      int         `json:"failed_files"`
	MissingFiles     int         `json:"missing_files"`
	BytesTransferred int64       `json:"bytes_transferred"`
	Percent          float64     `json:"percent"`
	RecentEvents     []FileEvent `json:"recent_events,omitempty"`
	StartTime        time.Time   `json:"start_time"`
	Elapsed          string      `json:"elapsed"`
	Message          string      `json:"message,omitempty"`
}

const maxRecentEvents = 20

// RunTracker accumulates progress from transfer workers. All methods are
// safe for concurrent use and are no-ops on a nil tracker.
type RunTracker struct {
	mu sync.Mutex

	runID        string
	template     string
	phase        RunPhase
	totalFiles   int
	transferred  int
	failed       int
	missing      int
	bytes        int64
	startTime    time.Time
	endTime      time.Time
	message      string
	recentEvents []FileEvent
}

// NewRunTracker creates a tracker for one run.
func NewRunTracker(runID string) *RunTracker {
	return &RunTracker{
		runID:     runID,
		phase:     PhaseFetching,
		startTime: time.Now(),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *RunTracker) Snapshot() RunProgress {
	if t == nil {
		return RunProgress{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	done := t.transferred + t.failed + t.missing
	if t.totalFiles > 0 {
		pct = float64(done) / float64(t.totalFiles) * 100
	} else if t.phase == PhaseComplete {
		pct = 100
	}

	end := t.endTime
	if end.IsZero() {
		end = time.Now()
	}

	recent := make([]FileEvent, len(t.recentEvents))
	copy(recent, t.recentEvents)

	return RunProgress{
		RunID:            t.runID,
		Template:         t.template,
		Phase:            t.phase,
		TotalFiles:       t.totalFiles,
		TransferredFiles: t.transferred,
		FailedFiles:      t.failed,
		MissingFiles:     t.missing,
		BytesTransferred: t.bytes,
		Percent:          pct,
		RecentEvents:     recent,
		StartTime:        t.startTime,
		Elapsed:          end.Sub(t.startTime).Truncate(time.Second).String(),
		Message:          t.message,
	}
}

// SetTemplate records the resolved template type.
func (t *RunTracker) SetTemplate(tt batch.TemplateType) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.template = string(tt)
}

// SetPhase updates the current phase.
func (t *RunTracker) SetPhase(phase RunPhase) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	if phase == PhaseComplete || phase == PhaseFailed {
		t.endTime = time.Now()
	}
}

// SetTotal sets the number of files in the batch.
func (t *RunTracker) SetTotal(n int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFiles = n
}

// SetMessage sets a human-readable status message.
func (t *RunTracker) SetMessage(msg string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
}

// Fail moves the run to the failed phase with err as its message.
func (t *RunTracker) Fail(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = PhaseFailed
	t.message = err.Error()
	t.endTime = time.Now()
}

// Observe records one transfer outcome.
func (t *RunTracker) Observe(o batch.Outcome) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ev := FileEvent{File: o.Filename()}
	switch o.Status {
	case batch.Transferred:
		t.transferred++
		t.bytes += o.Bytes
		ev.Status = "transferred"
	case batch.SkippedNotFound:
		t.missing++
		ev.Status = "missing"
	default:
		t.failed++
		ev.Status = "failed"
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}

	t.recentEvents = append([]FileEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > maxRecentEvents {
		t.recentEvents = t.recentEvents[:maxRecentEvents]
	}
}
