package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/BadgerOps/dmfship/internal/batch"
)

func outcome(name string, status batch.Status, err error) batch.Outcome {
	o := batch.Outcome{Target: batch.Target{Key: "quill/SOAS/" + name, OutputID: name}, Status: status, Err: err}
	if status == batch.Transferred {
		o.Bytes = 10
	}
	return o
}

func TestRunTrackerNilSafe(t *testing.T) {
	var tr *RunTracker
	tr.SetPhase(PhaseTransferring)
	tr.SetTotal(3)
	tr.SetTemplate(batch.SOAS)
	tr.SetMessage("hello")
	tr.Observe(outcome("a.pdf", batch.Transferred, nil))
	tr.Fail(errors.New("boom"))

	if snap := tr.Snapshot(); snap.Phase != "" || snap.TotalFiles != 0 {
		t.Errorf("nil tracker snapshot = %+v, want zero value", snap)
	}
}

func TestRunTrackerCounts(t *testing.T) {
	tr := NewRunTracker("run-1")
	tr.SetTemplate(batch.SOAS)
	tr.SetTotal(4)
	tr.SetPhase(PhaseTransferring)

	tr.Observe(outcome("a.pdf", batch.Transferred, nil))
	tr.Observe(outcome("b.pdf", batch.SkippedNotFound, errors.New("object not found")))
	tr.Observe(outcome("c.pdf", batch.Failed, errors.New("permission denied")))

	snap := tr.Snapshot()
	if snap.Phase != PhaseTransferring {
		t.Errorf("phase = %q, want %q", snap.Phase, PhaseTransferring)
	}
	if snap.TransferredFiles != 1 || snap.MissingFiles != 1 || snap.FailedFiles != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", snap.TransferredFiles, snap.MissingFiles, snap.FailedFiles)
	}
	if snap.BytesTransferred != 10 {
		t.Errorf("bytes = %d, want 10", snap.BytesTransferred)
	}
	if snap.Percent != 75 {
		t.Errorf("percent = %v, want 75", snap.Percent)
	}
	if len(snap.RecentEvents) != 3 {
		t.Fatalf("recent events = %d, want 3", len(snap.RecentEvents))
	}
	// newest first
	if ev := snap.RecentEvents[0]; ev.File != "c.pdf" || ev.Status != "failed" || ev.Error != "permission denied" {
		t.Errorf("newest event = %+v", ev)
	}
	if ev := snap.RecentEvents[1]; ev.Status != "missing" {
		t.Errorf("missing event status = %q", ev.Status)
	}
}

func TestRunTrackerRecentEventsCapped(t *testing.T) {
	tr := NewRunTracker("run-2")
	for i := range maxRecentEvents + 5 {
		tr.Observe(outcome(fmt.Sprintf("f%02d.pdf", i), batch.Transferred, nil))
	}

	snap := tr.Snapshot()
	if len(snap.RecentEvents) != maxRecentEvents {
		t.Fatalf("recent events = %d, want %d", len(snap.RecentEvents), maxRecentEvents)
	}
	if snap.RecentEvents[0].File != fmt.Sprintf("f%02d.pdf", maxRecentEvents+4) {
		t.Errorf("newest event = %q", snap.RecentEvents[0].File)
	}
	if snap.TransferredFiles != maxRecentEvents+5 {
		t.Errorf("transferred = %d", snap.TransferredFiles)
	}
}

func TestRunTrackerFail(t *testing.T) {
	tr := NewRunTracker("run-3")
	tr.Fail(errors.New("catalog query failed"))

	snap := tr.Snapshot()
	if snap.Phase != PhaseFailed {
		t.Errorf("phase = %q, want failed", snap.Phase)
	}
	if snap.Message != "catalog query failed" {
		t.Errorf("message = %q", snap.Message)
	}
}

func TestRunTrackerCompleteWithoutFiles(t *testing.T) {
	tr := NewRunTracker("run-4")
	tr.SetPhase(PhaseComplete)
	if pct := tr.Snapshot().Percent; pct != 100 {
		t.Errorf("percent = %v, want 100", pct)
	}
}

func TestRunTrackerConcurrentObserve(t *testing.T) {
	tr := NewRunTracker("run-5")
	tr.SetTotal(200)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				tr.Observe(outcome(fmt.Sprintf("w%d-%d.pdf", w, i), batch.Transferred, nil))
				_ = tr.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := tr.Snapshot().TransferredFiles; got != 200 {
		t.Errorf("transferred = %d, want 200", got)
	}
}
