// Package transfer fans a batch of storage objects out to the delivery
// endpoint over a bounded set of concurrent sessions.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"

	"github.com/BadgerOps/dmfship/internal/apperr"
	"github.com/BadgerOps/dmfship/internal/batch"
	"github.com/BadgerOps/dmfship/internal/remote"
	"github.com/BadgerOps/dmfship/internal/safety"
)

// Source opens storage objects for reading.
type Source interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Observer is called once per finished target. It may be called from
// several workers at once.
type Observer func(batch.Outcome)

// Result holds the merged outcomes of a run, in worker-completion order.
// Failed includes targets skipped because the object was missing.
type Result struct {
	Transferred []batch.Outcome
	Failed      []batch.Outcome
}

// Pool runs one worker per chunk, each with its own session.
type Pool struct {
	opener remote.Opener
	source Source
	logger *slog.Logger
}

// NewPool creates a transfer pool.
func NewPool(opener remote.Opener, source Source, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		opener: opener,
		source: source,
		logger: logger,
	}
}

// chunkResult is what one worker hands back after it finishes its chunk.
type chunkResult struct {
	worker   int
	outcomes []batch.Outcome
}

// Run transfers every target of every chunk into dir and waits for all
// workers. A failing target never stops its worker; a session that cannot
// be opened fails its whole chunk. When ctx ends, in-flight writes are
// interrupted and the remaining targets are reported as failed.
func (p *Pool) Run(ctx context.Context, chunks [][]batch.Target, dir string, observe Observer) Result {
	if observe == nil {
		observe = func(batch.Outcome) {}
	}

	resultsChan := make(chan chunkResult, len(chunks))
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		wg.Add(1)
		go func(worker int, chunk []batch.Target) {
			defer wg.Done()
			resultsChan <- chunkResult{worker: worker, outcomes: p.worker(ctx, worker, chunk, dir, observe)}
		}(i, chunk)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	var res Result
	for cr := range resultsChan {
		for _, o := range cr.outcomes {
			if o.Status == batch.Transferred {
				res.Transferred = append(res.Transferred, o)
			} else {
				res.Failed = append(res.Failed, o)
			}
		}
		p.logger.Debug("worker finished", "worker", cr.worker, "targets", len(cr.outcomes))
	}
	return res
}

// worker ships its chunk sequentially over one session.
func (p *Pool) worker(ctx context.Context, id int, chunk []batch.Target, dir string, observe Observer) []batch.Outcome {
	logger := p.logger.With("worker", id)
	outcomes := make([]batch.Outcome, 0, len(chunk))

	fail := func(targets []batch.Target, err error) {
		for _, t := range targets {
			o := batch.Outcome{Target: t, Status: batch.Failed, Err: err}
			observe(o)
			outcomes = append(outcomes, o)
		}
	}

	sess, err := p.opener.Open(ctx)
	if err != nil {
		logger.Error("failed to open session, failing chunk", "targets", len(chunk), "error", err)
		fail(chunk, err)
		return outcomes
	}
	defer sess.Close()

	// unblock a write stuck on the network once the run is over
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	for i, t := range chunk {
		if err := ctx.Err(); err != nil {
			logger.Warn("run interrupted, failing remaining targets", "remaining", len(chunk)-i, "error", err)
			fail(chunk[i:], interrupted(err))
			break
		}

		o := p.transferOne(ctx, sess, t, dir)
		if o.Err != nil && ctx.Err() != nil {
			o.Err = errors.Join(interrupted(ctx.Err()), o.Err)
		}
		switch o.Status {
		case batch.Transferred:
			logger.Info("file transferred", "key", t.Key, "file", o.Filename(), "bytes", o.Bytes)
		case batch.SkippedNotFound:
			logger.Warn("object not found, skipping", "key", t.Key)
		default:
			logger.Error("file transfer failed", "key", t.Key, "error", o.Err)
		}
		observe(o)
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (p *Pool) transferOne(ctx context.Context, sess remote.Session, t batch.Target, dir string) batch.Outcome {
	if _, err := safety.CleanRelativePath(t.OutputID); err != nil {
		return batch.Outcome{Target: t, Status: batch.Failed, Err: apperr.New("transfer", apperr.ErrTransferIO, err)}
	}

	rc, err := p.source.Open(ctx, t.Bucket, t.Key)
	if err != nil {
		if apperr.IsNotFound(err) {
			return batch.Outcome{Target: t, Status: batch.SkippedNotFound, Err: err}
		}
		return batch.Outcome{Target: t, Status: batch.Failed, Err: err}
	}
	defer rc.Close()

	n, err := sess.WriteFile(path.Join(dir, t.Filename()), rc)
	if err != nil {
		return batch.Outcome{Target: t, Status: batch.Failed, Err: err}
	}
	return batch.Outcome{Target: t, Status: batch.Transferred, Bytes: n}
}

func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New("transfer", apperr.ErrTimeout, err)
	}
	return fmt.Errorf("transfer interrupted: %w", err)
}
