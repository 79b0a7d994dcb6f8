package workflow

import (
	"context"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/batch"
	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/executor"
	"github.com/devrev/pairdb/bulkloader/internal/threshold"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loader writes a stream of statements, batched by locality key.
type Loader struct {
	exec     *executor.Executor
	batcher  *batch.Batcher
	policy   threshold.Threshold
	progress *Progress
	logger   *zap.Logger
}

// NewLoader creates a loader. progress may be nil.
func NewLoader(exec *executor.Executor, batcher *batch.Batcher, policy threshold.Threshold, progress *Progress, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = NewProgress()
	}
	return &Loader{exec: exec, batcher: batcher, policy: policy, progress: progress, logger: logger}
}

// LoadAll writes stmts.
func (l *Loader) LoadAll(ctx context.Context, stmts []driver.Statement) (*Summary, error) {
	in := make(chan driver.Statement)
	feedCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		defer close(in)
		for _, s := range stmts {
			select {
			case in <- s:
			case <-feedCtx.Done():
				return
			}
		}
	}()
	return l.Load(feedCtx, in)
}

// Load writes every statement received from in until it is closed. Every
// statement of a failed batch counts as a failed item. When the load stops
// early, statements still sent on in are discarded until in is closed or ctx
// is done.
func (l *Loader) Load(ctx context.Context, in <-chan driver.Statement) (*Summary, error) {
	operationID := uuid.NewString()
	start := time.Now()
	l.progress.begin(operationID, "load")
	defer l.progress.end()

	logger := l.logger.With(zap.String("operation_id", operationID))
	logger.Info("Load started",
		zap.Stringer("batch_mode", l.batcher.Config().Mode),
		zap.Stringer("max_errors", l.policy))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	abort := &guard{policy: l.policy, cancel: cancel}

	batched := make(chan driver.Statement, l.batcher.Config().BufferSize+1)
	batchErr := make(chan error, 1)
	go func() {
		defer close(batched)
		batchErr <- l.batcher.Run(runCtx, in, batched)
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(fanOut(l.exec))
	for stmt := range batched {
		stmt := stmt
		g.Go(func() error {
			count := int64(driver.StatementCount(stmt))
			l.progress.batches.Add(1)

			result, err := l.exec.Write(gctx, stmt)
			if err == nil {
				err = result.Err
			}
			switch {
			case err == nil:
				abort.check(l.progress.record(count, 0))
				return nil
			case errors.GetCode(err) == errors.ErrCodeRequestFailed:
				logger.Warn("Write failed",
					zap.Int64("statements", count),
					zap.Error(err))
				abort.check(l.progress.record(0, count))
				return nil
			case abort.aborted() != nil && errors.IsCancelled(err):
				return nil
			default:
				cancel()
				return err
			}
		})
	}
	waitErr := g.Wait()
	runErr := <-batchErr
	if runErr != nil && ctx.Err() == nil {
		go discard(ctx, in)
	}

	summary := l.progress.Snapshot()
	summary.Duration = time.Since(start)
	if err := abort.aborted(); err != nil {
		summary.Aborted = true
		logger.Error("Load aborted", zap.Error(err))
		return &summary, err
	}
	if waitErr == nil && runErr != nil {
		waitErr = errors.Cancelled(runErr)
	}
	if waitErr != nil {
		summary.Aborted = true
		logger.Error("Load failed", zap.Error(waitErr))
		return &summary, waitErr
	}

	logger.Info("Load completed",
		zap.Int64("items", summary.Items),
		zap.Int64("errors", summary.Errors),
		zap.Int64("batches", summary.Batches),
		zap.Duration("duration", summary.Duration))
	return &summary, nil
}

// discard drains in so that a producer blocked on a send can finish.
func discard(ctx context.Context, in <-chan driver.Statement) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
		}
	}
}
