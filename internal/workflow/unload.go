package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/executor"
	"github.com/devrev/pairdb/bulkloader/internal/partitioner"
	"github.com/devrev/pairdb/bulkloader/internal/threshold"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RowSink receives unloaded rows, one at a time. A sink error counts as a
// failed item.
type RowSink func(row driver.Row) error

// UnloadRequest describes a full table scan.
type UnloadRequest struct {
	Query      string
	Keyspace   string
	SplitCount int
}

// Unloader reads a table in parallel, one range read per read group.
type Unloader struct {
	exec      *executor.Executor
	generator *partitioner.Generator
	policy    threshold.Threshold
	progress  *Progress
	logger    *zap.Logger
}

// NewUnloader creates an unloader. progress may be nil.
func NewUnloader(exec *executor.Executor, generator *partitioner.Generator, policy threshold.Threshold, progress *Progress, logger *zap.Logger) *Unloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = NewProgress()
	}
	return &Unloader{exec: exec, generator: generator, policy: policy, progress: progress, logger: logger}
}

// Unload scans the table. It stops issuing reads once the error threshold
// is exceeded, waits for in-flight reads and returns the threshold error.
func (u *Unloader) Unload(ctx context.Context, req UnloadRequest, sink RowSink) (*Summary, error) {
	operationID := uuid.NewString()
	start := time.Now()
	u.progress.begin(operationID, "unload")
	defer u.progress.end()

	logger := u.logger.With(zap.String("operation_id", operationID))

	plan, err := u.generator.Partition(ctx, req.SplitCount)
	if err != nil {
		return nil, err
	}
	stmts := plan.Statements(req.Query, req.Keyspace)
	u.progress.batches.Store(int64(len(stmts)))

	logger.Info("Unload started",
		zap.Int("read_groups", len(stmts)),
		zap.Stringer("max_errors", u.policy))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	abort := &guard{policy: u.policy, cancel: cancel}

	var sinkMu sync.Mutex
	onResult := func(r executor.Result) error {
		failed := r.Err
		if failed == nil && sink != nil {
			sinkMu.Lock()
			failed = sink(*r.Row)
			sinkMu.Unlock()
		}
		if failed != nil {
			logger.Warn("Read failed",
				zap.String("execution_id", r.ExecutionID),
				zap.Error(failed))
			abort.check(u.progress.record(0, 1))
			return nil
		}
		abort.check(u.progress.record(1, 0))
		return nil
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(fanOut(u.exec))
	for _, stmt := range stmts {
		stmt := stmt
		g.Go(func() error {
			err := u.exec.ReadReactive(stmt).Consume(gctx, executor.Handler{OnNext: onResult})
			switch {
			case err == nil:
				return nil
			case errors.GetCode(err) == errors.ErrCodeRequestFailed:
				// fail-fast read: the range is lost, the operation goes on
				logger.Warn("Range read failed", zap.String("range", stmt.String()), zap.Error(err))
				abort.check(u.progress.record(0, 1))
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

	summary := u.progress.Snapshot()
	summary.Duration = time.Since(start)
	if err := abort.aborted(); err != nil {
		summary.Aborted = true
		logger.Error("Unload aborted", zap.Error(err))
		return &summary, err
	}
	if waitErr != nil {
		summary.Aborted = true
		logger.Error("Unload failed", zap.Error(waitErr))
		return &summary, waitErr
	}

	logger.Info("Unload completed",
		zap.Int64("items", summary.Items),
		zap.Int64("errors", summary.Errors),
		zap.Duration("duration", summary.Duration))
	return &summary, nil
}

// fanOut bounds the goroutines started per operation: enough to saturate
// the executor's regulators without one goroutine per statement.
func fanOut(exec *executor.Executor) int {
	n := int(exec.Limits().MaxInFlight())
	if q := int(exec.Limits().MaxConcurrentQueries()); q > n {
		n = q
	}
	if n < 16 {
		n = 16
	}
	return 2 * n
}
