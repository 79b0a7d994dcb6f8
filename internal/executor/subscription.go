package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result is one item of a subscription's stream: a row for reads, the
// executed statement for writes. In accumulating mode a failed execution is
// delivered as a final Result carrying Err.
type Result struct {
	ExecutionID string
	Statement   driver.Statement
	Row         *driver.Row
	Err         error
}

// Success reports whether the result carries no error.
func (r Result) Success() bool { return r.Err == nil }

// Subscription is one independent execution of a publisher's statement.
type Subscription struct {
	exec *Executor
	ec   ExecutionContext

	ctx    context.Context
	cancel context.CancelFunc

	results chan Result
	done    chan struct{}
	err     error

	consumerCancelled atomic.Bool
	startOnce         sync.Once
}

func newSubscription(ctx context.Context, exec *Executor, stmt driver.Statement, read bool) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	return &Subscription{
		exec: exec,
		ec: ExecutionContext{
			ExecutionID: uuid.NewString(),
			Statement:   stmt,
			Read:        read,
		},
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan Result, exec.cfg.ResultBuffer),
		done:    make(chan struct{}),
	}
}

// ID returns the execution id.
func (s *Subscription) ID() string { return s.ec.ExecutionID }

// Results returns the result stream. It is closed when the execution ends.
func (s *Subscription) Results() <-chan Result { return s.results }

// Done is closed once the execution ended and every permit was released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the terminal error once Done is closed. A subscription
// cancelled through Cancel ends without error.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Cancel stops the execution. Requests already sent complete but no new
// page is requested.
func (s *Subscription) Cancel() {
	s.consumerCancelled.Store(true)
	s.cancel()
}

func (s *Subscription) start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// abort terminates a subscription that never started.
func (s *Subscription) abort(err error) {
	s.startOnce.Do(func() {
		s.err = err
		s.cancel()
		close(s.results)
		close(s.done)
	})
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.cancel()
	defer close(s.results)

	s.ec.StartedAt = time.Now()
	listener := s.exec.listener
	listener.OnExecutionStarted(s.ec)

	var (
		pages int
		items int64
		err   error
	)
	if s.ec.Read {
		pages, items, err = s.read()
	} else {
		pages, items, err = s.write()
	}

	switch {
	case err == nil:
		listener.OnExecutionSuccessful(s.ec, pages, items)
		return
	case errors.IsCancelled(err) && s.consumerCancelled.Load():
		listener.OnExecutionFailed(s.ec, err)
		return
	}

	listener.OnExecutionFailed(s.ec, err)
	if errors.GetCode(err) == errors.ErrCodeRequestFailed && !s.exec.cfg.FailFast {
		// accumulating mode: the failure is the last item of the stream
		if s.emit(Result{ExecutionID: s.ec.ExecutionID, Statement: s.ec.Statement, Err: err}) {
			return
		}
	}
	s.err = err
}

func (s *Subscription) read() (int, int64, error) {
	releaseQuery, err := s.exec.limits.acquireQuery(s.ctx)
	if err != nil {
		return 0, 0, errors.Cancelled(err)
	}
	defer releaseQuery()

	var items int64
	page, err := s.request(0, func(ctx context.Context) (driver.Page, error) {
		return s.exec.session.Execute(ctx, s.ec.Statement)
	})
	pages := 1
	for {
		if err != nil {
			return pages, items, err
		}
		for _, row := range page.Rows() {
			row := row
			if !s.emit(Result{ExecutionID: s.ec.ExecutionID, Statement: s.ec.Statement, Row: &row}) {
				return pages, items, errors.Cancelled(s.ctx.Err())
			}
			items++
		}
		if !page.HasMorePages() {
			return pages, items, nil
		}
		if s.ctx.Err() != nil {
			return pages, items, errors.Cancelled(s.ctx.Err())
		}
		current := page
		page, err = s.request(pages, current.FetchNextPage)
		pages++
	}
}

func (s *Subscription) write() (int, int64, error) {
	_, err := s.request(0, func(ctx context.Context) (driver.Page, error) {
		return s.exec.session.Execute(ctx, s.ec.Statement)
	})
	if err != nil {
		return 1, 0, err
	}
	if !s.emit(Result{ExecutionID: s.ec.ExecutionID, Statement: s.ec.Statement}) {
		return 1, 0, errors.Cancelled(s.ctx.Err())
	}
	return 1, int64(driver.StatementCount(s.ec.Statement)), nil
}

// request issues one low-level request under the shared regulators. The call
// itself is detached from the subscription's cancellation so that a request
// already sent always runs to completion before its permit is released.
func (s *Subscription) request(page int, fn func(context.Context) (driver.Page, error)) (driver.Page, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, errors.Cancelled(err)
	}
	release, err := s.exec.limits.acquireRequest(s.ctx)
	if err != nil {
		return nil, errors.Cancelled(err)
	}
	defer release()

	listener := s.exec.listener
	listener.OnRequestStarted(s.ec, page)
	start := time.Now()

	result, err := safeCall(context.WithoutCancel(s.ctx), fn)
	if err != nil {
		listener.OnRequestFailed(s.ec, page, err)
		s.exec.logger.Debug("Request failed",
			zap.String("execution_id", s.ec.ExecutionID),
			zap.Int("page", page),
			zap.Error(err))
		return nil, errors.RequestFailed(s.ec.Statement.String(), err)
	}
	listener.OnRequestSuccessful(s.ec, page, time.Since(start))
	return result, nil
}

// emit delivers r unless the subscription was cancelled.
func (s *Subscription) emit(r Result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func safeCall(ctx context.Context, fn func(context.Context) (driver.Page, error)) (page driver.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	return fn(ctx)
}
