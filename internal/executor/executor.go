// Package executor runs statements against a driver session under shared
// admission control and streams their results to exactly one consumer per
// subscription.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultFanOut = 64

// Config holds executor configuration
type Config struct {
	// MaxInFlight bounds concurrent low-level requests, page fetches
	// included. Non-positive disables the bound.
	MaxInFlight int
	// MaxConcurrentQueries bounds concurrently open paging sessions.
	MaxConcurrentQueries int
	// MaxPerSecond caps requests issued per second.
	MaxPerSecond float64
	// FailFast ends a subscription with the request error. Otherwise the
	// failure is delivered as the last Result and the subscription completes.
	FailFast bool
	// ResultBuffer is the capacity of each subscription's result channel.
	ResultBuffer int
	Listener     Listener
	Logger       *zap.Logger
}

// Executor executes statements. It is safe for concurrent use; all
// subscriptions share its Limits.
type Executor struct {
	session  driver.Session
	cfg      Config
	limits   *Limits
	listener Listener
	logger   *zap.Logger
}

// New creates an executor over session.
func New(session driver.Session, cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ResultBuffer < 0 {
		cfg.ResultBuffer = 0
	}
	listener := cfg.Listener
	if listener == nil {
		listener = NopListener{}
	}

	e := &Executor{
		session:  session,
		cfg:      cfg,
		limits:   NewLimits(cfg.MaxInFlight, cfg.MaxConcurrentQueries, cfg.MaxPerSecond),
		listener: listener,
		logger:   cfg.Logger,
	}

	e.logger.Info("Executor created",
		zap.Int("max_in_flight", cfg.MaxInFlight),
		zap.Int("max_concurrent_queries", cfg.MaxConcurrentQueries),
		zap.Float64("max_per_second", cfg.MaxPerSecond),
		zap.Bool("fail_fast", cfg.FailFast))

	return e
}

// Limits returns the shared regulators.
func (e *Executor) Limits() *Limits { return e.limits }

// FailFast reports whether request failures terminate subscriptions.
func (e *Executor) FailFast() bool { return e.cfg.FailFast }

// Publisher produces independent subscriptions to one statement. Every
// subscription executes the statement again.
type Publisher struct {
	exec *Executor
	stmt driver.Statement
	read bool
}

// ReadReactive returns a publisher of the rows stmt reads, page after page.
func (e *Executor) ReadReactive(stmt driver.Statement) *Publisher {
	return &Publisher{exec: e, stmt: stmt, read: true}
}

// WriteReactive returns a publisher of the single result of stmt.
func (e *Executor) WriteReactive(stmt driver.Statement) *Publisher {
	return &Publisher{exec: e, stmt: stmt}
}

// Subscribe starts a new execution. The caller must drain Results or Cancel.
func (p *Publisher) Subscribe(ctx context.Context) *Subscription {
	sub := newSubscription(ctx, p.exec, p.stmt, p.read)
	sub.start()
	return sub
}

// Handler consumes a subscription. OnSubscribe is called before the
// execution starts; OnNext once per result, never concurrently.
type Handler struct {
	OnSubscribe func(sub *Subscription) error
	OnNext      func(r Result) error
}

// Consume subscribes h and blocks until the execution ended. A handler that
// fails or panics cancels the execution, which then ends with a protocol
// violation once its permits were released.
func (p *Publisher) Consume(ctx context.Context, h Handler) error {
	sub := newSubscription(ctx, p.exec, p.stmt, p.read)

	if h.OnSubscribe != nil {
		if err := protect(func() error { return h.OnSubscribe(sub) }); err != nil {
			violation := errors.ProtocolViolation("subscriber failed on subscription", err)
			sub.abort(violation)
			return violation
		}
	}
	sub.start()

	for r := range sub.Results() {
		if h.OnNext == nil {
			continue
		}
		if err := protect(func() error { return h.OnNext(r) }); err != nil {
			sub.Cancel()
			for range sub.Results() {
			}
			<-sub.Done()
			return errors.ProtocolViolation("subscriber failed on result", err)
		}
	}
	return sub.Err()
}

// Read executes stmt and calls fn for every result.
func (e *Executor) Read(ctx context.Context, stmt driver.Statement, fn func(Result) error) error {
	return e.ReadReactive(stmt).Consume(ctx, Handler{OnNext: fn})
}

// Write executes stmt and returns its result.
func (e *Executor) Write(ctx context.Context, stmt driver.Statement) (Result, error) {
	var result Result
	err := e.WriteReactive(stmt).Consume(ctx, Handler{OnNext: func(r Result) error {
		result = r
		return nil
	}})
	return result, err
}

// ReadAll reads every statement concurrently. fn is called serially.
func (e *Executor) ReadAll(ctx context.Context, stmts []driver.Statement, fn func(Result) error) error {
	return e.all(ctx, stmts, true, fn)
}

// WriteAll writes every statement concurrently. fn is called serially with
// one result per statement.
func (e *Executor) WriteAll(ctx context.Context, stmts []driver.Statement, fn func(Result) error) error {
	return e.all(ctx, stmts, false, fn)
}

func (e *Executor) all(ctx context.Context, stmts []driver.Statement, read bool, fn func(Result) error) error {
	var mu sync.Mutex
	serial := func(r Result) error {
		if fn == nil {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		return fn(r)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanOut())
	for _, stmt := range stmts {
		stmt := stmt
		g.Go(func() error {
			p := &Publisher{exec: e, stmt: stmt, read: read}
			return p.Consume(gctx, Handler{OnNext: serial})
		})
	}
	return g.Wait()
}

// fanOut bounds the goroutines waiting on the regulators. It never limits
// concurrency below what the regulators allow.
func (e *Executor) fanOut() int {
	n := defaultFanOut
	if e.cfg.MaxInFlight > n {
		n = e.cfg.MaxInFlight
	}
	return n
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
