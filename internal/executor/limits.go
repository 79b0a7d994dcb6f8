package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits are the admission regulators shared by every subscription of an
// executor. Each regulator is optional.
type Limits struct {
	requests *semaphore.Weighted
	queries  *semaphore.Weighted
	limiter  *rate.Limiter

	maxRequests int64
	maxQueries  int64

	inFlight    int64
	openQueries int64
}

// NewLimits creates the regulators. Non-positive values disable the
// corresponding regulator.
func NewLimits(maxInFlight, maxConcurrentQueries int, maxPerSecond float64) *Limits {
	l := &Limits{}
	if maxInFlight > 0 {
		l.requests = semaphore.NewWeighted(int64(maxInFlight))
		l.maxRequests = int64(maxInFlight)
	}
	if maxConcurrentQueries > 0 {
		l.queries = semaphore.NewWeighted(int64(maxConcurrentQueries))
		l.maxQueries = int64(maxConcurrentQueries)
	}
	if maxPerSecond > 0 {
		// burst of one keeps the issuance rate at or under maxPerSecond
		l.limiter = rate.NewLimiter(rate.Limit(maxPerSecond), 1)
	}
	return l
}

// acquireRequest waits for the throughput limiter and then for a request
// permit. The returned release func is idempotent.
func (l *Limits) acquireRequest(ctx context.Context) (func(), error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	release, err := acquire(ctx, l.requests)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&l.inFlight, 1)
	return once(func() {
		atomic.AddInt64(&l.inFlight, -1)
		release()
	}), nil
}

// acquireQuery waits for a paging session permit.
func (l *Limits) acquireQuery(ctx context.Context) (func(), error) {
	release, err := acquire(ctx, l.queries)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&l.openQueries, 1)
	return once(func() {
		atomic.AddInt64(&l.openQueries, -1)
		release()
	}), nil
}

// InFlight returns the number of requests currently holding a permit.
func (l *Limits) InFlight() int64 { return atomic.LoadInt64(&l.inFlight) }

// OpenQueries returns the number of paging sessions currently open.
func (l *Limits) OpenQueries() int64 { return atomic.LoadInt64(&l.openQueries) }

// MaxInFlight returns the request permit count, 0 when unbounded.
func (l *Limits) MaxInFlight() int64 { return l.maxRequests }

// MaxConcurrentQueries returns the query permit count, 0 when unbounded.
func (l *Limits) MaxConcurrentQueries() int64 { return l.maxQueries }

// Rate returns the throughput limit in requests per second, 0 when unbounded.
func (l *Limits) Rate() float64 {
	if l.limiter == nil {
		return 0
	}
	return float64(l.limiter.Limit())
}

func acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

func once(fn func()) func() {
	var o sync.Once
	return func() { o.Do(fn) }
}
