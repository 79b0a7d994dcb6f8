// Package workflow drives bulk load and unload operations: it partitions,
// batches and executes, counting failures against an error threshold.
package workflow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/threshold"
)

// Summary reports a finished operation.
type Summary struct {
	OperationID string        `json:"operation_id" yaml:"operation_id"`
	Operation   string        `json:"operation" yaml:"operation"`
	Items       int64         `json:"items" yaml:"items"`
	Errors      int64         `json:"errors" yaml:"errors"`
	Batches     int64         `json:"batches" yaml:"batches"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	Aborted     bool          `json:"aborted" yaml:"aborted"`
}

// Progress tracks the running operation. It is safe for concurrent use and
// may be polled while the operation runs.
type Progress struct {
	items   atomic.Int64
	errors  atomic.Int64
	batches atomic.Int64

	mu          sync.RWMutex
	operationID string
	operation   string
	startedAt   time.Time
	running     bool
}

// NewProgress creates an idle progress tracker.
func NewProgress() *Progress {
	return &Progress{}
}

func (p *Progress) begin(operationID, operation string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items.Store(0)
	p.errors.Store(0)
	p.batches.Store(0)
	p.operationID = operationID
	p.operation = operation
	p.startedAt = time.Now()
	p.running = true
}

func (p *Progress) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
}

// record counts a completed unit of work and returns the running totals,
// items including failed ones. Both counters move under mu so that a
// threshold check or a snapshot never pairs new errors with an old total.
func (p *Progress) record(items, errors int64) (int64, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.items.Add(items + errors)
	errCount := p.errors.Add(errors)
	return errCount, total
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Summary{
		OperationID: p.operationID,
		Operation:   p.operation,
		Errors:      p.errors.Load(),
		Items:       p.items.Load(),
		Batches:     p.batches.Load(),
	}
	if !p.startedAt.IsZero() {
		s.Duration = time.Since(p.startedAt)
	}
	return s
}

// Running reports whether an operation is in progress.
func (p *Progress) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// guard checks the threshold after every unit of work and remembers the
// first abort.
type guard struct {
	policy threshold.Threshold
	cancel func()

	mu  sync.Mutex
	err error
}

func (g *guard) check(errCount, total int64) bool {
	err := g.policy.Check(errCount, total)
	if err == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = err
		g.cancel()
	}
	return true
}

func (g *guard) aborted() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
