package executor

import (
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
)

// ExecutionContext describes one execution, that is one subscription.
type ExecutionContext struct {
	ExecutionID string
	Statement   driver.Statement
	Read        bool
	StartedAt   time.Time
}

// Elapsed returns the time since the execution started.
func (ec ExecutionContext) Elapsed() time.Duration {
	return time.Since(ec.StartedAt)
}

// Listener observes executions and their requests. Callbacks run on the
// execution goroutine and must not block; they never influence control flow.
type Listener interface {
	OnExecutionStarted(ec ExecutionContext)
	// OnExecutionSuccessful reports the number of pages requested and rows
	// (or statements, for writes) delivered.
	OnExecutionSuccessful(ec ExecutionContext, pages int, items int64)
	OnExecutionFailed(ec ExecutionContext, err error)

	OnRequestStarted(ec ExecutionContext, page int)
	OnRequestSuccessful(ec ExecutionContext, page int, latency time.Duration)
	OnRequestFailed(ec ExecutionContext, page int, err error)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnExecutionStarted(ExecutionContext)                     {}
func (NopListener) OnExecutionSuccessful(ExecutionContext, int, int64)      {}
func (NopListener) OnExecutionFailed(ExecutionContext, error)               {}
func (NopListener) OnRequestStarted(ExecutionContext, int)                  {}
func (NopListener) OnRequestSuccessful(ExecutionContext, int, time.Duration) {}
func (NopListener) OnRequestFailed(ExecutionContext, int, error)            {}

// MultiListener fans events out to several listeners in order.
type MultiListener []Listener

func (m MultiListener) OnExecutionStarted(ec ExecutionContext) {
	for _, l := range m {
		l.OnExecutionStarted(ec)
	}
}

func (m MultiListener) OnExecutionSuccessful(ec ExecutionContext, pages int, items int64) {
	for _, l := range m {
		l.OnExecutionSuccessful(ec, pages, items)
	}
}

func (m MultiListener) OnExecutionFailed(ec ExecutionContext, err error) {
	for _, l := range m {
		l.OnExecutionFailed(ec, err)
	}
}

func (m MultiListener) OnRequestStarted(ec ExecutionContext, page int) {
	for _, l := range m {
		l.OnRequestStarted(ec, page)
	}
}

func (m MultiListener) OnRequestSuccessful(ec ExecutionContext, page int, latency time.Duration) {
	for _, l := range m {
		l.OnRequestSuccessful(ec, page, latency)
	}
}

func (m MultiListener) OnRequestFailed(ec ExecutionContext, page int, err error) {
	for _, l := range m {
		l.OnRequestFailed(ec, page, err)
	}
}
