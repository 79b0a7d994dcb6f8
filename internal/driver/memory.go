package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/bulkloader/internal/token"
)

// FailureFunc decides whether the page-th request of stmt fails. Page 0 is
// the initial execution.
type FailureFunc func(stmt Statement, page int) error

// MemoryCluster is an in-process Session and Metadata over a token ring. It
// hashes routing keys onto the ring with xxhash, pages range reads and tracks
// request concurrency, which makes it suitable for dry runs and tests.
type MemoryCluster struct {
	factory  *token.Factory
	ranges   []token.Range
	pageSize int
	latency  time.Duration
	failure  FailureFunc

	mu   sync.RWMutex
	rows []Row

	inFlight    int64
	maxInFlight int64
	requests    int64
}

// MemoryOption configures a MemoryCluster.
type MemoryOption func(*MemoryCluster)

// WithPageSize sets how many rows a read page holds.
func WithPageSize(n int) MemoryOption {
	return func(c *MemoryCluster) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLatency delays every request by d.
func WithLatency(d time.Duration) MemoryOption {
	return func(c *MemoryCluster) { c.latency = d }
}

// WithFailures injects request failures.
func WithFailures(fn FailureFunc) MemoryOption {
	return func(c *MemoryCluster) { c.failure = fn }
}

// NewMemoryCluster creates a cluster owning ranges. Wrapping ranges are
// unwrapped so lookups stay linear.
func NewMemoryCluster(f *token.Factory, ranges []token.Range, opts ...MemoryOption) *MemoryCluster {
	unwrapped := make([]token.Range, 0, len(ranges))
	for _, r := range ranges {
		unwrapped = append(unwrapped, r.Unwrap()...)
	}
	token.SortRanges(unwrapped)
	c := &MemoryCluster{
		factory:  f,
		ranges:   unwrapped,
		pageSize: 100,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCluster) TokenFactory() *token.Factory { return c.factory }

func (c *MemoryCluster) TokenRanges(ctx context.Context) ([]token.Range, error) {
	return append([]token.Range(nil), c.ranges...), nil
}

// TokenFor returns the token stmt is routed by.
func (c *MemoryCluster) TokenFor(stmt Statement) (token.Token, bool) {
	if t, ok := stmt.RoutingToken(); ok {
		return t, true
	}
	if key := stmt.RoutingKey(); key != nil {
		return c.factory.FromHash(xxhash.Sum64(key)), true
	}
	return token.Token{}, false
}

// ReplicasFor resolves the replicas owning stmt's token.
func (c *MemoryCluster) ReplicasFor(stmt Statement) (token.ReplicaSet, bool) {
	t, ok := c.TokenFor(stmt)
	if !ok {
		return token.ReplicaSet{}, false
	}
	for _, r := range c.ranges {
		if r.Contains(t) {
			return r.Replicas(), true
		}
	}
	return token.ReplicaSet{}, false
}

// Execute runs stmt. Writes are applied on success; range reads return their
// first page.
func (c *MemoryCluster) Execute(ctx context.Context, stmt Statement) (Page, error) {
	if err := c.roundTrip(ctx, stmt, 0); err != nil {
		return nil, err
	}
	switch s := stmt.(type) {
	case *RangeStatement:
		return &memoryPage{cluster: c, stmt: s, rows: c.scan(s.Range)}, nil
	case *BatchStatement:
		rows := make([]Row, 0, len(s.Statements))
		for _, child := range s.Statements {
			row, err := c.rowFor(child)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		c.insert(rows...)
		return emptyPage{}, nil
	default:
		row, err := c.rowFor(stmt)
		if err != nil {
			return nil, err
		}
		c.insert(row)
		return emptyPage{}, nil
	}
}

func (c *MemoryCluster) roundTrip(ctx context.Context, stmt Statement, page int) error {
	current := atomic.AddInt64(&c.inFlight, 1)
	defer atomic.AddInt64(&c.inFlight, -1)
	atomic.AddInt64(&c.requests, 1)
	for {
		max := atomic.LoadInt64(&c.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt64(&c.maxInFlight, max, current) {
			break
		}
	}

	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.failure != nil {
		return c.failure(stmt, page)
	}
	return nil
}

func (c *MemoryCluster) rowFor(stmt Statement) (Row, error) {
	t, ok := c.TokenFor(stmt)
	if !ok {
		return Row{}, fmt.Errorf("statement has no routing information: %s", stmt)
	}
	row := Row{Token: t, Key: stmt.RoutingKey()}
	if s, ok := stmt.(*SimpleStatement); ok {
		row.Values = append([]interface{}(nil), s.Values...)
	}
	return row, nil
}

func (c *MemoryCluster) insert(rows ...Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, rows...)
}

func (c *MemoryCluster) scan(r token.Range) []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Row, 0)
	for _, row := range c.rows {
		if r.Contains(row.Token) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Token.Less(out[j].Token) })
	return out
}

// Load inserts rows directly, bypassing request accounting.
func (c *MemoryCluster) Load(rows ...Row) {
	c.insert(rows...)
}

// RowCount returns the number of stored rows.
func (c *MemoryCluster) RowCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// MaxInFlight returns the highest number of concurrent requests observed.
func (c *MemoryCluster) MaxInFlight() int64 { return atomic.LoadInt64(&c.maxInFlight) }

// InFlight returns the number of requests currently executing.
func (c *MemoryCluster) InFlight() int64 { return atomic.LoadInt64(&c.inFlight) }

// Requests returns the total number of requests received, pages included.
func (c *MemoryCluster) Requests() int64 { return atomic.LoadInt64(&c.requests) }

type memoryPage struct {
	cluster *MemoryCluster
	stmt    *RangeStatement
	rows    []Row
	offset  int
	index   int
}

func (p *memoryPage) Rows() []Row {
	end := p.offset + p.cluster.pageSize
	if end > len(p.rows) {
		end = len(p.rows)
	}
	return p.rows[p.offset:end]
}

func (p *memoryPage) HasMorePages() bool {
	return p.offset+p.cluster.pageSize < len(p.rows)
}

func (p *memoryPage) FetchNextPage(ctx context.Context) (Page, error) {
	if !p.HasMorePages() {
		return nil, fmt.Errorf("no more pages for %s", p.stmt)
	}
	if err := p.cluster.roundTrip(ctx, p.stmt, p.index+1); err != nil {
		return nil, err
	}
	return &memoryPage{
		cluster: p.cluster,
		stmt:    p.stmt,
		rows:    p.rows,
		offset:  p.offset + p.cluster.pageSize,
		index:   p.index + 1,
	}, nil
}

type emptyPage struct{}

func (emptyPage) Rows() []Row        { return nil }
func (emptyPage) HasMorePages() bool { return false }

func (emptyPage) FetchNextPage(ctx context.Context) (Page, error) {
	return nil, fmt.Errorf("no more pages")
}
