// Package batch groups write statements that share a locality key into
// unlogged batches.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/token"
	"go.uber.org/zap"
)

// Mode selects the locality key statements are grouped by.
type Mode int

const (
	ModeDisabled Mode = iota
	ModePartitionKey
	ModeReplicaSet
)

func (m Mode) String() string {
	switch m {
	case ModePartitionKey:
		return "PARTITION_KEY"
	case ModeReplicaSet:
		return "REPLICA_SET"
	default:
		return "DISABLED"
	}
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DISABLED", "":
		return ModeDisabled, nil
	case "PARTITION_KEY":
		return ModePartitionKey, nil
	case "REPLICA_SET":
		return ModeReplicaSet, nil
	}
	return ModeDisabled, errors.InvalidConfig("batch.mode", fmt.Sprintf("unknown mode %q", s))
}

// Config holds batching configuration
type Config struct {
	Mode               Mode
	MaxBatchStatements int
	MaxSizeInBytes     int64
	// BufferSize is how many statements may wait for their batch before the
	// oldest group is flushed. Non-positive means 4 * MaxBatchStatements.
	BufferSize int
}

// Validate checks the bounds and resolves the default buffer size.
func (c Config) Validate() (Config, error) {
	if c.Mode == ModeDisabled {
		return c, nil
	}
	if c.MaxBatchStatements <= 0 && c.MaxSizeInBytes <= 0 {
		return c, errors.InvalidConfig("batch.max_batch_statements",
			"at least one of max_batch_statements or max_size_in_bytes must be positive")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4 * c.MaxBatchStatements
	}
	if c.BufferSize <= 0 {
		return c, errors.InvalidConfig("batch.buffer_size",
			"must be positive when max_batch_statements is not")
	}
	if c.BufferSize < c.MaxBatchStatements {
		return c, errors.InvalidConfig("batch.buffer_size",
			fmt.Sprintf("%d must be greater than or equal to max_batch_statements (%d)", c.BufferSize, c.MaxBatchStatements))
	}
	return c, nil
}

// ReplicaResolver finds the replicas owning a statement's partition.
type ReplicaResolver interface {
	ReplicasFor(stmt driver.Statement) (token.ReplicaSet, bool)
}

// Batcher groups statements. A Batcher is stateless; every call to Batch or
// Run uses its own accumulator.
type Batcher struct {
	cfg      Config
	resolver ReplicaResolver
	logger   *zap.Logger
}

// New validates cfg and creates a batcher. resolver is required in
// ModeReplicaSet.
func New(cfg Config, resolver ReplicaResolver, logger *zap.Logger) (*Batcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if cfg.Mode == ModeReplicaSet && resolver == nil {
		return nil, errors.InvalidConfig("batch.mode", "REPLICA_SET requires cluster metadata")
	}

	logger.Info("Statement batcher created",
		zap.Stringer("mode", cfg.Mode),
		zap.Int("max_batch_statements", cfg.MaxBatchStatements),
		zap.Int64("max_size_in_bytes", cfg.MaxSizeInBytes),
		zap.Int("buffer_size", cfg.BufferSize))

	return &Batcher{cfg: cfg, resolver: resolver, logger: logger}, nil
}

// Config returns the validated configuration.
func (b *Batcher) Config() Config { return b.cfg }

// Batch groups stmts and returns the statements to execute, in flush order.
func (b *Batcher) Batch(stmts []driver.Statement) []driver.Statement {
	out := make([]driver.Statement, 0, len(stmts))
	emit := func(s driver.Statement) error {
		out = append(out, s)
		return nil
	}
	acc := b.newAccumulator(emit)
	for _, s := range stmts {
		// emit never fails here
		_ = acc.add(s)
	}
	_ = acc.flushAll()
	return out
}

// Run batches statements from in until it is closed, then flushes every
// partial batch. out is not closed.
func (b *Batcher) Run(ctx context.Context, in <-chan driver.Statement, out chan<- driver.Statement) error {
	emit := func(s driver.Statement) error {
		select {
		case out <- s:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	acc := b.newAccumulator(emit)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-in:
			if !ok {
				return acc.flushAll()
			}
			if err := acc.add(s); err != nil {
				return err
			}
		}
	}
}

// key returns the locality key of stmt, false when it cannot be grouped.
func (b *Batcher) key(stmt driver.Statement) ([]byte, bool) {
	var buf bytes.Buffer
	buf.WriteString(stmt.Keyspace())
	buf.WriteByte(0)

	switch b.cfg.Mode {
	case ModePartitionKey:
		if key := stmt.RoutingKey(); key != nil {
			buf.Write(key)
			return buf.Bytes(), true
		}
		if t, ok := stmt.RoutingToken(); ok {
			buf.WriteString(t.String())
			return buf.Bytes(), true
		}
	case ModeReplicaSet:
		if rs, ok := b.resolver.ReplicasFor(stmt); ok && rs.Len() > 0 {
			buf.WriteString(rs.Key())
			return buf.Bytes(), true
		}
	}
	return nil, false
}

type group struct {
	key   []byte
	stmts []driver.Statement
	// size is the encoded size of the statement flush would emit.
	size    int64
	flushed bool
}

// sizeWith returns the encoded size of g once a statement of the given size
// joins it. Two or more statements are emitted as a batch, which costs a
// 3 byte header plus 1 byte per member.
func (g *group) sizeWith(size int64) int64 {
	switch len(g.stmts) {
	case 0:
		return size
	case 1:
		return 3 + (1 + g.size) + (1 + size)
	default:
		return g.size + 1 + size
	}
}

// accumulator holds the open groups of one statement stream. It is not safe
// for concurrent use.
type accumulator struct {
	b       *Batcher
	emit    func(driver.Statement) error
	buckets map[uint64][]*group
	order   []*group
	live    int
	pending int
}

func (b *Batcher) newAccumulator(emit func(driver.Statement) error) *accumulator {
	return &accumulator{
		b:       b,
		emit:    emit,
		buckets: make(map[uint64][]*group),
	}
}

func (a *accumulator) add(stmt driver.Statement) error {
	cfg := a.b.cfg
	if cfg.Mode == ModeDisabled {
		return a.emit(stmt)
	}
	key, ok := a.b.key(stmt)
	size := stmt.EncodedSize()
	if !ok || (cfg.MaxSizeInBytes > 0 && size > cfg.MaxSizeInBytes) {
		return a.emit(stmt)
	}

	g := a.lookup(key)
	if cfg.MaxSizeInBytes > 0 && g.sizeWith(size) > cfg.MaxSizeInBytes {
		if err := a.flush(g); err != nil {
			return err
		}
		g = a.lookup(key)
	}
	g.size = g.sizeWith(size)
	g.stmts = append(g.stmts, stmt)
	a.pending++

	if a.full(g) {
		if err := a.flush(g); err != nil {
			return err
		}
	}
	for a.pending > cfg.BufferSize {
		if err := a.flush(a.oldest()); err != nil {
			return err
		}
	}
	return nil
}

func (a *accumulator) full(g *group) bool {
	cfg := a.b.cfg
	if cfg.MaxBatchStatements > 0 && len(g.stmts) >= cfg.MaxBatchStatements {
		return true
	}
	return cfg.MaxSizeInBytes > 0 && g.size >= cfg.MaxSizeInBytes
}

func (a *accumulator) lookup(key []byte) *group {
	h := xxhash.Sum64(key)
	for _, g := range a.buckets[h] {
		if bytes.Equal(g.key, key) {
			return g
		}
	}
	g := &group{key: append([]byte(nil), key...)}
	a.buckets[h] = append(a.buckets[h], g)
	a.order = append(a.order, g)
	a.live++
	return g
}

func (a *accumulator) oldest() *group {
	for len(a.order) > 0 && a.order[0].flushed {
		a.order = a.order[1:]
	}
	return a.order[0]
}

func (a *accumulator) flush(g *group) error {
	h := xxhash.Sum64(g.key)
	bucket := a.buckets[h]
	for i, other := range bucket {
		if other == g {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(a.buckets, h)
	} else {
		a.buckets[h] = bucket
	}
	g.flushed = true
	a.live--
	a.pending -= len(g.stmts)
	a.compact()

	switch len(g.stmts) {
	case 0:
		return nil
	case 1:
		return a.emit(g.stmts[0])
	default:
		return a.emit(driver.NewBatchStatement(driver.BatchUnlogged, g.stmts...))
	}
}

// compact drops flushed groups from the insertion order once they dominate it.
func (a *accumulator) compact() {
	if len(a.order) < 64 || len(a.order) < 2*a.live {
		return
	}
	kept := a.order[:0]
	for _, g := range a.order {
		if !g.flushed {
			kept = append(kept, g)
		}
	}
	a.order = kept
}

func (a *accumulator) flushAll() error {
	groups := append([]*group(nil), a.order...)
	for _, g := range groups {
		if g.flushed {
			continue
		}
		if err := a.flush(g); err != nil {
			return err
		}
	}
	a.order = nil
	return nil
}
