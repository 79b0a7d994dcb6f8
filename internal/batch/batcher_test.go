package batch

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyed returns a statement on partition key whose EncodedSize is size.
func keyed(key string, size int) *driver.SimpleStatement {
	return driver.NewSimpleStatement("", make([]byte, size-4)).WithRoutingKey("ks", []byte(key))
}

func newBatcher(t *testing.T, cfg Config) *Batcher {
	b, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return b
}

// describe renders statements as "k1" for singles and "[k1 k1]" for batches.
func describe(stmts []driver.Statement) []string {
	out := make([]string, len(stmts))
	for i, s := range stmts {
		if b, ok := s.(*driver.BatchStatement); ok {
			keys := make([]string, len(b.Statements))
			for j, c := range b.Statements {
				keys[j] = string(c.RoutingKey())
			}
			out[i] = fmt.Sprint(keys)
			continue
		}
		out[i] = string(s.RoutingKey())
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantErr    bool
		wantBuffer int
	}{
		{"disabled ignores bounds", Config{Mode: ModeDisabled}, false, 0},
		{"both bounds non positive", Config{Mode: ModePartitionKey, MaxBatchStatements: 0, MaxSizeInBytes: -1}, true, 0},
		{"default buffer", Config{Mode: ModePartitionKey, MaxBatchStatements: 32}, false, 128},
		{"explicit buffer", Config{Mode: ModeReplicaSet, MaxBatchStatements: 32, BufferSize: 40}, false, 40},
		{"buffer smaller than batch", Config{Mode: ModePartitionKey, MaxBatchStatements: 32, BufferSize: 10}, true, 0},
		{"size bound only needs a buffer", Config{Mode: ModePartitionKey, MaxSizeInBytes: 1024}, true, 0},
		{"size bound with buffer", Config{Mode: ModePartitionKey, MaxSizeInBytes: 1024, BufferSize: 8}, false, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBuffer, got.BufferSize)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("replica_set")
	require.NoError(t, err)
	assert.Equal(t, ModeReplicaSet, m)
	assert.Equal(t, "REPLICA_SET", m.String())

	_, err = ParseMode("by-table")
	assert.Error(t, err)
}

func TestNew_ReplicaSetRequiresResolver(t *testing.T) {
	_, err := New(Config{Mode: ModeReplicaSet, MaxBatchStatements: 2}, nil, nil)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetCode(err))
}

func TestBatcher_Disabled(t *testing.T) {
	b := newBatcher(t, Config{Mode: ModeDisabled})
	in := []driver.Statement{keyed("k1", 10), keyed("k1", 10)}

	assert.Equal(t, []string{"k1", "k1"}, describe(b.Batch(in)))
}

func TestBatcher_PartitionKey(t *testing.T) {
	b := newBatcher(t, Config{Mode: ModePartitionKey, MaxBatchStatements: 2})
	in := []driver.Statement{keyed("k1", 10), keyed("k2", 10), keyed("k1", 10), keyed("k1", 10)}

	got := b.Batch(in)

	assert.Equal(t, []string{"[k1 k1]", "k2", "k1"}, describe(got))
	batch, ok := got[0].(*driver.BatchStatement)
	require.True(t, ok)
	assert.Equal(t, driver.BatchUnlogged, batch.Type)
}

func TestBatcher_SizeBound(t *testing.T) {
	b := newBatcher(t, Config{Mode: ModePartitionKey, MaxBatchStatements: 10, MaxSizeInBytes: 100})
	in := []driver.Statement{
		keyed("k1", 40), keyed("k1", 40), keyed("k1", 40),
		keyed("big", 150),
		keyed("k2", 56), keyed("k2", 39),
	}

	got := b.Batch(in)

	// [k1 k1] encodes to 3+41+41 bytes, a third k1 would exceed the bound.
	// [k2 k2] encodes to exactly 100 bytes and is flushed right away.
	assert.Equal(t, []string{"[k1 k1]", "big", "[k2 k2]", "k1"}, describe(got))
}

func TestBatcher_SizeBoundCountsBatchOverhead(t *testing.T) {
	b := newBatcher(t, Config{Mode: ModePartitionKey, MaxSizeInBytes: 20, BufferSize: 100})

	got := b.Batch([]driver.Statement{keyed("k1", 10), keyed("k1", 10)})

	// together they would encode to 3+11+11 bytes
	assert.Equal(t, []string{"k1", "k1"}, describe(got))
	for _, s := range got {
		assert.LessOrEqual(t, s.EncodedSize(), int64(20))
	}

	b = newBatcher(t, Config{Mode: ModePartitionKey, MaxSizeInBytes: 25, BufferSize: 100})
	got = b.Batch([]driver.Statement{keyed("k1", 10), keyed("k1", 10), keyed("k1", 10)})

	require.Equal(t, []string{"[k1 k1]", "k1"}, describe(got))
	assert.Equal(t, int64(25), got[0].EncodedSize())
}

func TestBatcher_BufferWindow(t *testing.T) {
	b := newBatcher(t, Config{Mode: ModePartitionKey, MaxBatchStatements: 2, BufferSize: 3})
	in := []driver.Statement{keyed("k1", 10), keyed("k2", 10), keyed("k3", 10), keyed("k4", 10), keyed("k2", 10)}

	got := b.Batch(in)

	assert.Equal(t, []string{"k1", "[k2 k2]", "k3", "k4"}, describe(got))
}

func TestBatcher_UnroutableStatementsPassThrough(t *testing.T) {
	b := newBatcher(t, Config{Mode: ModePartitionKey, MaxBatchStatements: 4})
	loose := driver.NewSimpleStatement("INSERT")

	got := b.Batch([]driver.Statement{keyed("k1", 10), loose, keyed("k1", 10)})

	require.Len(t, got, 2)
	assert.Same(t, loose, got[0])
}

func TestBatcher_ReplicaSet(t *testing.T) {
	f, err := token.NewModulusFactory("test", 100)
	require.NoError(t, err)
	cluster := driver.NewMemoryCluster(f, []token.Range{
		token.NewRange(f, token.Int64(0), token.Int64(50), token.NewReplicaSet("n1", "n2")),
		token.NewRange(f, token.Int64(50), f.MinToken(), token.NewReplicaSet("n2", "n3")),
	})
	b, err := New(Config{Mode: ModeReplicaSet, MaxBatchStatements: 10}, cluster, nil)
	require.NoError(t, err)

	at := func(v int64) driver.Statement {
		return driver.NewSimpleStatement("INSERT", v).WithRoutingToken(token.Int64(v))
	}
	got := b.Batch([]driver.Statement{at(10), at(70), at(20), at(99), at(49)})

	require.Len(t, got, 2)
	first := got[0].(*driver.BatchStatement)
	second := got[1].(*driver.BatchStatement)
	assert.Len(t, first.Statements, 3)
	assert.Len(t, second.Statements, 2)
}

func TestBatcher_Run(t *testing.T) {
	b := newBatcher(t, Config{Mode: ModePartitionKey, MaxBatchStatements: 3})
	in := make(chan driver.Statement)
	out := make(chan driver.Statement, 16)

	go func() {
		defer close(in)
		for i := 0; i < 10; i++ {
			in <- keyed(fmt.Sprintf("k%d", i%2), 10)
		}
	}()
	require.NoError(t, b.Run(context.Background(), in, out))
	close(out)

	total := 0
	for s := range out {
		total += driver.StatementCount(s)
	}
	assert.Equal(t, 10, total)
}

func TestBatcher_RunCancelled(t *testing.T) {
	b := newBatcher(t, Config{Mode: ModePartitionKey, MaxBatchStatements: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Run(ctx, make(chan driver.Statement), make(chan driver.Statement))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBatcher_BoundsHoldForRandomStreams(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	cfg := Config{Mode: ModePartitionKey, MaxBatchStatements: 5, MaxSizeInBytes: 200, BufferSize: 12}
	b := newBatcher(t, cfg)

	for round := 0; round < 20; round++ {
		in := make([]driver.Statement, 300)
		for i := range in {
			in[i] = keyed(fmt.Sprintf("k%d", rnd.Intn(8)), 8+rnd.Intn(250))
		}

		got := b.Batch(in)

		total := 0
		for _, s := range got {
			batch, ok := s.(*driver.BatchStatement)
			if !ok {
				// a lone statement may exceed the bound on its own
				total++
				continue
			}
			assert.LessOrEqual(t, len(batch.Statements), cfg.MaxBatchStatements)
			assert.LessOrEqual(t, batch.EncodedSize(), cfg.MaxSizeInBytes)
			total += len(batch.Statements)
		}
		assert.Equal(t, len(in), total)
	}
}
