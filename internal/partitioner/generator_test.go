package partitioner

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// staticMetadata serves a fixed snapshot.
type staticMetadata struct {
	factory *token.Factory
	ranges  []token.Range
}

func (m staticMetadata) TokenFactory() *token.Factory { return m.factory }

func (m staticMetadata) TokenRanges(context.Context) ([]token.Range, error) {
	return m.ranges, nil
}

func ring64(t *testing.T) *token.Factory {
	f, err := token.NewModulusFactory("test", 64)
	require.NoError(t, err)
	return f
}

// alternating builds 8 ranges of 8 tokens owned in pairs by a and b.
func alternating(f *token.Factory) []token.Range {
	a, b := token.NewReplicaSet("a"), token.NewReplicaSet("b")
	ranges := make([]token.Range, 0, 8)
	for i := int64(0); i < 8; i++ {
		rs := a
		if (i/2)%2 == 1 {
			rs = b
		}
		end := token.Int64((i + 1) * 8)
		if i == 7 {
			end = f.MinToken()
		}
		ranges = append(ranges, token.NewRange(f, token.Int64(i*8), end, rs))
	}
	return ranges
}

func TestGenerator_Partition(t *testing.T) {
	f := ring64(t)
	g := NewGenerator(staticMetadata{f, alternating(f)}, 0, zap.NewNop())

	plan, err := g.Partition(context.Background(), 4)
	require.NoError(t, err)

	got := make([]string, len(plan.Ranges))
	for i, r := range plan.Ranges {
		got[i] = r.String()
	}
	assert.Equal(t, []string{"[0,16){a}", "[16,32){b}", "[32,48){a}", "[48,0){b}"}, got)
	assert.Equal(t, 8, plan.SourceRanges)
	assert.Equal(t, 8, plan.Splits)
	assert.Equal(t, int64(64), token.TotalSize(plan.Ranges).Int64())
}

func TestGenerator_PartitionMurmur3FullRing(t *testing.T) {
	f := token.Murmur3Factory()
	g := NewGenerator(staticMetadata{f, []token.Range{token.FullRing(f, token.NewReplicaSet("n1", "n2"))}}, 0, nil)

	plan, err := g.Partition(context.Background(), 8)
	require.NoError(t, err)

	require.Len(t, plan.Ranges, 8)
	assert.True(t, plan.Ranges[0].Start().Equal(f.MinToken()))
	assert.True(t, plan.Ranges[7].End().Equal(f.MinToken()))
	for _, r := range plan.Ranges {
		assert.InDelta(t, 0.125, r.Fraction(), 1e-12)
		assert.False(t, r.IsWrappedAround())
	}
	assert.Equal(t, 0, token.TotalSize(plan.Ranges).Cmp(f.TotalTokenCount()))
}

func TestGenerator_RejectsInvalidInput(t *testing.T) {
	f := ring64(t)
	rs := token.NewReplicaSet("a")

	_, err := NewGenerator(staticMetadata{f, alternating(f)}, 0, nil).Partition(context.Background(), 0)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetCode(err))

	tests := []struct {
		name   string
		ranges []token.Range
	}{
		{"empty", nil},
		{"gap", []token.Range{
			token.NewRange(f, token.Int64(0), token.Int64(30), rs),
			token.NewRange(f, token.Int64(40), f.MinToken(), rs),
		}},
		{"overlap", []token.Range{
			token.NewRange(f, token.Int64(0), token.Int64(50), rs),
			token.NewRange(f, token.Int64(40), f.MinToken(), rs),
		}},
		{"gap compensated by overlap", []token.Range{
			token.NewRange(f, token.Int64(0), token.Int64(20), rs),
			token.NewRange(f, token.Int64(30), token.Int64(50), rs),
			token.NewRange(f, token.Int64(40), f.MinToken(), rs),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(staticMetadata{f, tt.ranges}, 0, nil).Partition(context.Background(), 4)
			assert.Equal(t, errors.ErrCodeInvalidTopology, errors.GetCode(err))
		})
	}
}

func TestValidateCoverage_WrappingRanges(t *testing.T) {
	f := ring64(t)
	rs := token.NewReplicaSet("a")

	err := ValidateCoverage(f, []token.Range{
		token.NewRange(f, token.Int64(60), token.Int64(10), rs),
		token.NewRange(f, token.Int64(10), token.Int64(60), rs),
	})
	assert.NoError(t, err)
}

func TestPlan_Statements(t *testing.T) {
	f := ring64(t)
	plan, err := NewGenerator(staticMetadata{f, alternating(f)}, 0, nil).Partition(context.Background(), 4)
	require.NoError(t, err)

	stmts := plan.Statements("SELECT * FROM ks.t", "ks")

	require.Len(t, stmts, len(plan.Ranges))
	rs, ok := stmts[1].(*driver.RangeStatement)
	require.True(t, ok)
	assert.True(t, rs.Range.Equal(plan.Ranges[1]))
	assert.Equal(t, "ks", rs.Keyspace())
}
