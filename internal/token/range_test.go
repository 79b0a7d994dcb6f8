package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicaSet(t *testing.T) {
	a := NewReplicaSet("n2", "n1", "n2", "")
	b := NewReplicaSet("n1", "n2")

	assert.Equal(t, []string{"n1", "n2"}, a.IDs())
	assert.True(t, a.Equal(b))
	assert.Equal(t, "n1,n2", a.Key())
	assert.True(t, a.Contains("n2"))
	assert.False(t, a.Contains("n3"))
	assert.False(t, a.Equal(NewReplicaSet("n1")))
}

func TestRange_SizeAndFraction(t *testing.T) {
	f := ringOf(t, 100)
	rs := NewReplicaSet("n1")

	tests := []struct {
		name     string
		r        Range
		size     int64
		fraction float64
	}{
		{"plain", NewRange(f, tok(10), tok(35), rs), 25, 0.25},
		{"wrapping", NewRange(f, tok(90), tok(10), rs), 20, 0.2},
		{"ends at min", NewRange(f, tok(50), f.MinToken(), rs), 50, 0.5},
		{"full ring at min", FullRing(f, rs), 100, 1},
		{"full ring elsewhere", NewRange(f, tok(7), tok(7), rs), 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.size, tt.r.Size().Int64())
			assert.InDelta(t, tt.fraction, tt.r.Fraction(), 1e-12)
		})
	}
}

func TestRange_Unwrap(t *testing.T) {
	f := ringOf(t, 100)
	rs := NewReplicaSet("n1", "n2")

	t.Run("non wrapping range is returned as is", func(t *testing.T) {
		r := NewRange(f, tok(10), tok(20), rs)
		got := r.Unwrap()
		require.Len(t, got, 1)
		assert.True(t, got[0].Equal(r))
	})

	t.Run("range ending at min does not wrap", func(t *testing.T) {
		r := NewRange(f, tok(80), f.MinToken(), rs)
		assert.False(t, r.IsWrappedAround())
		assert.Len(t, r.Unwrap(), 1)
	})

	t.Run("wrapping range splits at min", func(t *testing.T) {
		r := NewRange(f, tok(80), tok(20), rs)
		require.True(t, r.IsWrappedAround())

		got := r.Unwrap()
		require.Len(t, got, 2)
		assert.True(t, got[0].Start().Equal(tok(80)))
		assert.True(t, got[0].End().Equal(f.MinToken()))
		assert.True(t, got[1].Start().Equal(f.MinToken()))
		assert.True(t, got[1].End().Equal(tok(20)))
		assert.Equal(t, r.Size().Int64(), TotalSize(got).Int64())
		for _, g := range got {
			assert.True(t, g.Replicas().Equal(rs))
			assert.False(t, g.IsWrappedAround())
		}
	})
}

func TestRange_Contains(t *testing.T) {
	f := ringOf(t, 100)
	rs := NewReplicaSet("n1")

	plain := NewRange(f, tok(10), tok(20), rs)
	assert.True(t, plain.Contains(tok(10)))
	assert.True(t, plain.Contains(tok(19)))
	assert.False(t, plain.Contains(tok(20)))

	wrapping := NewRange(f, tok(90), tok(5), rs)
	assert.True(t, wrapping.Contains(tok(95)))
	assert.True(t, wrapping.Contains(tok(0)))
	assert.False(t, wrapping.Contains(tok(5)))
	assert.False(t, wrapping.Contains(tok(50)))

	toEnd := NewRange(f, tok(60), f.MinToken(), rs)
	assert.True(t, toEnd.Contains(tok(99)))
	assert.False(t, toEnd.Contains(tok(0)))

	assert.True(t, FullRing(f, rs).Contains(tok(33)))
}
