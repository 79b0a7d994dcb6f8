package token

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sizes(ranges []Range) []int64 {
	out := make([]int64, len(ranges))
	for i, r := range ranges {
		out[i] = r.Size().Int64()
	}
	return out
}

func assertContiguous(t *testing.T, r Range, splits []Range) {
	t.Helper()
	require.NotEmpty(t, splits)
	assert.True(t, splits[0].Start().Equal(r.Start()))
	assert.True(t, splits[len(splits)-1].End().Equal(r.End()))
	for i := 0; i < len(splits)-1; i++ {
		assert.True(t, splits[i].End().Equal(splits[i+1].Start()), "split %d not adjacent to %d", i, i+1)
	}
	assert.Equal(t, 0, r.Size().Cmp(TotalSize(splits)), "splits must cover the range exactly")
}

func TestSplit_FullRingIntoThree(t *testing.T) {
	f := ringOf(t, 100)
	r := FullRing(f, NewReplicaSet("n1", "n2"))

	splits, err := Split(r, 3)
	require.NoError(t, err)

	require.Len(t, splits, 3)
	assert.Equal(t, []int64{34, 33, 33}, sizes(splits))
	assert.Equal(t, "[0,34){n1,n2}", splits[0].String())
	assert.Equal(t, "[34,67){n1,n2}", splits[1].String())
	assert.Equal(t, "[67,0){n1,n2}", splits[2].String())
	assertContiguous(t, r, splits)
}

func TestSplit_EvenSizes(t *testing.T) {
	f := ringOf(t, 1000)
	rs := NewReplicaSet("n1")

	tests := []struct {
		name string
		r    Range
		n    int
	}{
		{"one split", NewRange(f, tok(10), tok(20), rs), 1},
		{"exact division", NewRange(f, tok(0), tok(100), rs), 10},
		{"uneven division", NewRange(f, tok(3), tok(104), rs), 7},
		{"wrapping range", NewRange(f, tok(900), tok(57), rs), 13},
		{"as many splits as tokens", NewRange(f, tok(40), tok(45), rs), 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			splits, err := Split(tt.r, tt.n)
			require.NoError(t, err)
			require.Len(t, splits, tt.n)
			assertContiguous(t, tt.r, splits)

			got := sizes(splits)
			min, max := got[0], got[0]
			for _, s := range got {
				if s < min {
					min = s
				}
				if s > max {
					max = s
				}
			}
			assert.LessOrEqual(t, max-min, int64(1))
		})
	}
}

func TestSplit_MoreSplitsThanTokens(t *testing.T) {
	f := ringOf(t, 100)
	r := NewRange(f, tok(10), tok(14), NewReplicaSet("n1"))

	splits, err := Split(r, 10)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 1, 1, 1}, sizes(splits))
	assertContiguous(t, r, splits)
}

func TestSplit_WrapsSplitPoints(t *testing.T) {
	f := ringOf(t, 100)
	r := NewRange(f, tok(80), tok(40), NewReplicaSet("n1"))

	splits, err := Split(r, 2)
	require.NoError(t, err)

	require.Len(t, splits, 2)
	assert.True(t, splits[0].End().Equal(tok(10)))
	assertContiguous(t, r, splits)
}

func TestSplit_LargeRing(t *testing.T) {
	f := RandomFactory()
	r := FullRing(f, NewReplicaSet("n1"))

	splits, err := Split(r, 7)
	require.NoError(t, err)

	require.Len(t, splits, 7)
	assertContiguous(t, r, splits)
	diff := new(big.Int).Sub(splits[0].Size(), splits[6].Size())
	assert.True(t, diff.Cmp(big.NewInt(1)) <= 0 && diff.Sign() >= 0)
}

func TestSplit_InvalidCount(t *testing.T) {
	f := ringOf(t, 100)
	_, err := Split(FullRing(f, NewReplicaSet("n1")), 0)
	assert.Error(t, err)
}

func TestSplitAll_ProportionalToFraction(t *testing.T) {
	f := ringOf(t, 100)
	ranges := []Range{
		NewRange(f, tok(0), tok(50), NewReplicaSet("n1")),
		NewRange(f, tok(50), tok(75), NewReplicaSet("n2")),
		NewRange(f, tok(75), tok(76), NewReplicaSet("n3")),
		NewRange(f, tok(76), tok(0), NewReplicaSet("n4")),
	}

	splits, err := SplitAll(ranges, 8)
	require.NoError(t, err)

	// 4 + 2 + max(1, 0) + 2
	assert.Len(t, splits, 9)
	assert.Equal(t, int64(100), TotalSize(splits).Int64())
}
