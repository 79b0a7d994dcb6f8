package token

import (
	"fmt"
	"math"
	"math/big"
)

// Split divides r into n sub-ranges of near-equal size covering r exactly.
//
// The i-th split point is start + ceil(size*i/n), recomputed from the range
// start for every point so rounding never accumulates: split sizes differ by
// at most one token. When r holds fewer than n tokens, r is split into
// single-token ranges instead.
func Split(r Range, n int) ([]Range, error) {
	if n < 1 {
		return nil, fmt.Errorf("split count must be positive, got %d", n)
	}
	size := r.Size()
	count := big.NewInt(int64(n))
	if size.Cmp(count) < 0 {
		count = new(big.Int).Set(size)
	}
	f := r.factory
	start := r.start.value()
	points := make([]Token, 0, count.Int64()+1)
	for i := int64(0); i < count.Int64(); i++ {
		offset := new(big.Int).Mul(size, big.NewInt(i))
		offset.Add(offset, count)
		offset.Sub(offset, big.NewInt(1))
		offset.Quo(offset, count)
		points = append(points, Token{v: f.wrap(offset.Add(offset, start))})
	}
	points = append(points, r.end)

	splits := make([]Range, 0, len(points)-1)
	for i := 0; i < len(points)-1; i++ {
		splits = append(splits, NewRange(f, points[i], points[i+1], r.replicas))
	}
	return splits, nil
}

// SplitAll splits every range into a number of pieces proportional to its
// share of the ring, so that splitCount pieces would cover the whole ring.
// Each range yields at least one piece.
func SplitAll(ranges []Range, splitCount int) ([]Range, error) {
	if splitCount < 1 {
		return nil, fmt.Errorf("split count must be positive, got %d", splitCount)
	}
	out := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		n := int(math.Max(1, math.Round(r.Fraction()*float64(splitCount))))
		splits, err := Split(r, n)
		if err != nil {
			return nil, err
		}
		out = append(out, splits...)
	}
	return out, nil
}
