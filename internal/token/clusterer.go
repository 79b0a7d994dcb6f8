package token

import (
	"math"
)

// Clusterer merges small contiguous ranges sharing the same replicas into
// larger groups, bounding the number of parallel tasks on rings with many
// virtual nodes.
//
// Ranges with different replica sets are never merged, even when that costs
// locality: every group stays routable to a coordinator that is also one of
// its replicas.
type Clusterer struct {
	ringFractionPerGroup float64
	maxGroupSize         int
}

// NewClusterer targets groupCount groups of equal ring share. maxGroupSize
// caps the number of ranges absorbed into one group. Zero or less means no
// cap, not one range per group: groups are then bounded by ring share alone.
func NewClusterer(groupCount, maxGroupSize int) *Clusterer {
	if groupCount < 1 {
		groupCount = 1
	}
	if maxGroupSize <= 0 {
		maxGroupSize = math.MaxInt
	}
	return &Clusterer{
		ringFractionPerGroup: 1.0 / float64(groupCount),
		maxGroupSize:         maxGroupSize,
	}
}

// Group runs a single greedy pass over the ranges sorted by (start, end).
// Merged groups are unwrapped before being returned, since merging may
// rebuild a range crossing the minimum token.
func (c *Clusterer) Group(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]Range(nil), ranges...)
	SortRanges(sorted)

	grouped := make([]Range, 0, len(sorted))
	for next := 0; next < len(sorted); {
		head := sorted[next]
		// the head always fits, even when it alone exceeds the target share
		limit := math.Max(c.ringFractionPerGroup, head.Fraction())
		cumulative := 0.0
		end := head.start
		absorbed := 0
		for absorbed < c.maxGroupSize && next < len(sorted) {
			current := sorted[next]
			cumulative += current.Fraction()
			if cumulative > limit ||
				!head.replicas.Equal(current.replicas) ||
				!end.Equal(current.start) {
				break
			}
			next++
			absorbed++
			end = current.end
		}
		if absorbed == 0 {
			// only reachable with a NaN fraction; keep the head as is
			next++
			grouped = append(grouped, head)
			continue
		}
		grouped = append(grouped, NewRange(head.factory, head.start, end, head.replicas))
	}

	out := make([]Range, 0, len(grouped))
	for _, g := range grouped {
		out = append(out, g.Unwrap()...)
	}
	return out
}
