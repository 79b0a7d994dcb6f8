package token

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// ReplicaSet is the immutable, sorted set of nodes owning a range.
type ReplicaSet struct {
	ids []string
}

// NewReplicaSet builds a replica set, dropping duplicates and empty ids.
func NewReplicaSet(ids ...string) ReplicaSet {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return ReplicaSet{ids: out}
}

// IDs returns a copy of the replica ids in sorted order.
func (r ReplicaSet) IDs() []string {
	return append([]string(nil), r.ids...)
}

func (r ReplicaSet) Len() int { return len(r.ids) }

func (r ReplicaSet) Contains(id string) bool {
	i := sort.SearchStrings(r.ids, id)
	return i < len(r.ids) && r.ids[i] == id
}

func (r ReplicaSet) Equal(o ReplicaSet) bool {
	if len(r.ids) != len(o.ids) {
		return false
	}
	for i := range r.ids {
		if r.ids[i] != o.ids[i] {
			return false
		}
	}
	return true
}

// Key is a canonical string form, usable as a map key.
func (r ReplicaSet) Key() string {
	return strings.Join(r.ids, ",")
}

func (r ReplicaSet) String() string {
	return "{" + r.Key() + "}"
}

// Range is the interval [start, end) of the ring owned by a replica set.
//
// A range built with start == end covers the whole ring. That is recorded
// explicitly at construction, so Size and Fraction never depend on the
// factory's empty-range convention for two minimum tokens.
type Range struct {
	start    Token
	end      Token
	replicas ReplicaSet
	factory  *Factory
	full     bool
}

// NewRange builds [start, end) on f's ring.
func NewRange(f *Factory, start, end Token, replicas ReplicaSet) Range {
	return Range{
		start:    start,
		end:      end,
		replicas: replicas,
		factory:  f,
		full:     start.Equal(end),
	}
}

// FullRing returns the range covering every token, starting at the minimum.
func FullRing(f *Factory, replicas ReplicaSet) Range {
	return NewRange(f, f.MinToken(), f.MinToken(), replicas)
}

func (r Range) Start() Token         { return r.start }
func (r Range) End() Token           { return r.end }
func (r Range) Replicas() ReplicaSet { return r.replicas }
func (r Range) Factory() *Factory    { return r.factory }
func (r Range) IsFullRing() bool     { return r.full }

// Size returns the number of tokens in the range.
func (r Range) Size() *big.Int {
	if r.full {
		return r.factory.TotalTokenCount()
	}
	return r.factory.Distance(r.start, r.end)
}

// Fraction returns the share of the ring covered by the range.
func (r Range) Fraction() float64 {
	if r.full {
		return 1
	}
	return r.factory.Fraction(r.start, r.end)
}

// IsWrappedAround reports whether the range crosses the ring's minimum token.
// A range ending exactly at the minimum token runs to the end of the ring and
// does not wrap.
func (r Range) IsWrappedAround() bool {
	return r.start.Cmp(r.end) > 0 && !r.factory.isMin(r.end)
}

// Unwrap splits a wrapping range at the minimum token into two non-wrapping
// ranges. Other ranges are returned unchanged.
func (r Range) Unwrap() []Range {
	if !r.IsWrappedAround() {
		return []Range{r}
	}
	min := r.factory.MinToken()
	return []Range{
		NewRange(r.factory, r.start, min, r.replicas),
		NewRange(r.factory, min, r.end, r.replicas),
	}
}

// Contains reports whether t falls in [start, end).
func (r Range) Contains(t Token) bool {
	if r.full {
		return true
	}
	afterStart := t.Cmp(r.start) >= 0
	if r.factory.isMin(r.end) {
		return afterStart
	}
	beforeEnd := t.Cmp(r.end) < 0
	if r.start.Cmp(r.end) > 0 {
		return afterStart || beforeEnd
	}
	return afterStart && beforeEnd
}

// Equal compares bounds and replicas.
func (r Range) Equal(o Range) bool {
	return r.start.Equal(o.start) && r.end.Equal(o.end) && r.full == o.full && r.replicas.Equal(o.replicas)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s,%s)%s", r.start, r.end, r.replicas)
}

// SortRanges orders ranges by (start, end) in place.
func SortRanges(ranges []Range) {
	sort.SliceStable(ranges, func(i, j int) bool {
		if c := ranges[i].start.Cmp(ranges[j].start); c != 0 {
			return c < 0
		}
		return ranges[i].end.Less(ranges[j].end)
	})
}

// TotalSize sums the sizes of ranges.
func TotalSize(ranges []Range) *big.Int {
	total := new(big.Int)
	for _, r := range ranges {
		total.Add(total, r.Size())
	}
	return total
}
