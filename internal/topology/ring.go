// Package topology builds token ring snapshots from node token ownership,
// either declared statically or discovered through gossip.
package topology

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/token"
)

// Ring is an immutable snapshot of token ownership. A node owns the range
// starting at each of its tokens and ending at the next token of the ring;
// the range is replicated on the first ReplicationFactor distinct nodes met
// walking the ring clockwise from there.
type Ring struct {
	factory *token.Factory
	tokens  []token.Token
	owners  []string
	ranges  []token.Range
	nodes   int
	rf      int
}

// NewRing builds a ring from node -> tokens ownership. The replication factor
// is capped at the number of nodes.
func NewRing(f *token.Factory, ownership map[string][]token.Token, replicationFactor int) (*Ring, error) {
	if replicationFactor < 1 {
		return nil, errors.InvalidConfig("topology.replication_factor",
			fmt.Sprintf("must be positive, got %d", replicationFactor))
	}

	type entry struct {
		t     token.Token
		owner string
	}
	entries := make([]entry, 0)
	nodes := 0
	for node, tokens := range ownership {
		if len(tokens) == 0 {
			continue
		}
		nodes++
		for _, t := range tokens {
			entries = append(entries, entry{t: t, owner: node})
		}
	}
	if len(entries) == 0 {
		return nil, errors.InvalidTopology("no node owns any token", nil)
	}

	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].t.Cmp(entries[j].t); c != 0 {
			return c < 0
		}
		return entries[i].owner < entries[j].owner
	})
	for i := 1; i < len(entries); i++ {
		if entries[i].t.Equal(entries[i-1].t) {
			return nil, errors.InvalidTopology(fmt.Sprintf("token %s is owned by both %s and %s",
				entries[i].t, entries[i-1].owner, entries[i].owner), nil)
		}
	}

	if replicationFactor > nodes {
		replicationFactor = nodes
	}
	r := &Ring{
		factory: f,
		tokens:  make([]token.Token, len(entries)),
		owners:  make([]string, len(entries)),
		nodes:   nodes,
		rf:      replicationFactor,
	}
	for i, e := range entries {
		r.tokens[i] = e.t
		r.owners[i] = e.owner
	}

	r.ranges = make([]token.Range, len(entries))
	for i := range entries {
		next := r.tokens[(i+1)%len(entries)]
		r.ranges[i] = token.NewRange(f, r.tokens[i], next, r.replicasAt(i))
	}
	return r, nil
}

// replicasAt collects the distinct owners walking clockwise from index i.
func (r *Ring) replicasAt(i int) token.ReplicaSet {
	seen := make(map[string]bool, r.rf)
	ids := make([]string, 0, r.rf)
	for step := 0; step < len(r.tokens) && len(ids) < r.rf; step++ {
		owner := r.owners[(i+step)%len(r.tokens)]
		if !seen[owner] {
			seen[owner] = true
			ids = append(ids, owner)
		}
	}
	return token.NewReplicaSet(ids...)
}

func (r *Ring) TokenFactory() *token.Factory { return r.factory }

// TokenRanges returns a copy of the ring's ranges, sorted by start token.
func (r *Ring) TokenRanges(context.Context) ([]token.Range, error) {
	return append([]token.Range(nil), r.ranges...), nil
}

// NodeCount returns the number of nodes owning at least one token.
func (r *Ring) NodeCount() int { return r.nodes }

// ReplicationFactor returns the effective replication factor.
func (r *Ring) ReplicationFactor() int { return r.rf }

// Replicas returns the replicas of the range containing t.
func (r *Ring) Replicas(t token.Token) token.ReplicaSet {
	// last token <= t, or the last token of the ring when t precedes them all
	idx := sort.Search(len(r.tokens), func(i int) bool { return r.tokens[i].Cmp(t) > 0 }) - 1
	if idx < 0 {
		idx = len(r.tokens) - 1
	}
	return r.ranges[idx].Replicas()
}

// ReplicasFor resolves stmt by its routing token, or by the xxhash of its
// routing key.
func (r *Ring) ReplicasFor(stmt driver.Statement) (token.ReplicaSet, bool) {
	if t, ok := stmt.RoutingToken(); ok {
		return r.Replicas(t), true
	}
	if key := stmt.RoutingKey(); key != nil {
		return r.Replicas(r.factory.FromHash(xxhash.Sum64(key))), true
	}
	return token.ReplicaSet{}, false
}

// VNodeTokens derives count tokens for node the way consistent hashing
// places virtual nodes: one hashed token per "<node>-vnode-<i>".
func VNodeTokens(f *token.Factory, node string, count int) []token.Token {
	tokens := make([]token.Token, 0, count)
	for i := 0; i < count; i++ {
		tokens = append(tokens, f.FromHash(xxhash.Sum64String(fmt.Sprintf("%s-vnode-%d", node, i))))
	}
	return tokens
}
