package topology

import (
	"fmt"

	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/token"
)

// NodeSpec declares the tokens of one node. Explicit tokens and generated
// virtual node tokens may be combined.
type NodeSpec struct {
	ID     string
	Tokens []string
	VNodes int
}

// NewStaticRing builds a ring from declared nodes.
func NewStaticRing(f *token.Factory, nodes []NodeSpec, replicationFactor int) (*Ring, error) {
	ownership := make(map[string][]token.Token, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, errors.InvalidConfig("topology.nodes", "node id is required")
		}
		if _, dup := ownership[n.ID]; dup {
			return nil, errors.InvalidConfig("topology.nodes", fmt.Sprintf("node %s declared twice", n.ID))
		}
		tokens := make([]token.Token, 0, len(n.Tokens)+n.VNodes)
		for _, s := range n.Tokens {
			t, err := f.Parse(s)
			if err != nil {
				return nil, errors.InvalidConfig("topology.nodes", err.Error())
			}
			tokens = append(tokens, t)
		}
		tokens = append(tokens, VNodeTokens(f, n.ID, n.VNodes)...)
		ownership[n.ID] = tokens
	}
	return NewRing(f, ownership, replicationFactor)
}
