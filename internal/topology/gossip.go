package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/devrev/pairdb/bulkloader/internal/token"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// NodeMeta is what storage nodes advertise in their gossip metadata.
type NodeMeta struct {
	Partitioner string   `json:"partitioner"`
	Tokens      []string `json:"tokens"`
}

// EncodeNodeMeta serializes meta for memberlist.
func EncodeNodeMeta(meta NodeMeta) ([]byte, error) {
	return json.Marshal(meta)
}

// GossipConfig holds gossip discovery configuration
type GossipConfig struct {
	NodeName          string
	BindAddr          string
	BindPort          int
	SeedNodes         []string
	JoinTimeout       time.Duration
	GossipInterval    time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	ReplicationFactor int
	// Meta is advertised by this member. The loader itself owns no tokens.
	Meta NodeMeta
}

// GossipSource discovers the ring from the cluster's gossip membership.
// Every alive member advertising tokens contributes to the ring.
type GossipSource struct {
	config     *GossipConfig
	factory    *token.Factory
	memberlist *memberlist.Memberlist
	logger     *zap.Logger
	meta       []byte

	mu    sync.Mutex
	ring  *Ring
	dirty bool
}

// NewGossipSource joins the cluster through the seed nodes, retrying with
// exponential backoff until JoinTimeout elapses.
func NewGossipSource(cfg *GossipConfig, f *token.Factory, logger *zap.Logger) (*GossipSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.SeedNodes) == 0 {
		return nil, errors.InvalidConfig("topology.gossip.seed_nodes", "at least one seed node is required")
	}
	meta, err := EncodeNodeMeta(cfg.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node meta: %w", err)
	}

	gs := &GossipSource{
		config:  cfg,
		factory: f,
		logger:  logger,
		meta:    meta,
		dirty:   true,
	}

	mlConfig := memberlist.DefaultLANConfig()
	if cfg.NodeName != "" {
		mlConfig.Name = cfg.NodeName
	}
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{source: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if err := gs.join(); err != nil {
		_ = ml.Shutdown()
		return nil, errors.InvalidTopology("failed to join the cluster", err)
	}
	return gs, nil
}

func (s *GossipSource) join() error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.config.JoinTimeout
	if policy.MaxElapsedTime <= 0 {
		policy.MaxElapsedTime = 30 * time.Second
	}

	operation := func() error {
		n, err := s.memberlist.Join(s.config.SeedNodes)
		if err != nil {
			s.logger.Warn("Failed to join seed nodes, retrying",
				zap.Strings("seed_nodes", s.config.SeedNodes),
				zap.Error(err))
			return err
		}
		s.logger.Info("Joined cluster",
			zap.Int("contacted", n),
			zap.Int("members", s.memberlist.NumMembers()))
		return nil
	}
	return backoff.Retry(operation, policy)
}

func (s *GossipSource) TokenFactory() *token.Factory { return s.factory }

// TokenRanges returns the ranges of the current membership snapshot.
func (s *GossipSource) TokenRanges(ctx context.Context) ([]token.Range, error) {
	ring, err := s.Ring()
	if err != nil {
		return nil, err
	}
	return ring.TokenRanges(ctx)
}

// ReplicasFor resolves stmt against the current ring.
func (s *GossipSource) ReplicasFor(stmt driver.Statement) (token.ReplicaSet, bool) {
	ring, err := s.Ring()
	if err != nil {
		return token.ReplicaSet{}, false
	}
	return ring.ReplicasFor(stmt)
}

// Ring returns the ring built from the alive members, rebuilt only after a
// membership change.
func (s *GossipSource) Ring() (*Ring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty && s.ring != nil {
		return s.ring, nil
	}
	ring, err := RingFromMembers(s.factory, s.memberlist.Members(), s.config.ReplicationFactor, s.logger)
	if err != nil {
		return nil, err
	}
	s.ring = ring
	s.dirty = false
	return ring, nil
}

func (s *GossipSource) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// Shutdown leaves the cluster.
func (s *GossipSource) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster gracefully", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// RingFromMembers builds a ring from members' advertised tokens. Members
// without tokens, such as other loaders, are skipped; members using another
// partitioner are rejected.
func RingFromMembers(f *token.Factory, members []*memberlist.Node, replicationFactor int, logger *zap.Logger) (*Ring, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ownership := make(map[string][]token.Token, len(members))
	for _, m := range members {
		if len(m.Meta) == 0 {
			continue
		}
		var meta NodeMeta
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			logger.Warn("Ignoring member with unreadable meta",
				zap.String("node_id", m.Name),
				zap.Error(err))
			continue
		}
		if len(meta.Tokens) == 0 {
			continue
		}
		if meta.Partitioner != "" && meta.Partitioner != f.Name() {
			return nil, errors.InvalidTopology(fmt.Sprintf("member %s uses partitioner %s, expected %s",
				m.Name, meta.Partitioner, f.Name()), nil)
		}
		tokens := make([]token.Token, 0, len(meta.Tokens))
		for _, s := range meta.Tokens {
			t, err := f.Parse(s)
			if err != nil {
				return nil, errors.InvalidTopology(fmt.Sprintf("member %s advertises an invalid token", m.Name), err)
			}
			tokens = append(tokens, t)
		}
		ownership[m.Name] = tokens
	}
	return NewRing(f, ownership, replicationFactor)
}

// NodeMeta implements memberlist.Delegate
func (s *GossipSource) NodeMeta(limit int) []byte {
	if len(s.meta) > limit {
		s.logger.Warn("Node meta exceeds gossip limit, advertising nothing",
			zap.Int("size", len(s.meta)),
			zap.Int("limit", limit))
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipSource) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipSource) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipSource) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipSource) MergeRemoteState(buf []byte, join bool) {}

// gossipEventDelegate invalidates the cached ring on membership changes.
type gossipEventDelegate struct {
	source *GossipSource
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.source.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.source.invalidate()
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.source.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.source.invalidate()
}

// NotifyUpdate is called when a node is updated
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.source.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
	d.source.invalidate()
}
