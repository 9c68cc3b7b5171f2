package copyset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopysetPartitions groups the partitions of one hosted copyset.
type CopysetPartitions struct {
	PoolID     PoolID          `json:"pool_id"`
	CopysetID  CopysetID       `json:"copyset_id"`
	IsLeader   bool            `json:"is_leader"`
	Epoch      uint64          `json:"epoch"`
	Partitions []PartitionInfo `json:"partitions"`
}

// Manager hosts the copysets of one metaserver.
type Manager struct {
	opts   NodeOptions
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[GroupID]*Node
}

// NewManager returns a Manager that initializes every node with opts.
func NewManager(opts NodeOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: logger.With("component", "copyset-manager"),
		nodes:  make(map[GroupID]*Node),
	}
}

// NodeOption overrides the manager's NodeOptions for one copyset.
type NodeOption func(*NodeOptions)

// WithPeerID sets the replica id of one copyset. Every copyset hosted by a
// process needs its own transport address.
func WithPeerID(peer PeerID) NodeOption {
	return func(o *NodeOptions) {
		o.PeerID = peer
	}
}

// CreateCopyset creates and initializes a node. It is not started.
func (m *Manager) CreateCopyset(poolID PoolID, copysetID CopysetID, conf Configuration, opts ...NodeOption) (*Node, error) {
	gid := ToGroupID(poolID, copysetID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[gid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCopysetExists, Name(poolID, copysetID))
	}

	nodeOpts := m.opts
	for _, o := range opts {
		o(&nodeOpts)
	}

	node := NewNode(poolID, copysetID, conf)
	if err := node.Init(nodeOpts); err != nil {
		return nil, err
	}
	m.nodes[gid] = node
	m.logger.Info("copyset created", "copyset", node.Name(), "peers", conf.Peers)
	return node, nil
}

// Get returns the hosted node for (pool, copyset).
func (m *Manager) Get(poolID PoolID, copysetID CopysetID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[ToGroupID(poolID, copysetID)]
	return n, ok
}

// List returns hosted nodes ordered by group id.
func (m *Manager) List() []*Node {
	m.mu.RLock()
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.RUnlock()

	slices.SortFunc(nodes, func(a, b *Node) int {
		switch {
		case a.groupID < b.groupID:
			return -1
		case a.groupID > b.groupID:
			return 1
		}
		return 0
	})
	return nodes
}

// StartAll starts every hosted node in parallel.
func (m *Manager) StartAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range m.List() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return n.Start()
		})
	}
	return g.Wait()
}

// StopAll stops every hosted node in parallel and waits for all of them.
func (m *Manager) StopAll() {
	var g errgroup.Group
	for _, n := range m.List() {
		g.Go(func() error {
			n.Stop()
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("all copysets stopped")
}

// RemoveCopyset stops the node and drops it from the manager. Its data
// directory is left in place.
func (m *Manager) RemoveCopyset(poolID PoolID, copysetID CopysetID) error {
	gid := ToGroupID(poolID, copysetID)

	m.mu.Lock()
	node, ok := m.nodes[gid]
	delete(m.nodes, gid)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("copyset %s not hosted", Name(poolID, copysetID))
	}
	node.Stop()
	return nil
}

// PartitionInfoList collects partitions of every running copyset for the
// heartbeat. Copysets that fail are skipped and reported in the joined error.
func (m *Manager) PartitionInfoList() ([]CopysetPartitions, error) {
	var (
		out  []CopysetPartitions
		errs []error
	)
	for _, n := range m.List() {
		parts, err := n.GetPartitionInfoList()
		if err != nil {
			errs = append(errs, fmt.Errorf("copyset %s: %w", n.Name(), err))
			continue
		}
		out = append(out, CopysetPartitions{
			PoolID:     n.PoolID(),
			CopysetID:  n.CopysetID(),
			IsLeader:   n.IsLeaderTerm(),
			Epoch:      n.Epoch(),
			Partitions: parts,
		})
	}
	return out, errors.Join(errs...)
}
