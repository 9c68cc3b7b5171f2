package server

import (
	"context"
	"errors"

	"github.com/zztaki/curve/pkg/copyset"
)

// ErrCopysetNotFound is returned for copysets this process does not host.
var ErrCopysetNotFound = errors.New("copyset not hosted")

// Copyset is the part of a copyset node the HTTP surface uses.
type Copyset interface {
	Name() string
	// IsLeaderTerm and LeaderID are lock-free, GetStatus goes through the
	// engine.
	IsLeaderTerm() bool
	LeaderID() copyset.PeerID
	GetStatus() copyset.NodeStatus
	GetLeaderStatus(ctx context.Context) (copyset.NodeStatus, error)
	ListPeers() []copyset.PeerID
	GetPartitionInfoList() ([]copyset.PartitionInfo, error)
	Propose(task *copyset.Task)
	MetaStore() copyset.MetaStore
	Engine() copyset.Engine
}

// Registry resolves hosted copysets.
type Registry interface {
	Lookup(poolID copyset.PoolID, copysetID copyset.CopysetID) (Copyset, bool)
	Statuses() []copyset.NodeStatus
	PartitionInfoList() ([]copyset.CopysetPartitions, error)
}

// ManagerRegistry serves a copyset.Manager.
type ManagerRegistry struct {
	Manager *copyset.Manager
}

func (r ManagerRegistry) Lookup(poolID copyset.PoolID, copysetID copyset.CopysetID) (Copyset, bool) {
	n, ok := r.Manager.Get(poolID, copysetID)
	if !ok {
		return nil, false
	}
	return n, true
}

func (r ManagerRegistry) Statuses() []copyset.NodeStatus {
	nodes := r.Manager.List()
	out := make([]copyset.NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.GetStatus())
	}
	return out
}

func (r ManagerRegistry) PartitionInfoList() ([]copyset.CopysetPartitions, error) {
	return r.Manager.PartitionInfoList()
}

var (
	_ Registry = ManagerRegistry{}
	_ Copyset  = (*copyset.Node)(nil)
)
