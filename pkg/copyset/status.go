package copyset

import (
	"context"
	"fmt"
)

// NodeStatus is a point-in-time view of a node.
type NodeStatus struct {
	PoolID            PoolID        `json:"pool_id"`
	CopysetID         CopysetID     `json:"copyset_id"`
	GroupID           GroupID       `json:"group_id"`
	Name              string        `json:"name"`
	PeerID            PeerID        `json:"peer_id"`
	State             string        `json:"state"`
	Leader            PeerID        `json:"leader"`
	LeaderTerm        int64         `json:"leader_term"`
	IsLeader          bool          `json:"is_leader"`
	Degraded          bool          `json:"degraded"`
	Epoch             uint64        `json:"epoch"`
	ConfIndex         uint64        `json:"conf_index"`
	Peers             []PeerID      `json:"peers"`
	AppliedIndex      uint64        `json:"applied_index"`
	LastSnapshotIndex uint64        `json:"last_snapshot_index"`
	QueueDepth        int           `json:"queue_depth"`
	Engine            *EngineStatus `json:"engine,omitempty"`
}

// GetStatus returns the local view of the node.
func (n *Node) GetStatus() NodeStatus {
	ce := n.ConfEpoch()
	st := NodeStatus{
		PoolID:            n.poolID,
		CopysetID:         n.copysetID,
		GroupID:           n.groupID,
		Name:              n.name,
		PeerID:            n.opts.PeerID,
		State:             nodeState(n.state.Load()).String(),
		Leader:            n.LeaderID(),
		LeaderTerm:        n.LeaderTerm(),
		IsLeader:          n.IsLeaderTerm(),
		Degraded:          n.Degraded(),
		Epoch:             ce.Epoch,
		ConfIndex:         ce.ConfIndex,
		Peers:             ce.Configuration.Peers,
		AppliedIndex:      n.AppliedIndex(),
		LastSnapshotIndex: n.LastSnapshotIndex(),
	}
	if n.queue != nil {
		st.QueueDepth = n.queue.Len()
	}
	if n.engine != nil && nodeState(n.state.Load()) == stateStarted {
		es := n.engine.Status()
		st.Engine = &es
	}
	return st
}

// GetLeaderStatus returns the leader's status, asking the remote leader
// through the configured LeaderStatusFetcher when this replica is not it.
func (n *Node) GetLeaderStatus(ctx context.Context) (NodeStatus, error) {
	if n.IsLeaderTerm() {
		return n.GetStatus(), nil
	}
	leader := n.LeaderID()
	switch {
	case leader == "":
		return NodeStatus{}, ErrNoLeader
	case leader == n.opts.PeerID:
		return n.GetStatus(), nil
	case n.opts.LeaderStatusFetcher == nil:
		return NodeStatus{}, ErrLeaderStatusUnavailable
	}

	st, err := n.opts.LeaderStatusFetcher.FetchLeaderStatus(ctx, leader, n.poolID, n.copysetID)
	if err != nil {
		return NodeStatus{}, fmt.Errorf("fetch leader %s status: %w", leader, err)
	}
	return st, nil
}

// GetPartitionInfoList returns the partitions hosted by this copyset.
func (n *Node) GetPartitionInfoList() ([]PartitionInfo, error) {
	if n.store == nil {
		return nil, ErrNotInitialized
	}
	if n.stopping.Load() {
		return nil, ErrStopped
	}
	return n.store.Partitions()
}
