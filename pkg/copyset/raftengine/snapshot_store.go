package raftengine

import (
	"io"
	"sync/atomic"

	"github.com/hashicorp/raft"
)

// AppliedIndexSnapshotStore makes the snapshot meta index agree with the
// applied index written into the snapshot frame.
//
// Raft snapshots at the last entry its FSM goroutine saw, which includes
// barrier entries the copyset never applies. The node's applied index may
// trail by those. When it does, the meta index of a snapshot this node took
// is lowered to the node's index and its term is read back from the log.
// Snapshots installed from a leader are passed through unchanged.
type AppliedIndexSnapshotStore struct {
	inner raft.SnapshotStore
	logs  raft.LogStore
	// applied index captured by the last local snapshot, 0 when none is
	// pending.
	pending atomic.Uint64
}

// NewAppliedIndexSnapshotStore wraps inner. logs is used to look up the term
// of a lowered index.
func NewAppliedIndexSnapshotStore(inner raft.SnapshotStore, logs raft.LogStore) *AppliedIndexSnapshotStore {
	return &AppliedIndexSnapshotStore{
		inner: inner,
		logs:  logs,
	}
}

// Capture records the applied index of a snapshot the FSM just captured.
// The next Create consumes it.
func (s *AppliedIndexSnapshotStore) Capture(applied uint64) {
	s.pending.Store(applied)
}

// Create lowers index to the captured applied index when the entry there is
// still in the log.
func (s *AppliedIndexSnapshotStore) Create(
	version raft.SnapshotVersion,
	index, term uint64,
	configuration raft.Configuration,
	configurationIndex uint64,
	trans raft.Transport,
) (raft.SnapshotSink, error) {
	applied := s.pending.Swap(0)
	if applied > 0 && applied < index && applied >= configurationIndex {
		var l raft.Log
		if err := s.logs.GetLog(applied, &l); err == nil {
			index, term = applied, l.Term
		}
	}
	return s.inner.Create(version, index, term, configuration, configurationIndex, trans)
}

func (s *AppliedIndexSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	return s.inner.List()
}

func (s *AppliedIndexSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	return s.inner.Open(id)
}

var _ raft.SnapshotStore = (*AppliedIndexSnapshotStore)(nil)
