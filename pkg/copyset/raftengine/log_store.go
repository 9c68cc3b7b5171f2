package raftengine

import (
	"github.com/hashicorp/raft"

	"github.com/zztaki/curve/pkg/copyset"
)

// AppliedIndexLogStore wraps a LogStore so compaction never deletes entries
// the copyset has not applied yet.
//
// Raft truncates relative to its own applied index, which counts entries as
// soon as OnApply returns. The node applies them later from its queue. If the
// process dies in between, those entries must still be in the log to be
// replayed.
type AppliedIndexLogStore struct {
	inner   raft.LogStore
	applied copyset.AppliedIndexSource
}

// NewAppliedIndexLogStore wraps inner, gating DeleteRange on applied.
func NewAppliedIndexLogStore(inner raft.LogStore, applied copyset.AppliedIndexSource) *AppliedIndexLogStore {
	return &AppliedIndexLogStore{
		inner:   inner,
		applied: applied,
	}
}

func (s *AppliedIndexLogStore) FirstIndex() (uint64, error) {
	return s.inner.FirstIndex()
}

func (s *AppliedIndexLogStore) LastIndex() (uint64, error) {
	return s.inner.LastIndex()
}

func (s *AppliedIndexLogStore) GetLog(index uint64, log *raft.Log) error {
	return s.inner.GetLog(index, log)
}

func (s *AppliedIndexLogStore) StoreLog(log *raft.Log) error {
	return s.inner.StoreLog(log)
}

func (s *AppliedIndexLogStore) StoreLogs(logs []*raft.Log) error {
	return s.inner.StoreLogs(logs)
}

// DeleteRange deletes [min, max] capped at the applied index.
func (s *AppliedIndexLogStore) DeleteRange(min, max uint64) error {
	if applied := s.applied.AppliedIndex(); applied < max {
		max = applied
	}
	if min > max {
		return nil
	}
	return s.inner.DeleteRange(min, max)
}

var _ raft.LogStore = (*AppliedIndexLogStore)(nil)
