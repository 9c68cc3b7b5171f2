package raftengine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/raft"

	"github.com/zztaki/curve/pkg/copyset"
)

// fsm adapts raft's BatchingFSM to the copyset callback contract.
//
// Command entries reach OnApply in runs, membership entries reach
// OnConfigurationCommitted between them, so the commit order is kept.
// Every command entry carries a buffered result channel; that channel is the
// ApplyFuture response the proposer waits on.
type fsm struct {
	sm      copyset.StateMachine
	applied copyset.AppliedIndexSource
	snaps   *AppliedIndexSnapshotStore
	logger  *slog.Logger
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	return f.ApplyBatch([]*raft.Log{l})[0]
}

func (f *fsm) ApplyBatch(logs []*raft.Log) []interface{} {
	resp := make([]interface{}, len(logs))

	var run []copyset.Entry
	flush := func() {
		if len(run) > 0 {
			f.sm.OnApply(copyset.NewEntryIterator(run))
			run = nil
		}
	}

	for i, l := range logs {
		switch l.Type {
		case raft.LogCommand:
			ch := make(chan copyset.Result, 1)
			run = append(run, copyset.Entry{
				Index: l.Index,
				Term:  l.Term,
				Data:  l.Data,
				Done:  func(res copyset.Result) { ch <- res },
			})
			resp[i] = ch
		case raft.LogConfiguration:
			flush()
			f.sm.OnConfigurationCommitted(fromRaftConfiguration(raft.DecodeConfiguration(l.Data)), l.Index)
		}
	}
	flush()
	return resp
}

// StoreConfiguration is used by raft when it does not batch. Delivery of an
// index already seen is ignored by the node.
func (f *fsm) StoreConfiguration(index uint64, conf raft.Configuration) {
	f.sm.OnConfigurationCommitted(fromRaftConfiguration(conf), index)
}

// Snapshot runs on raft's FSM goroutine. The node captures its state before
// returning; streaming into the pipe happens while raft calls Persist.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	f.sm.OnSnapshotSave(pw, func(res copyset.Result) { done <- res.Err })
	// OnApply cannot run until we return, so this is the frame's index.
	if f.snaps != nil && f.applied != nil {
		f.snaps.Capture(f.applied.AppliedIndex())
	}
	return &pipeSnapshot{r: pr, done: done}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return f.sm.OnSnapshotLoad(rc)
}

// pipeSnapshot implements raft.FSMSnapshot.
type pipeSnapshot struct {
	r    *io.PipeReader
	done chan error
}

// Persist copies the snapshot frame into the sink.
func (s *pipeSnapshot) Persist(sink raft.SnapshotSink) error {
	_, err := io.Copy(sink, s.r)
	if err != nil {
		s.r.CloseWithError(err)
	}
	if werr := <-s.done; err == nil {
		err = werr
	}
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return sink.Close()
}

// Release unblocks the writer if Persist was never called.
func (s *pipeSnapshot) Release() {
	s.r.Close()
}

var (
	_ raft.BatchingFSM = (*fsm)(nil)
	_ raft.FSMSnapshot = (*pipeSnapshot)(nil)
)
