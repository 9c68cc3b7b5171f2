package raftengine

import (
	"errors"
	"time"

	"github.com/hashicorp/raft"

	"github.com/zztaki/curve/pkg/copyset"
)

var errUnexpectedShutdown = errors.New("raft shut down unexpectedly")

// roleCheckInterval bounds how long a dropped observation can leave the
// node's view of its role behind raft's.
const roleCheckInterval = 200 * time.Millisecond

// raftRole is what the watch loop reads from raft. Both accessors are
// lock-free in hashicorp/raft.
type raftRole interface {
	State() raft.RaftState
	CurrentTerm() uint64
	LeaderWithID() (raft.ServerAddress, raft.ServerID)
}

// roleTracker is the role last reported to the state machine. Only the
// watch goroutine touches it.
type roleTracker struct {
	leading  bool
	term     int64
	followed copyset.PeerID
	shutdown bool
}

// startObserver must be called with e.mu held.
func (e *Engine) startObserver() {
	ch := make(chan raft.Observation, 64)
	// Non-blocking: raft drops observations when ch is full. Observations
	// only wake the loop, the role itself is read from raft.
	e.observer = raft.NewObserver(ch, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.RaftState, raft.LeaderObservation:
			return true
		}
		return false
	})
	e.raft.RegisterObserver(e.observer)

	r := e.raft
	e.wg.Add(1)
	go e.watch(r, ch)
}

func (e *Engine) watch(r raftRole, ch <-chan raft.Observation) {
	defer e.wg.Done()

	ticker := time.NewTicker(roleCheckInterval)
	defer ticker.Stop()

	rt := &roleTracker{}
	e.reconcile(r, rt)
	for {
		select {
		case <-ch:
			e.reconcile(r, rt)
		case <-ticker.C:
			e.reconcile(r, rt)
		case <-e.stopCh:
			if rt.leading {
				e.sm.OnLeaderStop(copyset.ErrStopped)
			}
			return
		}
	}
}

// reconcile brings the reported role in line with raft's current one.
// Leadership only starts when the term did not move while the state was
// read, so a reported term is always one this node led.
func (e *Engine) reconcile(r raftRole, rt *roleTracker) {
	before := r.CurrentTerm()
	st := r.State()
	term := int64(r.CurrentTerm())
	stable := uint64(term) == before

	leader := st == raft.Leader && stable
	if rt.leading && (!leader || term != rt.term) {
		rt.leading = false
		e.sm.OnLeaderStop(copyset.ErrLeadershipLost)
	}
	if leader && !rt.leading {
		rt.leading, rt.term = true, term
		e.logger.Info("leader elected", "term", term)
		e.sm.OnLeaderStart(term)
	}

	if st == raft.Shutdown && !rt.shutdown {
		rt.shutdown = true
		if !e.closing.Load() {
			e.sm.OnError(errUnexpectedShutdown)
		}
	}

	_, id := r.LeaderWithID()
	e.onLeader(rt, copyset.PeerID(id), term)
}

func (e *Engine) onLeader(rt *roleTracker, leader copyset.PeerID, term int64) {
	if leader == e.opts.PeerID {
		leader = ""
	}
	if leader == rt.followed {
		return
	}

	if rt.followed != "" {
		e.sm.OnStopFollowing(copyset.LeaderChangeContext{
			LeaderID: rt.followed,
			Term:     term,
			Cause:    copyset.ErrLeadershipLost,
		})
	}
	rt.followed = leader
	if leader != "" {
		e.sm.OnStartFollowing(copyset.LeaderChangeContext{LeaderID: leader, Term: term})
	}
}
