package copyset

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type nodeState int32

const (
	stateUninitialized nodeState = iota
	stateInitialized
	stateStarted
	stateStopped
)

func (s nodeState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// confState is replaced as a whole, never mutated in place.
type confState struct {
	epoch     uint64
	confIndex uint64
	conf      Configuration
}

// Node is the replicated state machine of one copyset.
//
// The engine drives it through the StateMachine callbacks. Decoded entries
// are applied to the MetaStore by a single ApplyQueue worker, so the store
// sees exactly the commit order.
type Node struct {
	poolID    PoolID
	copysetID CopysetID
	groupID   GroupID
	name      string

	opts    NodeOptions
	dataDir string
	logger  *slog.Logger

	// lifecycleMu serializes Init, Start and Stop. Callbacks never take it.
	lifecycleMu sync.Mutex
	state       atomic.Int32
	stopping    atomic.Bool
	degraded    atomic.Bool

	// -1 unless this replica believes it leads the current term.
	leaderTerm        atomic.Int64
	appliedIndex      atomic.Uint64
	lastSnapshotIndex atomic.Uint64
	following         atomic.Pointer[LeaderChangeContext]

	confMu sync.RWMutex
	conf   *confState

	store     MetaStore
	confStore ConfEpochStore
	queue     *ApplyQueue
	metric    Metric
	engine    Engine

	snapshotWG sync.WaitGroup
}

// NewNode creates an uninitialized node. conf is the initial membership and
// is replaced by a persisted one during Init.
func NewNode(poolID PoolID, copysetID CopysetID, conf Configuration) *Node {
	n := &Node{
		poolID:    poolID,
		copysetID: copysetID,
		groupID:   ToGroupID(poolID, copysetID),
		name:      Name(poolID, copysetID),
		logger:    slog.Default(),
		conf:      &confState{conf: conf.Clone()},
		metric:    noopMetric{},
	}
	n.leaderTerm.Store(-1)
	return n
}

// Init opens the node's durable state and builds the engine binding.
func (n *Node) Init(opts NodeOptions) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	switch nodeState(n.state.Load()) {
	case stateUninitialized:
	case stateStopped:
		return ErrStopped
	default:
		return ErrAlreadyInitialized
	}

	if err := n.init(opts); err != nil {
		return &InitError{Copyset: n.name, Err: err}
	}
	n.state.Store(int32(stateInitialized))

	ce := n.ConfEpoch()
	n.logger.Info("copyset initialized",
		"dir", n.dataDir,
		"epoch", ce.Epoch,
		"conf_index", ce.ConfIndex,
		"peers", ce.Configuration.Peers,
		"applied_index", n.AppliedIndex())
	return nil
}

func (n *Node) init(opts NodeOptions) (err error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return err
	}
	root, err := ParseDataURI(opts.DataURI)
	if err != nil {
		return err
	}

	n.opts = opts
	n.logger = opts.Logger.With("component", "copyset", "copyset", n.name)
	n.dataDir = CopysetDataDir(root, n.poolID, n.copysetID)
	if err := os.MkdirAll(n.dataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	confStore, err := opts.ConfEpochStoreFactory(filepath.Join(n.dataDir, opts.ConfEpochFile), n.poolID, n.copysetID)
	if err != nil {
		return fmt.Errorf("open conf epoch store: %w", err)
	}
	defer func() {
		if err != nil {
			confStore.Close()
		}
	}()

	ce, err := confStore.Load()
	switch {
	case err == nil:
		cs := &confState{epoch: ce.Epoch, confIndex: ce.ConfIndex, conf: ce.Configuration.Clone()}
		if cs.conf.Empty() {
			cs.conf = n.conf.conf
		}
		n.conf = cs
	case errors.Is(err, ErrConfEpochNotFound):
	default:
		return fmt.Errorf("load conf epoch: %w", err)
	}

	store, err := opts.MetaStoreFactory(StoreOptions{
		Dir:    n.dataDir,
		Name:   n.name,
		Logger: opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("open meta store: %w", err)
	}
	defer func() {
		if err != nil {
			store.Close()
		}
	}()

	queueOpts := opts.ApplyQueue
	if queueOpts.Logger == nil {
		queueOpts.Logger = n.logger
	}
	queue := NewApplyQueue(queueOpts)

	metric := Metric(noopMetric{})
	if opts.MetricFactory != nil {
		if m := opts.MetricFactory(n.name); m != nil {
			metric = m
		}
	}

	n.confStore = confStore
	n.store = store
	n.queue = queue
	n.metric = metric
	n.appliedIndex.Store(max(store.AppliedIndex(), n.conf.confIndex))

	engine, err := opts.EngineFactory(n, EngineOptions{
		GroupID:       n.groupID,
		Name:          n.name,
		PeerID:        opts.PeerID,
		Configuration: n.conf.conf.Clone(),
		Dir:           filepath.Join(n.dataDir, opts.EngineDir),
		Logger:        opts.Logger,
		Applied:       n,
	})
	if err != nil {
		n.confStore, n.store, n.queue = nil, nil, nil
		return fmt.Errorf("create engine: %w", err)
	}
	n.engine = engine
	return nil
}

// Start starts the apply worker and the engine.
func (n *Node) Start() error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	switch nodeState(n.state.Load()) {
	case stateUninitialized:
		return ErrNotInitialized
	case stateStarted:
		return nil
	case stateStopped:
		return ErrStopped
	}

	n.queue.Start()
	if err := n.engine.Start(); err != nil {
		return &EngineBootstrapError{Copyset: n.name, Err: err}
	}
	n.state.Store(int32(stateStarted))
	n.logger.Info("copyset started", "peer", n.opts.PeerID)
	return nil
}

// Stop shuts the node down and waits for apply and snapshot work to finish.
func (n *Node) Stop() {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	prev := nodeState(n.state.Load())
	if prev == stateStopped {
		return
	}
	n.stopping.Store(true)
	n.state.Store(int32(stateStopped))
	if prev == stateUninitialized {
		return
	}

	if err := n.engine.Shutdown(); err != nil {
		n.logger.Warn("engine shutdown", "error", err)
	}
	n.queue.Stop()
	n.snapshotWG.Wait()
	n.leaderTerm.Store(-1)

	if err := n.store.Close(); err != nil {
		n.logger.Warn("close meta store", "error", err)
	}
	if err := n.confStore.Close(); err != nil {
		n.logger.Warn("close conf epoch store", "error", err)
	}
	n.logger.Info("copyset stopped", "applied_index", n.AppliedIndex())
}

// Propose submits task to the log. It never blocks; task.Done runs exactly
// once with the outcome.
func (n *Node) Propose(task *Task) {
	if task == nil {
		return
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if err := n.proposeError(); err != nil {
		n.logger.Debug("proposal rejected", "task", task.ID, "error", err)
		go task.complete(Result{Err: err})
		return
	}
	n.engine.Apply(task)
}

func (n *Node) proposeError() error {
	if n.stopping.Load() {
		return ErrStopped
	}
	if nodeState(n.state.Load()) != stateStarted {
		return ErrNotInitialized
	}
	if n.degraded.Load() {
		return ErrDegraded
	}
	if !n.IsLeaderTerm() {
		return &NotLeaderError{Copyset: n.name, Leader: n.LeaderID()}
	}
	return nil
}

// OnApply decodes committed entries and queues them for apply in order.
func (n *Node) OnApply(iter Iterator) {
	for iter.Next() {
		e := *iter.Entry()
		if n.degraded.Load() {
			e.complete(Result{Index: e.Index, Err: ErrDegraded})
			continue
		}

		op, err := n.store.Decode(e.Data)
		if err != nil {
			n.onDecodeError(e, err)
			continue
		}
		queuedAt := time.Now()
		n.enqueue(func() { n.applyEntry(e, op, queuedAt) })
	}
}

func (n *Node) onDecodeError(e Entry, err error) {
	derr := &ApplyDecodeError{Index: e.Index, Err: err}
	n.metric.OnApplyDecodeError()
	n.logger.Error("decode committed entry",
		"index", e.Index,
		"term", e.Term,
		"policy", n.opts.DecodeErrorPolicy,
		"error", err)

	if n.opts.DecodeErrorPolicy == DecodeErrorSkip {
		n.enqueue(func() {
			n.advanceApplied(e.Index)
			e.complete(Result{Index: e.Index, Err: derr})
		})
		return
	}
	n.enqueue(func() {
		n.OnError(derr)
		e.complete(Result{Index: e.Index, Err: derr})
	})
}

// enqueue keeps commit order when the queue refuses fn: everything queued
// before is flushed and fn runs inline.
func (n *Node) enqueue(fn func()) {
	switch err := n.queue.Push(fn); {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		n.queue.Flush()
		fn()
	default:
		fn()
	}
}

func (n *Node) applyEntry(e Entry, op Operation, queuedAt time.Time) {
	start := time.Now()
	if n.degraded.Load() {
		e.complete(Result{Index: e.Index, Err: ErrDegraded})
		return
	}

	resp, err := n.store.Apply(op, e.Index)
	n.metric.OnOperatorApply(op.Kind(), start.Sub(queuedAt), time.Since(start), err)
	if err != nil {
		err = fmt.Errorf("apply entry %d: %w", e.Index, err)
		n.OnError(err)
		e.complete(Result{Index: e.Index, Err: err})
		return
	}

	n.advanceApplied(e.Index)
	e.complete(Result{Index: e.Index, Response: resp})
}

func (n *Node) advanceApplied(index uint64) {
	for {
		cur := n.appliedIndex.Load()
		if index <= cur || n.appliedIndex.CompareAndSwap(cur, index) {
			return
		}
	}
}

// OnShutdown is called once the engine stopped driving the node.
func (n *Node) OnShutdown() {
	n.leaderTerm.Store(-1)
	n.logger.Info("engine shutdown", "applied_index", n.AppliedIndex())
}

// OnSnapshotSave captures a consistent view synchronously and streams it to
// w on a tracked goroutine. done receives the outcome.
func (n *Node) OnSnapshotSave(w SnapshotWriter, done DoneFunc) {
	start := time.Now()
	n.queue.Flush()

	snap, err := n.store.Snapshot()
	if err != nil {
		serr := &SnapshotIOError{Op: "save", Err: err}
		_ = w.CloseWithError(serr)
		n.finishSnapshotSave(start, 0, serr, done)
		return
	}

	cs := n.confState()
	hdr := snapshotHeader{
		PoolID:        n.poolID,
		CopysetID:     n.copysetID,
		AppliedIndex:  n.appliedIndex.Load(),
		Epoch:         cs.epoch,
		ConfIndex:     cs.confIndex,
		Configuration: cs.conf,
	}

	n.snapshotWG.Add(1)
	go func() {
		defer n.snapshotWG.Done()
		defer snap.Release()

		var serr error
		if err := writeSnapshotFrame(w, hdr, snap); err != nil {
			serr = &SnapshotIOError{Op: "save", Err: err}
			_ = w.CloseWithError(serr)
		} else if err := w.Close(); err != nil {
			serr = &SnapshotIOError{Op: "save", Err: err}
		}
		n.finishSnapshotSave(start, hdr.AppliedIndex, serr, done)
	}()
}

func (n *Node) finishSnapshotSave(start time.Time, index uint64, err error, done DoneFunc) {
	n.metric.OnSnapshotSave(time.Since(start), err)
	if err != nil {
		n.logger.Error("snapshot save failed", "error", err)
	} else {
		n.lastSnapshotIndex.Store(index)
		n.logger.Info("snapshot saved", "index", index, "took", time.Since(start))
	}
	if done != nil {
		done(Result{Index: index, Err: err})
	}
}

// OnSnapshotLoad replaces store, membership and applied index with the
// snapshot in r. Nothing changes unless the whole frame verifies.
func (n *Node) OnSnapshotLoad(r io.Reader) error {
	start := time.Now()
	n.queue.Flush()

	hdr, err := n.loadSnapshot(r)
	n.metric.OnSnapshotLoad(time.Since(start), err)
	if err != nil {
		n.logger.Error("snapshot load failed", "error", err)
		return err
	}
	n.logger.Info("snapshot loaded",
		"index", hdr.AppliedIndex,
		"epoch", hdr.Epoch,
		"peers", hdr.Configuration.Peers,
		"took", time.Since(start))
	return nil
}

func (n *Node) loadSnapshot(r io.Reader) (snapshotHeader, error) {
	workDir := filepath.Join(n.dataDir, n.opts.SnapshotDir)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return snapshotHeader{}, &SnapshotIOError{Op: "load", Err: fmt.Errorf("mkdir work dir: %w", err)}
	}
	img, err := os.CreateTemp(workDir, "install-*.img")
	if err != nil {
		return snapshotHeader{}, &SnapshotIOError{Op: "load", Err: fmt.Errorf("create temp image: %w", err)}
	}
	defer func() {
		img.Close()
		os.Remove(img.Name())
	}()

	hdr, err := readSnapshotFrame(r, img)
	if err != nil {
		return hdr, &SnapshotIOError{Op: "load", Err: err}
	}
	if hdr.PoolID != n.poolID || hdr.CopysetID != n.copysetID {
		return hdr, &SnapshotIOError{Op: "load", Err: fmt.Errorf("%w: %s", errSnapshotIdentity, Name(hdr.PoolID, hdr.CopysetID))}
	}
	if _, err := img.Seek(0, io.SeekStart); err != nil {
		return hdr, &SnapshotIOError{Op: "load", Err: fmt.Errorf("rewind image: %w", err)}
	}
	// Store first, a rejected image leaves the old store in place. If the
	// epoch then fails to persist, the store holds the snapshot while epoch
	// and applied index keep their old values. The node degrades and applies
	// nothing on top; the on-disk epoch lags but never goes backwards.
	if err := n.store.Restore(img); err != nil {
		return hdr, &SnapshotIOError{Op: "load", Err: fmt.Errorf("restore store: %w", err)}
	}

	next := &confState{epoch: hdr.Epoch, confIndex: hdr.ConfIndex, conf: hdr.Configuration.Clone()}
	n.confMu.Lock()
	if err := n.saveConfEpoch(next); err != nil {
		n.confMu.Unlock()
		perr := &ConfEpochPersistError{Epoch: next.epoch, Err: err}
		n.OnError(perr)
		return hdr, perr
	}
	n.conf = next
	n.confMu.Unlock()

	n.appliedIndex.Store(hdr.AppliedIndex)
	n.lastSnapshotIndex.Store(hdr.AppliedIndex)
	return hdr, nil
}

// OnLeaderStart records that this replica leads term.
func (n *Node) OnLeaderStart(term int64) {
	n.leaderTerm.Store(term)
	n.metric.OnLeaderStart(term)
	n.logger.Info("became leader", "term", term)
}

// OnLeaderStop clears the leader term.
func (n *Node) OnLeaderStop(cause error) {
	n.leaderTerm.Store(-1)
	n.logger.Info("stepped down", "cause", cause)
}

// OnError marks the node degraded. There is no recovery short of a restart.
func (n *Node) OnError(err error) {
	n.leaderTerm.Store(-1)
	n.metric.OnFatalError(err)
	if n.degraded.CompareAndSwap(false, true) {
		n.logger.Error("copyset degraded", "error", err)
		return
	}
	n.logger.Warn("fatal error on degraded copyset", "error", err)
}

// OnConfigurationCommitted bumps the epoch for a membership entry committed
// at index and persists it before anything else observes it.
func (n *Node) OnConfigurationCommitted(conf Configuration, index uint64) {
	n.queue.Flush()

	n.confMu.Lock()
	cur := n.conf
	if index <= cur.confIndex {
		n.confMu.Unlock()
		n.advanceApplied(index)
		n.logger.Debug("membership entry already reflected",
			"index", index,
			"conf_index", cur.confIndex,
			"epoch", cur.epoch)
		return
	}

	next := &confState{epoch: cur.epoch + 1, confIndex: index, conf: conf.Clone()}
	if err := n.saveConfEpoch(next); err != nil {
		n.confMu.Unlock()
		n.OnError(&ConfEpochPersistError{Epoch: next.epoch, Err: err})
		return
	}
	n.conf = next
	n.confMu.Unlock()

	n.advanceApplied(index)
	n.logger.Info("membership committed",
		"index", index,
		"epoch", next.epoch,
		"peers", next.conf.Peers)
}

// saveConfEpoch must be called with confMu held.
func (n *Node) saveConfEpoch(cs *confState) error {
	return n.confStore.Save(ConfEpoch{
		PoolID:        n.poolID,
		CopysetID:     n.copysetID,
		Epoch:         cs.epoch,
		ConfIndex:     cs.confIndex,
		Configuration: cs.conf,
	})
}

// OnStartFollowing records the leader this replica follows.
func (n *Node) OnStartFollowing(ctx LeaderChangeContext) {
	n.following.Store(&ctx)
	n.logger.Info("start following", "leader", ctx.LeaderID, "term", ctx.Term)
}

// OnStopFollowing clears the followed leader.
func (n *Node) OnStopFollowing(ctx LeaderChangeContext) {
	n.following.Store(nil)
	n.logger.Info("stop following", "leader", ctx.LeaderID, "term", ctx.Term, "cause", ctx.Cause)
}

func (n *Node) confState() *confState {
	n.confMu.RLock()
	defer n.confMu.RUnlock()
	return n.conf
}

// LeaderTerm returns the term this replica leads, or -1.
func (n *Node) LeaderTerm() int64 {
	return n.leaderTerm.Load()
}

// IsLeaderTerm reports whether this replica believes it is the leader.
func (n *Node) IsLeaderTerm() bool {
	return n.leaderTerm.Load() > 0
}

func (n *Node) PoolID() PoolID       { return n.poolID }
func (n *Node) CopysetID() CopysetID { return n.copysetID }
func (n *Node) GroupID() GroupID     { return n.groupID }
func (n *Node) Name() string         { return n.name }
func (n *Node) PeerID() PeerID       { return n.opts.PeerID }
func (n *Node) DataDir() string      { return n.dataDir }
func (n *Node) MetaStore() MetaStore { return n.store }
func (n *Node) ApplyQueue() *ApplyQueue {
	return n.queue
}

// LeaderID returns the leader as known by the engine, falling back to the
// last followed leader.
func (n *Node) LeaderID() PeerID {
	if n.IsLeaderTerm() {
		return n.opts.PeerID
	}
	if n.engine != nil {
		if id := n.engine.LeaderID(); id != "" {
			return id
		}
	}
	if f := n.following.Load(); f != nil {
		return f.LeaderID
	}
	return ""
}

// ConfEpoch returns epoch, conf index and configuration as one consistent
// value.
func (n *Node) ConfEpoch() ConfEpoch {
	cs := n.confState()
	return ConfEpoch{
		PoolID:        n.poolID,
		CopysetID:     n.copysetID,
		Epoch:         cs.epoch,
		ConfIndex:     cs.confIndex,
		Configuration: cs.conf.Clone(),
	}
}

// Epoch returns the current membership epoch.
func (n *Node) Epoch() uint64 {
	return n.confState().epoch
}

// Configuration returns a copy of the current membership.
func (n *Node) Configuration() Configuration {
	return n.confState().conf.Clone()
}

// ListPeers returns the current members.
func (n *Node) ListPeers() []PeerID {
	return n.Configuration().Peers
}

// AppliedIndex returns the highest index reflected in the store.
func (n *Node) AppliedIndex() uint64 {
	return n.appliedIndex.Load()
}

// LastSnapshotIndex returns the applied index of the last saved or loaded
// snapshot.
func (n *Node) LastSnapshotIndex() uint64 {
	return n.lastSnapshotIndex.Load()
}

// Degraded reports whether a fatal error stopped the apply path.
func (n *Node) Degraded() bool {
	return n.degraded.Load()
}

// Engine returns the engine binding, nil before Init.
func (n *Node) Engine() Engine {
	return n.engine
}

var (
	_ StateMachine       = (*Node)(nil)
	_ AppliedIndexSource = (*Node)(nil)
)
