package raftengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/zztaki/curve/pkg/copyset"
)

const (
	defaultMembershipTimeout = 10 * time.Second
	defaultTransportTimeout  = 10 * time.Second
	defaultMaxPool           = 3
	defaultSnapshotRetain    = 2
)

// Config tunes the raft binding. Zero values keep raft.DefaultConfig.
type Config struct {
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	LeaderLeaseTimeout time.Duration
	CommitTimeout      time.Duration
	SnapshotInterval   time.Duration
	SnapshotThreshold  uint64
	TrailingLogs       uint64
	SnapshotRetain     int

	// RestoreSnapshotOnStart makes raft reload the latest snapshot on boot.
	// The meta store is durable on its own, so it is off by default and raft
	// only replays the log past the snapshot.
	RestoreSnapshotOnStart bool

	MaxPool          int
	TransportTimeout time.Duration

	// LogLevel for raft's internal logger, ignored when HCLogger is set.
	LogLevel string
	HCLogger hclog.Logger

	// Storage builds stores and transport per copyset. Defaults to
	// DiskStorage.
	Storage StorageFactory
}

// Storage is what one raft instance runs on. Closers are closed on
// Shutdown.
type Storage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore
	Transport     raft.Transport
	Closers       []io.Closer
}

// StorageFactory builds the Storage for a copyset.
type StorageFactory func(opts copyset.EngineOptions) (*Storage, error)

// DiskStorage keeps log and stable store in raft-boltdb, snapshots in a
// file snapshot store and talks TCP on the peer's address.
func DiskStorage(cfg Config) StorageFactory {
	return func(opts copyset.EngineOptions) (*Storage, error) {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir raft dir: %w", err)
		}
		boltStore, err := raftboltdb.NewBoltStore(filepath.Join(opts.Dir, "raft.db"))
		if err != nil {
			return nil, fmt.Errorf("bolt store: %w", err)
		}

		retain := cfg.SnapshotRetain
		if retain <= 0 {
			retain = defaultSnapshotRetain
		}
		snaps, err := raft.NewFileSnapshotStoreWithLogger(opts.Dir, retain, hclogger(cfg, opts.Name))
		if err != nil {
			boltStore.Close()
			return nil, fmt.Errorf("snapshot store: %w", err)
		}

		maxPool := cfg.MaxPool
		if maxPool <= 0 {
			maxPool = defaultMaxPool
		}
		timeout := cfg.TransportTimeout
		if timeout <= 0 {
			timeout = defaultTransportTimeout
		}
		addr := string(peerAddress(opts.PeerID))
		trans, err := raft.NewTCPTransportWithLogger(addr, nil, maxPool, timeout, hclogger(cfg, opts.Name))
		if err != nil {
			boltStore.Close()
			return nil, fmt.Errorf("tcp transport: %w", err)
		}

		return &Storage{
			LogStore:      boltStore,
			StableStore:   boltStore,
			SnapshotStore: snaps,
			Transport:     trans,
			Closers:       []io.Closer{trans, boltStore},
		}, nil
	}
}

// NewFactory returns a copyset.EngineFactory binding nodes to hashicorp/raft.
func NewFactory(cfg Config) copyset.EngineFactory {
	return func(sm copyset.StateMachine, opts copyset.EngineOptions) (copyset.Engine, error) {
		return New(cfg, sm, opts)
	}
}

// Engine runs one raft group for one copyset.
type Engine struct {
	cfg    Config
	opts   copyset.EngineOptions
	sm     copyset.StateMachine
	logger *slog.Logger

	mu       sync.Mutex
	raft     *raft.Raft
	storage  *Storage
	observer *raft.Observer
	stopCh   chan struct{}
	wg       sync.WaitGroup
	shutdown bool
	closing  atomic.Bool

	membershipMu sync.Mutex
}

// New creates an engine for sm. Nothing is opened until Start.
func New(cfg Config, sm copyset.StateMachine, opts copyset.EngineOptions) (*Engine, error) {
	if sm == nil {
		return nil, errors.New("nil state machine")
	}
	if opts.PeerID == "" {
		return nil, errors.New("empty peer id")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.Storage == nil {
		cfg.Storage = DiskStorage(cfg)
	}
	return &Engine{
		cfg:    cfg,
		opts:   opts,
		sm:     sm,
		logger: opts.Logger.With("component", "raft-engine", "copyset", opts.Name),
		stopCh: make(chan struct{}),
	}, nil
}

func (e *Engine) raftConfig() *raft.Config {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(e.opts.PeerID)
	conf.Logger = hclogger(e.cfg, e.opts.Name)
	conf.NoSnapshotRestoreOnStart = !e.cfg.RestoreSnapshotOnStart
	if e.cfg.HeartbeatTimeout > 0 {
		conf.HeartbeatTimeout = e.cfg.HeartbeatTimeout
	}
	if e.cfg.ElectionTimeout > 0 {
		conf.ElectionTimeout = e.cfg.ElectionTimeout
	}
	if e.cfg.LeaderLeaseTimeout > 0 {
		conf.LeaderLeaseTimeout = e.cfg.LeaderLeaseTimeout
	}
	if e.cfg.CommitTimeout > 0 {
		conf.CommitTimeout = e.cfg.CommitTimeout
	}
	if e.cfg.SnapshotInterval > 0 {
		conf.SnapshotInterval = e.cfg.SnapshotInterval
	}
	if e.cfg.SnapshotThreshold > 0 {
		conf.SnapshotThreshold = e.cfg.SnapshotThreshold
	}
	if e.cfg.TrailingLogs > 0 {
		conf.TrailingLogs = e.cfg.TrailingLogs
	}
	return conf
}

// Start opens storage, starts raft and bootstraps the group when this peer
// has no state yet and is part of the initial configuration.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return copyset.ErrStopped
	}
	if e.raft != nil {
		return nil
	}

	storage, err := e.cfg.Storage(e.opts)
	if err != nil {
		return fmt.Errorf("open raft storage: %w", err)
	}

	var (
		logs  = storage.LogStore
		snaps = storage.SnapshotStore
		f     = &fsm{sm: e.sm, applied: e.opts.Applied, logger: e.logger}
	)
	if e.opts.Applied != nil {
		logs = NewAppliedIndexLogStore(storage.LogStore, e.opts.Applied)
		f.snaps = NewAppliedIndexSnapshotStore(storage.SnapshotStore, storage.LogStore)
		snaps = f.snaps
	}

	conf := e.raftConfig()
	if err := raft.ValidateConfig(conf); err != nil {
		closeAll(storage.Closers)
		return fmt.Errorf("raft config: %w", err)
	}

	hasState, err := raft.HasExistingState(logs, storage.StableStore, snaps)
	if err != nil {
		closeAll(storage.Closers)
		return fmt.Errorf("check state: %w", err)
	}

	r, err := raft.NewRaft(conf, f, logs, storage.StableStore, snaps, storage.Transport)
	if err != nil {
		closeAll(storage.Closers)
		return fmt.Errorf("new raft: %w", err)
	}

	if !hasState && e.opts.Configuration.Contains(e.opts.PeerID) {
		bootstrap := toRaftConfiguration(e.opts.Configuration)
		if err := r.BootstrapCluster(bootstrap).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			_ = r.Shutdown().Error()
			closeAll(storage.Closers)
			return fmt.Errorf("bootstrap: %w", err)
		}
		e.logger.Info("bootstrapped raft group", "peers", e.opts.Configuration.Peers)
	}

	e.raft = r
	e.storage = storage
	e.startObserver()
	e.logger.Info("raft started",
		"peer", e.opts.PeerID,
		"addr", storage.Transport.LocalAddr(),
		"existing_state", hasState)
	return nil
}

func (e *Engine) getRaft() *raft.Raft {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return nil
	}
	return e.raft
}

// Apply replicates task.Data with no timeout. The proposing goroutine waits
// for the future and then for the entry's apply result.
func (e *Engine) Apply(task *copyset.Task) {
	r := e.getRaft()
	if r == nil {
		go complete(task, copyset.Result{Err: copyset.ErrStopped})
		return
	}

	f := r.Apply(task.Data, 0)
	go func() {
		if err := f.Error(); err != nil {
			complete(task, copyset.Result{Err: e.mapApplyError(err)})
			return
		}
		ch, ok := f.Response().(chan copyset.Result)
		if !ok {
			complete(task, copyset.Result{Index: f.Index()})
			return
		}
		complete(task, <-ch)
	}()
}

func (e *Engine) mapApplyError(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		return &copyset.NotLeaderError{Copyset: e.opts.Name, Leader: e.LeaderID()}
	case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return copyset.ErrLeadershipLost
	case errors.Is(err, raft.ErrRaftShutdown):
		return copyset.ErrStopped
	default:
		return fmt.Errorf("raft apply: %w", err)
	}
}

// Shutdown stops raft and returns once no callback can run anymore.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	r := e.raft
	storage := e.storage
	e.mu.Unlock()

	if r == nil {
		return nil
	}

	e.closing.Store(true)
	err := r.Shutdown().Error()

	close(e.stopCh)
	e.wg.Wait()
	r.DeregisterObserver(e.observer)

	closeAll(storage.Closers)
	e.sm.OnShutdown()
	e.logger.Info("raft stopped")
	if err != nil {
		return fmt.Errorf("raft shutdown: %w", err)
	}
	return nil
}

// LeaderID returns the current leader's server id, empty when unknown.
func (e *Engine) LeaderID() copyset.PeerID {
	r := e.getRaft()
	if r == nil {
		return ""
	}
	_, id := r.LeaderWithID()
	return copyset.PeerID(id)
}

// Status reads raft's stats.
func (e *Engine) Status() copyset.EngineStatus {
	r := e.getRaft()
	if r == nil {
		return copyset.EngineStatus{State: raft.Shutdown.String()}
	}
	stats := r.Stats()
	_, leader := r.LeaderWithID()
	return copyset.EngineStatus{
		State:             r.State().String(),
		Term:              parseStat(stats, "term"),
		Leader:            copyset.PeerID(leader),
		CommitIndex:       parseStat(stats, "commit_index"),
		LastLogIndex:      parseStat(stats, "last_log_index"),
		LastSnapshotIndex: parseStat(stats, "last_snapshot_index"),
		AppliedIndex:      parseStat(stats, "applied_index"),
	}
}

// Snapshot takes a user snapshot. Having nothing new to snapshot is not an
// error.
func (e *Engine) Snapshot() error {
	r := e.getRaft()
	if r == nil {
		return copyset.ErrStopped
	}
	if err := r.Snapshot().Error(); err != nil && !errors.Is(err, raft.ErrNothingNewToSnapshot) {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// AddPeer adds peer as a voter. Adding a present voter is a no-op.
func (e *Engine) AddPeer(ctx context.Context, peer copyset.PeerID) error {
	if peer == "" {
		return errors.New("empty peer id")
	}
	r := e.getRaft()
	if r == nil {
		return copyset.ErrStopped
	}

	e.membershipMu.Lock()
	defer e.membershipMu.Unlock()

	conf, err := e.configuration(ctx, r)
	if err != nil {
		return err
	}
	id, addr := raft.ServerID(peer), peerAddress(peer)
	for _, srv := range conf.Servers {
		if srv.ID != id {
			continue
		}
		if srv.Address == addr && srv.Suffrage == raft.Voter {
			return nil
		}
		if err := e.wait(ctx, r.RemoveServer(id, 0, membershipTimeout(ctx))); err != nil {
			return fmt.Errorf("remove stale peer %s: %w", peer, err)
		}
		break
	}

	if err := e.wait(ctx, r.AddVoter(id, addr, 0, membershipTimeout(ctx))); err != nil {
		return fmt.Errorf("add peer %s: %w", peer, err)
	}
	e.logger.Info("peer added", "peer", peer)
	return nil
}

// RemovePeer removes peer. Removing an absent peer is a no-op.
func (e *Engine) RemovePeer(ctx context.Context, peer copyset.PeerID) error {
	r := e.getRaft()
	if r == nil {
		return copyset.ErrStopped
	}

	e.membershipMu.Lock()
	defer e.membershipMu.Unlock()

	conf, err := e.configuration(ctx, r)
	if err != nil {
		return err
	}
	id := raft.ServerID(peer)
	found := false
	for _, srv := range conf.Servers {
		if srv.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	if err := e.wait(ctx, r.RemoveServer(id, 0, membershipTimeout(ctx))); err != nil {
		return fmt.Errorf("remove peer %s: %w", peer, err)
	}
	e.logger.Info("peer removed", "peer", peer)
	return nil
}

func (e *Engine) configuration(ctx context.Context, r *raft.Raft) (raft.Configuration, error) {
	f := r.GetConfiguration()
	if err := e.wait(ctx, f); err != nil {
		return raft.Configuration{}, fmt.Errorf("get configuration: %w", err)
	}
	return f.Configuration(), nil
}

// wait blocks on f while honouring ctx.
func (e *Engine) wait(ctx context.Context, f raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- f.Error() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return e.mapApplyError(err)
		}
		return nil
	}
}

func membershipTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return defaultMembershipTimeout
}

func parseStat(stats map[string]string, key string) uint64 {
	v, err := strconv.ParseUint(stats[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// peerAddress derives the transport address from a peer id. Ids of the
// form "host:port:index" map to "host:port", others are used verbatim.
func peerAddress(peer copyset.PeerID) raft.ServerAddress {
	s := string(peer)
	if strings.Count(s, ":") == 2 {
		s = s[:strings.LastIndexByte(s, ':')]
	}
	return raft.ServerAddress(s)
}

func toRaftConfiguration(conf copyset.Configuration) raft.Configuration {
	servers := make([]raft.Server, 0, len(conf.Peers))
	for _, p := range conf.Peers {
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p),
			Address:  peerAddress(p),
		})
	}
	return raft.Configuration{Servers: servers}
}

func fromRaftConfiguration(conf raft.Configuration) copyset.Configuration {
	peers := make([]copyset.PeerID, 0, len(conf.Servers))
	for _, srv := range conf.Servers {
		if srv.Suffrage == raft.Voter {
			peers = append(peers, copyset.PeerID(srv.ID))
		}
	}
	return copyset.Configuration{Peers: peers}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func complete(task *copyset.Task, res copyset.Result) {
	if task.Done != nil {
		task.Done(res)
	}
}

var _ copyset.Engine = (*Engine)(nil)
