package copyset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"
)

// PoolID identifies a logical pool.
type PoolID uint32

// CopysetID identifies a copyset inside a pool.
type CopysetID uint32

// GroupID is the consensus group id derived from (pool, copyset).
type GroupID uint64

// PeerID identifies one replica (the consensus server id / address).
type PeerID string

// ToGroupID packs pool and copyset ids into a group id.
func ToGroupID(poolID PoolID, copysetID CopysetID) GroupID {
	return GroupID(uint64(poolID)<<32 | uint64(copysetID))
}

// Name returns the printable copyset name "(pool, copyset, group)".
func Name(poolID PoolID, copysetID CopysetID) string {
	return fmt.Sprintf("(%d, %d, %d)", poolID, copysetID, ToGroupID(poolID, copysetID))
}

// Configuration is the ordered peer set of a copyset.
type Configuration struct {
	Peers []PeerID
}

// NewConfiguration builds a Configuration from peers.
func NewConfiguration(peers ...PeerID) Configuration {
	return Configuration{Peers: slices.Clone(peers)}
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	return Configuration{Peers: slices.Clone(c.Peers)}
}

// Contains reports whether peer is a member.
func (c Configuration) Contains(peer PeerID) bool {
	return slices.Contains(c.Peers, peer)
}

// Equal reports whether both configurations list the same peers in order.
func (c Configuration) Equal(other Configuration) bool {
	return slices.Equal(c.Peers, other.Peers)
}

// Empty reports whether the configuration has no peers.
func (c Configuration) Empty() bool {
	return len(c.Peers) == 0
}

// Result is delivered to a task's continuation.
type Result struct {
	// Log index the entry was committed at, 0 if it never was.
	Index uint64
	// Store response for the applied operation.
	Response any
	Err      error
}

// DoneFunc is a task continuation. It runs exactly once.
type DoneFunc func(Result)

// Task is a client operation proposed to the log.
type Task struct {
	// ID correlates log lines, Propose assigns a uuid when empty.
	ID   string
	Data []byte
	Done DoneFunc
}

func (t *Task) complete(res Result) {
	if t != nil && t.Done != nil {
		t.Done(res)
	}
}

// Entry is one committed log entry handed to OnApply.
type Entry struct {
	Index uint64
	Term  uint64
	Data  []byte
	// Done is the originating continuation. Nil when the entry was proposed
	// elsewhere (followers, replay after restart).
	Done DoneFunc
}

func (e *Entry) complete(res Result) {
	if e.Done != nil {
		e.Done(res)
	}
}

// Iterator walks committed entries in log order.
type Iterator interface {
	Next() bool
	Entry() *Entry
}

type sliceIterator struct {
	entries []Entry
	pos     int
}

// NewEntryIterator returns an Iterator over entries. Engine bindings use it to
// drive OnApply.
func NewEntryIterator(entries []Entry) Iterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Entry() *Entry {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return nil
	}
	return &it.entries[it.pos]
}

// LeaderChangeContext describes a follower's view of a leader change.
type LeaderChangeContext struct {
	LeaderID PeerID
	Term     int64
	Cause    error
}

// SnapshotWriter is where OnSnapshotSave streams the snapshot frame.
// Close is called after the frame was written completely; CloseWithError
// when it could not be.
type SnapshotWriter interface {
	io.Writer
	Close() error
	CloseWithError(err error) error
}

// StateMachine is the callback contract a consensus engine binding drives.
//
// For one copyset the engine never invokes OnApply concurrently with itself or
// with OnSnapshotSave / OnSnapshotLoad.
type StateMachine interface {
	OnApply(iter Iterator)
	OnShutdown()
	OnSnapshotSave(w SnapshotWriter, done DoneFunc)
	OnSnapshotLoad(r io.Reader) error
	OnLeaderStart(term int64)
	OnLeaderStop(cause error)
	OnError(err error)
	OnConfigurationCommitted(conf Configuration, index uint64)
	OnStopFollowing(ctx LeaderChangeContext)
	OnStartFollowing(ctx LeaderChangeContext)
}

// EngineStatus is the engine's own view of the group.
type EngineStatus struct {
	State             string `json:"state"`
	Term              uint64 `json:"term"`
	Leader            PeerID `json:"leader"`
	CommitIndex       uint64 `json:"commit_index"`
	LastLogIndex      uint64 `json:"last_log_index"`
	LastSnapshotIndex uint64 `json:"last_snapshot_index"`
	AppliedIndex      uint64 `json:"applied_index"`
}

// Engine is the consensus capability a node is bound to.
type Engine interface {
	// Start joins the group. Snapshot restore, if any, happens here.
	Start() error
	// Apply replicates task.Data. Failures before commit complete the task
	// directly; committed entries reach OnApply with task.Done attached.
	Apply(task *Task)
	// Shutdown returns after the engine stopped invoking callbacks.
	Shutdown() error
	LeaderID() PeerID
	Status() EngineStatus
	// Snapshot asks the engine to take a snapshot now.
	Snapshot() error
	AddPeer(ctx context.Context, peer PeerID) error
	RemovePeer(ctx context.Context, peer PeerID) error
}

// EngineOptions are handed to an EngineFactory.
type EngineOptions struct {
	GroupID GroupID
	Name    string
	PeerID  PeerID
	// Configuration at Init, used when the group is bootstrapped.
	Configuration Configuration
	// Dir is reserved for the engine's own files.
	Dir     string
	Logger  *slog.Logger
	Applied AppliedIndexSource
}

// EngineFactory builds the engine binding for a node.
type EngineFactory func(sm StateMachine, opts EngineOptions) (Engine, error)

// AppliedIndexSource exposes the node's applied index to engine bindings that
// gate log truncation on it.
type AppliedIndexSource interface {
	AppliedIndex() uint64
}

// PartitionInfo is one hosted partition as reported to heartbeats.
type PartitionInfo struct {
	PartitionID uint32 `json:"partition_id"`
	FsID        uint32 `json:"fs_id"`
	Start       uint64 `json:"start"`
	End         uint64 `json:"end"`
	KeyCount    uint64 `json:"key_count"`
}

// Operation is a decoded entry ready to apply.
type Operation interface {
	// Kind names the operation for metrics.
	Kind() string
}

// StoreSnapshot is a point-in-time view of a MetaStore.
type StoreSnapshot interface {
	// Size is the exact number of bytes WriteTo writes.
	Size() int64
	WriteTo(w io.Writer) (int64, error)
	Release()
}

// MetaStore is the apply target. Its schema is opaque to the node.
type MetaStore interface {
	Decode(data []byte) (Operation, error)
	// Apply applies op committed at index. Domain outcomes belong in the
	// response; a non-nil error means the store could not apply at all.
	Apply(op Operation, index uint64) (any, error)
	// AppliedIndex is the last index reflected in the store.
	AppliedIndex() uint64
	Snapshot() (StoreSnapshot, error)
	// Restore replaces the whole store content with a snapshot image.
	Restore(r io.Reader) error
	Partitions() ([]PartitionInfo, error)
	Close() error
}

// Metric receives per-copyset measurements.
type Metric interface {
	OnOperatorApply(op string, queueWait, latency time.Duration, err error)
	OnApplyDecodeError()
	OnSnapshotSave(latency time.Duration, err error)
	OnSnapshotLoad(latency time.Duration, err error)
	OnLeaderStart(term int64)
	OnFatalError(err error)
}

type noopMetric struct{}

func (noopMetric) OnOperatorApply(string, time.Duration, time.Duration, error) {}
func (noopMetric) OnApplyDecodeError()                                         {}
func (noopMetric) OnSnapshotSave(time.Duration, error)                         {}
func (noopMetric) OnSnapshotLoad(time.Duration, error)                         {}
func (noopMetric) OnLeaderStart(int64)                                         {}
func (noopMetric) OnFatalError(error)                                          {}

var (
	_ Metric   = noopMetric{}
	_ Iterator = (*sliceIterator)(nil)
)
