package copyset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errFakeIO = errors.New("fake io failure")

// memOp sets key to value.
type memOp struct {
	key   string
	value string
}

func (memOp) Kind() string { return "set" }

// memStore is an in-memory MetaStore. Entries are "set <key> <value>".
type memStore struct {
	mu      sync.Mutex
	kv      map[string]string
	applied uint64
	order   []uint64
	closed  bool

	failApply   bool
	failRestore bool
	// applyGate, when set, is received from before every apply.
	applyGate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{kv: make(map[string]string)}
}

func (s *memStore) Decode(data []byte) (Operation, error) {
	parts := strings.SplitN(string(data), " ", 3)
	if len(parts) != 3 || parts[0] != "set" {
		return nil, fmt.Errorf("bad op %q", data)
	}
	return memOp{key: parts[1], value: parts[2]}, nil
}

func (s *memStore) Apply(op Operation, index uint64) (any, error) {
	if s.applyGate != nil {
		<-s.applyGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failApply {
		return nil, errFakeIO
	}
	if index <= s.applied {
		return nil, nil
	}
	o := op.(memOp)
	s.kv[o.key] = o.value
	s.applied = index
	s.order = append(s.order, index)
	return o.key, nil
}

func (s *memStore) AppliedIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

type memImage struct {
	KV      map[string]string `json:"kv"`
	Applied uint64            `json:"applied"`
}

type memSnapshot struct {
	data []byte
}

func (m *memSnapshot) Size() int64 { return int64(len(m.data)) }
func (m *memSnapshot) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.data)
	return int64(n), err
}
func (m *memSnapshot) Release() {}

func (s *memStore) Snapshot() (StoreSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(memImage{KV: s.kv, Applied: s.applied})
	if err != nil {
		return nil, err
	}
	return &memSnapshot{data: data}, nil
}

func (s *memStore) Restore(r io.Reader) error {
	if s.failRestore {
		return errFakeIO
	}
	var img memImage
	if err := json.NewDecoder(r).Decode(&img); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv = img.KV
	if s.kv == nil {
		s.kv = make(map[string]string)
	}
	s.applied = img.Applied
	return nil
}

func (s *memStore) Partitions() ([]PartitionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []PartitionInfo{{PartitionID: 1, FsID: 1, Start: 0, End: 100, KeyCount: uint64(len(s.kv))}}, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) snapshotKV() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.kv)
}

func (s *memStore) appliedOrder() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.order...)
}

// fakeEngine commits synchronously. Its mutex stands in for the engine's
// single callback goroutine.
type fakeEngine struct {
	sm   StateMachine
	opts EngineOptions

	mu        sync.Mutex
	lastIndex uint64
	term      uint64
	leader    PeerID
	started   bool
	shutdown  bool
	startErr  error
}

func (e *fakeEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.started = true
	return nil
}

func (e *fakeEngine) Apply(task *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		go task.complete(Result{Err: ErrStopped})
		return
	}
	e.lastIndex++
	e.sm.OnApply(NewEntryIterator([]Entry{{
		Index: e.lastIndex,
		Term:  e.term,
		Data:  task.Data,
		Done:  task.Done,
	}}))
}

func (e *fakeEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.shutdown {
		e.shutdown = true
		e.sm.OnShutdown()
	}
	return nil
}

func (e *fakeEngine) LeaderID() PeerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *fakeEngine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStatus{State: "fake", Term: e.term, Leader: e.leader, CommitIndex: e.lastIndex, LastLogIndex: e.lastIndex}
}

func (e *fakeEngine) Snapshot() error {
	_, err := e.saveSnapshot()
	return err
}

func (e *fakeEngine) AddPeer(_ context.Context, _ PeerID) error    { return nil }
func (e *fakeEngine) RemovePeer(_ context.Context, _ PeerID) error { return nil }

// commit delivers follower entries, one OnApply batch.
func (e *fakeEngine) commit(data ...string) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := make([]Entry, len(data))
	idx := make([]uint64, len(data))
	for i, d := range data {
		e.lastIndex++
		entries[i] = Entry{Index: e.lastIndex, Term: e.term, Data: []byte(d)}
		idx[i] = e.lastIndex
	}
	e.sm.OnApply(NewEntryIterator(entries))
	return idx
}

func (e *fakeEngine) commitEntries(entries ...Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, en := range entries {
		e.lastIndex = max(e.lastIndex, en.Index)
	}
	e.sm.OnApply(NewEntryIterator(entries))
}

// commitConf commits a membership entry and returns its index.
func (e *fakeEngine) commitConf(peers ...PeerID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastIndex++
	e.sm.OnConfigurationCommitted(NewConfiguration(peers...), e.lastIndex)
	return e.lastIndex
}

func (e *fakeEngine) becomeLeader(term int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.term = uint64(term)
	e.leader = e.opts.PeerID
	e.sm.OnLeaderStart(term)
}

func (e *fakeEngine) follow(leader PeerID, term int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.term = uint64(term)
	e.leader = leader
	e.sm.OnLeaderStop(nil)
	e.sm.OnStartFollowing(LeaderChangeContext{LeaderID: leader, Term: term})
}

func (e *fakeEngine) saveSnapshot() ([]byte, error) {
	e.mu.Lock()
	w := &bufferSnapshotWriter{}
	done := make(chan error, 1)
	e.sm.OnSnapshotSave(w, func(res Result) { done <- res.Err })
	e.mu.Unlock()

	if err := <-done; err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

func (e *fakeEngine) loadSnapshot(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sm.OnSnapshotLoad(bytes.NewReader(data))
}

type bufferSnapshotWriter struct {
	buf      bytes.Buffer
	closed   bool
	closeErr error
	writeErr error
}

func (w *bufferSnapshotWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.buf.Write(p)
}

func (w *bufferSnapshotWriter) Close() error {
	w.closed = true
	return nil
}

func (w *bufferSnapshotWriter) CloseWithError(err error) error {
	w.closed = true
	w.closeErr = err
	return nil
}

// testNode bundles a node with its fakes.
type testNode struct {
	*Node
	engine *fakeEngine
	store  *memStore
	dir    string
}

func newTestNode(t *testing.T, root string, poolID PoolID, copysetID CopysetID, conf Configuration, store *memStore, opts ...NodeOption) *testNode {
	t.Helper()
	tn := &testNode{store: store}
	if tn.store == nil {
		tn.store = newMemStore()
	}
	nodeOpts := NodeOptions{
		DataURI: "local://" + root,
		PeerID:  "127.0.0.1:8200:0",
		MetaStoreFactory: func(StoreOptions) (MetaStore, error) {
			return tn.store, nil
		},
		EngineFactory: func(sm StateMachine, eo EngineOptions) (Engine, error) {
			tn.engine = &fakeEngine{sm: sm, opts: eo}
			return tn.engine, nil
		},
	}
	for _, o := range opts {
		o(&nodeOpts)
	}

	tn.Node = NewNode(poolID, copysetID, conf)
	require.NoError(t, tn.Init(nodeOpts))
	tn.dir = tn.DataDir()
	return tn
}

func startedTestNode(t *testing.T, store *memStore, opts ...NodeOption) *testNode {
	t.Helper()
	tn := newTestNode(t, t.TempDir(), 1, 2, NewConfiguration("a", "b", "c"), store, opts...)
	require.NoError(t, tn.Start())
	t.Cleanup(tn.Stop)
	return tn
}

// proposeWait proposes data and waits for the continuation.
func proposeWait(n *Node, data string) Result {
	ch := make(chan Result, 1)
	n.Propose(&Task{Data: []byte(data), Done: func(r Result) { ch <- r }})
	return <-ch
}
