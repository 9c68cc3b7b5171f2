package copyset

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_AppliesInCommitOrder(t *testing.T) {
	tn := startedTestNode(t, nil)

	var data []string
	want := make(map[string]string)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k%d", i%7)
		val := fmt.Sprintf("v%d", i)
		data = append(data, fmt.Sprintf("set %s %s", key, val))
		want[key] = val
	}
	idx := tn.engine.commit(data[:20]...)
	idx = append(idx, tn.engine.commit(data[20:]...)...)
	tn.ApplyQueue().Flush()

	require.Len(t, idx, 50)
	assert.Equal(t, idx[len(idx)-1], tn.AppliedIndex())
	assert.Equal(t, idx, tn.store.appliedOrder())
	assert.Equal(t, want, tn.store.snapshotKV())
}

func TestNode_ProposeCompletesWithResponse(t *testing.T) {
	tn := startedTestNode(t, nil)
	tn.engine.becomeLeader(3)

	res := proposeWait(tn.Node, "set a 1")
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(1), res.Index)
	assert.Equal(t, "a", res.Response)
	assert.Equal(t, uint64(1), tn.AppliedIndex())
}

func TestNode_ConcurrentProposals(t *testing.T) {
	tn := startedTestNode(t, nil)
	tn.engine.becomeLeader(1)
	before := tn.AppliedIndex()

	const n = 100
	var (
		wg    sync.WaitGroup
		calls atomic.Int64
		mu    sync.Mutex
		seen  = make(map[uint64]bool)
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			tn.Propose(&Task{
				Data: []byte(fmt.Sprintf("set k%d v%d", i, i)),
				Done: func(r Result) {
					defer wg.Done()
					calls.Add(1)
					assert.NoError(t, r.Err)
					mu.Lock()
					seen[r.Index] = true
					mu.Unlock()
				},
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), calls.Load())
	assert.Len(t, seen, n)
	assert.Equal(t, before+n, tn.AppliedIndex())
	assert.Len(t, tn.store.snapshotKV(), n)
}

func TestNode_ProposeAssignsTaskID(t *testing.T) {
	tn := startedTestNode(t, nil)
	tn.engine.becomeLeader(1)

	task := &Task{Data: []byte("set a 1")}
	tn.Propose(task)
	assert.NotEmpty(t, task.ID)
}

func TestNode_ProposeRejections(t *testing.T) {
	t.Run("not started", func(t *testing.T) {
		tn := newTestNode(t, t.TempDir(), 1, 1, NewConfiguration("a"), nil)
		res := proposeWait(tn.Node, "set a 1")
		assert.ErrorIs(t, res.Err, ErrNotInitialized)
	})

	t.Run("follower gets leader hint", func(t *testing.T) {
		tn := startedTestNode(t, nil)
		tn.engine.follow("10.0.0.2:8200:0", 4)

		res := proposeWait(tn.Node, "set a 1")
		require.ErrorIs(t, res.Err, ErrNotLeader)
		var nle *NotLeaderError
		require.True(t, errors.As(res.Err, &nle))
		assert.Equal(t, PeerID("10.0.0.2:8200:0"), nle.Leader)
	})

	t.Run("no leader known", func(t *testing.T) {
		tn := startedTestNode(t, nil)
		res := proposeWait(tn.Node, "set a 1")
		var nle *NotLeaderError
		require.True(t, errors.As(res.Err, &nle))
		assert.Empty(t, nle.Leader)
	})

	t.Run("stopped", func(t *testing.T) {
		tn := startedTestNode(t, nil)
		tn.engine.becomeLeader(1)
		tn.Stop()
		res := proposeWait(tn.Node, "set a 1")
		assert.ErrorIs(t, res.Err, ErrStopped)
	})

	t.Run("degraded", func(t *testing.T) {
		tn := startedTestNode(t, nil)
		tn.engine.becomeLeader(1)
		tn.OnError(errors.New("disk gone"))
		tn.engine.becomeLeader(2)

		res := proposeWait(tn.Node, "set a 1")
		assert.ErrorIs(t, res.Err, ErrDegraded)
	})
}

func TestNode_LeaderTermTransitions(t *testing.T) {
	tn := startedTestNode(t, nil)
	assert.Equal(t, int64(-1), tn.LeaderTerm())
	assert.False(t, tn.IsLeaderTerm())

	stop := make(chan struct{})
	var bad atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				switch term := tn.LeaderTerm(); term {
				case -1, 5, 7:
				default:
					bad.Store(term)
				}
			}
		}()
	}

	tn.OnLeaderStart(5)
	assert.Equal(t, int64(5), tn.LeaderTerm())
	assert.True(t, tn.IsLeaderTerm())
	tn.OnLeaderStop(nil)
	assert.Equal(t, int64(-1), tn.LeaderTerm())
	tn.OnLeaderStart(7)
	assert.Equal(t, int64(7), tn.LeaderTerm())

	close(stop)
	wg.Wait()
	assert.Zero(t, bad.Load())
}

func TestNode_MembershipEpochPersistsAcrossCrash(t *testing.T) {
	root := t.TempDir()
	tn := newTestNode(t, root, 1, 2, NewConfiguration("a", "b", "c"), nil)
	require.NoError(t, tn.Start())

	const commits = 5
	var lastIndex uint64
	for i := 0; i < commits; i++ {
		tn.engine.commit("set k v")
		lastIndex = tn.engine.commitConf("a", "b", PeerID(fmt.Sprintf("d%d", i)))
		assert.Equal(t, uint64(i+1), tn.Epoch())
	}
	assert.Equal(t, lastIndex, tn.AppliedIndex())

	// no Stop: reopen from what is on disk
	reopened := newTestNode(t, root, 1, 2, NewConfiguration("a", "b", "c"), nil)
	ce := reopened.ConfEpoch()
	assert.Equal(t, uint64(commits), ce.Epoch)
	assert.Equal(t, lastIndex, ce.ConfIndex)
	assert.Equal(t, []PeerID{"a", "b", "d4"}, ce.Configuration.Peers)
	assert.Equal(t, lastIndex, reopened.AppliedIndex())

	tn.Stop()
	reopened.Stop()
}

func TestNode_MembershipChangeScenario(t *testing.T) {
	root := t.TempDir()
	tn := newTestNode(t, root, 1, 2, NewConfiguration("A", "B", "C"), nil)
	require.NoError(t, tn.Start())
	assert.Equal(t, "(1, 2, 4294967298)", tn.Name())
	assert.Equal(t, uint64(0), tn.Epoch())

	data := make([]string, 9)
	for i := range data {
		data[i] = fmt.Sprintf("set k%d v", i)
	}
	tn.engine.commit(data...)
	idx := tn.engine.commitConf("A", "B", "D")
	require.Equal(t, uint64(10), idx)

	ce := tn.ConfEpoch()
	assert.Equal(t, uint64(1), ce.Epoch)
	assert.Equal(t, []PeerID{"A", "B", "D"}, tn.ListPeers())

	stored, err := OpenConfEpochFile(filepath.Join(tn.DataDir(), DefaultConfEpochFile), 1, 2)
	require.NoError(t, err)
	onDisk, err := stored.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), onDisk.Epoch)
	assert.Equal(t, uint64(10), onDisk.ConfIndex)

	tn.Stop()

	restarted := newTestNode(t, root, 1, 2, NewConfiguration("A", "B", "C"), nil)
	assert.Equal(t, uint64(1), restarted.Epoch())
	assert.Equal(t, []PeerID{"A", "B", "D"}, restarted.ListPeers())
	assert.Equal(t, []PeerID{"A", "B", "D"}, restarted.engine.opts.Configuration.Peers)
	restarted.Stop()
}

func TestNode_ReplayedMembershipDoesNotBumpEpoch(t *testing.T) {
	tn := startedTestNode(t, nil)

	idx := tn.engine.commitConf("a", "b", "d")
	require.Equal(t, uint64(1), tn.Epoch())

	tn.OnConfigurationCommitted(NewConfiguration("a", "b", "d"), idx)
	assert.Equal(t, uint64(1), tn.Epoch())
	tn.OnConfigurationCommitted(NewConfiguration("a", "b"), idx-1)
	assert.Equal(t, uint64(1), tn.Epoch())
	assert.Equal(t, []PeerID{"a", "b", "d"}, tn.ListPeers())
}

func TestNode_SeedsAppliedIndexFromStore(t *testing.T) {
	store := newMemStore()
	store.applied = 42
	tn := newTestNode(t, t.TempDir(), 1, 1, NewConfiguration("a"), store)
	assert.Equal(t, uint64(42), tn.AppliedIndex())

	require.NoError(t, tn.Start())
	defer tn.Stop()

	// replayed entries complete but do not move the store
	done := make(chan Result, 1)
	tn.engine.commitEntries(Entry{Index: 40, Data: []byte("set old x"), Done: func(r Result) { done <- r }})
	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(42), tn.AppliedIndex())
	assert.NotContains(t, tn.store.snapshotKV(), "old")
}

type failingConfEpochStore struct {
	ConfEpochStore
}

func (failingConfEpochStore) Save(ConfEpoch) error { return errFakeIO }

func TestNode_ConfEpochPersistFailureDegrades(t *testing.T) {
	tn := startedTestNode(t, nil, func(o *NodeOptions) {
		o.ConfEpochStoreFactory = func(path string, poolID PoolID, copysetID CopysetID) (ConfEpochStore, error) {
			f, err := OpenConfEpochFile(path, poolID, copysetID)
			if err != nil {
				return nil, err
			}
			return failingConfEpochStore{f}, nil
		}
	})
	tn.engine.becomeLeader(2)

	tn.engine.commitConf("a", "b", "d")
	assert.True(t, tn.Degraded())
	assert.Equal(t, uint64(0), tn.Epoch())
	assert.Equal(t, []PeerID{"a", "b", "c"}, tn.ListPeers())
	assert.False(t, tn.IsLeaderTerm())
}

func TestNode_StoreApplyFailureDegrades(t *testing.T) {
	store := newMemStore()
	tn := startedTestNode(t, store)
	tn.engine.becomeLeader(1)
	require.NoError(t, proposeWait(tn.Node, "set a 1").Err)

	store.mu.Lock()
	store.failApply = true
	store.mu.Unlock()

	res := proposeWait(tn.Node, "set b 2")
	require.ErrorIs(t, res.Err, errFakeIO)
	assert.True(t, tn.Degraded())
	assert.Equal(t, uint64(1), tn.AppliedIndex())

	done := make(chan Result, 1)
	tn.engine.commitEntries(Entry{Index: 3, Data: []byte("set c 3"), Done: func(r Result) { done <- r }})
	assert.ErrorIs(t, (<-done).Err, ErrDegraded)
}

func TestNode_DecodeErrorPolicy(t *testing.T) {
	t.Run("fail degrades", func(t *testing.T) {
		tn := startedTestNode(t, nil)
		done := make(chan Result, 1)
		tn.engine.commitEntries(Entry{Index: 1, Data: []byte("garbage"), Done: func(r Result) { done <- r }})

		res := <-done
		require.ErrorIs(t, res.Err, ErrApplyDecode)
		var derr *ApplyDecodeError
		require.True(t, errors.As(res.Err, &derr))
		assert.Equal(t, uint64(1), derr.Index)
		assert.True(t, tn.Degraded())
		assert.Equal(t, uint64(0), tn.AppliedIndex())
	})

	t.Run("skip advances", func(t *testing.T) {
		tn := startedTestNode(t, nil, func(o *NodeOptions) {
			o.DecodeErrorPolicy = DecodeErrorSkip
		})
		tn.engine.commit("garbage", "set a 1")
		tn.ApplyQueue().Flush()

		assert.False(t, tn.Degraded())
		assert.Equal(t, uint64(2), tn.AppliedIndex())
		assert.Equal(t, map[string]string{"a": "1"}, tn.store.snapshotKV())
	})
}

func TestNode_FailFastQueueKeepsOrder(t *testing.T) {
	store := newMemStore()
	store.applyGate = make(chan struct{})
	tn := startedTestNode(t, store, func(o *NodeOptions) {
		o.ApplyQueue = ApplyQueueOptions{Capacity: 1, Policy: OverflowFailFast}
	})

	committed := make(chan struct{})
	go func() {
		defer close(committed)
		tn.engine.commit("set a 1", "set a 2", "set a 3", "set a 4", "set a 5")
	}()
	for i := 0; i < 5; i++ {
		store.applyGate <- struct{}{}
	}
	<-committed
	tn.ApplyQueue().Flush()

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, store.appliedOrder())
	assert.Equal(t, map[string]string{"a": "5"}, store.snapshotKV())
	assert.Equal(t, uint64(5), tn.AppliedIndex())
}

func TestNode_SnapshotRoundTrip(t *testing.T) {
	src := startedTestNode(t, nil)
	src.engine.commit("set a 1", "set b 2")
	src.engine.commitConf("a", "b", "d")
	src.engine.commit("set c 3")

	data, err := src.engine.saveSnapshot()
	require.NoError(t, err)
	assert.Equal(t, src.AppliedIndex(), src.LastSnapshotIndex())

	dst := startedTestNode(t, nil)
	require.NoError(t, dst.engine.loadSnapshot(data))

	assert.Equal(t, src.store.snapshotKV(), dst.store.snapshotKV())
	assert.Equal(t, src.AppliedIndex(), dst.AppliedIndex())
	assert.Equal(t, src.AppliedIndex(), dst.LastSnapshotIndex())
	assert.Equal(t, src.ConfEpoch(), dst.ConfEpoch())

	// the installed membership is durable
	f, err := OpenConfEpochFile(filepath.Join(dst.DataDir(), DefaultConfEpochFile), 1, 2)
	require.NoError(t, err)
	ce, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ce.Epoch)
}

func TestNode_MalformedSnapshotLeavesStateUntouched(t *testing.T) {
	src := startedTestNode(t, nil)
	src.engine.commit("set a 1", "set b 2")
	src.engine.commitConf("a", "b", "d")
	data, err := src.engine.saveSnapshot()
	require.NoError(t, err)

	other := newTestNode(t, t.TempDir(), 9, 9, NewConfiguration("x"), nil)
	require.NoError(t, other.Start())
	defer other.Stop()
	other.engine.commit("set z 26")
	foreign, err := other.engine.saveSnapshot()
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)/2] ^= 0xFF

	cases := map[string][]byte{
		"empty":     {},
		"truncated": data[:len(data)-3],
		"flipped":   flipped,
		"foreign":   foreign,
		"trailing":  append(append([]byte(nil), data...), 0x00),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			dst := startedTestNode(t, nil)
			dst.engine.commit("set keep me")
			before := dst.ConfEpoch()

			err := dst.engine.loadSnapshot(frame)
			require.ErrorIs(t, err, ErrSnapshotIO)
			assert.Equal(t, map[string]string{"keep": "me"}, dst.store.snapshotKV())
			assert.Equal(t, uint64(1), dst.AppliedIndex())
			assert.Equal(t, before, dst.ConfEpoch())
			assert.False(t, dst.Degraded())
		})
	}
}

func TestNode_SnapshotLoadEpochPersistFailureDegrades(t *testing.T) {
	src := startedTestNode(t, nil)
	src.engine.commit("set a 1", "set b 2")
	src.engine.commitConf("a", "b", "d")
	data, err := src.engine.saveSnapshot()
	require.NoError(t, err)

	dst := startedTestNode(t, nil, func(o *NodeOptions) {
		o.ConfEpochStoreFactory = func(path string, poolID PoolID, copysetID CopysetID) (ConfEpochStore, error) {
			f, err := OpenConfEpochFile(path, poolID, copysetID)
			if err != nil {
				return nil, err
			}
			return failingConfEpochStore{f}, nil
		}
	})
	before := dst.ConfEpoch()

	err = dst.engine.loadSnapshot(data)
	require.ErrorIs(t, err, ErrConfEpochPersist)
	assert.True(t, dst.Degraded())
	assert.Equal(t, before, dst.ConfEpoch())
	assert.Equal(t, uint64(0), dst.AppliedIndex())
	assert.Equal(t, uint64(0), dst.LastSnapshotIndex())

	// nothing is applied on top of the partially installed state
	dst.engine.commit("set c 3")
	_, ok := dst.store.snapshotKV()["c"]
	assert.False(t, ok)
}

func TestNode_SnapshotSaveFailureKeepsServing(t *testing.T) {
	tn := startedTestNode(t, nil)
	tn.engine.becomeLeader(1)
	tn.engine.commit("set a 1")

	w := &bufferSnapshotWriter{writeErr: errFakeIO}
	done := make(chan Result, 1)
	tn.OnSnapshotSave(w, func(r Result) { done <- r })
	res := <-done

	require.ErrorIs(t, res.Err, ErrSnapshotIO)
	assert.ErrorIs(t, w.closeErr, ErrSnapshotIO)
	assert.Zero(t, tn.LastSnapshotIndex())
	assert.False(t, tn.Degraded())
	require.NoError(t, proposeWait(tn.Node, "set b 2").Err)
}

func TestNode_InitErrors(t *testing.T) {
	base := func() NodeOptions {
		return NodeOptions{
			DataURI:          "local://" + t.TempDir(),
			PeerID:           "p",
			MetaStoreFactory: func(StoreOptions) (MetaStore, error) { return newMemStore(), nil },
			EngineFactory: func(sm StateMachine, eo EngineOptions) (Engine, error) {
				return &fakeEngine{sm: sm, opts: eo}, nil
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*NodeOptions)
	}{
		{"empty data uri", func(o *NodeOptions) { o.DataURI = "" }},
		{"relative data uri", func(o *NodeOptions) { o.DataURI = "local://data" }},
		{"unsupported scheme", func(o *NodeOptions) { o.DataURI = "s3://bucket/data" }},
		{"empty peer", func(o *NodeOptions) { o.PeerID = "" }},
		{"escaping conf file", func(o *NodeOptions) { o.ConfEpochFile = "../conf.epoch" }},
		{"bad decode policy", func(o *NodeOptions) { o.DecodeErrorPolicy = "ignore" }},
		{"store factory fails", func(o *NodeOptions) {
			o.MetaStoreFactory = func(StoreOptions) (MetaStore, error) { return nil, errFakeIO }
		}},
		{"engine factory fails", func(o *NodeOptions) {
			o.EngineFactory = func(StateMachine, EngineOptions) (Engine, error) { return nil, errFakeIO }
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base()
			tt.mutate(&opts)
			n := NewNode(1, 1, NewConfiguration("p"))
			err := n.Init(opts)
			require.ErrorIs(t, err, ErrInit)
			var ie *InitError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, n.Name(), ie.Copyset)
			assert.ErrorIs(t, n.Start(), ErrNotInitialized)
		})
	}

	t.Run("corrupt conf epoch", func(t *testing.T) {
		opts := base()
		n := NewNode(1, 1, NewConfiguration("p"))
		root, err := ParseDataURI(opts.DataURI)
		require.NoError(t, err)
		f, err := OpenConfEpochFile(filepath.Join(CopysetDataDir(root, 1, 1), DefaultConfEpochFile), 7, 7)
		require.NoError(t, err)
		require.NoError(t, f.Save(ConfEpoch{Epoch: 3}))

		assert.ErrorIs(t, n.Init(opts), ErrInit)
	})

	t.Run("second init", func(t *testing.T) {
		n := NewNode(1, 1, NewConfiguration("p"))
		require.NoError(t, n.Init(base()))
		assert.ErrorIs(t, n.Init(base()), ErrAlreadyInitialized)
		n.Stop()
		assert.ErrorIs(t, n.Init(base()), ErrStopped)
	})
}

func TestNode_StartStopLifecycle(t *testing.T) {
	tn := newTestNode(t, t.TempDir(), 1, 1, NewConfiguration("a"), nil)
	require.NoError(t, tn.Start())
	require.NoError(t, tn.Start())
	assert.True(t, tn.engine.started)

	tn.Stop()
	tn.Stop()
	assert.True(t, tn.engine.shutdown)
	assert.True(t, tn.store.closed)
	assert.ErrorIs(t, tn.Start(), ErrStopped)
	assert.Equal(t, "stopped", tn.GetStatus().State)
}

func TestNode_EngineBootstrapFailure(t *testing.T) {
	tn := newTestNode(t, t.TempDir(), 1, 1, NewConfiguration("a"), nil)
	tn.engine.startErr = errors.New("address in use")

	err := tn.Start()
	require.ErrorIs(t, err, ErrEngineBootstrap)
	var be *EngineBootstrapError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, tn.Name(), be.Copyset)
	tn.Stop()
}

func TestNode_StopWaitsForSnapshotWriter(t *testing.T) {
	tn := newTestNode(t, t.TempDir(), 1, 1, NewConfiguration("a"), nil)
	require.NoError(t, tn.Start())
	tn.engine.commit("set a 1")

	pr := newSlowWriter()
	done := make(chan Result, 1)
	tn.OnSnapshotSave(pr, func(r Result) { done <- r })

	stopped := make(chan struct{})
	go func() {
		tn.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned before snapshot writer finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(pr.release)
	<-stopped
	require.NoError(t, (<-done).Err)
}

type slowWriter struct {
	bufferSnapshotWriter
	release chan struct{}
}

func newSlowWriter() *slowWriter {
	return &slowWriter{release: make(chan struct{})}
}

func (w *slowWriter) Write(p []byte) (int, error) {
	<-w.release
	return w.bufferSnapshotWriter.Write(p)
}

type stubFetcher struct {
	leader PeerID
	status NodeStatus
	err    error
}

func (f *stubFetcher) FetchLeaderStatus(_ context.Context, leader PeerID, _ PoolID, _ CopysetID) (NodeStatus, error) {
	f.leader = leader
	return f.status, f.err
}

func TestNode_GetLeaderStatus(t *testing.T) {
	fetcher := &stubFetcher{status: NodeStatus{Name: "remote", IsLeader: true}}
	tn := startedTestNode(t, nil, func(o *NodeOptions) { o.LeaderStatusFetcher = fetcher })

	_, err := tn.GetLeaderStatus(context.Background())
	assert.ErrorIs(t, err, ErrNoLeader)

	tn.engine.follow("b", 2)
	st, err := tn.GetLeaderStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "remote", st.Name)
	assert.Equal(t, PeerID("b"), fetcher.leader)

	tn.engine.becomeLeader(3)
	st, err = tn.GetLeaderStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsLeader)
	assert.Equal(t, int64(3), st.LeaderTerm)
	assert.Equal(t, tn.Name(), st.Name)
}

func TestNode_GetLeaderStatusWithoutFetcher(t *testing.T) {
	tn := startedTestNode(t, nil)
	tn.engine.follow("b", 2)
	_, err := tn.GetLeaderStatus(context.Background())
	assert.ErrorIs(t, err, ErrLeaderStatusUnavailable)
}

func TestNode_StatusAndPartitions(t *testing.T) {
	tn := startedTestNode(t, nil)
	tn.engine.commit("set a 1", "set b 2")
	tn.ApplyQueue().Flush()

	st := tn.GetStatus()
	assert.Equal(t, PoolID(1), st.PoolID)
	assert.Equal(t, CopysetID(2), st.CopysetID)
	assert.Equal(t, "started", st.State)
	assert.Equal(t, uint64(2), st.AppliedIndex)
	assert.Equal(t, []PeerID{"a", "b", "c"}, st.Peers)
	require.NotNil(t, st.Engine)
	assert.Equal(t, uint64(2), st.Engine.CommitIndex)

	parts, err := tn.GetPartitionInfoList()
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, uint64(2), parts[0].KeyCount)

	tn.Stop()
	_, err = tn.GetPartitionInfoList()
	assert.ErrorIs(t, err, ErrStopped)
}
