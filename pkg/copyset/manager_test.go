package copyset

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *sync.Map) {
	t.Helper()
	engines := &sync.Map{}
	m := NewManager(NodeOptions{
		DataURI:          t.TempDir(),
		PeerID:           "127.0.0.1:8200:0",
		MetaStoreFactory: func(StoreOptions) (MetaStore, error) { return newMemStore(), nil },
		EngineFactory: func(sm StateMachine, eo EngineOptions) (Engine, error) {
			e := &fakeEngine{sm: sm, opts: eo}
			engines.Store(eo.GroupID, e)
			return e, nil
		},
	})
	t.Cleanup(m.StopAll)
	return m, engines
}

func TestManager_CreateGetList(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CreateCopyset(2, 1, NewConfiguration("a"))
	require.NoError(t, err)
	_, err = m.CreateCopyset(1, 7, NewConfiguration("a"))
	require.NoError(t, err)
	_, err = m.CreateCopyset(1, 3, NewConfiguration("a"))
	require.NoError(t, err)

	_, err = m.CreateCopyset(1, 3, NewConfiguration("a"))
	assert.ErrorIs(t, err, ErrCopysetExists)

	n, ok := m.Get(1, 7)
	require.True(t, ok)
	assert.Equal(t, CopysetID(7), n.CopysetID())
	_, ok = m.Get(9, 9)
	assert.False(t, ok)

	var names []string
	for _, n := range m.List() {
		names = append(names, n.Name())
	}
	assert.Equal(t, []string{Name(1, 3), Name(1, 7), Name(2, 1)}, names)
}

func TestManager_StartStopAll(t *testing.T) {
	m, engines := newTestManager(t)
	for i := CopysetID(1); i <= 4; i++ {
		_, err := m.CreateCopyset(1, i, NewConfiguration("a"))
		require.NoError(t, err)
	}

	require.NoError(t, m.StartAll(context.Background()))
	for _, n := range m.List() {
		assert.Equal(t, "started", n.GetStatus().State)
	}

	m.StopAll()
	engines.Range(func(_, v any) bool {
		assert.True(t, v.(*fakeEngine).shutdown)
		return true
	})
	for _, n := range m.List() {
		assert.Equal(t, "stopped", n.GetStatus().State)
	}
}

func TestManager_PartitionInfoList(t *testing.T) {
	m, engines := newTestManager(t)
	_, err := m.CreateCopyset(1, 1, NewConfiguration("a"))
	require.NoError(t, err)
	_, err = m.CreateCopyset(1, 2, NewConfiguration("a"))
	require.NoError(t, err)
	require.NoError(t, m.StartAll(context.Background()))

	v, ok := engines.Load(ToGroupID(1, 2))
	require.True(t, ok)
	e := v.(*fakeEngine)
	e.becomeLeader(1)
	e.commit("set a 1", "set b 2", "set c 3")
	n, _ := m.Get(1, 2)
	n.ApplyQueue().Flush()

	list, err := m.PartitionInfoList()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, CopysetID(1), list[0].CopysetID)
	assert.False(t, list[0].IsLeader)
	assert.Equal(t, CopysetID(2), list[1].CopysetID)
	assert.True(t, list[1].IsLeader)
	require.Len(t, list[1].Partitions, 1)
	assert.Equal(t, uint64(3), list[1].Partitions[0].KeyCount)
}

func TestManager_RemoveCopyset(t *testing.T) {
	m, _ := newTestManager(t)
	n, err := m.CreateCopyset(1, 1, NewConfiguration("a"))
	require.NoError(t, err)
	require.NoError(t, n.Start())

	require.NoError(t, m.RemoveCopyset(1, 1))
	_, ok := m.Get(1, 1)
	assert.False(t, ok)
	assert.Equal(t, "stopped", n.GetStatus().State)
	assert.Error(t, m.RemoveCopyset(1, 1))
}

func TestManager_CreateCopysetWithPeerID(t *testing.T) {
	m, engines := newTestManager(t)

	n, err := m.CreateCopyset(1, 1, NewConfiguration("127.0.0.1:8201:0"), WithPeerID("127.0.0.1:8201:0"))
	require.NoError(t, err)
	assert.Equal(t, PeerID("127.0.0.1:8201:0"), n.PeerID())

	other, err := m.CreateCopyset(1, 2, NewConfiguration("a"))
	require.NoError(t, err)
	assert.Equal(t, PeerID("127.0.0.1:8200:0"), other.PeerID(), "overrides do not leak into the shared options")

	e, ok := engines.Load(ToGroupID(1, 1))
	require.True(t, ok)
	assert.Equal(t, PeerID("127.0.0.1:8201:0"), e.(*fakeEngine).opts.PeerID)
}
