package raftengine

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zztaki/curve/pkg/copyset"
)

type appliedIndex struct {
	v atomic.Uint64
}

func (a *appliedIndex) AppliedIndex() uint64 { return a.v.Load() }

type emptyReader struct{}

func (emptyReader) Read(_ []byte) (int, error) { return 0, io.EOF }

type noopSnapshotSink struct{}

func (noopSnapshotSink) Write(p []byte) (int, error) { return len(p), nil }
func (noopSnapshotSink) Close() error                { return nil }
func (noopSnapshotSink) ID() string                  { return "noop" }
func (noopSnapshotSink) Cancel() error               { return nil }

type recordingSnapshotStore struct {
	lastCreateIndex uint64
	lastCreateTerm  uint64
	createCalls     int
}

func (s *recordingSnapshotStore) Create(
	_ raft.SnapshotVersion,
	index, term uint64,
	_ raft.Configuration,
	_ uint64,
	_ raft.Transport,
) (raft.SnapshotSink, error) {
	s.lastCreateIndex = index
	s.lastCreateTerm = term
	s.createCalls++
	return noopSnapshotSink{}, nil
}

func (s *recordingSnapshotStore) List() ([]*raft.SnapshotMeta, error) { return nil, nil }

func (s *recordingSnapshotStore) Open(_ string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	return nil, io.NopCloser(emptyReader{}), nil
}

// logsWithTerms stores entries 1..n, entry i in term i/10+1.
func logsWithTerms(t *testing.T, n uint64) *raft.InmemStore {
	t.Helper()
	store := raft.NewInmemStore()
	for i := uint64(1); i <= n; i++ {
		require.NoError(t, store.StoreLog(&raft.Log{Index: i, Term: i/10 + 1, Type: raft.LogCommand}))
	}
	return store
}

func TestAppliedIndexSnapshotStore_Create(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		captured  uint64
		index     uint64
		term      uint64
		confIndex uint64
		wantIndex uint64
		wantTerm  uint64
	}{
		{
			name:      "lowers_to_captured_applied_index",
			captured:  35,
			index:     40,
			term:      5,
			confIndex: 1,
			wantIndex: 35,
			wantTerm:  4,
		},
		{
			name:      "keeps_index_when_nothing_captured",
			captured:  0,
			index:     40,
			term:      5,
			confIndex: 1,
			wantIndex: 40,
			wantTerm:  5,
		},
		{
			name:      "keeps_index_when_captured_matches",
			captured:  40,
			index:     40,
			term:      5,
			confIndex: 1,
			wantIndex: 40,
			wantTerm:  5,
		},
		{
			name:      "keeps_index_below_configuration_entry",
			captured:  20,
			index:     40,
			term:      5,
			confIndex: 30,
			wantIndex: 40,
			wantTerm:  5,
		},
		{
			name:      "keeps_index_when_entry_compacted",
			captured:  70,
			index:     80,
			term:      9,
			confIndex: 1,
			wantIndex: 80,
			wantTerm:  9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &recordingSnapshotStore{}
			store := NewAppliedIndexSnapshotStore(inner, logsWithTerms(t, 50))
			if tt.captured > 0 {
				store.Capture(tt.captured)
			}

			_, err := store.Create(raft.SnapshotVersionMax, tt.index, tt.term, raft.Configuration{}, tt.confIndex, nil)
			require.NoError(t, err)
			require.Equal(t, 1, inner.createCalls)
			assert.Equal(t, tt.wantIndex, inner.lastCreateIndex)
			assert.Equal(t, tt.wantTerm, inner.lastCreateTerm)
		})
	}
}

func TestAppliedIndexSnapshotStore_CaptureIsConsumedOnce(t *testing.T) {
	inner := &recordingSnapshotStore{}
	store := NewAppliedIndexSnapshotStore(inner, logsWithTerms(t, 50))

	store.Capture(35)
	_, err := store.Create(raft.SnapshotVersionMax, 40, 5, raft.Configuration{}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(35), inner.lastCreateIndex)

	// an installed snapshot arrives without a capture
	_, err = store.Create(raft.SnapshotVersionMax, 48, 5, raft.Configuration{}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(48), inner.lastCreateIndex)
	assert.Equal(t, uint64(5), inner.lastCreateTerm)
}

func TestAppliedIndexLogStore_DeleteRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		applied   uint64
		min, max  uint64
		wantFirst uint64
	}{
		{"all_applied", 50, 1, 30, 31},
		{"capped_at_applied", 20, 1, 30, 21},
		{"nothing_applied", 0, 1, 30, 1},
		{"range_above_applied", 10, 15, 30, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied := &appliedIndex{}
			applied.v.Store(tt.applied)
			store := NewAppliedIndexLogStore(logsWithTerms(t, 50), applied)

			require.NoError(t, store.DeleteRange(tt.min, tt.max))
			first, err := store.FirstIndex()
			require.NoError(t, err)
			assert.Equal(t, tt.wantFirst, first)

			last, err := store.LastIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(50), last)
		})
	}
}

func TestPeerAddress(t *testing.T) {
	tests := []struct {
		peer copyset.PeerID
		want raft.ServerAddress
	}{
		{"127.0.0.1:8200:0", "127.0.0.1:8200"},
		{"10.0.0.1:6701", "10.0.0.1:6701"},
		{"n1", "n1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, peerAddress(tt.peer), string(tt.peer))
	}
}

func TestConfigurationConversion(t *testing.T) {
	conf := copyset.NewConfiguration("a:1:0", "b:1:0")
	rc := toRaftConfiguration(conf)
	require.Len(t, rc.Servers, 2)
	assert.Equal(t, raft.ServerAddress("a:1"), rc.Servers[0].Address)

	rc.Servers = append(rc.Servers, raft.Server{Suffrage: raft.Nonvoter, ID: "c:1:0", Address: "c:1"})
	assert.Equal(t, conf, fromRaftConfiguration(rc))
}

func TestParseStat(t *testing.T) {
	stats := map[string]string{"term": "7", "state": "Leader"}
	assert.Equal(t, uint64(7), parseStat(stats, "term"))
	assert.Equal(t, uint64(0), parseStat(stats, "state"))
	assert.Equal(t, uint64(0), parseStat(stats, "missing"))
}
