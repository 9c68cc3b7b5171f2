package server

import (
	"context"
	"sync"

	"github.com/zztaki/curve/pkg/copyset"
)

// MockCopyset is a test implementation of Copyset.
type MockCopyset struct {
	mu sync.Mutex

	name          string
	status        copyset.NodeStatus
	leaderStatus  copyset.NodeStatus
	leaderErr     error
	partitions    []copyset.PartitionInfo
	partitionsErr error
	store         copyset.MetaStore
	engine        copyset.Engine

	// proposeFn answers each proposal; nil completes with Result{Index: n}.
	proposeFn func(task *copyset.Task) copyset.Result
	// hold records proposals without completing them.
	hold     bool
	proposed [][]byte
}

// NewMockCopyset creates a mock copyset that leads term 1.
func NewMockCopyset(poolID copyset.PoolID, copysetID copyset.CopysetID) *MockCopyset {
	name := copyset.Name(poolID, copysetID)
	return &MockCopyset{
		name: name,
		status: copyset.NodeStatus{
			PoolID:     poolID,
			CopysetID:  copysetID,
			GroupID:    copyset.ToGroupID(poolID, copysetID),
			Name:       name,
			PeerID:     "self:1:0",
			Leader:     "self:1:0",
			LeaderTerm: 1,
			IsLeader:   true,
			Peers:      []copyset.PeerID{"self:1:0"},
		},
	}
}

func (m *MockCopyset) Name() string { return m.name }

func (m *MockCopyset) IsLeaderTerm() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsLeader
}

func (m *MockCopyset) LeaderID() copyset.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Leader
}

func (m *MockCopyset) GetStatus() copyset.NodeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockCopyset) GetLeaderStatus(_ context.Context) (copyset.NodeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaderErr != nil {
		return copyset.NodeStatus{}, m.leaderErr
	}
	if m.status.IsLeader {
		return m.status, nil
	}
	return m.leaderStatus, nil
}

func (m *MockCopyset) ListPeers() []copyset.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Peers
}

func (m *MockCopyset) GetPartitionInfoList() ([]copyset.PartitionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partitions, m.partitionsErr
}

func (m *MockCopyset) Propose(task *copyset.Task) {
	m.mu.Lock()
	m.proposed = append(m.proposed, task.Data)
	fn := m.proposeFn
	hold := m.hold
	index := uint64(len(m.proposed))
	m.mu.Unlock()

	if hold {
		return
	}

	res := copyset.Result{Index: index}
	if fn != nil {
		res = fn(task)
	}
	if task.Done != nil {
		task.Done(res)
	}
}

func (m *MockCopyset) MetaStore() copyset.MetaStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

func (m *MockCopyset) Engine() copyset.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

func (m *MockCopyset) SetEngine(engine copyset.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine = engine
}

// SetFollower makes the copyset follow leader.
func (m *MockCopyset) SetFollower(leader copyset.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.IsLeader = false
	m.status.LeaderTerm = -1
	m.status.Leader = leader
}

func (m *MockCopyset) SetLeaderStatus(st copyset.NodeStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaderStatus = st
	m.leaderErr = err
}

func (m *MockCopyset) SetPartitions(parts []copyset.PartitionInfo, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions = parts
	m.partitionsErr = err
}

func (m *MockCopyset) SetStore(store copyset.MetaStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

func (m *MockCopyset) SetProposeFunc(fn func(task *copyset.Task) copyset.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposeFn = fn
}

func (m *MockCopyset) SetHold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// Proposed returns the payloads handed to Propose.
func (m *MockCopyset) Proposed() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.proposed...)
}

// MockRegistry is a test implementation of Registry.
type MockRegistry struct {
	mu       sync.Mutex
	copysets map[copyset.GroupID]*MockCopyset
	listErr  error
}

// NewMockRegistry creates an empty registry.
func NewMockRegistry() *MockRegistry {
	return &MockRegistry{copysets: make(map[copyset.GroupID]*MockCopyset)}
}

// Add hosts cs.
func (r *MockRegistry) Add(cs *MockCopyset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copysets[cs.GetStatus().GroupID] = cs
}

func (r *MockRegistry) SetPartitionInfoListError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErr = err
}

func (r *MockRegistry) Lookup(poolID copyset.PoolID, copysetID copyset.CopysetID) (Copyset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.copysets[copyset.ToGroupID(poolID, copysetID)]
	if !ok {
		return nil, false
	}
	return cs, true
}

func (r *MockRegistry) Statuses() []copyset.NodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]copyset.NodeStatus, 0, len(r.copysets))
	for _, cs := range r.copysets {
		out = append(out, cs.GetStatus())
	}
	return out
}

func (r *MockRegistry) PartitionInfoList() ([]copyset.CopysetPartitions, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []copyset.CopysetPartitions
	for _, cs := range r.copysets {
		st := cs.GetStatus()
		parts, err := cs.GetPartitionInfoList()
		if err != nil {
			continue
		}
		out = append(out, copyset.CopysetPartitions{
			PoolID:     st.PoolID,
			CopysetID:  st.CopysetID,
			IsLeader:   st.IsLeader,
			Epoch:      st.Epoch,
			Partitions: parts,
		})
	}
	return out, r.listErr
}

var (
	_ Registry = (*MockRegistry)(nil)
	_ Copyset  = (*MockCopyset)(nil)
)
