package mocks

import (
	"sync"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"
	"jsonvault/internal/raft/storage"
)

// MockLogStorage is a storage.LogStorage backed by storage.MemoryStorage, with error injection and call counters for
// testing failure paths
type MockLogStorage struct {
	*storage.MemoryStorage

	mu sync.RWMutex

	// Error injection for testing
	AppendEntriesError  error
	GetEntryError       error
	GetEntriesError     error
	DeleteEntriesError  error
	SetTermAndVoteError error
	SaveSnapshotError   error

	setTermAndVoteCalls int
}

// NewMockLogStorage creates a new mock log storage
func NewMockLogStorage() *MockLogStorage {
	return &MockLogStorage{MemoryStorage: storage.NewMemoryStorage()}
}

func (m *MockLogStorage) injected(err *error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *err
}

// SetError changes one of the injected errors while the mock is in use
func (m *MockLogStorage) SetError(target *error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*target = err
}

func (m *MockLogStorage) AppendEntry(entry *rpc.LogEntry) error {
	return m.AppendEntries([]*rpc.LogEntry{entry})
}

func (m *MockLogStorage) AppendEntries(entries []*rpc.LogEntry) error {
	if err := m.injected(&m.AppendEntriesError); err != nil {
		return err
	}
	return m.MemoryStorage.AppendEntries(entries)
}

func (m *MockLogStorage) GetEntry(index uint64) (*rpc.LogEntry, error) {
	if err := m.injected(&m.GetEntryError); err != nil {
		return nil, err
	}
	return m.MemoryStorage.GetEntry(index)
}

func (m *MockLogStorage) GetEntries(startIndex, endIndex uint64) ([]*rpc.LogEntry, error) {
	if err := m.injected(&m.GetEntriesError); err != nil {
		return nil, err
	}
	return m.MemoryStorage.GetEntries(startIndex, endIndex)
}

func (m *MockLogStorage) DeleteEntriesFrom(index uint64) error {
	if err := m.injected(&m.DeleteEntriesError); err != nil {
		return err
	}
	return m.MemoryStorage.DeleteEntriesFrom(index)
}

func (m *MockLogStorage) DeleteEntriesTo(index uint64) error {
	if err := m.injected(&m.DeleteEntriesError); err != nil {
		return err
	}
	return m.MemoryStorage.DeleteEntriesTo(index)
}

func (m *MockLogStorage) SetTermAndVote(term uint64, votedFor *raft.NodeID) error {
	m.mu.Lock()
	m.setTermAndVoteCalls++
	err := m.SetTermAndVoteError
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return m.MemoryStorage.SetTermAndVote(term, votedFor)
}

func (m *MockLogStorage) SaveSnapshot(snapshot *storage.Snapshot) error {
	if err := m.injected(&m.SaveSnapshotError); err != nil {
		return err
	}
	return m.MemoryStorage.SaveSnapshot(snapshot)
}

// SetTermAndVoteCalls returns how many times the term and vote were persisted
func (m *MockLogStorage) SetTermAndVoteCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.setTermAndVoteCalls
}
