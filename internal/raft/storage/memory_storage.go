package storage

import (
	"sync"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"

	"github.com/go-errors/errors"
)

// MemoryStorage is a volatile LogStorage. It keeps the log as a contiguous slice starting at firstIndex, which is
// enough for Raft since entries are only ever appended, truncated from the tail or compacted from the head.
type MemoryStorage struct {
	mu         sync.RWMutex
	entries    []*rpc.LogEntry
	firstIndex uint64
	term       uint64
	votedFor   *raft.NodeID
	snapshot   *Snapshot
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{firstIndex: 1}
}

func (m *MemoryStorage) lastIndex() uint64 {
	return m.firstIndex + uint64(len(m.entries)) - 1
}

func (m *MemoryStorage) AppendEntry(entry *rpc.LogEntry) error {
	return m.AppendEntries([]*rpc.LogEntry{entry})
}

func (m *MemoryStorage) AppendEntries(entries []*rpc.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		e := copyEntry(entry)
		switch {
		case len(m.entries) == 0:
			m.firstIndex = e.Index
			m.entries = append(m.entries, e)
		case e.Index >= m.firstIndex && e.Index <= m.lastIndex():
			m.entries[e.Index-m.firstIndex] = e
		case e.Index == m.lastIndex()+1:
			m.entries = append(m.entries, e)
		default:
			return errors.Errorf("log entry %d is not contiguous with log [%d, %d]", e.Index, m.firstIndex, m.lastIndex())
		}
	}
	return nil
}

func (m *MemoryStorage) GetEntry(index uint64) (*rpc.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 || index < m.firstIndex || index > m.lastIndex() {
		return nil, errors.Errorf("log entry at index %d: %w", index, ErrEntryNotFound)
	}
	return copyEntry(m.entries[index-m.firstIndex]), nil
}

func (m *MemoryStorage) GetEntries(startIndex, endIndex uint64) ([]*rpc.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil, nil
	}
	if startIndex < m.firstIndex {
		startIndex = m.firstIndex
	}
	if endIndex > m.lastIndex() {
		endIndex = m.lastIndex()
	}

	var entries []*rpc.LogEntry
	for i := startIndex; i <= endIndex; i++ {
		entries = append(entries, copyEntry(m.entries[i-m.firstIndex]))
	}
	return entries, nil
}

func (m *MemoryStorage) GetEntriesFrom(startIndex uint64) ([]*rpc.LogEntry, error) {
	m.mu.RLock()
	last := m.lastIndex()
	m.mu.RUnlock()

	return m.GetEntries(startIndex, last)
}

func (m *MemoryStorage) DeleteEntriesFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case len(m.entries) == 0 || index > m.lastIndex():
	case index <= m.firstIndex:
		m.entries = nil
	default:
		m.entries = m.entries[:index-m.firstIndex]
	}
	return nil
}

func (m *MemoryStorage) DeleteEntriesTo(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case len(m.entries) == 0 || index < m.firstIndex:
	case index >= m.lastIndex():
		m.entries = nil
		m.firstIndex = index + 1
	default:
		m.entries = append([]*rpc.LogEntry(nil), m.entries[index-m.firstIndex+1:]...)
		m.firstIndex = index + 1
	}
	return nil
}

func (m *MemoryStorage) GetFirstIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.firstIndex, nil
}

func (m *MemoryStorage) GetLastIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.lastIndex(), nil
}

func (m *MemoryStorage) GetLastTerm() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[len(m.entries)-1].Term, nil
}

func (m *MemoryStorage) GetCurrentTerm() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term, nil
}

func (m *MemoryStorage) SetCurrentTerm(term uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	return nil
}

func (m *MemoryStorage) GetVotedFor() (*raft.NodeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.votedFor == nil {
		return nil, nil
	}
	id := *m.votedFor
	return &id, nil
}

func (m *MemoryStorage) SetVotedFor(candidateID *raft.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votedFor = copyNodeID(candidateID)
	return nil
}

func (m *MemoryStorage) SetTermAndVote(term uint64, votedFor *raft.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	m.votedFor = copyNodeID(votedFor)
	return nil
}

func (m *MemoryStorage) SaveSnapshot(snapshot *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *snapshot
	s.Data = append([]byte(nil), snapshot.Data...)
	m.snapshot = &s
	return nil
}

func (m *MemoryStorage) LoadSnapshot() (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.snapshot == nil {
		return nil, nil
	}
	s := *m.snapshot
	s.Data = append([]byte(nil), m.snapshot.Data...)
	return &s, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func copyEntry(entry *rpc.LogEntry) *rpc.LogEntry {
	e := *entry
	if entry.Command != nil {
		e.Command = append([]byte(nil), entry.Command...)
	}
	return &e
}

func copyNodeID(id *raft.NodeID) *raft.NodeID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
