package storage

import (
	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"

	"github.com/go-errors/errors"
)

// ErrEntryNotFound is returned when a log entry is requested at an index that is not stored, either because it was
// never appended or because it was compacted into a snapshot.
var ErrEntryNotFound = errors.New("log entry not found")

// Snapshot is a point-in-time copy of the state machine together with the position in the log it replaces. Every
// entry up to and including LastIncludedIndex is reflected in Data.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// LogStorage is the stable storage of a Server: the log, the currentTerm, the votedFor and the latest snapshot, as
// listed under "Persistent state on all servers" in Figure 2 from the [Raft paper](https://raft.github.io/raft.pdf).
// Every write must be durable when the call returns, since servers respond to RPCs only after updating stable
// storage.
//
// Indexes are 1-based. After compaction the log starts right after the snapshot, so GetFirstIndex may be greater
// than 1.
type LogStorage interface {
	// Log Entry Operations

	// AppendEntry appends a single log entry to the log, overwriting any entry stored at the same index
	AppendEntry(entry *rpc.LogEntry) error

	// AppendEntries appends multiple log entries to the log in a single write
	AppendEntries(entries []*rpc.LogEntry) error

	// GetEntry retrieves a log entry at the specified index. It returns ErrEntryNotFound if there is none.
	GetEntry(index uint64) (*rpc.LogEntry, error)

	// GetEntries retrieves log entries from startIndex (inclusive) to endIndex (inclusive)
	GetEntries(startIndex, endIndex uint64) ([]*rpc.LogEntry, error)

	// GetEntriesFrom retrieves all log entries starting from the given index
	GetEntriesFrom(startIndex uint64) ([]*rpc.LogEntry, error)

	// DeleteEntriesFrom deletes all log entries starting from the given index (inclusive)
	// This is used to resolve log conflicts as per Section 5.3
	DeleteEntriesFrom(index uint64) error

	// DeleteEntriesTo deletes all log entries up to the given index (inclusive). It is used for log compaction once
	// a snapshot covers those entries, as per Section 7.
	DeleteEntriesTo(index uint64) error

	// GetFirstIndex returns the index of the first stored log entry (0 if log is empty)
	GetFirstIndex() (uint64, error)

	// GetLastIndex returns the index of the last log entry (0 if log is empty)
	GetLastIndex() (uint64, error)

	// GetLastTerm returns the term of the last log entry (0 if log is empty)
	GetLastTerm() (uint64, error)

	// Persistent State Operations (Section 5.2: "Updated on stable storage before responding to RPCs")

	// GetCurrentTerm retrieves the current term from persistent storage
	GetCurrentTerm() (uint64, error)

	// SetCurrentTerm persists the current term to storage
	SetCurrentTerm(term uint64) error

	// GetVotedFor retrieves the candidate ID this server voted for in the current term
	GetVotedFor() (*raft.NodeID, error)

	// SetVotedFor persists the candidate ID this server voted for
	SetVotedFor(candidateID *raft.NodeID) error

	// SetTermAndVote persists the current term and the vote in a single write, so that a term change is never
	// observed with the vote of the previous term
	SetTermAndVote(term uint64, votedFor *raft.NodeID) error

	// Snapshot Operations

	// SaveSnapshot replaces the stored snapshot
	SaveSnapshot(snapshot *Snapshot) error

	// LoadSnapshot returns the stored snapshot, or nil if none has been taken yet
	LoadSnapshot() (*Snapshot, error)

	// Utility Operations

	// Close closes the storage connection
	Close() error
}
