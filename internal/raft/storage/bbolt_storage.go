package storage

import (
	"encoding/binary"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"

	"github.com/go-errors/errors"
	"go.etcd.io/bbolt"
)

var (
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
	snapshotKey    = []byte("snapshot")
)

type BboltDb struct {
	conn *bbolt.DB
}

// NewBboltStorage opens (or creates) the database file at path and makes sure its buckets exist
func NewBboltStorage(path string) (*BboltDb, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Errorf("failed to open bbolt db: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return errors.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return errors.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltDb{conn: db}, nil
}

// AppendEntry writes one entry under its own index
func (b *BboltDb) AppendEntry(entry *rpc.LogEntry) error {
	return b.AppendEntries([]*rpc.LogEntry{entry})
}

// AppendEntries writes entries in a single transaction
func (b *BboltDb) AppendEntries(entries []*rpc.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		for _, entry := range entries {
			// Use the entry's index as the key, big endian keeps the cursor order equal to the log order
			if err := bucket.Put(uint64ToBytes(entry.Index), marshalEntry(entry)); err != nil {
				return errors.WrapPrefix(err, "failed to store log entry", 0)
			}
		}
		return nil
	})
}

// GetEntry reads the entry stored at index
func (b *BboltDb) GetEntry(index uint64) (*rpc.LogEntry, error) {
	var entry *rpc.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(uint64ToBytes(index))
		if data == nil {
			return errors.Errorf("log entry at index %d: %w", index, ErrEntryNotFound)
		}

		var err error
		entry, err = unmarshalEntry(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetEntries reads the closed range [startIndex, endIndex]
func (b *BboltDb) GetEntries(startIndex, endIndex uint64) ([]*rpc.LogEntry, error) {
	var entries []*rpc.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		for k, v := cursor.Seek(uint64ToBytes(startIndex)); k != nil && bytesToUint64(k) <= endIndex; k, v = cursor.Next() {
			entry, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// GetEntriesFrom reads every entry from index to the end of the log
func (b *BboltDb) GetEntriesFrom(startIndex uint64) ([]*rpc.LogEntry, error) {
	var entries []*rpc.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		for k, v := cursor.Seek(uint64ToBytes(startIndex)); k != nil; k, v = cursor.Next() {
			entry, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// DeleteEntriesFrom truncates the log, index included
func (b *BboltDb) DeleteEntriesFrom(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		// Deleting under a live cursor skips keys, so collect them first
		var keys [][]byte
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(uint64ToBytes(index)); k != nil; k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return deleteKeys(bucket, keys)
	})
}

// DeleteEntriesTo deletes all log entries up to the given index (inclusive)
func (b *BboltDb) DeleteEntriesTo(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		var keys [][]byte
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && bytesToUint64(k) <= index; k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return deleteKeys(bucket, keys)
	})
}

func deleteKeys(bucket *bbolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return errors.WrapPrefix(err, "failed to delete log entry", 0)
		}
	}
	return nil
}

// GetFirstIndex returns the index of the first stored log entry (0 if log is empty)
func (b *BboltDb) GetFirstIndex() (uint64, error) {
	var firstIndex uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(logBucket).Cursor().First(); k != nil {
			firstIndex = bytesToUint64(k)
		}
		return nil
	})
	return firstIndex, err
}

// GetLastIndex is 0 for an empty log
func (b *BboltDb) GetLastIndex() (uint64, error) {
	var lastIndex uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(logBucket).Cursor().Last(); k != nil {
			lastIndex = bytesToUint64(k)
		}
		return nil
	})
	return lastIndex, err
}

// GetLastTerm is 0 for an empty log
func (b *BboltDb) GetLastTerm() (uint64, error) {
	var lastTerm uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(logBucket).Cursor().Last()
		if v == nil {
			return nil
		}

		entry, err := unmarshalEntry(v)
		if err != nil {
			return err
		}
		lastTerm = entry.Term
		return nil
	})
	return lastTerm, err
}

// GetCurrentTerm is 0 until a term was stored
func (b *BboltDb) GetCurrentTerm() (uint64, error) {
	var term uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		return nil
	})
	return term, err
}

// SetCurrentTerm durably records term
func (b *BboltDb) SetCurrentTerm(term uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64ToBytes(term))
	})
}

// GetVotedFor returns nil when no vote was cast in the current term
func (b *BboltDb) GetVotedFor() (*raft.NodeID, error) {
	var votedFor *raft.NodeID
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(votedForKey)
		if data == nil {
			return nil
		}

		candidateID := raft.NodeID(bytesToUint64(data))
		votedFor = &candidateID
		return nil
	})
	return votedFor, err
}

// SetVotedFor durably records the vote, nil clears it
func (b *BboltDb) SetVotedFor(candidateID *raft.NodeID) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return putVotedFor(tx.Bucket(metadataBucket), candidateID)
	})
}

// SetTermAndVote persists the current term and the vote in one transaction
func (b *BboltDb) SetTermAndVote(term uint64, votedFor *raft.NodeID) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		return putVotedFor(bucket, votedFor)
	})
}

func putVotedFor(bucket *bbolt.Bucket, candidateID *raft.NodeID) error {
	if candidateID == nil {

		return bucket.Delete(votedForKey)
	}
	return bucket.Put(votedForKey, uint64ToBytes(uint64(*candidateID)))
}

// SaveSnapshot replaces the stored snapshot
func (b *BboltDb) SaveSnapshot(snapshot *Snapshot) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(metadataBucket).Put(snapshotKey, marshalSnapshot(snapshot)); err != nil {
			return errors.WrapPrefix(err, "failed to store snapshot", 0)
		}
		return nil
	})
}

// LoadSnapshot returns the stored snapshot, or nil if none has been taken yet
func (b *BboltDb) LoadSnapshot() (*Snapshot, error) {
	var snapshot *Snapshot
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(snapshotKey)
		if data == nil {
			return nil
		}

		var err error
		snapshot, err = unmarshalSnapshot(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Close releases the database file
func (b *BboltDb) Close() error {
	return b.conn.Close()
}

// Keys are big endian so that bbolt cursors walk the log in index order
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
