package storage

import (
	"jsonvault/internal/raft/rpc"

	"github.com/go-errors/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Log entries are stored in the protobuf wire format of rpc.LogEntry, the same bytes that travel in AppendEntries.
// Snapshots use the field numbers below.
const (
	snapshotIndexField protowire.Number = 1
	snapshotTermField  protowire.Number = 2
	snapshotDataField  protowire.Number = 3
)

func marshalEntry(entry *rpc.LogEntry) []byte {
	b, _ := entry.MarshalBinary()
	return b
}

func unmarshalEntry(b []byte) (*rpc.LogEntry, error) {
	entry := &rpc.LogEntry{}
	if err := entry.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return entry, nil
}

func marshalSnapshot(snapshot *Snapshot) []byte {
	b := make([]byte, 0, 24+len(snapshot.Data))
	b = protowire.AppendTag(b, snapshotIndexField, protowire.VarintType)
	b = protowire.AppendVarint(b, snapshot.LastIncludedIndex)
	b = protowire.AppendTag(b, snapshotTermField, protowire.VarintType)
	b = protowire.AppendVarint(b, snapshot.LastIncludedTerm)
	b = protowire.AppendTag(b, snapshotDataField, protowire.BytesType)
	b = protowire.AppendBytes(b, snapshot.Data)
	return b
}

func unmarshalSnapshot(b []byte) (*Snapshot, error) {
	snapshot := &Snapshot{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Errorf("failed to decode snapshot tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == snapshotIndexField && typ == protowire.VarintType:
			snapshot.LastIncludedIndex, n = protowire.ConsumeVarint(b)
		case num == snapshotTermField && typ == protowire.VarintType:
			snapshot.LastIncludedTerm, n = protowire.ConsumeVarint(b)
		case num == snapshotDataField && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			snapshot.Data = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, errors.Errorf("failed to decode snapshot field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return snapshot, nil
}
