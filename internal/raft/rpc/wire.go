package rpc

import (
	"bytes"

	"jsonvault/internal/raft"

	"github.com/go-errors/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Every message of this package is encoded in the protobuf wire format. Field numbers are part of the format, on the
// wire and in the bbolt log, and must never be reused. Zero values are omitted, as proto3 does.
//
//	LogEntry                index=1 term=2 id=3 command=4
//	RequestVoteRequest      term=1 candidate_id=2 last_log_index=3 last_log_term=4
//	RequestVoteResponse     term=1 vote_granted=2
//	AppendEntriesRequest    term=1 leader_id=2 prev_log_index=3 prev_log_term=4 entries=5 leader_commit=6
//	AppendEntriesResponse   term=1 success=2 match_index=3
//	InstallSnapshotRequest  term=1 leader_id=2 last_included_index=3 last_included_term=4 data=5
//	InstallSnapshotResponse term=1
//	ClientCommandRequest    command=1
//	ClientCommandResponse   success=1 index=2 result=3 leader_id=4 leader_address=5 error=6
//	StatusRequest           (empty)
//	StatusResponse          node_id=1 current_term=2 state=3 is_leader=4 leader_id=5 cluster_size=6
//	                        last_log_index=7 commit_index=8 last_applied=9

type wireWriter []byte

func (w *wireWriter) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	*w = protowire.AppendTag(*w, num, protowire.VarintType)
	*w = protowire.AppendVarint(*w, v)
}

func (w *wireWriter) bool(num protowire.Number, v bool) {
	if v {
		w.uint(num, 1)
	}
}

func (w *wireWriter) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	*w = protowire.AppendTag(*w, num, protowire.BytesType)
	*w = protowire.AppendBytes(*w, v)
}

func (w *wireWriter) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	*w = protowire.AppendTag(*w, num, protowire.BytesType)
	*w = protowire.AppendString(*w, v)
}

// wireField is one decoded varint or length-delimited field. The other wire types are skipped.
type wireField struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	data   []byte
}

func (f wireField) bool() bool { return f.varint != 0 }

// owned copies data, since the decoded buffer may be reused by the caller (bbolt values, gRPC buffers)
func (f wireField) owned() []byte { return bytes.Clone(f.data) }

func walkFields(b []byte, what string, visit func(f wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Errorf("failed to decode %s tag: %w", what, protowire.ParseError(n))
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Errorf("failed to decode %s field %d: %w", what, num, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (e *LogEntry) MarshalBinary() ([]byte, error) {
	w := make(wireWriter, 0, 24+len(e.ID)+len(e.Command))
	w.uint(1, e.Index)
	w.uint(2, e.Term)
	w.string(3, e.ID)
	w.bytes(4, e.Command)
	return w, nil
}

func (e *LogEntry) UnmarshalBinary(b []byte) error {
	*e = LogEntry{}
	return walkFields(b, "log entry", func(f wireField) error {
		switch f.num {
		case 1:
			e.Index = f.varint
		case 2:
			e.Term = f.varint
		case 3:
			e.ID = string(f.data)
		case 4:
			e.Command = f.owned()
		}
		return nil
	})
}

func (m *RequestVoteRequest) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.uint(1, m.Term)
	w.uint(2, uint64(m.CandidateId))
	w.uint(3, m.LastLogIndex)
	w.uint(4, m.LastLogTerm)
	return w, nil
}

func (m *RequestVoteRequest) UnmarshalBinary(b []byte) error {
	*m = RequestVoteRequest{}
	return walkFields(b, "RequestVoteRequest", func(f wireField) error {
		switch f.num {
		case 1:
			m.Term = f.varint
		case 2:
			m.CandidateId = raft.NodeID(f.varint)
		case 3:
			m.LastLogIndex = f.varint
		case 4:
			m.LastLogTerm = f.varint
		}
		return nil
	})
}

func (m *RequestVoteResponse) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.uint(1, m.Term)
	w.bool(2, m.VoteGranted)
	return w, nil
}

func (m *RequestVoteResponse) UnmarshalBinary(b []byte) error {
	*m = RequestVoteResponse{}
	return walkFields(b, "RequestVoteResponse", func(f wireField) error {
		switch f.num {
		case 1:
			m.Term = f.varint
		case 2:
			m.VoteGranted = f.bool()
		}
		return nil
	})
}

func (m *AppendEntriesRequest) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.uint(1, m.Term)
	w.uint(2, uint64(m.LeaderId))
	w.uint(3, m.PrevLogIndex)
	w.uint(4, m.PrevLogTerm)
	for _, entry := range m.Entries {
		if entry == nil {
			entry = &LogEntry{}
		}
		encoded, _ := entry.MarshalBinary()
		// An entry is a nested message, present even when all of its fields are zero
		w = protowire.AppendTag(w, 5, protowire.BytesType)
		w = protowire.AppendBytes(w, encoded)
	}
	w.uint(6, m.LeaderCommit)
	return w, nil
}

func (m *AppendEntriesRequest) UnmarshalBinary(b []byte) error {
	*m = AppendEntriesRequest{}
	return walkFields(b, "AppendEntriesRequest", func(f wireField) error {
		switch f.num {
		case 1:
			m.Term = f.varint
		case 2:
			m.LeaderId = raft.NodeID(f.varint)
		case 3:
			m.PrevLogIndex = f.varint
		case 4:
			m.PrevLogTerm = f.varint
		case 5:
			entry := &LogEntry{}
			if err := entry.UnmarshalBinary(f.data); err != nil {
				return err
			}
			m.Entries = append(m.Entries, entry)
		case 6:
			m.LeaderCommit = f.varint
		}
		return nil
	})
}

func (m *AppendEntriesResponse) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.uint(1, m.Term)
	w.bool(2, m.Success)
	w.uint(3, m.MatchIndex)
	return w, nil
}

func (m *AppendEntriesResponse) UnmarshalBinary(b []byte) error {
	*m = AppendEntriesResponse{}
	return walkFields(b, "AppendEntriesResponse", func(f wireField) error {
		switch f.num {
		case 1:
			m.Term = f.varint
		case 2:
			m.Success = f.bool()
		case 3:
			m.MatchIndex = f.varint
		}
		return nil
	})
}

func (m *InstallSnapshotRequest) MarshalBinary() ([]byte, error) {
	w := make(wireWriter, 0, 40+len(m.Data))
	w.uint(1, m.Term)
	w.uint(2, uint64(m.LeaderId))
	w.uint(3, m.LastIncludedIndex)
	w.uint(4, m.LastIncludedTerm)
	w.bytes(5, m.Data)
	return w, nil
}

func (m *InstallSnapshotRequest) UnmarshalBinary(b []byte) error {
	*m = InstallSnapshotRequest{}
	return walkFields(b, "InstallSnapshotRequest", func(f wireField) error {
		switch f.num {
		case 1:
			m.Term = f.varint
		case 2:
			m.LeaderId = raft.NodeID(f.varint)
		case 3:
			m.LastIncludedIndex = f.varint
		case 4:
			m.LastIncludedTerm = f.varint
		case 5:
			m.Data = f.owned()
		}
		return nil
	})
}

func (m *InstallSnapshotResponse) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.uint(1, m.Term)
	return w, nil
}

func (m *InstallSnapshotResponse) UnmarshalBinary(b []byte) error {
	*m = InstallSnapshotResponse{}
	return walkFields(b, "InstallSnapshotResponse", func(f wireField) error {
		if f.num == 1 {
			m.Term = f.varint
		}
		return nil
	})
}

func (m *ClientCommandRequest) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.bytes(1, m.Command)
	return w, nil
}

func (m *ClientCommandRequest) UnmarshalBinary(b []byte) error {
	*m = ClientCommandRequest{}
	return walkFields(b, "ClientCommandRequest", func(f wireField) error {
		if f.num == 1 {
			m.Command = f.owned()
		}
		return nil
	})
}

func (m *ClientCommandResponse) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.bool(1, m.Success)
	w.uint(2, m.Index)
	w.bytes(3, m.Result)
	w.uint(4, uint64(m.LeaderId))
	w.string(5, m.LeaderAddress)
	w.string(6, m.Error)
	return w, nil
}

func (m *ClientCommandResponse) UnmarshalBinary(b []byte) error {
	*m = ClientCommandResponse{}
	return walkFields(b, "ClientCommandResponse", func(f wireField) error {
		switch f.num {
		case 1:
			m.Success = f.bool()
		case 2:
			m.Index = f.varint
		case 3:
			m.Result = f.owned()
		case 4:
			m.LeaderId = raft.NodeID(f.varint)
		case 5:
			m.LeaderAddress = string(f.data)
		case 6:
			m.Error = string(f.data)
		}
		return nil
	})
}

func (m *StatusRequest) MarshalBinary() ([]byte, error) { return nil, nil }

func (m *StatusRequest) UnmarshalBinary(b []byte) error {
	return walkFields(b, "StatusRequest", func(wireField) error { return nil })
}

func (m *StatusResponse) MarshalBinary() ([]byte, error) {
	var w wireWriter
	w.uint(1, uint64(m.NodeId))
	w.uint(2, m.CurrentTerm)
	w.string(3, m.State)
	w.bool(4, m.IsLeader)
	w.uint(5, uint64(m.LeaderId))
	w.uint(6, uint64(int64(m.ClusterSize)))
	w.uint(7, m.LastLogIndex)
	w.uint(8, m.CommitIndex)
	w.uint(9, m.LastApplied)
	return w, nil
}

func (m *StatusResponse) UnmarshalBinary(b []byte) error {
	*m = StatusResponse{}
	return walkFields(b, "StatusResponse", func(f wireField) error {
		switch f.num {
		case 1:
			m.NodeId = raft.NodeID(f.varint)
		case 2:
			m.CurrentTerm = f.varint
		case 3:
			m.State = string(f.data)
		case 4:
			m.IsLeader = f.bool()
		case 5:
			m.LeaderId = raft.NodeID(f.varint)
		case 6:
			m.ClusterSize = int(int64(f.varint))
		case 7:
			m.LastLogIndex = f.varint
		case 8:
			m.CommitIndex = f.varint
		case 9:
			m.LastApplied = f.varint
		}
		return nil
	})
}
