package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWire_KnownEncoding(t *testing.T) {
	// Zero values are omitted, a set varint is tag + value
	data, err := (&RequestVoteRequest{Term: 1, CandidateId: 3}).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x01, 0x10, 0x03}, data)

	data, err = (&StatusRequest{}).MarshalBinary()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestWire_AppendEntriesCarriesEntries(t *testing.T) {
	req := &AppendEntriesRequest{
		Term:         4,
		LeaderId:     2,
		PrevLogIndex: 10,
		PrevLogTerm:  3,
		Entries: []*LogEntry{
			{Index: 11, Term: 4},
			{Index: 12, Term: 4, ID: "c-1", Command: []byte(`{"op":"set","key":"a","value":1}`)},
		},
		LeaderCommit: 10,
	}
	data, err := req.MarshalBinary()
	require.NoError(t, err)

	decoded := &AppendEntriesRequest{}
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, req, decoded)
	assert.True(t, decoded.Entries[0].IsNoop(), "no-op entries keep their place in the batch")
}

func TestWire_DecodedBytesDoNotAliasInput(t *testing.T) {
	data, err := (&ClientCommandRequest{Command: []byte("ping")}).MarshalBinary()
	require.NoError(t, err)

	decoded := &ClientCommandRequest{}
	require.NoError(t, decoded.UnmarshalBinary(data))
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("ping"), decoded.Command)
}

func TestWire_SkipsUnknownFields(t *testing.T) {
	data, err := (&StatusResponse{NodeId: 2, State: "Leader", IsLeader: true, ClusterSize: 3, LastApplied: 8}).MarshalBinary()
	require.NoError(t, err)
	data = protowire.AppendTag(data, 42, protowire.Fixed64Type)
	data = protowire.AppendFixed64(data, 7)
	data = protowire.AppendTag(data, 43, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	decoded := &StatusResponse{}
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, &StatusResponse{NodeId: 2, State: "Leader", IsLeader: true, ClusterSize: 3, LastApplied: 8}, decoded)
}

func TestWire_RejectsTruncatedInput(t *testing.T) {
	data, err := (&InstallSnapshotRequest{Term: 2, LeaderId: 1, LastIncludedIndex: 5, Data: []byte(`{"a":1}`)}).MarshalBinary()
	require.NoError(t, err)

	err = (&InstallSnapshotRequest{}).UnmarshalBinary(data[:len(data)-2])
	assert.ErrorContains(t, err, "InstallSnapshotRequest")
}

func TestWireCodec(t *testing.T) {
	codec := wireCodec{}
	assert.Equal(t, CodecName, codec.Name())

	data, err := codec.Marshal(&ClientCommandResponse{LeaderId: 3, LeaderAddress: "node-3:7003", Error: "not the leader"})
	require.NoError(t, err)

	resp := &ClientCommandResponse{}
	require.NoError(t, codec.Unmarshal(data, resp))
	assert.Equal(t, &ClientCommandResponse{LeaderId: 3, LeaderAddress: "node-3:7003", Error: "not the leader"}, resp)

	_, err = codec.Marshal(struct{}{})
	assert.Error(t, err)
	assert.Error(t, codec.Unmarshal(data, &struct{}{}))
}
