package raft

import "strconv"

// NodeID is the identity of a member of the cluster. It is assigned once, when the cluster is initialized, and is
// never reused for a different member.
type NodeID uint64

// String returns the decimal representation of the NodeID. It is used as the endpoint of gRPC targets and in logs.
func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseNodeID parses the decimal representation produced by NodeID.String
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return NodeID(v), nil
}

// ServerAddress is the network address of a Server
type ServerAddress string
