package server

import (
	"slices"
	"sync"

	"jsonvault/internal/raft"
)

// ClusterView is the set of servers taking part in elections and commitment, keyed by their ID. It is fixed by
// InitializeCluster and may only grow through AddNode.
type ClusterView struct {
	mu      sync.RWMutex
	members map[raft.NodeID]raft.ServerAddress
}

func NewClusterView() *ClusterView {
	return &ClusterView{members: make(map[raft.NodeID]raft.ServerAddress)}
}

// Reset replaces the membership
func (c *ClusterView) Reset(members map[raft.NodeID]raft.ServerAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.members = make(map[raft.NodeID]raft.ServerAddress, len(members))
	for id, addr := range members {
		c.members[id] = addr
	}
}

// Add adds or updates a member. It reports whether the member is new.
func (c *ClusterView) Add(id raft.NodeID, addr raft.ServerAddress) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.members[id]
	c.members[id] = addr
	return !exists
}

func (c *ClusterView) Contains(id raft.NodeID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.members[id]
	return ok
}

func (c *ClusterView) Address(id raft.NodeID) (raft.ServerAddress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	addr, ok := c.members[id]
	return addr, ok
}

// Members returns the IDs of all members in ascending order
func (c *ClusterView) Members() []raft.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]raft.NodeID, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Peers returns every member except self
func (c *ClusterView) Peers(self raft.NodeID) []raft.NodeID {
	members := c.Members()
	return slices.DeleteFunc(members, func(id raft.NodeID) bool { return id == self })
}

func (c *ClusterView) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// QuorumSize is the number of servers forming a majority of the cluster
func (c *ClusterView) QuorumSize() int {
	return c.Size()/2 + 1
}

// IsQuorum checks if the given set of servers forms a majority. Servers outside the cluster are not counted.
func (c *ClusterView) IsQuorum(responded map[raft.NodeID]struct{}) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for id := range responded {
		if _, ok := c.members[id]; ok {
			count++
		}
	}
	return count >= len(c.members)/2+1
}
