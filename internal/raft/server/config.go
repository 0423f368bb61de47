package server

import (
	"fmt"
	"time"
)

// Config holds the timing and sizing knobs of a Server
type Config struct {
	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized election timeout. The range of 150-300ms is
	// chosen based on the recommendation for the end of Section 9.3 from the [Raft paper](https://raft.github.io/raft.pdf)
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval is how often the leader contacts idle followers. Section 5.6 requires it to be well below the
	// election timeout.
	HeartbeatInterval time.Duration
	// RPCTimeout is the maximum time to wait for a single RPC attempt
	RPCTimeout time.Duration
	// MaxEntriesPerAppend caps the number of entries carried by one AppendEntries RPC
	MaxEntriesPerAppend int
	// SnapshotThreshold is the number of applied entries after which the log is compacted into a snapshot. Zero
	// disables compaction.
	SnapshotThreshold uint64
}

// DefaultConfig returns the configuration used when nothing else is specified
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin:  150 * time.Millisecond,
		ElectionTimeoutMax:  300 * time.Millisecond,
		HeartbeatInterval:   50 * time.Millisecond,
		RPCTimeout:          50 * time.Millisecond,
		MaxEntriesPerAppend: 64,
		SnapshotThreshold:   1024,
	}
}

// Validate checks the relations between the timing values
func (c Config) Validate() error {
	if c.ElectionTimeoutMin <= 0 {
		return fmt.Errorf("election timeout min must be positive, got %v", c.ElectionTimeoutMin)
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("election timeout max (%v) must not be lower than min (%v)", c.ElectionTimeoutMax, c.ElectionTimeoutMin)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("heartbeat interval (%v) must be lower than the election timeout min (%v)", c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive, got %v", c.RPCTimeout)
	}
	if c.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("max entries per append must be positive, got %d", c.MaxEntriesPerAppend)
	}
	return nil
}
