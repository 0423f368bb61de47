package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{"zero election timeout", func(c *Config) { c.ElectionTimeoutMin = 0 }, "election timeout min must be positive"},
		{"max below min", func(c *Config) { c.ElectionTimeoutMax = c.ElectionTimeoutMin - time.Millisecond }, "must not be lower than min"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "heartbeat interval must be positive"},
		{"heartbeat not below election timeout", func(c *Config) { c.HeartbeatInterval = c.ElectionTimeoutMin }, "must be lower than the election timeout min"},
		{"zero rpc timeout", func(c *Config) { c.RPCTimeout = 0 }, "rpc timeout must be positive"},
		{"zero batch size", func(c *Config) { c.MaxEntriesPerAppend = 0 }, "max entries per append must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(&c)
			err := c.Validate()
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}

	t.Run("equal bounds are allowed", func(t *testing.T) {
		c := DefaultConfig()
		c.ElectionTimeoutMax = c.ElectionTimeoutMin
		assert.NoError(t, c.Validate())
	})

	t.Run("zero snapshot threshold disables compaction", func(t *testing.T) {
		c := DefaultConfig()
		c.SnapshotThreshold = 0
		assert.NoError(t, c.Validate())
	})
}
