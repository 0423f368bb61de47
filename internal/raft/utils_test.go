package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomElectionTimeout(t *testing.T) {
	t.Run("stays within bounds", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			timeout := RandomElectionTimeout(150*time.Millisecond, 300*time.Millisecond)
			assert.GreaterOrEqual(t, timeout, 150*time.Millisecond)
			assert.LessOrEqual(t, timeout, 300*time.Millisecond)
		}
	})

	t.Run("degenerate range returns the minimum", func(t *testing.T) {
		assert.Equal(t, 200*time.Millisecond, RandomElectionTimeout(200*time.Millisecond, 200*time.Millisecond))
		assert.Equal(t, 200*time.Millisecond, RandomElectionTimeout(200*time.Millisecond, 100*time.Millisecond))
	})
}

func TestNodeID_RoundTrip(t *testing.T) {
	id, err := ParseNodeID(NodeID(42).String())
	require.NoError(t, err)
	assert.Equal(t, NodeID(42), id)

	_, err = ParseNodeID("not-a-number")
	assert.Error(t, err)
}
