package server

import (
	"context"
	"testing"

	"jsonvault/internal/raft"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/metadata"
)

func TestServerContext_Values(t *testing.T) {
	t.Run("returns false for missing values", func(t *testing.T) {
		ctx := context.Background()

		_, ok := GetServerCurrTerm(ctx)
		assert.False(t, ok)
		_, ok = GetServerID(ctx)
		assert.False(t, ok)
		_, ok = GetServerAddr(ctx)
		assert.False(t, ok)
	})

	t.Run("sets and retrieves all context values", func(t *testing.T) {
		ctx := withSender(context.Background(), 7, "192.168.1.1:5001", 10)

		term, ok := GetServerCurrTerm(ctx)
		assert.True(t, ok)
		assert.Equal(t, uint64(10), term)

		id, ok := GetServerID(ctx)
		assert.True(t, ok)
		assert.Equal(t, raft.NodeID(7), id)

		addr, ok := GetServerAddr(ctx)
		assert.True(t, ok)
		assert.Equal(t, raft.ServerAddress("192.168.1.1:5001"), addr)
	})
}

func TestServerContext_MetadataRoundTrip(t *testing.T) {
	sender := withSender(context.Background(), 3, "localhost:5003", 12)

	outgoing := outgoingSenderMetadata(sender)
	md, ok := metadata.FromOutgoingContext(outgoing)
	assert.True(t, ok)
	assert.Equal(t, []string{"3"}, md.Get(senderIDHeader))

	// Simulate the hop over the wire
	received := senderFromIncomingMetadata(metadata.NewIncomingContext(context.Background(), md))

	id, ok := GetServerID(received)
	assert.True(t, ok)
	assert.Equal(t, raft.NodeID(3), id)

	term, ok := GetServerCurrTerm(received)
	assert.True(t, ok)
	assert.Equal(t, uint64(12), term)

	addr, ok := GetServerAddr(received)
	assert.True(t, ok)
	assert.Equal(t, raft.ServerAddress("localhost:5003"), addr)
}

func TestServerContext_IgnoresMalformedMetadata(t *testing.T) {
	md := metadata.Pairs(senderIDHeader, "not-a-number", senderTermHeader, "x")
	ctx := senderFromIncomingMetadata(metadata.NewIncomingContext(context.Background(), md))

	_, ok := GetServerID(ctx)
	assert.False(t, ok)
	_, ok = GetServerCurrTerm(ctx)
	assert.False(t, ok)

	// No metadata at all leaves ctx untouched
	assert.Equal(t, context.Background(), senderFromIncomingMetadata(context.Background()))
}
