package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
node:
  id: 2
  address: localhost:7002
  rpcx_address: localhost:8002
  data_dir: /var/lib/jsonvault
  transport: rpcx
  metrics_report: /tmp/report.json
cluster:
  peers:
    - id: 1
      address: localhost:7001
      rpcx_address: localhost:8001
    - id: 2
      address: localhost:7002
      rpcx_address: localhost:8002
    - id: 3
      address: localhost:7003
      rpcx_address: localhost:8003
raft:
  election_timeout_min: 300ms
  election_timeout_max: 600ms
  heartbeat_interval: 100ms
  snapshot_threshold: 0
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	return &Config{
		Node: NodeConfig{ID: 1, Address: "localhost:7001", DataDir: "data"},
		Cluster: ClusterConfig{Peers: []PeerConfig{
			{ID: 1, Address: "localhost:7001"},
			{ID: 2, Address: "localhost:7002"},
		}},
	}
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, raft.NodeID(2), config.NodeID())
	assert.Equal(t, TransportRPCX, config.TransportName())
	assert.Equal(t, "/tmp/report.json", config.Node.MetricsReport)
	assert.Equal(t, []raft.NodeID{1, 2, 3}, config.PeerIDs())

	assert.Equal(t, map[raft.NodeID]raft.ServerAddress{
		1: "localhost:8001",
		2: "localhost:8002",
		3: "localhost:8003",
	}, config.Members())
	assert.Equal(t, "localhost:7003", config.ClientAddresses()[3])

	serverConfig := config.ServerConfig()
	assert.Equal(t, 300*time.Millisecond, serverConfig.ElectionTimeoutMin)
	assert.Equal(t, 600*time.Millisecond, serverConfig.ElectionTimeoutMax)
	assert.Equal(t, 100*time.Millisecond, serverConfig.HeartbeatInterval)
	assert.Equal(t, server.DefaultConfig().RPCTimeout, serverConfig.RPCTimeout)
	assert.Zero(t, serverConfig.SnapshotThreshold, "an explicit zero disables snapshots")
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = LoadConfig(writeConfig(t, "node: [this is not a map"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = LoadConfig(writeConfig(t, "node:\n  id: 1\n"))
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestConfig_Defaults(t *testing.T) {
	config := validConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, TransportGRPC, config.TransportName())
	assert.Equal(t, raft.ServerAddress("localhost:7002"), config.Members()[2])
	assert.Equal(t, server.DefaultConfig(), config.ServerConfig())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"missing id", func(c *Config) { c.Node.ID = 0 }, "node.id must be greater than 0"},
		{"missing address", func(c *Config) { c.Node.Address = "" }, "node.address is required"},
		{"missing data dir", func(c *Config) { c.Node.DataDir = "" }, "node.data_dir is required"},
		{"unknown transport", func(c *Config) { c.Node.Transport = "udp" }, "node.transport must be"},
		{"no peers", func(c *Config) { c.Cluster.Peers = nil }, "at least one peer"},
		{"zero peer id", func(c *Config) { c.Cluster.Peers[1].ID = 0 }, "peer ids must be greater than 0"},
		{"duplicate peer", func(c *Config) { c.Cluster.Peers[1].ID = 1 }, "duplicate peer ID: 1"},
		{"peer without address", func(c *Config) { c.Cluster.Peers[1].Address = "" }, "peer 2 has no address"},
		{"node not in peers", func(c *Config) { c.Node.ID = 5 }, "node.id=5 not found"},
		{"address mismatch", func(c *Config) { c.Node.Address = "localhost:9999" }, "node address mismatch"},
		{"rpcx without peer addresses", func(c *Config) {
			c.Node.Transport = TransportRPCX
			c.Node.RPCXAddress = "localhost:8001"
		}, "has no rpcx_address"},
		{"rpcx without node address", func(c *Config) {
			c.Node.Transport = TransportRPCX
			c.Cluster.Peers[0].RPCXAddress = "localhost:8001"
			c.Cluster.Peers[1].RPCXAddress = "localhost:8002"
		}, "node.rpcx_address is required"},
		{"invalid timings", func(c *Config) { c.Raft.HeartbeatInterval = time.Second }, "raft: heartbeat interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(config)
			assert.ErrorContains(t, config.Validate(), tt.wantErr)
		})
	}
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("1=localhost:7001, 2=localhost:7002|localhost:8002,")
	require.NoError(t, err)
	assert.Equal(t, []PeerConfig{
		{ID: 1, Address: "localhost:7001"},
		{ID: 2, Address: "localhost:7002", RPCXAddress: "localhost:8002"},
	}, peers)

	peers, err = ParsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)

	for _, invalid := range []string{"localhost:7001", "x=localhost:7001", "1="} {
		_, err := ParsePeers(invalid)
		assert.Error(t, err, invalid)
	}
}
