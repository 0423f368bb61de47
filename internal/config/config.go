package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/server"

	"gopkg.in/yaml.v3"
)

const (
	TransportGRPC = "grpc"
	TransportRPCX = "rpcx"
)

// Config is the content of a node's YAML configuration file
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    RaftConfig    `yaml:"raft"`
}

type NodeConfig struct {
	ID uint64 `yaml:"id"`
	// Address is where the gRPC service (peer RPCs and client commands) listens
	Address string `yaml:"address"`
	// RPCXAddress is where peer RPCs are served when the rpcx transport is selected
	RPCXAddress string `yaml:"rpcx_address"`
	DataDir     string `yaml:"data_dir"`
	// Transport selects how peers talk to each other, "grpc" (the default) or "rpcx"
	Transport string `yaml:"transport"`
	// MetricsReport is an optional path the metrics report is written to on shutdown
	MetricsReport string `yaml:"metrics_report"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID          uint64 `yaml:"id"`
	Address     string `yaml:"address"`
	RPCXAddress string `yaml:"rpcx_address"`
}

// RaftConfig overrides the server timings. Zero values keep the defaults of server.DefaultConfig.
type RaftConfig struct {
	ElectionTimeoutMin  time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	MaxEntriesPerAppend int           `yaml:"max_entries_per_append"`
	SnapshotThreshold   *uint64       `yaml:"snapshot_threshold"`
}

// LoadConfig reads, parses and validates the configuration file at path
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be greater than 0")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if !slices.Contains([]string{"", TransportGRPC, TransportRPCX}, c.Node.Transport) {
		return fmt.Errorf("node.transport must be %q or %q, got %q", TransportGRPC, TransportRPCX, c.Node.Transport)
	}

	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	seen := make(map[uint64]bool, len(c.Cluster.Peers))
	found := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("peer ids must be greater than 0")
		}
		if seen[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %d", peer.ID)
		}
		seen[peer.ID] = true

		if peer.Address == "" {
			return fmt.Errorf("peer %d has no address", peer.ID)
		}
		if c.TransportName() == TransportRPCX && peer.RPCXAddress == "" {
			return fmt.Errorf("peer %d has no rpcx_address, required by the rpcx transport", peer.ID)
		}

		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s", c.Node.Address, peer.Address)
			}
		}
	}
	if !found {
		return fmt.Errorf("node.id=%d not found in cluster.peers", c.Node.ID)
	}

	if c.TransportName() == TransportRPCX && c.Node.RPCXAddress == "" {
		return fmt.Errorf("node.rpcx_address is required by the rpcx transport")
	}

	if err := c.ServerConfig().Validate(); err != nil {
		return fmt.Errorf("raft: %w", err)
	}
	return nil
}

// TransportName returns the selected peer transport, defaulting to gRPC
func (c *Config) TransportName() string {
	if c.Node.Transport == "" {
		return TransportGRPC
	}
	return c.Node.Transport
}

func (c *Config) NodeID() raft.NodeID {
	return raft.NodeID(c.Node.ID)
}

// Members returns the address of every cluster member, as reached by the selected transport
func (c *Config) Members() map[raft.NodeID]raft.ServerAddress {
	members := make(map[raft.NodeID]raft.ServerAddress, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		addr := peer.Address
		if c.TransportName() == TransportRPCX {
			addr = peer.RPCXAddress
		}
		members[raft.NodeID(peer.ID)] = raft.ServerAddress(addr)
	}
	return members
}

// ClientAddresses returns the gRPC address of every member, the one clients submit commands to
func (c *Config) ClientAddresses() map[raft.NodeID]string {
	res := make(map[raft.NodeID]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[raft.NodeID(peer.ID)] = peer.Address
	}
	return res
}

func (c *Config) PeerIDs() []raft.NodeID {
	ids := make([]raft.NodeID, len(c.Cluster.Peers))
	for i, peer := range c.Cluster.Peers {
		ids[i] = raft.NodeID(peer.ID)
	}
	return ids
}

// ServerConfig returns server.DefaultConfig with the values of the raft section applied
func (c *Config) ServerConfig() server.Config {
	config := server.DefaultConfig()
	if c.Raft.ElectionTimeoutMin > 0 {
		config.ElectionTimeoutMin = c.Raft.ElectionTimeoutMin
	}
	if c.Raft.ElectionTimeoutMax > 0 {
		config.ElectionTimeoutMax = c.Raft.ElectionTimeoutMax
	}
	if c.Raft.HeartbeatInterval > 0 {
		config.HeartbeatInterval = c.Raft.HeartbeatInterval
	}
	if c.Raft.RPCTimeout > 0 {
		config.RPCTimeout = c.Raft.RPCTimeout
	}
	if c.Raft.MaxEntriesPerAppend > 0 {
		config.MaxEntriesPerAppend = c.Raft.MaxEntriesPerAppend
	}
	if c.Raft.SnapshotThreshold != nil {
		config.SnapshotThreshold = *c.Raft.SnapshotThreshold
	}
	return config
}

// ParsePeers parses the -peers flag: a comma separated list of id=address pairs, e.g. "1=localhost:7001,2=localhost:7002".
// An address may carry a second, rpcx address after a '|': "1=localhost:7001|localhost:8001".
func ParsePeers(value string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		idPart, addrPart, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("peer %q is not in the id=address form", item)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("peer %q has an invalid id: %w", item, err)
		}

		address, rpcxAddress, _ := strings.Cut(strings.TrimSpace(addrPart), "|")
		if address == "" {
			return nil, fmt.Errorf("peer %q has no address", item)
		}
		peers = append(peers, PeerConfig{ID: id, Address: address, RPCXAddress: rpcxAddress})
	}
	return peers, nil
}
