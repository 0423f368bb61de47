package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"jsonvault/internal/config"
	"jsonvault/internal/raft"
	"jsonvault/internal/raft/metrics"
	"jsonvault/internal/raft/server"
	"jsonvault/internal/raft/state_machine"
	"jsonvault/internal/raft/storage"
	"jsonvault/internal/raft/transport"

	"google.golang.org/grpc"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML node configuration")
	id := flag.Uint64("id", 0, "ID of this node, must be listed in -peers")
	addr := flag.String("addr", "", "Address the gRPC service listens on")
	rpcxAddr := flag.String("rpcx-addr", "", "Address peer RPCs are served on when -transport=rpcx")
	peers := flag.String("peers", "", "Cluster members as id=address[|rpcx_address], comma separated, including this node")
	dataDir := flag.String("data", "./data", "Directory holding the node's database")
	transportName := flag.String("transport", config.TransportGRPC, "Peer transport: grpc or rpcx")
	report := flag.String("report", "", "Write a JSON metrics report to this path on shutdown")
	flag.Parse()

	// Flags explicitly set on the command line override the configuration file
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	if set["id"] {
		cfg.Node.ID = *id
	}
	if set["addr"] {
		cfg.Node.Address = *addr
	}
	if set["rpcx-addr"] {
		cfg.Node.RPCXAddress = *rpcxAddr
	}
	if set["data"] || cfg.Node.DataDir == "" {
		cfg.Node.DataDir = *dataDir
	}
	if set["transport"] {
		cfg.Node.Transport = *transportName
	}
	if set["report"] {
		cfg.Node.MetricsReport = *report
	}
	if set["peers"] {
		parsed, err := config.ParsePeers(*peers)
		if err != nil {
			log.Fatalf("Invalid -peers: %v", err)
		}
		cfg.Cluster.Peers = parsed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Node %d failed: %v", cfg.Node.ID, err)
	}
}

func run(cfg *config.Config) error {
	nodeID := cfg.NodeID()
	members := cfg.Members()
	serverConfig := cfg.ServerConfig()

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBboltStorage(filepath.Join(cfg.Node.DataDir, fmt.Sprintf("node-%s.db", nodeID)))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Failed to close storage: %v", err)
		}
	}()

	var peerTransport server.Transport
	switch cfg.TransportName() {
	case config.TransportRPCX:
		peerTransport = transport.NewRPCXTransport(serverConfig.RPCTimeout)
	default:
		peerTransport = server.NewGRPCTransport(serverConfig.RPCTimeout)
	}

	collector := metrics.NewMetrics()
	sm := state_machine.NewJSONStateMachine(nodeID.String())
	srv, err := server.NewServer(nodeID, members[nodeID], serverConfig, store, sm, peerTransport, collector, nil)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	// The gRPC service always runs, clients submit commands through it
	lis, err := net.Listen("tcp", cfg.Node.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Node.Address, err)
	}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, server.ErrShutdown) {
			log.Printf("gRPC server stopped: %v", err)
		}
	}()

	if cfg.TransportName() == config.TransportRPCX {
		rpcxServer, err := transport.NewRPCXServer(srv)
		if err != nil {
			return err
		}
		go func() {
			if err := rpcxServer.Serve("tcp", cfg.Node.RPCXAddress); err != nil {
				log.Printf("rpcx server stopped: %v", err)
			}
		}()
		defer rpcxServer.Close()
	}

	if err := srv.InitializeCluster(members); err != nil {
		return fmt.Errorf("failed to initialize cluster: %w", err)
	}
	log.Printf("Node %s is up: gRPC on %s, %s peer transport, %d members", nodeID, cfg.Node.Address, cfg.TransportName(), len(members))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("Shutting down...")
	srv.Shutdown()

	writeReport(collector, nodeID, len(members), cfg.Node.MetricsReport)
	return nil
}

func writeReport(collector *metrics.Metrics, nodeID raft.NodeID, clusterSize int, path string) {
	report := collector.GetReport(nodeID.String(), clusterSize)
	if err := report.WriteText(os.Stdout); err != nil {
		log.Printf("Failed to print metrics report: %v", err)
	}
	if path == "" {
		return
	}
	if err := report.SaveJSON(path); err != nil {
		log.Printf("Failed to save metrics report: %v", err)
		return
	}
	log.Printf("Metrics report saved to %s", path)
}
