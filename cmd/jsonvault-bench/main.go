package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/metrics"
	"jsonvault/internal/raft/server"
	"jsonvault/internal/raft/state_machine"
	"jsonvault/internal/raft/storage"
	"jsonvault/internal/raft/transport"
)

// node is one member of the benchmarked cluster, running in this process
type node struct {
	srv     *server.Server
	store   *storage.BboltDb
	metrics *metrics.Metrics
	stop    func()
}

func main() {
	clusterSize := flag.Int("cluster-size", 3, "Number of nodes in the cluster")
	numCommands := flag.Int("commands", 1000, "Number of commands to submit")
	concurrency := flag.Int("concurrency", 8, "Number of concurrent submitters")
	basePort := flag.Int("base-port", 7101, "First port used by the nodes")
	transportName := flag.String("transport", "grpc", "Peer transport: grpc, rpcx or inmem")
	output := flag.String("output", "", "Write the leader's JSON metrics report to this path")
	flag.Parse()

	if *clusterSize < 1 || *concurrency < 1 {
		log.Fatal("cluster-size and concurrency must be at least 1")
	}

	dataDir, err := os.MkdirTemp("", "jsonvault-bench-")
	if err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	defer os.RemoveAll(dataDir)

	nodes, err := startCluster(*clusterSize, *basePort, *transportName, dataDir)
	if err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	defer func() {
		for _, n := range nodes {
			n.stop()
		}
	}()

	leader, err := waitForLeader(nodes, 10*time.Second)
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("Leader elected: node %s\n", leader)

	// Measure the workload only
	for _, n := range nodes {
		n.metrics.Reset()
	}

	start := time.Now()
	succeeded, failed := runWorkload(nodes, *numCommands, *concurrency)
	elapsed := time.Since(start)

	fmt.Printf("\n%d commands in %v (%d failed), %.2f cmd/sec\n", succeeded, elapsed.Round(time.Millisecond), failed,
		float64(succeeded)/elapsed.Seconds())

	leader, err = waitForLeader(nodes, 5*time.Second)
	if err != nil {
		log.Fatalf("%v", err)
	}
	report := nodes[leader].metrics.GetReport(leader.String(), len(nodes))
	if err := report.WriteText(os.Stdout); err != nil {
		log.Printf("Failed to print report: %v", err)
	}
	if *output != "" {
		if err := report.SaveJSON(*output); err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Printf("Report saved to %s\n", *output)
	}
}

func startCluster(size, basePort int, transportName, dataDir string) (map[raft.NodeID]*node, error) {
	members := make(map[raft.NodeID]raft.ServerAddress, size)
	for i := 1; i <= size; i++ {
		members[raft.NodeID(i)] = raft.ServerAddress(fmt.Sprintf("localhost:%d", basePort+i-1))
	}

	var network *transport.Network
	if transportName == "inmem" {
		network = transport.NewNetwork()
	}

	config := server.DefaultConfig()
	nodes := make(map[raft.NodeID]*node, size)
	for id, addr := range members {
		store, err := storage.NewBboltStorage(filepath.Join(dataDir, fmt.Sprintf("node-%s.db", id)))
		if err != nil {
			return nil, err
		}

		var peerTransport server.Transport
		switch transportName {
		case "inmem":
			peerTransport = network.Transport(id)
		case "rpcx":
			peerTransport = transport.NewRPCXTransport(config.RPCTimeout)
		case "grpc":
			peerTransport = server.NewGRPCTransport(config.RPCTimeout)
		default:
			return nil, fmt.Errorf("unknown transport %q", transportName)
		}

		collector := metrics.NewMetrics()
		srv, err := server.NewServer(id, addr, config, store, state_machine.NewJSONStateMachine(id.String()), peerTransport, collector, nil)
		if err != nil {
			return nil, err
		}
		n := &node{srv: srv, store: store, metrics: collector}
		n.stop = func() {
			srv.Shutdown()
			store.Close()
		}

		if err := serve(n, transportName, network, addr); err != nil {
			return nil, err
		}
		nodes[id] = n
	}

	for _, n := range nodes {
		if err := n.srv.InitializeCluster(members); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func serve(n *node, transportName string, network *transport.Network, addr raft.ServerAddress) error {
	switch transportName {
	case "inmem":
		network.Register(n.srv.ID, n.srv)
	case "rpcx":
		rpcxServer, err := transport.NewRPCXServer(n.srv)
		if err != nil {
			return err
		}
		go func() {
			if err := rpcxServer.Serve("tcp", string(addr)); err != nil {
				log.Printf("rpcx server of node %s stopped: %v", n.srv.ID, err)
			}
		}()
		stop := n.stop
		n.stop = func() {
			rpcxServer.Close()
			stop()
		}
	default:
		lis, err := net.Listen("tcp", string(addr))
		if err != nil {
			return err
		}
		go func() {
			if err := n.srv.Serve(lis); err != nil && !errors.Is(err, server.ErrShutdown) {
				log.Printf("gRPC server of node %s stopped: %v", n.srv.ID, err)
			}
		}()
	}
	return nil
}

func waitForLeader(nodes map[raft.NodeID]*node, timeout time.Duration) (raft.NodeID, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for id, n := range nodes {
			if n.srv.IsLeader() {
				return id, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return 0, fmt.Errorf("no leader elected within %v", timeout)
}

// runWorkload submits numCommands set commands through the current leader, retrying on leader changes
func runWorkload(nodes map[raft.NodeID]*node, numCommands, concurrency int) (succeeded, failed int64) {
	var next atomic.Int64
	var ok, ko atomic.Int64
	var wg sync.WaitGroup

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1) - 1
				if i >= int64(numCommands) {
					return
				}

				value, _ := json.Marshal(map[string]any{"seq": i, "at": time.Now().UnixNano()})
				cmd, err := state_machine.SetCommand(fmt.Sprintf("key-%d", i), value).Encode()
				if err == nil {
					err = submit(nodes, cmd)
				}
				if err != nil {
					ko.Add(1)
					log.Printf("Command %d failed: %v", i, err)
					continue
				}
				if done := ok.Add(1); done%100 == 0 {
					fmt.Printf("Progress: %d/%d\n", done, numCommands)
				}
			}
		}()
	}
	wg.Wait()
	return ok.Load(), ko.Load()
}

func submit(nodes map[raft.NodeID]*node, cmd []byte) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		leader, err := waitForLeader(nodes, 2*time.Second)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = nodes[leader].srv.Submit(ctx, cmd)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, server.ErrNotLeader) && !errors.Is(err, server.ErrLeadershipLost) {
			return err
		}
	}
	return lastErr
}
