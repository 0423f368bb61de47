package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"jsonvault/internal/config"
	"jsonvault/internal/raft"
	"jsonvault/internal/raft/state_machine"
)

const usage = `Usage: jsonvault-cli [flags] <command> [arguments]

Commands:
  set <key> <json>            store a document
  get <key>                   read a document
  delete <key>                remove a document
  merge <key> <json>          deep merge into a document
  qset <key> <path> <json>    set the value at a dotted path
  qget <key> <jsonpath>       query a document with JSONPath
  ping                        round trip through the log
  status                      show the state of the node

Flags:
`

func main() {
	serverAddr := flag.String("server", "localhost:7001", "gRPC address of any cluster node")
	configPath := flag.String("config", "", "Node configuration file, used to resolve leader redirects")
	peers := flag.String("peers", "", "Cluster members as id=address, used to resolve leader redirects")
	timeout := flag.Duration("timeout", 10*time.Second, "Deadline for the whole command")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	addresses, err := knownAddresses(*configPath, *peers)
	if err != nil {
		log.Fatalf("Failed to read cluster members: %v", err)
	}
	c := newClient(addresses)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := flag.Args()
	if len(args) == 1 && args[0] == "status" {
		status, err := c.status(ctx, *serverAddr)
		if err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Printf("node %s: %s, term %d, leader %s, %d members\n", status.NodeId, status.State, status.CurrentTerm,
			status.LeaderId, status.ClusterSize)
		fmt.Printf("log %d, commit %d, applied %d\n", status.LastLogIndex, status.CommitIndex, status.LastApplied)
		return
	}

	cmd, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	data, err := cmd.Encode()
	if err != nil {
		log.Fatalf("Failed to encode command: %v", err)
	}

	resp, leaderAddr, err := c.submit(ctx, *serverAddr, data)
	if err != nil {
		log.Fatalf("%v", err)
	}
	result, err := state_machine.DecodeResponse(resp.Result)
	if err != nil {
		log.Fatalf("Failed to decode result: %v", err)
	}

	fmt.Println(result)
	if leaderAddr != *serverAddr {
		log.Printf("Committed at index %d by the leader at %s", resp.Index, leaderAddr)
	}
	if result.Status == state_machine.StatusError {
		os.Exit(1)
	}
}

func knownAddresses(configPath, peers string) (map[raft.NodeID]string, error) {
	addresses := make(map[raft.NodeID]string)
	if configPath != "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		addresses = cfg.ClientAddresses()
	}
	if peers != "" {
		parsed, err := config.ParsePeers(peers)
		if err != nil {
			return nil, err
		}
		for _, peer := range parsed {
			addresses[raft.NodeID(peer.ID)] = peer.Address
		}
	}
	return addresses, nil
}
