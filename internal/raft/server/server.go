package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"jsonvault/internal/pubsub"
	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"
	"jsonvault/internal/raft/state_machine"
	"jsonvault/internal/raft/storage"

	"google.golang.org/grpc"
)

type Server struct {
	serverState

	// The ID of the server in the cluster
	ID raft.NodeID
	// The network address of the server
	Address raft.ServerAddress

	config Config
	// Log is the stable storage of the server: log entries, currentTerm, votedFor and the latest snapshot. If State is
	// Leader, the log is Append Only as per the Leader Append-Only Property in Figure 3 from the
	// [Raft paper](https://raft.github.io/raft.pdf)
	log storage.LogStorage
	// StateMachine is the state machine of the Server as per Section 2 from the
	// [Raft paper](https://raft.github.io/raft.pdf)
	stateMachine state_machine.StateMachine
	// Transport is the transport layer used for sending RPC messages
	transport Transport
	// The members of the cluster, self included
	cluster *ClusterView
	metrics MetricsCollector
	// pubSub is used to send events about the state of the server to subscribed listeners
	pubSub     *pubsub.PubSubClient
	ownsPubSub bool

	// The timer for the serverState.electionTimeout as defined in Section 5.2 from the
	// [Raft paper](https://raft.github.io/raft.pdf)
	electionTimeoutTimer *time.Timer
	// The underlying gRPC server used for receiving RPC messages
	grpcServer *grpc.Server

	// applyCh wakes up the applier when commitIndex moves
	applyCh chan struct{}
	// applyMu serializes the applier with snapshot installation. Lock order is applyMu, then serverState.mu.
	applyMu sync.Mutex
	// triggers wakes up the replication job of each follower when new entries are appended
	triggers map[raft.NodeID]chan struct{}

	// Lifetime of the server, cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server and restores its persistent state from storage. The server stays passive, answering RPCs
// but never starting elections, until InitializeCluster is called.
func NewServer(id raft.NodeID, address raft.ServerAddress, config Config, logStorage storage.LogStorage,
	sm state_machine.StateMachine, transport Transport, metrics MetricsCollector, pubSub *pubsub.PubSubClient) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	// Events of a server only concern that server, so each one gets its own bus unless the caller wants to listen in
	ownsPubSub := pubSub == nil
	if ownsPubSub {
		pubSub = pubsub.NewPubSub(id.String())
	}

	ctx, cancel := context.WithCancel(context.Background())

	// https://go.dev/doc/effective_go#composite_literals
	s := &Server{
		serverState: serverState{
			state:         Follower,
			pending:       make(map[string]*pendingCommand),
			votesReceived: make(map[raft.NodeID]struct{}),
		},
		ID:           id,
		Address:      address,
		config:       config,
		log:          logStorage,
		stateMachine: sm,
		transport:    transport,
		cluster:      NewClusterView(),
		metrics:      metrics,
		pubSub:       pubSub,
		ownsPubSub:   ownsPubSub,
		applyCh:      make(chan struct{}, 1),
		triggers:     make(map[raft.NodeID]chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := s.restore(); err != nil {
		cancel()
		if ownsPubSub {
			pubSub.GracefulShutdown()
		}
		return nil, err
	}

	// The timer only starts ticking once the cluster is known
	s.electionTimeout = raft.RandomElectionTimeout(config.ElectionTimeoutMin, config.ElectionTimeoutMax)
	s.electionTimeoutTimer = time.NewTimer(s.electionTimeout)
	s.electionTimeoutTimer.Stop()

	return s, nil
}

// restore loads term, vote, snapshot and log position from stable storage
func (s *Server) restore() error {
	term, err := s.log.GetCurrentTerm()
	if err != nil {
		return fmt.Errorf("failed to load current term: %w", err)
	}
	votedFor, err := s.log.GetVotedFor()
	if err != nil {
		return fmt.Errorf("failed to load votedFor: %w", err)
	}
	snapshot, err := s.log.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	lastIndex, err := s.log.GetLastIndex()
	if err != nil {
		return fmt.Errorf("failed to load last log index: %w", err)
	}
	lastTerm, err := s.log.GetLastTerm()
	if err != nil {
		return fmt.Errorf("failed to load last log term: %w", err)
	}

	s.currentTerm = term
	s.votedFor = votedFor

	if snapshot != nil {
		if err := s.stateMachine.Restore(snapshot.Data); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
		s.snapshotIndex, s.snapshotTerm = snapshot.LastIncludedIndex, snapshot.LastIncludedTerm
		// A snapshot only ever holds committed entries
		s.commitIndex, s.lastApplied = snapshot.LastIncludedIndex, snapshot.LastIncludedIndex
	}

	s.lastLogIndex, s.lastLogTerm = lastIndex, lastTerm
	if lastIndex < s.snapshotIndex {
		s.lastLogIndex, s.lastLogTerm = s.snapshotIndex, s.snapshotTerm
	}

	if term > 0 || lastIndex > 0 {
		log.Printf("[SERVER-%s] [TERM-%d] Restored state: lastLogIndex=%d snapshotIndex=%d",
			s.ID, s.currentTerm, s.lastLogIndex, s.snapshotIndex)
	}
	return nil
}

// InitializeCluster fixes the membership of the cluster and starts the background jobs of the server. The local server
// must be one of the members. A cluster of one makes the server Leader straight away.
func (s *Server) InitializeCluster(members map[raft.NodeID]raft.ServerAddress) error {
	if _, ok := members[s.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInCluster, s.ID)
	}

	for id, addr := range members {
		if id == s.ID {
			continue
		}
		if err := s.transport.AddPeer(id, addr); err != nil {
			return fmt.Errorf("failed to add peer %s: %w", id, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrShutdown
	}
	if s.started {
		return fmt.Errorf("cluster already initialized")
	}
	s.started = true
	s.cluster.Reset(members)

	s.startBackgroundJobsLocked()

	log.Printf("[SERVER-%s] [TERM-%d] Initialized cluster with %d members", s.ID, s.currentTerm, len(members))

	if len(members) == 1 {
		// Nobody else can win an election, so skip it
		term := s.currentTerm + 1
		if err := s.log.SetTermAndVote(term, &s.ID); err != nil {
			return fmt.Errorf("failed to persist bootstrap term: %w", err)
		}
		s.currentTerm = term
		s.votedFor = &s.ID
		s.becomeLeaderLocked()
		return nil
	}

	s.resetElectionTimerLocked()
	return nil
}

// startBackgroundJobsLocked starts the election timeout job, the orchestrator and the applier
func (s *Server) startBackgroundJobsLocked() {
	orchestrator := NewOrchestrator(s.pubSub, s)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		// Track ElectionTimeout on the background (while waiting for Heartbeats as per Section 5.2 from the
		// [Raft paper](https://raft.github.io/raft.pdf))
		TrackElectionTimeoutJob(s.ctx, serverCtx{ID: s.ID, Addr: s.Address}, s.electionTimeoutTimer, s.getCurrentTerm, s.pubSub)
	}()
	go func() {
		defer s.wg.Done()
		orchestrator.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runApplier()
	}()
}

// resetElectionTimerLocked picks a new random election timeout and restarts the timer with it
func (s *Server) resetElectionTimerLocked() {
	if s.shutdown || !s.started {
		return
	}
	s.electionTimeout = raft.RandomElectionTimeout(s.config.ElectionTimeoutMin, s.config.ElectionTimeoutMax)
	// Since Go 1.23 Reset discards any expiration that has not been received yet
	s.electionTimeoutTimer.Reset(s.electionTimeout)
}

// IsLeader reports whether the server currently believes it is the leader
func (s *Server) IsLeader() bool {
	return s.getState() == Leader
}

// LeaderID returns the leader of the current term, if known
func (s *Server) LeaderID() (raft.NodeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.currentLeader == nil {
		return 0, false
	}
	return *s.currentLeader, true
}

// Metrics returns a consistent snapshot of the server state
func (s *Server) Metrics() ClusterMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := ClusterMetrics{
		NodeID:       s.ID,
		CurrentTerm:  s.currentTerm,
		State:        s.state,
		StateName:    s.state.String(),
		IsLeader:     s.state == Leader,
		ClusterSize:  s.cluster.Size(),
		LastLogIndex: s.lastLogIndex,
		CommitIndex:  s.commitIndex,
		LastApplied:  s.lastApplied,
	}
	if s.currentLeader != nil {
		m.LeaderID = *s.currentLeader
		m.HasLeader = true
	}
	return m
}

// Cluster returns the membership view of the server
func (s *Server) Cluster() *ClusterView {
	return s.cluster
}

// AddNode makes a new server known locally: it becomes reachable through the transport, counts towards quorums and,
// on a leader, gets its own replication job. No configuration change is replicated, so every member has to be told
// about the new server separately.
func (s *Server) AddNode(id raft.NodeID, addr raft.ServerAddress) error {
	if id == s.ID {
		return nil
	}
	if err := s.transport.AddPeer(id, addr); err != nil {
		return fmt.Errorf("failed to add peer %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrShutdown
	}
	if !s.cluster.Add(id, addr) {
		return nil
	}
	log.Printf("[SERVER-%s] [TERM-%d] Added node %s at %s", s.ID, s.currentTerm, id, addr)

	if s.state == Leader {
		s.nextIndex[id] = s.lastLogIndex + 1
		s.matchIndex[id] = 0
		s.startReplicatorLocked(s.roleCtx, id)
	}
	return nil
}

// StartServer starts serving the Raft gRPC service on the given address. It blocks until the server stops.
func (s *Server) StartServer(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves the Raft gRPC service on an existing listener. It blocks until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	// Create the gRPC server
	s.grpcServer = grpc.NewServer(
		grpc.ConnectionTimeout(time.Second*30),
		grpc.UnaryInterceptor(senderInterceptor),
	)
	rpc.RegisterRaftServiceServer(s.grpcServer, s)
	grpcServer := s.grpcServer
	s.mu.Unlock()

	log.Printf("[SERVER-%s] Raft node running on %s", s.ID, lis.Addr())

	// This one blocks as under the hood there is a call to lis.Accept which is a blocking operation.
	return grpcServer.Serve(lis)
}

// Shutdown stops the server: pending submissions fail with ErrShutdown, background jobs exit, incoming RPCs are
// rejected and outbound connections are closed. It is idempotent. Storage is left open for the caller to close.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	log.Printf("[SERVER-%s] [TERM-%d] Shutting down server gracefully", s.ID, s.currentTerm)
	s.shutdown = true
	s.state = Follower
	s.currentLeader = nil
	s.cancelRoleLocked()
	s.failPendingLocked(ErrShutdown)
	s.electionTimeoutTimer.Stop()
	grpcServer := s.grpcServer
	s.mu.Unlock()

	// Send a signal to all listeners that the server is shutting down
	pubsub.Publish(s.pubSub, pubsub.NewEvent(ServerShutDown, struct{}{}))
	s.cancel()

	// First, stop accepting new incoming requests, in order to prevent interrupting a pending response to a peer
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	s.wg.Wait()

	// Then, close all outbound client connections
	if err := s.transport.Close(); err != nil {
		log.Printf("[SERVER-%s] Failed to close transport: %v", s.ID, err)
	}
	if s.ownsPubSub {
		s.pubSub.GracefulShutdown()
	}
}
