package server

import (
	"context"
	"log"

	"jsonvault/internal/pubsub"
)

// elector is the part of a Server driven by the Orchestrator
type elector interface {
	BeginElection(observedTerm uint64)
}

// Orchestrator reacts to the events a Server publishes about itself: an expired election timeout starts an election,
// won elections are reported, and it stops once the server shuts down.
type Orchestrator struct {
	// A channel where a signal is sent once the ElectionTimeout of a server expires. This channel is buffered.
	electionTimeoutExpiredChan chan *pubsub.Event[ElectionTimeoutPayload]
	// A channel where a signal is sent once the server wins an election
	leaderElectedChan chan *pubsub.Event[LeaderElectedPayload]
	shutDownChan      chan *pubsub.Event[struct{}]

	electionTimeoutSub pubsub.SubscriberID
	leaderElectedSub   pubsub.SubscriberID
	shutDownSub        pubsub.SubscriberID

	pubSub *pubsub.PubSubClient
	// The server that is orchestrated
	server elector
}

func NewOrchestrator(pubSub *pubsub.PubSubClient, server elector) *Orchestrator {
	o := &Orchestrator{
		electionTimeoutExpiredChan: make(chan *pubsub.Event[ElectionTimeoutPayload], 1),
		leaderElectedChan:          make(chan *pubsub.Event[LeaderElectedPayload], 1),
		shutDownChan:               make(chan *pubsub.Event[struct{}], 1),
		pubSub:                     pubSub,
		server:                     server,
	}

	o.electionTimeoutSub = pubsub.Subscribe(pubSub, ElectionTimeoutExpired, o.electionTimeoutExpiredChan, pubsub.SubscriptionOptions{IsBlocking: false})
	o.leaderElectedSub = pubsub.Subscribe(pubSub, LeaderElected, o.leaderElectedChan, pubsub.SubscriptionOptions{IsBlocking: false})
	o.shutDownSub = pubsub.Subscribe(pubSub, ServerShutDown, o.shutDownChan, pubsub.SubscriptionOptions{IsBlocking: false})

	return o
}

// Run runs the Orchestrator until ctx is cancelled or the server shuts down. It should be executed as a goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.pubSub.Unsubscribe(ServerShutDown, o.shutDownSub)
	defer o.pubSub.Unsubscribe(ElectionTimeoutExpired, o.electionTimeoutSub)
	defer o.pubSub.Unsubscribe(LeaderElected, o.leaderElectedSub)

	for {
		select {
		case event, ok := <-o.electionTimeoutExpiredChan:
			if !ok {
				return
			}
			// The server itself rejects elections for a term that has already moved on, or when it is the Leader
			o.server.BeginElection(event.Payload.Term)
		case event, ok := <-o.leaderElectedChan:
			if !ok {
				return
			}
			log.Printf("[ORCHESTRATOR] Server %s became leader of term %d", event.Payload.ID, event.Payload.Term)
		case <-o.shutDownChan:
			log.Printf("[ORCHESTRATOR] Server shut down, stopping")
			return
		case <-ctx.Done():
			return
		}
	}
}
