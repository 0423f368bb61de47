package server

import (
	"context"
	"log"
	"time"

	"jsonvault/internal/pubsub"
)

/*
In this file we define all Background jobs that could run in a given Server. Each job exits once the context of the
server is cancelled, in order to prevent go routine leakage.
See: https://medium.com/@srajsonu/understanding-and-preventing-goroutine-leaks-in-go-623cac542954
*/

// TrackElectionTimeoutJob tracks the election timeout of a given server. It should be called as a goroutine. Every
// expiry is published as an ElectionTimeoutExpired event carrying the term returned by currentTerm at that moment.
// NOTE: The timer is only restarted by the server itself (on heartbeats, granted votes and new elections). Until then
// this job stays blocked on the timer channel.
func TrackElectionTimeoutJob(ctx context.Context, sCtx serverCtx, electionTimeoutTimer *time.Timer,
	currentTerm func() uint64, pubSub *pubsub.PubSubClient) {
	log.Printf("[JOB] Started TrackElectionTimeoutJob for server %s", sCtx.ID)

	for {
		select {
		case expiredAt := <-electionTimeoutTimer.C:
			term := currentTerm()
			log.Printf("[JOB] [SERVER-%s] [TERM-%d] Election timeout expired at %v, publishing event",
				sCtx.ID, term, expiredAt.Format(time.RFC3339Nano))
			pubsub.Publish(pubSub, pubsub.NewEvent(ElectionTimeoutExpired, ElectionTimeoutPayload{Term: term, ExpiredAt: expiredAt}))
		case <-ctx.Done():
			log.Printf("[JOB] Stopping TrackElectionTimeoutJob for server %s", sCtx.ID)
			electionTimeoutTimer.Stop()
			return
		}
	}
}
