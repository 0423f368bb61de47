package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// EventType identifies a kind of event. Each package declares its own constants on top of it.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait for room in the subscriber's channel instead of dropping the event. A slow
	// blocking subscriber stalls every other subscriber of the bus, so this should generally be false.
	IsBlocking bool
}

// SubscriberID is returned by Subscribe and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event carries a typed payload. Event[A] and Event[B] are distinct types, so a subscriber only ever receives the
// payload type it subscribed with.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber hides the type of the subscriber's channel behind closures, so channels of every Event[T] fit in the
// same registry.
type subscriber struct {
	// deliver converts the payload back to T and sends it. It reports false when the event was dropped.
	deliver func(eventType EventType, payload any) bool
	close   func()

	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type message struct {
	eventType EventType
	payload   any
}

// PubSubClient is an in-process event bus. Publishing is asynchronous: events are queued and fanned out by a
// single broker goroutine, in publish order.
type PubSubClient struct {
	name string

	mu       sync.RWMutex
	wg       sync.WaitGroup
	registry map[EventType]map[SubscriberID]*subscriber

	// queue decouples Publish from the fan-out and holds the in-flight events drained by GracefulShutdown
	queue        chan message
	shuttingDown atomic.Bool
}

// NewPubSub starts a bus. The name only shows up in log lines, which tells the buses of several servers running in
// one process apart.
func NewPubSub(name string) *PubSubClient {
	p := &PubSubClient{
		name:     name,
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		queue:    make(chan message, defaultBufferSize),
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// Subscribe registers ch for events of the given type. The caller owns the channel's buffer size; the bus closes
// the channel on Unsubscribe.
//
// Go methods cannot declare type parameters, so Subscribe and Publish are functions taking the bus first.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{
		opts: opts,
		deliver: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				log.Printf("[PUBSUB-%s] Event %v carries %T, subscriber %d expects %T", p.name, evType, payload, id, *new(T))
				return false
			}

			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids are ignored.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
}

// Dropped returns how many events a non-blocking subscriber missed because its channel was full
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if sub, ok := p.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Publish queues an event for broadcast. Events published after shutdown began are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock keeps a concurrent shutdown from closing the queue between the check and the send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		log.Printf("[PUBSUB-%s] Dropping event %v published during shutdown", p.name, event.Type)
		return
	}
	p.queue <- message{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting events and returns without waiting for the queue to drain.
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown.Swap(true) {
		return
	}
	close(p.queue)
}

// GracefulShutdown stops accepting events and blocks until every queued event was delivered. It is idempotent.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if !p.shuttingDown.Swap(true) {
		close(p.queue)
	}
	// The broker needs the read lock to drain
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.queue {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if sub.deliver(msg.eventType, msg.payload) || sub.opts.IsBlocking {
				continue
			}
			dropped := sub.dropped.Add(1)
			log.Printf("[PUBSUB-%s] Dropped event %v for subscriber %d, %d dropped so far", p.name, msg.eventType, id, dropped)
		}
		p.mu.RUnlock()
	}
}
