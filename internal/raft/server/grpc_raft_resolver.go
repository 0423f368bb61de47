package server

import (
	"fmt"
	"strings"
	"sync"

	"jsonvault/internal/raft"

	"google.golang.org/grpc/resolver"
)

// raftScheme is the gRPC target scheme under which peers are dialed by id: "raft:///<id>". The address behind an id
// is looked up in the registry below, so a peer that moves only needs RegisterResolverPeer, the channel survives.
const raftScheme = "raft"

// idRegistry maps node ids to addresses and knows which live resolvers watch each id
type idRegistry struct {
	mu       sync.RWMutex
	records  map[raft.NodeID]raft.ServerAddress
	watchers map[raft.NodeID]map[*raftResolver]struct{}
}

var globalIDRegistry = &idRegistry{
	records:  make(map[raft.NodeID]raft.ServerAddress),
	watchers: make(map[raft.NodeID]map[*raftResolver]struct{}),
}

// set stores the address of id and returns the resolvers that have to be told about it
func (r *idRegistry) set(id raft.NodeID, addr raft.ServerAddress) []*raftResolver {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[id] = addr
	watching := make([]*raftResolver, 0, len(r.watchers[id]))
	for w := range r.watchers[id] {
		watching = append(watching, w)
	}
	return watching
}

func (r *idRegistry) lookup(id raft.NodeID) (raft.ServerAddress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.records[id]
	return addr, ok
}

func (r *idRegistry) watch(w *raftResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchers[w.id] == nil {
		r.watchers[w.id] = make(map[*raftResolver]struct{})
	}
	r.watchers[w.id][w] = struct{}{}
}

func (r *idRegistry) unwatch(w *raftResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers[w.id], w)
	if len(r.watchers[w.id]) == 0 {
		delete(r.watchers, w.id)
	}
}

// RegisterResolverPeer records the address of a node. Open channels to that node switch to the new address.
func RegisterResolverPeer(id raft.NodeID, addr raft.ServerAddress) {
	// Resolvers are notified outside the registry lock, since UpdateState may call back into the resolver
	for _, w := range globalIDRegistry.set(id, addr) {
		w.pushCurrent()
	}
}

// LookupResolverPeer returns the address registered for a node
func LookupResolverPeer(id raft.NodeID) (raft.ServerAddress, bool) {
	return globalIDRegistry.lookup(id)
}

type raftBuilder struct{}

func (raftBuilder) Scheme() string { return raftScheme }

// Build accepts "raft:///<id>" and "raft://<authority>/<id>"
func (raftBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	endpoint := target.Endpoint()
	if endpoint == "" {
		endpoint = strings.TrimPrefix(target.URL.Path, "/")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("raft resolver: empty target endpoint: %+v", target)
	}

	id, err := raft.ParseNodeID(endpoint)
	if err != nil {
		return nil, fmt.Errorf("raft resolver: invalid node id %q: %w", endpoint, err)
	}

	r := &raftResolver{id: id, cc: cc}
	globalIDRegistry.watch(r)
	r.pushCurrent()
	return r, nil
}

// raftResolver feeds a single gRPC channel with the current address of one node
type raftResolver struct {
	id raft.NodeID
	cc resolver.ClientConn
}

func (r *raftResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *raftResolver) Close() { globalIDRegistry.unwatch(r) }

func (r *raftResolver) pushCurrent() {
	state := resolver.State{}
	// An unknown node resolves to no address, gRPC keeps the channel in TRANSIENT_FAILURE and retries
	if addr, ok := LookupResolverPeer(r.id); ok && addr != "" {
		state.Addresses = []resolver.Address{{Addr: string(addr)}}
	}
	_ = r.cc.UpdateState(state)
}

func init() {
	resolver.Register(raftBuilder{})
}
