package ssm

import (
	"fmt"
	"sync"

	"github.com/hlv-io/bacstack/pkg/bacnet"
)

// txKey identifies one transaction: (peer-address, invoke-id), scoped
// separately per role by Registry's two maps (spec §3: "no two client
// transactions share (peer-address, invoke-id); same for server
// transactions").
type txKey struct {
	peer string
	id   uint8
}

// Registry owns the client and server transaction tables and client-side
// invoke-id allocation. Grounded on pkg/network/network.go's
// map[uint8]*node.NodeProcessor registry shape, split into two maps the way
// spec §3 requires two independent tables.
type Registry struct {
	mu       sync.Mutex
	clients  map[txKey]*ClientSSM
	servers  map[txKey]*ServerSSM
	nextID   map[string]uint8 // per-peer next invoke-id to try
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[txKey]*ClientSSM),
		servers: make(map[txKey]*ServerSSM),
		nextID:  make(map[string]uint8),
	}
}

// AllocateInvokeID picks an invoke-id not already in use by a client
// transaction to peer, modulo-256 skipping in-use values (spec §3).
func (r *Registry) AllocateInvokeID(peer bacnet.Address) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := peer.Key()
	start := r.nextID[key]
	id := start
	for {
		if _, inUse := r.clients[txKey{peer: key, id: id}]; !inUse {
			r.nextID[key] = id + 1
			return id, nil
		}
		id++
		if id == start {
			return 0, fmt.Errorf("ssm: all invoke-ids in use for peer %s", peer)
		}
	}
}

func (r *Registry) AddClient(peer bacnet.Address, id uint8, c *ClientSSM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[txKey{peer: peer.Key(), id: id}] = c
}

func (r *Registry) RemoveClient(peer bacnet.Address, id uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, txKey{peer: peer.Key(), id: id})
}

func (r *Registry) LookupClient(peer bacnet.Address, id uint8) (*ClientSSM, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[txKey{peer: peer.Key(), id: id}]
	return c, ok
}

func (r *Registry) AddServer(peer bacnet.Address, id uint8, s *ServerSSM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[txKey{peer: peer.Key(), id: id}] = s
}

func (r *Registry) RemoveServer(peer bacnet.Address, id uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, txKey{peer: peer.Key(), id: id})
}

func (r *Registry) LookupServer(peer bacnet.Address, id uint8) (*ServerSSM, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[txKey{peer: peer.Key(), id: id}]
	return s, ok
}
