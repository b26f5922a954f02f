package npdu

import (
	"sync"

	"github.com/hlv-io/bacstack/pkg/bacnet"
)

// RouteStatus is the router-reachability status tracked per destination
// network (spec §3: "status ∈ {available, busy, disconnected, unreachable}").
type RouteStatus uint8

const (
	RouteAvailable RouteStatus = iota
	RouteBusy
	RouteDisconnected
	RouteUnreachable
)

func (s RouteStatus) String() string {
	switch s {
	case RouteAvailable:
		return "available"
	case RouteBusy:
		return "busy"
	case RouteDisconnected:
		return "disconnected"
	case RouteUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// RouteInfo is one router-cache entry: the destination network is reached
// by sending to Router (a station address on SourceNet, the network of the
// directly-connected adapter that leads there).
type RouteInfo struct {
	SourceNet uint16
	Router    bacnet.Address
	Status    RouteStatus
}

// RouterCache maps destination-network to RouteInfo (spec §3). Grounded on
// the teacher's od registry (map + mutex, no eviction policy of its own).
type RouterCache struct {
	mu      sync.Mutex
	entries map[uint16]RouteInfo
}

func NewRouterCache() *RouterCache {
	return &RouterCache{entries: make(map[uint16]RouteInfo)}
}

func (c *RouterCache) Update(destNet uint16, info RouteInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[destNet] = info
}

func (c *RouterCache) Lookup(destNet uint16) (RouteInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[destNet]
	return info, ok
}

func (c *RouterCache) Remove(destNet uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, destNet)
}

// MarkStatus updates just the status field of an existing entry, if any;
// used when a Router-Busy-To-Network/Router-Available-To-Network arrives.
func (c *RouterCache) MarkStatus(destNet uint16, status RouteStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.entries[destNet]; ok {
		info.Status = status
		c.entries[destNet] = info
	}
}
