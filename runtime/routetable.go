package runtime

import (
	"sync"

	"mxtransport/message"
)

// RouteTable maps a destination endpoint to a next-hop endpoint to dial
// instead. It is a lookup-only hint, never a forwarding engine: Resolve
// performs at most one lookup and never chases a chain of routes, so a
// route pointing at another routed destination is never followed past
// its first hop.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[message.ServiceEndpoint]message.ServiceEndpoint
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[message.ServiceEndpoint]message.ServiceEndpoint)}
}

// Set records that dest should be reached via nextHop.
func (r *RouteTable) Set(dest, nextHop message.ServiceEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[dest] = nextHop
}

// Unset removes any route recorded for dest.
func (r *RouteTable) Unset(dest message.ServiceEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, dest)
}

// Resolve performs the single-hop lookup: if a route exists for dest, its
// next hop is returned; otherwise dest itself is returned unchanged.
func (r *RouteTable) Resolve(dest message.ServiceEndpoint) message.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if next, ok := r.routes[dest]; ok {
		return next
	}
	return dest
}

// Replace swaps the entire route table, used when a fleet-wide snapshot
// arrives from registry.Sync.WatchRoutes.
func (r *RouteTable) Replace(routes map[message.ServiceEndpoint]message.ServiceEndpoint) {
	next := make(map[message.ServiceEndpoint]message.ServiceEndpoint, len(routes))
	for k, v := range routes {
		next[k] = v
	}
	r.mu.Lock()
	r.routes = next
	r.mu.Unlock()
}

// Snapshot returns a copy of the current route table.
func (r *RouteTable) Snapshot() map[message.ServiceEndpoint]message.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[message.ServiceEndpoint]message.ServiceEndpoint, len(r.routes))
	for k, v := range r.routes {
		out[k] = v
	}
	return out
}
