// Package loadbalance provides strategies for picking one candidate
// listener endpoint out of several: given several candidate listener
// endpoints willing to accept a subscription, which one does a polling
// client redial next.
//
// Three strategies are implemented:
//   - RoundRobin:     equal-weight endpoints, cycle through in order
//   - WeightedRandom:  heterogeneous endpoints, weighted by capacity
//   - ConsistentHash:  affinity — same subscription key keeps landing on
//     the same endpoint across redials
package loadbalance

import "mxtransport/message"

// Candidate is one redial target: an endpoint plus its relative weight
// (used by WeightedRandom; ignored by the other strategies).
type Candidate struct {
	Endpoint message.ServiceEndpoint
	Weight   int
}

// Balancer picks one candidate from those available. Pick is called on
// every redial attempt and must be goroutine-safe.
type Balancer interface {
	Pick(candidates []Candidate) (Candidate, error)
	Name() string
}

// KeyedBalancer is a Balancer variant for strategies that need a stable
// key — not just the candidate list — to make a consistent pick.
// *ConsistentHashBalancer implements this so a caller with a natural key
// (a subscription id) gets affinity to one candidate across redials; a
// caller that only has a Balancer falls back to plain Pick.
type KeyedBalancer interface {
	PickKeyed(key string, candidates []Candidate) (Candidate, error)
}
