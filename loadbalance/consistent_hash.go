package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// ConsistentHashBalancer maps a subscription key to the same candidate
// endpoint across redials, giving a polling client affinity to one
// listener instead of bouncing between several on every reconnect.
//
// Virtual nodes: each candidate is mapped to N virtual nodes on the ring.
// Without virtual nodes, a handful of candidates can cluster together on
// the ring and skew selection; 100 virtual nodes per candidate keeps the
// distribution close to uniform.
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	replicas int
	ring     []uint32
	nodes    map[uint32]Candidate
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per
// candidate.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]Candidate),
	}
}

// Add places a candidate onto the hash ring with its virtual nodes.
func (b *ConsistentHashBalancer) Add(c Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(c)
}

func (b *ConsistentHashBalancer) addLocked(c Candidate) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", c.Endpoint.BaseURI, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = c
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// resetLocked drops every candidate currently on the ring so it can be
// rebuilt from a fresh candidate list.
func (b *ConsistentHashBalancer) resetLocked() {
	b.ring = b.ring[:0]
	for k := range b.nodes {
		delete(b.nodes, k)
	}
}

// PickForKey finds the candidate responsible for key (e.g. a subscription
// id) by hashing it and walking clockwise to the nearest ring node.
//
// PickForKey takes a string key rather than a candidate list — consistent
// hashing is key-based, so this is not the Balancer entry point. See Pick
// and PickKeyed for the Balancer and KeyedBalancer entry points.
func (b *ConsistentHashBalancer) PickForKey(key string) (Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pickForKeyLocked(key)
}

func (b *ConsistentHashBalancer) pickForKeyLocked(key string) (Candidate, error) {
	if len(b.ring) == 0 {
		return Candidate{}, fmt.Errorf("no candidates on the ring")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// PickKeyed rebuilds the ring from candidates and picks for key. It
// implements KeyedBalancer, letting a *ConsistentHashBalancer serve
// directly as a polling.Config.Balancer: unlike Pick, which never sees
// which subscription is redialing, this uses the subscription's own key
// so every redial from the same subscription lands on the same candidate
// for as long as it keeps being offered.
func (b *ConsistentHashBalancer) PickKeyed(key string, candidates []Candidate) (Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	for _, c := range candidates {
		b.addLocked(c)
	}
	return b.pickForKeyLocked(key)
}

// Pick implements Balancer for callers that have no key: it picks for the
// empty key, so every call lands on the same candidate while the
// candidate list stays the same.
func (b *ConsistentHashBalancer) Pick(candidates []Candidate) (Candidate, error) {
	return b.PickKeyed("", candidates)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
