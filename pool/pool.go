// Package pool implements a bounded, per-key cache of already-handshaked
// sessions so that repeat direct calls to the same service endpoint skip
// TLS handshake and identity exchange.
//
// Each key gets its own sub-pool: a FIFO free-list guarded by a mutex, a
// factory to dial fresh sessions lazily up to a per-key cap, and a signal
// channel to wake a caller blocked at capacity once a slot frees up. Idle
// sessions are evicted by a background sweep after sitting unused past a
// TTL, so a pool key that goes quiet doesn't hold connections open
// forever.
package pool

import (
	"container/list"
	"sync"
	"time"
)

// Resource is anything the pool can hold: a live session that can be
// closed when discarded. *protocol.MEP satisfies this.
type Resource interface {
	Terminate()
}

// Factory dials and hands back a fresh Resource for a key.
type Factory[K comparable, V Resource] func(key K) (V, error)

type idleEntry[V Resource] struct {
	val      V
	returned time.Time
}

type subPool[V Resource] struct {
	mu      sync.Mutex
	free    *list.List // of idleEntry[V]
	cur     int        // resources checked out or idle, counted together
	maxSize int
	waiters chan struct{} // signaled when a slot frees up
}

func newSubPool[V Resource](maxSize int) *subPool[V] {
	return &subPool[V]{free: list.New(), maxSize: maxSize, waiters: make(chan struct{}, 1)}
}

func (sp *subPool[V]) signal() {
	select {
	case sp.waiters <- struct{}{}:
	default:
	}
}

// Pool is a keyed, bounded, TTL-evicting pool of pooled sessions.
type Pool[K comparable, V Resource] struct {
	mu        sync.Mutex
	subs      map[K]*subPool[V]
	maxPerKey int
	idleTTL   time.Duration
	factory   Factory[K, V]

	stop chan struct{}
	once sync.Once
}

const (
	// DefaultMaxPerKey caps concurrently pooled sessions to a single
	// endpoint; direct calls are one-request-per-connection under MEP so
	// this bounds fan-out to any one remote, not overall concurrency.
	DefaultMaxPerKey = 8
	// DefaultIdleTTL is how long an idle session may sit in the pool
	// before the janitor closes it.
	DefaultIdleTTL = 2 * time.Minute
	// janitorInterval is how often the background sweep runs.
	janitorInterval = 30 * time.Second
)

// New builds a pool that dials via factory on demand, capping each key at
// maxPerKey concurrently pooled sessions and evicting idle ones after
// idleTTL. Pass zero values to accept the defaults above.
func New[K comparable, V Resource](factory Factory[K, V], maxPerKey int, idleTTL time.Duration) *Pool[K, V] {
	if maxPerKey <= 0 {
		maxPerKey = DefaultMaxPerKey
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	p := &Pool[K, V]{
		subs:      make(map[K]*subPool[V]),
		maxPerKey: maxPerKey,
		idleTTL:   idleTTL,
		factory:   factory,
		stop:      make(chan struct{}),
	}
	go p.janitor()
	return p
}

func (p *Pool[K, V]) subPoolFor(key K) *subPool[V] {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.subs[key]
	if !ok {
		sp = newSubPool[V](p.maxPerKey)
		p.subs[key] = sp
	}
	return sp
}

// Take returns an idle pooled session for key if one exists, otherwise
// dials a fresh one via the factory. It blocks only when the key is
// already at capacity and every existing session is checked out.
func (p *Pool[K, V]) Take(key K) (V, error) {
	v, _, err := p.TakeChecked(key)
	return v, err
}

// TakeChecked is Take, plus a fresh flag reporting whether v came from the
// factory (true) rather than the free list (false). Callers that want to
// retry a factory-fresh session's own failures differently from a
// possibly-stale pooled one's need this distinction; Take alone can't give
// it to them since a session's origin isn't otherwise observable.
func (p *Pool[K, V]) TakeChecked(key K) (v V, fresh bool, err error) {
	sp := p.subPoolFor(key)
	for {
		sp.mu.Lock()
		if front := sp.free.Front(); front != nil {
			sp.free.Remove(front)
			sp.mu.Unlock()
			return front.Value.(idleEntry[V]).val, false, nil
		}
		if sp.cur < sp.maxSize {
			sp.cur++
			sp.mu.Unlock()
			v, err := p.factory(key)
			if err != nil {
				sp.mu.Lock()
				sp.cur--
				sp.mu.Unlock()
				sp.signal()
				var zero V
				return zero, false, err
			}
			return v, true, nil
		}
		sp.mu.Unlock()
		<-sp.waiters
	}
}

// Return gives a session back to the pool for reuse. If usable is false
// the session is terminated and its slot freed instead of recycled.
func (p *Pool[K, V]) Return(key K, v V, usable bool) {
	sp := p.subPoolFor(key)
	if !usable {
		v.Terminate()
		sp.mu.Lock()
		sp.cur--
		sp.mu.Unlock()
		sp.signal()
		return
	}
	sp.mu.Lock()
	sp.free.PushBack(idleEntry[V]{val: v, returned: time.Now()})
	sp.mu.Unlock()
	sp.signal()
}

// Discard terminates v and frees its slot without offering it for reuse.
// Equivalent to Return(key, v, false); kept as a distinctly named entry
// point for callers that never had a "usable" boolean handy.
func (p *Pool[K, V]) Discard(key K, v V) {
	p.Return(key, v, false)
}

func (p *Pool[K, V]) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool[K, V]) sweep() {
	cutoff := time.Now().Add(-p.idleTTL)
	p.mu.Lock()
	subs := make([]*subPool[V], 0, len(p.subs))
	for _, sp := range p.subs {
		subs = append(subs, sp)
	}
	p.mu.Unlock()

	for _, sp := range subs {
		var stale []V
		sp.mu.Lock()
		for e := sp.free.Front(); e != nil; {
			next := e.Next()
			ie := e.Value.(idleEntry[V])
			if ie.returned.Before(cutoff) {
				sp.free.Remove(e)
				sp.cur--
				stale = append(stale, ie.val)
			}
			e = next
		}
		sp.mu.Unlock()
		for _, v := range stale {
			v.Terminate()
		}
	}
}

// Close stops the background janitor and terminates every idle session.
// Sessions currently checked out are the caller's responsibility.
func (p *Pool[K, V]) Close() {
	p.once.Do(func() { close(p.stop) })
	p.mu.Lock()
	subs := make([]*subPool[V], 0, len(p.subs))
	for _, sp := range p.subs {
		subs = append(subs, sp)
	}
	p.mu.Unlock()
	for _, sp := range subs {
		sp.mu.Lock()
		for e := sp.free.Front(); e != nil; e = e.Next() {
			e.Value.(idleEntry[V]).val.Terminate()
		}
		sp.free.Init()
		sp.mu.Unlock()
	}
}
