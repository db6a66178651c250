// Package queue implements the pending-request queue: the rendezvous
// between an outbound caller enqueuing a request against a polling
// subscription and the poller that eventually arrives to serve it.
package queue

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mxtransport/message"
	"mxtransport/protocol"
)

// entry status values: an entry is exactly one of waiting, in-flight
// (claimed), or resolved (completed/abandoned/expired) — never two of
// these at once. The atomic CAS in tryClaim/tryExpire is what makes that
// hold under concurrent dequeue and timeout.
const (
	statusWaiting int32 = iota
	statusClaimed
	statusResolved
)

// entry is one queued request awaiting a poller. It implements
// protocol.PendingEntry.
type entry struct {
	req    *message.Request
	respCh chan *message.Response
	errCh  chan error
	status int32
	elem   *list.Element // this entry's position in the owning Queue's list
}

func newEntry(req *message.Request) *entry {
	return &entry{
		req:    req,
		respCh: make(chan *message.Response, 1),
		errCh:  make(chan error, 1),
	}
}

func (e *entry) Request() *message.Request { return e.req }

// Complete implements protocol.PendingEntry: wakes the original enqueuer
// with the response.
func (e *entry) Complete(resp *message.Response) {
	if atomic.CompareAndSwapInt32(&e.status, statusClaimed, statusResolved) {
		e.respCh <- resp
	}
}

// Abandon implements protocol.PendingEntry: wakes the enqueuer with a
// transport failure, called when the subscriber's stream dies mid-burst.
func (e *entry) Abandon(err error) {
	if atomic.CompareAndSwapInt32(&e.status, statusClaimed, statusResolved) {
		e.errCh <- err
	}
}

func (e *entry) tryClaim() bool {
	return atomic.CompareAndSwapInt32(&e.status, statusWaiting, statusClaimed)
}

// tryExpire is used by EnqueueAndWait's timeout path: it only succeeds
// (and only then may the caller report PollingTimeout) if no dequeue has
// claimed the entry yet.
func (e *entry) tryExpire() bool {
	return atomic.CompareAndSwapInt32(&e.status, statusWaiting, statusResolved)
}

// Queue is exactly one subscription's pending-request queue. Enqueue
// order is FIFO among entries that were already waiting at the time of
// the next dequeue.
type Queue struct {
	mu     sync.Mutex
	list   *list.List
	notify chan struct{} // closed and replaced on every wake, broadcasting to every blocked dequeuer at once
}

func newQueue() *Queue {
	return &Queue{list: list.New(), notify: make(chan struct{})}
}

// wake broadcasts to every dequeuer currently blocked on q.notify by
// closing it and swapping in a fresh channel for the next generation of
// waiters. A dequeuer that grabs the channel reference and then blocks on
// a receive from it still observes the close even if wake already ran by
// the time it starts waiting — reading a closed channel never blocks —
// so no waiter can miss an entry that was already there when it looked.
func (q *Queue) wake() {
	q.mu.Lock()
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// EnqueueAndWait enqueues req and blocks until a poller completes it, the
// deadline elapses, or ctx is cancelled.
func (q *Queue) EnqueueAndWait(ctx context.Context, req *message.Request, timeout time.Duration) (*message.Response, error) {
	e := newEntry(req)

	q.mu.Lock()
	e.elem = q.list.PushBack(e)
	q.mu.Unlock()
	q.wake()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-e.respCh:
		return resp, nil
	case err := <-e.errCh:
		return nil, err
	case <-timer.C:
		if e.tryExpire() {
			q.remove(e)
			return nil, message.NewError(message.KindPollingTimeout, "request timed out waiting for a poller")
		}
		// Already claimed by a dequeuer: the burst is in flight, so wait
		// for its outcome rather than reporting a timeout for work that
		// is already underway.
		select {
		case resp := <-e.respCh:
			return resp, nil
		case err := <-e.errCh:
			return nil, err
		case <-ctx.Done():
			return nil, message.WrapError(message.KindShutdown, "runtime shutdown while request in flight", ctx.Err())
		}
	case <-ctx.Done():
		if e.tryExpire() {
			q.remove(e)
		}
		return nil, message.WrapError(message.KindShutdown, "runtime shutdown", ctx.Err())
	}
}

func (q *Queue) remove(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.elem != nil {
		q.list.Remove(e.elem)
		e.elem = nil
	}
}

// Dequeue implements protocol.PendingSource: block up to maxWait for an
// entry, claim it atomically, and return it — or report none found.
func (q *Queue) Dequeue(ctx context.Context, maxWait time.Duration) (protocol.PendingEntry, bool) {
	deadline := time.Now().Add(maxWait)
	for {
		e, notify := q.popFrontOrWait()
		if e != nil {
			return e, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		select {
		case <-notify:
		case <-time.After(remaining):
		case <-ctx.Done():
			return nil, false
		}
	}
}

// popFrontOrWait claims the front entry, or — if the list is empty —
// returns the notify channel exactly as it stood at that instant. Finding
// the list empty and reading q.notify happen inside the same critical
// section, so a concurrent Enqueue can't land between the two: any wake
// it triggers afterward closes precisely the channel handed back here,
// and closing a channel wakes every receiver already waiting on it
// regardless of when they started waiting.
func (q *Queue) popFrontOrWait() (*entry, chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for front := q.list.Front(); front != nil; front = q.list.Front() {
		e := front.Value.(*entry)
		q.list.Remove(front)
		e.elem = nil
		if e.tryClaim() {
			return e, nil
		}
		// Lost a race with a concurrent timeout expiry; the entry is
		// already resolved and gone, move on to the next one.
	}
	return nil, q.notify
}

// Len reports the number of entries currently waiting (not yet claimed).
// Used by tests and diagnostics; not part of the rendezvous contract.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}

// Manager holds exactly one Queue per subscription URI, created lazily on
// first use and kept for the runtime's lifetime.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager() *Manager {
	return &Manager{queues: make(map[string]*Queue)}
}

// For returns the queue for subscriptionID, creating it if this is the
// first reference.
func (m *Manager) For(subscriptionID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[subscriptionID]
	if !ok {
		q = newQueue()
		m.queues[subscriptionID] = q
	}
	return q
}

// Source adapts Manager to protocol's queueFor(subscriptionID) parameter.
func (m *Manager) Source(subscriptionID string) protocol.PendingSource {
	return m.For(subscriptionID)
}
