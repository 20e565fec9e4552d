// Package queue implements the per-thread message queue of spec §4.1:
// a local min-priority structure ordered by event.Less, fed either by
// a lock-free cross-thread inbox drained at extract time, or by a
// shared mutex protecting the heap directly. Both policies satisfy the
// same insert/extract/peek_time contract; which one a build uses is a
// configuration choice (spec §9 Open Question (b)), not a correctness
// one.
package queue

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ROOT-Sim/core-sub001/internal/event"
)

// Policy selects how inserts from threads other than the owner reach
// the local heap.
type Policy int

const (
	// PolicyLockFreeInbox buffers cross-thread inserts on a lock-free
	// LIFO stack; the owning thread drains it into its local heap at
	// the start of every Extract/PeekTime call. Local heap access never
	// takes a lock.
	PolicyLockFreeInbox Policy = iota
	// PolicyLockedHeap inserts directly into the shared local heap
	// under a mutex, from any thread including the owner.
	PolicyLockedHeap
)

type inboxNode struct {
	msg  *event.Message
	next *inboxNode
}

// minHeap is a container/heap.Interface ordered by event.Less, the
// same total order anti-message matching uses (spec §4.1 tie-break).
type minHeap []*event.Message

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return event.Less(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(*event.Message)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is one worker thread's view of pending messages: a local
// min-heap, plus whatever cross-thread insert path Policy selects.
type Queue struct {
	policy Policy

	mu    sync.Mutex
	local minHeap

	inbox atomic.Pointer[inboxNode]
}

// New creates an empty queue using the given cross-thread insert
// policy.
func New(policy Policy) *Queue {
	q := &Queue{policy: policy}
	heap.Init(&q.local)
	return q
}

// Insert is thread-safe: any worker may call it to deliver a message to
// this queue's owning thread.
func (q *Queue) Insert(msg *event.Message) {
	if q.policy == PolicyLockFreeInbox {
		q.pushInbox(msg)
		return
	}
	q.mu.Lock()
	heap.Push(&q.local, msg)
	q.mu.Unlock()
}

func (q *Queue) pushInbox(msg *event.Message) {
	n := &inboxNode{msg: msg}
	for {
		head := q.inbox.Load()
		n.next = head
		if q.inbox.CompareAndSwap(head, n) {
			return
		}
	}
}

// drainInbox moves everything queued on the lock-free inbox into the
// local heap. Only the owning thread calls this.
func (q *Queue) drainInbox() {
	head := q.inbox.Swap(nil)
	for n := head; n != nil; n = n.next {
		heap.Push(&q.local, n.msg)
	}
}

// Extract removes and returns the locally-minimal pending message, or
// nil if the queue is empty. Only the owning worker may call Extract.
func (q *Queue) Extract() *event.Message {
	if q.policy == PolicyLockFreeInbox {
		q.drainInbox()
		if len(q.local) == 0 {
			return nil
		}
		return heap.Pop(&q.local).(*event.Message)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.local) == 0 {
		return nil
	}
	return heap.Pop(&q.local).(*event.Message)
}

// PeekTime returns the smallest destination-time known to this queue
// locally, or +Inf if it has nothing pending.
func (q *Queue) PeekTime() event.Time {
	if q.policy == PolicyLockFreeInbox {
		q.drainInbox()
		if len(q.local) == 0 {
			return event.Time(math.Inf(1))
		}
		return q.local[0].DestTime
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.local) == 0 {
		return event.Time(math.Inf(1))
	}
	return q.local[0].DestTime
}
