// Package gvt implements the two-phase Global Virtual Time reduction
// of spec §4.6: a thread-local barrier producing a node-wide minimum,
// followed by a pluggable inter-node all-reduce that is a no-op on a
// single-node run. The result is clamped so GVT never regresses (I5).
package gvt

import (
	"context"
	"math"
	"sync"

	"github.com/ROOT-Sim/core-sub001/internal/event"
)

// NodeReducer performs the inter-node all-reduce of spec §4.6 step 2.
// round distinguishes concurrent reduction epochs so a slow node's
// stale contribution is never mixed into a later round.
type NodeReducer interface {
	Reduce(ctx context.Context, round uint64, nodeMin event.Time) (event.Time, error)
}

// SingleNode is the identity NodeReducer for a one-node deployment.
type SingleNode struct{}

// Reduce returns nodeMin unchanged.
func (SingleNode) Reduce(_ context.Context, _ uint64, nodeMin event.Time) (event.Time, error) {
	return nodeMin, nil
}

// Barrier synchronises every worker thread's local minimum into one
// node-wide value once per round, electing whichever thread completes
// the barrier as the leader that runs an optional reduction step
// (spec §4.6 step 1). Waiting is done on a per-generation channel
// rather than sync.Cond so a caller's ctx can cancel its own wait
// without disturbing the others — needed because a worker thread that
// has decided to shut down must be able to unblock its peers still
// parked in a round they will otherwise never complete (spec §5's "no
// timeout" liveness note assumes every thread keeps participating;
// termination is the one case that breaks that assumption).
type Barrier struct {
	mu    sync.Mutex
	n     int
	count int
	min   event.Time
	gen   chan struct{}

	lastResult event.Time
	lastErr    error
}

// NewBarrier creates a barrier for n participating threads.
func NewBarrier(n int) *Barrier {
	return &Barrier{n: n, min: event.Time(math.Inf(1)), gen: make(chan struct{})}
}

// Join contributes localMin and blocks until every thread has joined
// this round, or ctx is done. The thread that completes the barrier
// runs leaderWork (if non-nil) with the node-wide minimum and its
// result becomes what every thread's Join call returns; leaderWork is
// never called more than once per round. A caller whose ctx is
// cancelled while waiting withdraws its arrival from the round (so the
// remaining participants still only need their own count, not one
// that can now never arrive) and returns ctx.Err(); its contributed
// localMin is left folded into the round's minimum, which is always
// safe since a lower-than-true minimum only makes GVT more
// conservative, never incorrect.
func (b *Barrier) Join(ctx context.Context, localMin event.Time, leaderWork func(nodeMin event.Time) (event.Time, error)) (event.Time, error) {
	b.mu.Lock()
	if localMin < b.min {
		b.min = localMin
	}
	b.count++
	myGen := b.gen

	if b.count < b.n {
		b.mu.Unlock()
		select {
		case <-myGen:
			b.mu.Lock()
			result, err := b.lastResult, b.lastErr
			b.mu.Unlock()
			return result, err
		case <-ctx.Done():
			b.mu.Lock()
			if b.gen == myGen {
				b.count--
			}
			b.mu.Unlock()
			return 0, ctx.Err()
		}
	}

	nodeMin := b.min
	result, err := nodeMin, error(nil)
	if leaderWork != nil {
		result, err = leaderWork(nodeMin)
	}
	b.lastResult, b.lastErr = result, err
	b.count = 0
	b.min = event.Time(math.Inf(1))
	b.gen = make(chan struct{})
	b.mu.Unlock()

	close(myGen)
	return result, err
}

// Reducer is one node's GVT protocol driver: the thread-local barrier
// plus the chosen inter-node reducer, with round numbering and
// monotonicity enforcement layered on top.
type Reducer struct {
	barrier *Barrier
	node    NodeReducer

	mu      sync.Mutex
	round   uint64
	current event.Time
	epoch   uint64
}

// NewReducer creates a Reducer for threads participating threads. A
// nil node defaults to SingleNode.
func NewReducer(threads int, node NodeReducer) *Reducer {
	if node == nil {
		node = SingleNode{}
	}
	return &Reducer{barrier: NewBarrier(threads), node: node, current: event.Time(math.Inf(-1))}
}

// Round is called once per worker thread per GVT period with that
// thread's own local minimum (its LPs' bounds and queue peek times).
// It returns the new GVT, identical across every caller in the round.
// onLeader, if non-nil, runs exactly once per round — on whichever
// caller happens to complete the barrier — after the new GVT is known
// but before it is broadcast to the rest; the worker loop uses it for
// node-wide state that must not be touched by every thread, such as
// the shared remote-message map and the statistics sink (spec §4.4
// step 4), while each thread's own fossil/termination bookkeeping runs
// separately, once per thread, after Round returns.
func (g *Reducer) Round(ctx context.Context, localMin event.Time, onLeader func(newGVT event.Time)) (event.Time, error) {
	return g.barrier.Join(ctx, localMin, func(nodeMin event.Time) (event.Time, error) {
		g.mu.Lock()
		round := g.round
		g.round++
		prev := g.current
		g.mu.Unlock()

		newGVT, err := g.node.Reduce(ctx, round, nodeMin)
		if err != nil {
			return prev, err
		}
		if newGVT < prev {
			newGVT = prev
		}

		g.mu.Lock()
		g.current = newGVT
		g.epoch++
		g.mu.Unlock()

		if onLeader != nil {
			onLeader(newGVT)
		}
		return newGVT, nil
	})
}

// Current returns the most recently established GVT.
func (g *Reducer) Current() event.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Epoch returns the fossil-collection epoch counter, incremented once
// per successful round (spec §4.6).
func (g *Reducer) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}
