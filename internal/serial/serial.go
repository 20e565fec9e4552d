// Package serial implements the reference sequential engine of
// SPEC_FULL.md §4.10: a single global event queue and one process
// record per LP, sharing the exact model ABI and PES/checkpoint code
// paths as the parallel engine (internal/process, internal/queue) so
// the same {lp, time, type} trace is producible from either engine
// (P5). Because delivery is already in global timestamp order no
// event is ever a straggler, so rollback is never exercised here —
// only the forward path of internal/process runs.
package serial

import (
	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/mm"
	"github.com/ROOT-Sim/core-sub001/internal/model"
	"github.com/ROOT-Sim/core-sub001/internal/process"
	"github.com/ROOT-Sim/core-sub001/internal/queue"
)

// fixedInterval checkpoints every n processed events and never reports
// a rollback probability above the floor; SPEC_FULL.md §4.10 requires
// the autonomic controller be disabled in the serial engine since
// rollback never happens.
type fixedInterval struct {
	n     int
	since int
}

func (f *fixedInterval) ShouldCheckpoint(int) bool {
	if f.n <= 0 {
		return false
	}
	f.since++
	if f.since >= f.n {
		return true
	}
	return false
}
func (f *fixedInterval) Taken()            { f.since = 0 }
func (f *fixedInterval) RecordRollback()   {}
func (f *fixedInterval) Recompute()        {}
func (f *fixedInterval) SetStateSize(int)  {}

// Engine is the sequential reference implementation: one global queue,
// one process.Record per LP, no cross-thread concerns at all.
type Engine struct {
	q               *queue.Queue
	lps             map[event.LPID]*process.Record
	terminationTime event.Time
	stopped         bool
}

type router struct{ q *queue.Queue }

func (r *router) SendLocal(msg *event.Message)  { r.q.Insert(msg) }
func (r *router) SendRemote(msg *event.Message) { r.q.Insert(msg) } // no remote nodes in serial mode
func (r *router) Terminate(event.LPID)          {}

// New creates a serial engine for the given LPs. newModel builds the
// model implementation for one LP id; mode selects the allocator's
// checkpoint strategy (spec §4.3's full-vs-incremental variant) — the
// serial engine never rolls back, so this only changes checkpoint
// cost, never the {lp, time, type} trace P5 compares against the
// parallel engine; ckptInterval is the fixed checkpoint spacing (spec
// §6's ckpt_interval, with 0 meaning "never", since a sequential run
// with no rollback gets no benefit from intermediate checkpoints
// beyond what §4.10 already disables); terminationTime is the
// virtual-time limit (0 means unbounded, per spec §6).
func New(lpIDs []event.LPID, newModel func(event.LPID) model.Model, mode mm.Mode, ckptInterval int, terminationTime event.Time, seed uint64) *Engine {
	q := queue.New(queue.PolicyLockedHeap)
	e := &Engine{q: q, lps: make(map[event.LPID]*process.Record, len(lpIDs)), terminationTime: terminationTime}

	rtr := &router{q: q}
	for i, id := range lpIDs {
		rec := process.New(id, newModel(id), mode, seed+uint64(i), rtr, &fixedInterval{n: ckptInterval})
		e.lps[id] = rec
		q.Insert(&event.Message{Dest: id, DestTime: 0, Type: event.TypeInit, Src: id, Seq: 0})
	}
	return e
}

// Run drains the global queue in timestamp order until it is empty,
// the termination time is exceeded, every LP reports can_end, or a
// model explicitly stopped the run.
func (e *Engine) Run() {
	for {
		if e.stopped {
			return
		}
		msg := e.q.Extract()
		if msg == nil {
			return
		}
		if e.terminationTime > 0 && msg.DestTime > e.terminationTime {
			return
		}

		rec, ok := e.lps[msg.Dest]
		if !ok {
			continue
		}
		rec.Process(msg)
		if rec.Stopped() {
			e.stopped = true
			return
		}

		if e.allCanEnd() {
			return
		}
	}
}

func (e *Engine) allCanEnd() bool {
	for _, rec := range e.lps {
		if !rec.CanEnd() {
			return false
		}
	}
	return true
}

// Record returns the process record for an LP, mainly for tests and
// post-run inspection (final state, PES length, bound time).
func (e *Engine) Record(id event.LPID) *process.Record { return e.lps[id] }
