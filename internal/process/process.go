// Package process implements the logical-process record described in
// spec §3-§4: the append-only past-event set, the process/rollback/
// fossil-collect state machine, and the model.Services implementation
// that lets a model's Dispatch call back into its own LP safely.
package process

import (
	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/mm"
	"github.com/ROOT-Sim/core-sub001/internal/model"
	"github.com/ROOT-Sim/core-sub001/internal/rng"
)

// Kind distinguishes the three entry flavors the past-event set mixes
// in a single append-only sequence (spec §3).
type Kind uint8

const (
	Received Kind = iota
	SentLocal
	SentRemote
)

// PESEntry is one slot of the past-event set. Only RECEIVED entries are
// replayed on rollback; SENT_* entries are bookkeeping for anti-message
// generation and are otherwise inert.
type PESEntry struct {
	Kind Kind
	Msg  *event.Message
}

// Router is how a process record hands an outgoing message to the rest
// of the runtime: locally enqueued, or handed to the remote transport.
// Both are expected to be cheap and non-blocking from the record's
// point of view (spec §5 forbids an LP from blocking the worker loop).
type Router interface {
	SendLocal(msg *event.Message)
	SendRemote(msg *event.Message)
	// Terminate is called when the model invokes Stop() (spec §4.8).
	Terminate(lp event.LPID)
}

// CheckpointPolicy decides, after each event, whether to take a new
// checkpoint. The autonomic controller (internal/autockpt) implements
// this; tests may substitute a fixed-interval stub.
type CheckpointPolicy interface {
	ShouldCheckpoint(costHint int) bool
	Taken()
	RecordRollback()
	// Recompute re-derives the policy's interval from the epoch just
	// ended; the engine calls this once per LP at every GVT (spec
	// §4.5). A fixed-interval policy may treat it as a no-op.
	Recompute()
	// SetStateSize reports the LP's current state footprint in bytes,
	// feeding the autonomic interval formula's state-size term.
	SetStateSize(bytes int)
}

// Record is one LP's complete runtime state: its past-event set, its
// rollbackable heap, its PRNG, and the bookkeeping needed to buffer
// anti-messages that arrive before the message they cancel.
type Record struct {
	ID    event.LPID
	Model model.Model

	pes      []PESEntry
	bound    event.Time
	boundMsg *event.Message

	earlyAnti map[event.Label]*event.Message

	heap       *mm.Heap
	rnd        *rng.State
	initRNG    []byte
	state      mm.Ref
	allocBytes int

	nextSeq event.Seq

	router      Router
	ckpt        CheckpointPolicy
	replaying   bool
	remoteCheck func(event.LPID) bool

	stopped bool
}

// New creates a process record for lp, driven by m, with its own
// private heap and PRNG seeded from seed.
func New(lp event.LPID, m model.Model, mode mm.Mode, seed uint64, router Router, ckpt CheckpointPolicy) *Record {
	rnd := rng.New(seed)
	return &Record{
		ID:        lp,
		Model:     m,
		earlyAnti: map[event.Label]*event.Message{},
		heap:      mm.NewHeap(mode),
		rnd:       rnd,
		initRNG:   rnd.Marshal(),
		router:    router,
		ckpt:      ckpt,
	}
}

// Bound returns the virtual time of the last RECEIVED event this LP
// has processed (its local clock / "safety line").
func (r *Record) Bound() event.Time { return r.bound }

// PESLen is the current length of the past-event set, i.e. the refIdx
// a checkpoint taken right now would be keyed by.
func (r *Record) PESLen() int { return len(r.pes) }

// model.Services implementation. These are only ever called while
// r.Model.Dispatch is executing on this Record's goroutine, during
// either a normal Process call or a silent replay inside RollbackTo.

func (r *Record) ScheduleEvent(dest event.LPID, destTime event.Time, eventType uint32, payload []byte) {
	if r.replaying {
		return
	}
	seq := r.nextSeq
	r.nextSeq++
	msg := &event.Message{
		Dest:     dest,
		DestTime: destTime,
		Type:     eventType,
		Payload:  payload,
		Src:      r.ID,
		Seq:      seq,
	}
	kind := SentLocal
	if r.router != nil && r.isRemote(dest) {
		kind = SentRemote
		r.router.SendRemote(msg)
	} else if r.router != nil {
		r.router.SendLocal(msg)
	}
	r.pes = append(r.pes, PESEntry{Kind: kind, Msg: msg})
}

// isRemote is overridden by the engine via SetRemoteCheck; by default
// every destination is treated as local so that the record is usable
// standalone in tests.
func (r *Record) isRemote(dest event.LPID) bool {
	if r.remoteCheck == nil {
		return false
	}
	return r.remoteCheck(dest)
}

// SetRemoteCheck installs the predicate the engine uses to tell local
// from remote destinations when routing outgoing messages.
func (r *Record) SetRemoteCheck(f func(event.LPID) bool) { r.remoteCheck = f }

func (r *Record) SetState(ref mm.Ref) {
	r.state = ref
	if r.ckpt != nil {
		r.ckpt.SetStateSize(ref.Size())
	}
}
func (r *Record) State() mm.Ref { return r.state }
func (r *Record) Alloc(size int) (mm.Ref, []byte, error) {
	ref, b, err := r.heap.Alloc(size)
	if err == nil && ref.Valid() {
		r.allocBytes += ref.Size()
		if r.ckpt != nil {
			r.ckpt.SetStateSize(r.allocBytes)
		}
	}
	return ref, b, err
}
func (r *Record) Free(ref mm.Ref)                          { r.heap.Free(ref) }
func (r *Record) Bytes(ref mm.Ref, size int) []byte        { return r.heap.Bytes(ref, size) }
func (r *Record) Random() float64                          { return r.rnd.Float64() }
func (r *Record) RandomU64() uint64                        { return r.rnd.Uint64() }
func (r *Record) Expent(mean float64) float64              { return r.rnd.Expent(mean) }
func (r *Record) Normal() float64                          { return r.rnd.Normal() }
func (r *Record) Self() event.LPID                         { return r.ID }
func (r *Record) Stop() {
	if r.replaying {
		return
	}
	r.stopped = true
	if r.router != nil {
		r.router.Terminate(r.ID)
	}
}

// Stopped reports whether this LP's model has invoked Stop (spec
// §4.8's explicit termination condition). It satisfies term.Liveness.
func (r *Record) Stopped() bool { return r.stopped }

// CanEnd reports whether the model's condition-based termination
// check accepts this LP's current state (spec §4.8). It satisfies
// term.Liveness.
func (r *Record) CanEnd() bool { return r.Model.CanEnd(r.ID) }

// RecomputeCheckpointInterval re-derives this LP's checkpoint policy
// from the epoch that just ended. The worker calls this once per LP
// at every GVT round (spec §4.5).
func (r *Record) RecomputeCheckpointInterval() {
	if r.ckpt != nil {
		r.ckpt.Recompute()
	}
}
