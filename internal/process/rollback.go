package process

import (
	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/model"
)

// RollbackReport summarizes one RollbackTo call's cost, for the
// caller to fold into the statistics sink (spec §6's rollbacks,
// rollbacked_messages, anti_messages and silent_messages samples).
// UndoneMessages are returned separately by RollbackTo since they must
// be re-offered to the queue, not merely counted.
type RollbackReport struct {
	UndoneMessages int
	AntiMessages   int
	SilentReplayed int
}

// ProcessReport summarizes the side effects of one Process call worth
// reporting to statistics: whether it triggered a rollback, and
// whether it took a checkpoint (and of what size).
type ProcessReport struct {
	Rollback       *RollbackReport
	CheckpointTaken bool
	CheckpointBytes int
}

// Process delivers msg to this LP: an anti-message is matched against
// (or buffered ahead of) its partner, a straggler forces a rollback
// before delivery, and an in-order forward message is appended to the
// past-event set and dispatched to the model (spec §4.2).
func (r *Record) Process(msg *event.Message) ProcessReport {
	if msg.IsAnti() {
		report := r.handleAnti(msg)
		return ProcessReport{Rollback: report}
	}

	var report ProcessReport
	if r.boundMsg != nil && event.Less(msg, r.boundMsg) {
		redeliver, rb := r.RollbackTo(r.rollbackIndexFor(msg))
		r.redeliverAll(redeliver)
		report.Rollback = rb
	}

	if anti, ok := r.earlyAnti[msg.Label()]; ok {
		delete(r.earlyAnti, msg.Label())
		_ = anti
		return report
	}

	msg.SetFlag(event.FlagReceived)
	r.pes = append(r.pes, PESEntry{Kind: Received, Msg: msg})

	ctx := model.NewContext(r)
	r.Model.Dispatch(ctx, r.ID, msg.DestTime, msg.Type, msg.Payload)
	msg.SetFlag(event.FlagProcessed)

	r.bound = msg.DestTime
	r.boundMsg = msg

	if r.ckpt != nil && r.ckpt.ShouldCheckpoint(len(r.pes)) {
		report.CheckpointBytes = r.heap.Checkpoint(len(r.pes), r.rnd.Marshal())
		report.CheckpointTaken = true
		r.ckpt.Taken()
	}
	return report
}

// handleAnti matches msg against the RECEIVED entry it cancels. If that
// entry has already been processed, everything from it onward is
// rolled back. If the original has not arrived yet, msg is buffered so
// the eventual forward delivery can annihilate silently (spec §4.2,
// early anti-message buffering).
func (r *Record) handleAnti(msg *event.Message) *RollbackReport {
	lbl := msg.Label()
	for i, e := range r.pes {
		if e.Kind == Received && e.Msg.Label() == lbl {
			redeliver, report := r.RollbackTo(i)
			// redeliver[0] is the very entry msg cancels; everything
			// after it is an unrelated future event that still needs to
			// be redelivered once the queue re-offers it.
			if len(redeliver) > 1 {
				r.redeliverAll(redeliver[1:])
			}
			return report
		}
	}
	r.earlyAnti[lbl] = msg
	return nil
}

// redeliverAll re-enqueues messages whose RECEIVED entry was undone by
// a rollback (other than the one the rollback was triggered for) so the
// queue offers them again in their proper order. A RECEIVED entry's
// destination is always this LP, so re-routing it as a fresh SendLocal
// is exactly delivery.
func (r *Record) redeliverAll(msgs []*event.Message) {
	if r.router == nil {
		return
	}
	for _, m := range msgs {
		r.router.SendLocal(m)
	}
}

// rollbackIndexFor returns the smallest past-event-set index whose
// RECEIVED entry must be undone to make room for straggler, using the
// same total order as the message queue so ties resolve identically
// everywhere (spec §4.1).
func (r *Record) rollbackIndexFor(straggler *event.Message) int {
	for i, e := range r.pes {
		if e.Kind == Received && event.Less(straggler, e.Msg) {
			return i
		}
	}
	return len(r.pes)
}

// RollbackTo undoes every past-event-set entry at or after idx: an
// anti-message is sent for each SENT_LOCAL/SENT_REMOTE entry being
// undone, the allocator and PRNG are restored to the latest checkpoint
// at or before idx, and the gap between that checkpoint and idx is
// silently replayed (re-run for its effect on the allocator and PRNG
// only; ScheduleEvent and Stop are suppressed since their effects are
// already recorded in the retained past-event set).
//
// It returns, in order, the messages of every undone RECEIVED entry,
// plus a RollbackReport summarizing this call's cost for statistics.
// The queue discards a message once extracted, so these must be
// re-offered to this LP by the caller; RollbackTo itself only knows
// how to undo, not how to redeliver (that depends on whether the
// rollback was for a straggler or for a matched anti-message, which
// the caller alone knows — see process()/handle_anti()).
func (r *Record) RollbackTo(idx int) ([]*event.Message, *RollbackReport) {
	if idx >= len(r.pes) {
		return nil, nil
	}
	var undone []*event.Message
	report := &RollbackReport{}
	for i := idx; i < len(r.pes); i++ {
		e := r.pes[i]
		switch e.Kind {
		case Received:
			undone = append(undone, e.Msg)
		case SentLocal:
			if r.router != nil {
				r.router.SendLocal(event.AntiOf(e.Msg))
			}
			report.AntiMessages++
		case SentRemote:
			if r.router != nil {
				r.router.SendRemote(event.AntiOf(e.Msg))
			}
			report.AntiMessages++
		}
	}
	report.UndoneMessages = len(undone)
	r.pes = r.pes[:idx]
	if r.ckpt != nil {
		r.ckpt.RecordRollback()
	}

	actual, extra := r.heap.Restore(idx)
	if actual == 0 {
		r.rnd.Unmarshal(r.initRNG)
	} else {
		r.rnd.Unmarshal(extra)
	}

	r.replaying = true
	for pos := actual; pos < idx; pos++ {
		e := r.pes[pos]
		if e.Kind != Received {
			continue
		}
		report.SilentReplayed++
		ctx := model.NewContext(r)
		r.Model.Dispatch(ctx, r.ID, e.Msg.DestTime, e.Msg.Type, e.Msg.Payload)
	}
	r.replaying = false

	r.boundMsg = r.lastReceived(idx)
	if r.boundMsg != nil {
		r.bound = r.boundMsg.DestTime
	} else {
		r.bound = 0
	}
	return undone, report
}

func (r *Record) lastReceived(upto int) *event.Message {
	for i := upto - 1; i >= 0; i-- {
		if r.pes[i].Kind == Received {
			return r.pes[i].Msg
		}
	}
	return nil
}

// TrimTo discards every checkpoint-log entry, and the past-event-set
// prefix backing it, strictly before the latest checkpoint with refIdx
// <= upToRefIdx. It returns the number of past-event-set slots dropped
// from the front, mirroring mm.Heap.FossilCollect's refIdx shift.
func (r *Record) TrimTo(upToRefIdx int) int {
	shift := r.heap.FossilCollect(upToRefIdx)
	if shift <= 0 {
		return 0
	}
	r.pes = r.pes[shift:]
	return shift
}

// FossilCollectAt computes the largest past-event-set index whose
// RECEIVED entries are all strictly older than gvt and trims up to it;
// nothing at or after gvt can ever become a rollback target, so this is
// always safe to call once gvt has advanced (spec §4.7).
func (r *Record) FossilCollectAt(gvt event.Time) int {
	cut := 0
	for i, e := range r.pes {
		if e.Kind == Received && e.Msg.DestTime >= gvt {
			break
		}
		cut = i + 1
	}
	if cut == 0 {
		return 0
	}
	return r.TrimTo(cut)
}
