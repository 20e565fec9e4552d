// Package worker implements the per-thread worker loop of spec §4.4:
// drain remote messages, extract and deliver one local event,
// occasionally participate in GVT reduction (driving fossil collection
// and the statistics flush when a new GVT lands), check termination,
// and cooperatively back off when idle.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/fossil"
	"github.com/ROOT-Sim/core-sub001/internal/gvt"
	"github.com/ROOT-Sim/core-sub001/internal/process"
	"github.com/ROOT-Sim/core-sub001/internal/queue"
	"github.com/ROOT-Sim/core-sub001/internal/remote"
	"github.com/ROOT-Sim/core-sub001/internal/stats"
	"github.com/ROOT-Sim/core-sub001/internal/term"
)

// Clock abstracts wall-clock time so tests can run the loop without
// sleeping for real GVT periods.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time     { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Worker drives one OS thread's share of LPs. All of its LPs are
// mutated only by this goroutine (spec §5); the queue, reducer,
// detector, remote map and stats sink are the only state shared with
// other workers, and each already does its own locking.
type Worker struct {
	ID     int
	LPs    map[event.LPID]*process.Record
	Queue  *queue.Queue
	Inbox  <-chan remote.Frame

	Reducer   *gvt.Reducer
	Detector  *term.Detector
	RemoteMap *remote.Map
	Stats     *stats.Sink
	Logger    zerolog.Logger

	GVTPeriod       time.Duration
	Backoff         time.Duration
	Clock           Clock
	TerminationTime event.Time // 0 means unbounded, per spec §6

	// Cancel, if set, is called exactly once when Run is about to
	// return for any reason. The engine wires every worker's Cancel to
	// the same shared context's cancel function, so one thread's
	// decision to stop immediately unblocks any peer still parked in a
	// gvt.Reducer.Round barrier it would otherwise wait on forever
	// (spec §5's no-timeout liveness guarantee assumes every thread
	// keeps participating; termination is the one case that breaks it).
	Cancel func()
}

// New fills in defaults (real clock, sane backoff) for fields the
// caller leaves zero.
func New(id int) *Worker {
	return &Worker{
		ID:        id,
		LPs:       make(map[event.LPID]*process.Record),
		GVTPeriod: 200 * time.Millisecond,
		Backoff:   time.Millisecond,
		Clock:     realClock{},
	}
}

// Run executes the loop of spec §4.4 until the termination detector
// reports done or ctx is cancelled. Whatever the reason for returning,
// w.Cancel (if set) is called first, so peers blocked in a GVT round
// with this thread are released rather than left to wait forever.
func (w *Worker) Run(ctx context.Context) error {
	if w.Cancel != nil {
		defer w.Cancel()
	}

	lastRound := w.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		w.drainRemote()

		msg := w.Queue.Extract()
		if msg != nil {
			if w.TerminationTime > 0 && msg.DestTime > w.TerminationTime {
				if w.Detector != nil {
					w.Detector.Stop()
				}
				return nil
			}
			w.deliver(msg)
		}

		if w.Reducer != nil && w.Clock.Now().Sub(lastRound) >= w.GVTPeriod {
			now := w.Clock.Now()
			elapsed := now.Sub(lastRound)
			lastRound = now
			if err := w.participateGVT(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			if w.Stats != nil {
				w.Stats.RecordRealTime(w.ID, elapsed.Nanoseconds())
			}
		}

		if w.Detector != nil && w.Detector.Done() {
			return nil
		}

		if msg == nil {
			w.Clock.Sleep(w.Backoff)
		}
	}
}

func (w *Worker) deliver(msg *event.Message) {
	rec, ok := w.LPs[msg.Dest]
	if !ok {
		return
	}
	start := w.Clock.Now()
	report := rec.Process(msg)
	dur := w.Clock.Now().Sub(start).Nanoseconds()
	if w.Stats != nil {
		w.Stats.RecordProcessed(w.ID, dur)
		if report.CheckpointTaken {
			w.Stats.RecordCheckpoint(w.ID, report.CheckpointBytes, dur)
		}
		if rb := report.Rollback; rb != nil {
			w.Stats.RecordRollback(w.ID, rb.UndoneMessages, dur)
			// dur covers the whole rollback, not any one silently
			// replayed event, so attribute it to the first sample only
			// and let the rest contribute to the count alone — that
			// keeps silent_messages accurate without inflating
			// silent_time by counting the same span multiple times.
			for i := 0; i < rb.SilentReplayed; i++ {
				silentDur := int64(0)
				if i == 0 {
					silentDur = dur
				}
				w.Stats.RecordSilent(w.ID, silentDur)
			}
			for i := 0; i < rb.AntiMessages; i++ {
				w.Stats.RecordAnti(w.ID)
			}
		}
	}
	if rec.Stopped() && w.Detector != nil {
		w.Detector.Stop()
	}
}

// drainRemote moves every currently queued inbound remote frame
// through the remote-message map and, for frames the map says should
// be delivered, into the local queue for ordinary extraction.
func (w *Worker) drainRemote() {
	if w.Inbox == nil {
		return
	}
	for {
		select {
		case f := <-w.Inbox:
			w.handleFrame(f)
		default:
			return
		}
	}
}

func (w *Worker) handleFrame(f remote.Frame) {
	if f.Kind != remote.FrameMessage || f.Msg == nil {
		return
	}
	decision := remote.Deliver
	if w.RemoteMap != nil {
		decision = w.RemoteMap.Record(f.Msg)
	}
	if decision == remote.Deliver {
		w.Queue.Insert(f.Msg)
	}
}

// localMin is this thread's contribution to the GVT round: the
// minimum of every owned LP's bound (last committed event) and the
// earliest pending event still in the local queue — whichever is
// smaller could still produce an earlier event than anything already
// committed.
func (w *Worker) localMin() event.Time {
	min := w.Queue.PeekTime()
	for _, rec := range w.LPs {
		if rec.Bound() < min {
			min = rec.Bound()
		}
	}
	return min
}

// participateGVT joins this round's barrier and, once the new GVT is
// known (whether or not this thread was the one that computed it),
// trims this thread's own LPs and refreshes its termination count —
// "the thread increments the fossil-collection epoch observed by its
// LPs" (spec §4.4 step 4 / §4.6). The remote map and the statistics
// sink are shared across every thread on the node, so those are
// swept/flushed once per round by the elected leader instead, via
// onLeaderOnce.
func (w *Worker) participateGVT(ctx context.Context) error {
	newGVT, err := w.Reducer.Round(ctx, w.localMin(), w.onLeaderOnce)
	if err != nil {
		return err
	}
	w.sweepOwnLPs(newGVT)
	return nil
}

// sweepOwnLPs runs the local half of fossil collection and the
// termination count refresh for exactly this thread's LPs. Safe to
// call from every thread in a round, including the leader.
func (w *Worker) sweepOwnLPs(newGVT event.Time) {
	var lps []fossil.LP
	var liveness []term.Liveness
	for _, rec := range w.LPs {
		lps = append(lps, rec)
		liveness = append(liveness, rec)
		rec.RecomputeCheckpointInterval()
	}
	reclaimed := fossil.Sweep(lps, nil, newGVT)

	if w.Detector != nil {
		w.Detector.SetAlive(w.ID, term.CountAlive(liveness))
	}
	w.Logger.Debug().Float64("gvt", float64(newGVT)).Int("reclaimed", reclaimed).Msg("local fossil sweep")
}

// onLeaderOnce runs exactly once per round, on whichever thread
// completes the barrier: fossil-collect the shared remote-message map
// and flush the statistics sink, both of which would be wasted or
// racy work if every thread repeated them.
func (w *Worker) onLeaderOnce(newGVT event.Time) {
	if w.RemoteMap != nil {
		w.RemoteMap.FossilCollect(newGVT)
	}
	if w.Stats != nil {
		if _, err := w.Stats.Flush(newGVT); err != nil {
			w.Logger.Warn().Err(err).Msg("statistics flush failed")
		}
	}
}
