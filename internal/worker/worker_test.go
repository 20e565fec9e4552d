package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/gvt"
	"github.com/ROOT-Sim/core-sub001/internal/mm"
	"github.com/ROOT-Sim/core-sub001/internal/model"
	"github.com/ROOT-Sim/core-sub001/internal/process"
	"github.com/ROOT-Sim/core-sub001/internal/queue"
	"github.com/ROOT-Sim/core-sub001/internal/remote"
	"github.com/ROOT-Sim/core-sub001/internal/stats"
	"github.com/ROOT-Sim/core-sub001/internal/term"
	"github.com/ROOT-Sim/core-sub001/internal/worker"
)

// fixedPolicy checkpoints every n events and never asks for a rollback
// replay, standing in for the autonomic controller in tests that don't
// care about checkpoint timing.
type fixedPolicy struct{ n, since int }

func (p *fixedPolicy) ShouldCheckpoint(int) bool {
	p.since++
	if p.since >= p.n {
		p.since = 0
		return true
	}
	return false
}
func (p *fixedPolicy) Taken()          {}
func (p *fixedPolicy) RecordRollback() {}
func (p *fixedPolicy) Recompute()      {}
func (p *fixedPolicy) SetStateSize(int) {}

// countingRouter records every locally routed message into a shared
// queue, as the real engine's local router would.
type countingRouter struct{ q *queue.Queue }

func (r *countingRouter) SendLocal(msg *event.Message)  { r.q.Insert(msg) }
func (r *countingRouter) SendRemote(*event.Message)     {}
func (r *countingRouter) Terminate(event.LPID)          {}

const typeStep uint32 = event.ReservedTypeBase + 100

// counter is a trivial model: on INIT it schedules one step to itself
// one time unit later; each step increments a counter until it hits a
// target, then stops.
type counter struct {
	target int
	steps  int
	done   bool
}

func (c *counter) Dispatch(ctx *model.Context, lp event.LPID, now event.Time, eventType uint32, _ []byte) {
	if eventType == event.TypeInit {
		ctx.ScheduleEvent(lp, now+1, typeStep, nil)
		return
	}
	c.steps++
	if c.steps >= c.target {
		c.done = true
		ctx.Stop()
		return
	}
	ctx.ScheduleEvent(lp, now+1, typeStep, nil)
}

func (c *counter) CanEnd(event.LPID) bool { return c.done }

// fakeClock advances only when Sleep is called, so a test can run the
// worker loop through several GVT periods without real delay.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Sleep(d time.Duration) { f.now = f.now.Add(d) }

func newTestWorker(t *testing.T, lpID event.LPID, target int, seedInit bool) (*worker.Worker, *counter) {
	t.Helper()
	q := queue.New(queue.PolicyLockFreeInbox)
	router := &countingRouter{q: q}
	m := &counter{target: target}
	rec := process.New(lpID, m, mm.ModeFull, 1, router, &fixedPolicy{n: 2})

	w := worker.New(0)
	w.LPs[lpID] = rec
	w.Queue = q
	w.Clock = &fakeClock{now: time.Unix(0, 0)}
	w.GVTPeriod = time.Millisecond
	w.Backoff = time.Millisecond

	if seedInit {
		q.Insert(&event.Message{Dest: lpID, DestTime: 0, Type: event.TypeInit})
	}
	return w, m
}

func TestWorkerDeliversUntilModelStops(t *testing.T) {
	w, m := newTestWorker(t, 1, 5, true)
	w.Detector = term.NewDetector(1)

	err := w.Run(context.Background())
	require.NoError(t, err)
	require.True(t, m.done)
	require.Equal(t, 5, m.steps)
	require.True(t, w.Detector.Done())
}

func TestWorkerRunsGVTRoundAndFlushesStats(t *testing.T) {
	w, m := newTestWorker(t, 1, 3, true)
	w.Detector = term.NewDetector(1)
	sink, err := stats.NewSink("", 1)
	require.NoError(t, err)
	defer sink.Close()
	w.Stats = sink
	w.Reducer = gvt.NewReducer(1, nil)

	require.NoError(t, w.Run(context.Background()))
	require.True(t, m.done)
	require.Greater(t, w.Reducer.Epoch(), uint64(0), "at least one GVT round must have committed")
}

func TestWorkerDrainsRemoteFrameBeforeLocalDelivery(t *testing.T) {
	w, m := newTestWorker(t, 1, 1, false)
	w.Detector = term.NewDetector(1)

	inbox := make(chan remote.Frame, 1)
	w.Inbox = inbox
	rm := remote.NewMap(8)
	w.RemoteMap = rm

	remoteMsg := &event.Message{Dest: 1, DestTime: 0, Type: event.TypeInit, Src: 9, Seq: 1}
	inbox <- remote.Frame{Kind: remote.FrameMessage, Msg: remoteMsg}

	require.NoError(t, w.Run(context.Background()))
	require.True(t, m.done)
	require.Equal(t, 1, rm.Len(), "the delivered remote original must be recorded for later anti-matching")
}

func TestWorkerCancelUnblocksPeerStuckInGVTRound(t *testing.T) {
	reducer := gvt.NewReducer(2, nil)
	detector := term.NewDetector(2)
	ctx, cancel := context.WithCancel(context.Background())

	qA := queue.New(queue.PolicyLockFreeInbox)
	recA := process.New(1, &counter{target: 1}, mm.ModeFull, 1, &countingRouter{q: qA}, &fixedPolicy{n: 100})
	wA := worker.New(0)
	wA.LPs[1] = recA
	wA.Queue = qA
	wA.Detector = detector
	wA.Reducer = reducer
	wA.GVTPeriod = time.Hour // never joins a round on its own
	wA.Backoff = time.Millisecond
	wA.Cancel = cancel
	qA.Insert(&event.Message{Dest: 1, DestTime: 0, Type: event.TypeInit})

	// target is never reached within the test's lifetime; this LP only
	// exists to keep worker B busy past worker A's own completion.
	qB := queue.New(queue.PolicyLockFreeInbox)
	recB := process.New(2, &counter{target: 1 << 30}, mm.ModeFull, 2, &countingRouter{q: qB}, &fixedPolicy{n: 100})
	wB := worker.New(1)
	wB.LPs[2] = recB
	wB.Queue = qB
	wB.Detector = detector
	wB.Reducer = reducer
	wB.GVTPeriod = time.Millisecond
	wB.Backoff = time.Millisecond
	wB.Cancel = cancel
	qB.Insert(&event.Message{Dest: 2, DestTime: 0, Type: event.TypeInit})

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- wA.Run(ctx) }()
	go func() { errB <- wB.Run(ctx) }()

	select {
	case err := <-errA:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker A never finished")
	}
	select {
	case err := <-errB:
		require.NoError(t, err, "worker B must unblock once A's Cancel fires, not hang in its GVT round")
	case <-time.After(2 * time.Second):
		t.Fatal("worker B stayed blocked in its GVT round after its peer finished")
	}
}

func TestWorkerContextCancellationStopsLoop(t *testing.T) {
	q := queue.New(queue.PolicyLockFreeInbox)
	w := worker.New(0)
	w.Queue = q
	w.Clock = &fakeClock{now: time.Unix(0, 0)}
	w.Backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Run(ctx)
	require.NoError(t, err, "a cancelled context is a clean shutdown signal, not a failure")
}
