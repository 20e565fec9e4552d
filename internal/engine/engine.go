// Package engine wires every subsystem named in spec §2's component
// table into one runnable Time Warp instance: LP partitioning across
// worker threads, the shared GVT reducer, remote-message map and
// statistics sink, and the per-thread workers that drive them.
package engine

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ROOT-Sim/core-sub001/internal/autockpt"
	"github.com/ROOT-Sim/core-sub001/internal/config"
	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/gvt"
	"github.com/ROOT-Sim/core-sub001/internal/logging"
	"github.com/ROOT-Sim/core-sub001/internal/mm"
	"github.com/ROOT-Sim/core-sub001/internal/model"
	"github.com/ROOT-Sim/core-sub001/internal/process"
	"github.com/ROOT-Sim/core-sub001/internal/queue"
	"github.com/ROOT-Sim/core-sub001/internal/remote"
	"github.com/ROOT-Sim/core-sub001/internal/stats"
	"github.com/ROOT-Sim/core-sub001/internal/term"
	"github.com/ROOT-Sim/core-sub001/internal/worker"
)

// ModelFactory constructs one LP's model instance. Called once per LP
// at engine construction time.
type ModelFactory func(lp event.LPID) model.Model

// Engine is a fully wired, not-yet-started Time Warp run: every LP
// statically assigned to a worker thread (spec §5's "LPs are
// partitioned across threads statically at startup"), the shared GVT
// reducer, remote-message map and statistics sink built from cfg, and
// one worker.Worker per thread ready to be handed to Run.
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger
	runID  string

	queues  []*queue.Queue
	workers []*worker.Worker
	records map[event.LPID]*process.Record
	owner   map[event.LPID]int

	reducer   *gvt.Reducer
	detector  *term.Detector
	remote    *remote.Map
	stats     *stats.Sink
	transport *remote.Transport

	running bool
}

// resolveThreads turns the configured thread count (0 meaning "all
// cores") into a concrete, positive count capped by the LP count —
// there is no use partitioning fewer LPs than threads.
func resolveThreads(cfg config.Config) int {
	n := cfg.NThreads
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > cfg.LPs {
		n = cfg.LPs
	}
	if n < 1 {
		n = 1
	}
	return n
}

// New builds an Engine from cfg: one LP per id in [0, cfg.LPs),
// constructed via newModel, statically partitioned round-robin across
// resolveThreads(cfg) worker threads. The returned Engine owns its own
// queues, GVT reducer, remote-message map and statistics sink; nothing
// is shared with any other Engine instance.
func New(cfg config.Config, newModel ModelFactory, logger zerolog.Logger) (*Engine, error) {
	if cfg.LPs < 1 {
		return nil, ErrNoLPs
	}
	if newModel == nil {
		return nil, ErrModelFactoryRequired
	}

	runID := uuid.New().String()
	logger = logging.WithRun(logger, runID)

	threads := resolveThreads(cfg)

	sink, err := stats.NewSink(cfg.StatsFile, threads)
	if err != nil {
		return nil, err
	}

	eng := &Engine{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		queues:   make([]*queue.Queue, threads),
		workers:  make([]*worker.Worker, threads),
		records:  make(map[event.LPID]*process.Record, cfg.LPs),
		owner:    make(map[event.LPID]int, cfg.LPs),
		reducer:  gvt.NewReducer(threads, newNodeReducer(cfg)),
		detector: term.NewDetector(threads),
		remote:   remote.NewMap(64),
		stats:    sink,
	}

	if len(cfg.Peers) > 0 {
		eng.transport = remote.NewTransport(eng.handleRemoteFrame)
		for peerID, url := range cfg.Peers {
			if err := eng.transport.Dial(peerID, url); err != nil {
				logger.Warn().Err(err).Str("peer", peerID).Msg("dialing peer node failed, will rely on its inbound connection")
			}
		}
	}

	for t := 0; t < threads; t++ {
		eng.queues[t] = queue.New(queue.PolicyLockFreeInbox)
		w := worker.New(t)
		w.Queue = eng.queues[t]
		w.Reducer = eng.reducer
		w.Detector = eng.detector
		w.RemoteMap = eng.remote
		w.Stats = eng.stats
		w.Logger = logging.WithThread(logger, t)
		w.GVTPeriod = time.Duration(cfg.GVTPeriodMillis) * time.Millisecond
		w.TerminationTime = event.Time(cfg.TerminationTime)
		eng.workers[t] = w
	}

	ckptMode := checkpointMode(cfg.CkptMode)

	route := &router{eng: eng}
	for i := 0; i < cfg.LPs; i++ {
		lp := event.LPID(i)
		thread := i % threads
		eng.owner[lp] = thread

		ckpt := eng.newCheckpointPolicy()
		rec := process.New(lp, newModel(lp), ckptMode, uint64(i)+1, route, ckpt)
		rec.SetRemoteCheck(eng.isRemoteLP)

		eng.records[lp] = rec
		eng.workers[thread].LPs[lp] = rec
	}

	return eng, nil
}

// newCheckpointPolicy builds the fixed-interval controller when
// cfg.CkptInterval is set, or the autonomic controller (spec §4.5)
// when it is 0.
func (e *Engine) newCheckpointPolicy() process.CheckpointPolicy {
	if e.cfg.CkptInterval > 0 {
		return autockpt.NewFixed(e.cfg.CkptInterval)
	}
	return autockpt.NewAutonomic(autockpt.NewThreadStats(0.2), 0)
}

// checkpointMode translates the validated config string into the
// allocator's Mode (spec §4.3); config.validate already rejects
// anything but "full"/"incremental", so this never needs a fallback
// error path.
func checkpointMode(s string) mm.Mode {
	if s == "incremental" {
		return mm.ModeIncremental
	}
	return mm.ModeFull
}

// newNodeReducer selects the GVT all-reduce backend: Redis-backed
// cross-node reduction when cfg.RedisAddr is set (spec §4.6/§4.9's
// multi-node topology), single-node otherwise. config.validate
// already requires NodeID/NodeCount alongside RedisAddr.
func newNodeReducer(cfg config.Config) gvt.NodeReducer {
	if cfg.RedisAddr == "" {
		return gvt.SingleNode{}
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return gvt.NewRedisReducer(client, cfg.NodeID, cfg.NodeCount)
}

// handleRemoteFrame is the Transport callback for frames arriving from
// any peer node: a message frame destined for one of this node's own
// LPs is deduplicated through the remote-message map exactly as a
// locally-sent message would be, then inserted into its owning
// thread's queue. Frames for LPs this node does not own are dropped —
// with only a peer list and no LP-to-node assignment table, every
// cross-node send is broadcast to all peers and each node keeps only
// what is its own (see router.SendRemote).
func (e *Engine) handleRemoteFrame(_ string, f remote.Frame) {
	if f.Kind != remote.FrameMessage || f.Msg == nil {
		return
	}
	thread, ok := e.owner[f.Msg.Dest]
	if !ok {
		return
	}
	decision := remote.Deliver
	if e.remote != nil {
		decision = e.remote.Record(f.Msg)
	}
	if decision == remote.Deliver {
		e.queues[thread].Insert(f.Msg)
	}
}

// Transport returns the cross-node WebSocket transport, or nil when
// cfg.Peers was empty (single-node run). A caller (cmd/timewarp) uses
// this to serve Transport.Handler() on cfg.ListenAddr.
func (e *Engine) Transport() *remote.Transport { return e.transport }

// isRemoteLP reports whether dest is not one of this node's own LPs.
// Every LP this Engine constructed is local; anything else is assumed
// owned by a peer node, reachable only through the configured
// Transport (spec §4.6's node-local-vs-remote destination check).
func (e *Engine) isRemoteLP(dest event.LPID) bool {
	_, ok := e.owner[dest]
	return !ok
}

// router is the process.Router every LP's record shares: it looks up
// the destination LP's owning thread and inserts directly into that
// thread's queue for a local destination, or broadcasts through the
// configured Transport for a remote one (SetRemoteCheck decides which
// via isRemoteLP). With no Transport configured, every destination is
// necessarily local (single-node run) and SendRemote is unreachable.
type router struct {
	eng *Engine
}

func (r *router) SendLocal(msg *event.Message) {
	thread, ok := r.eng.owner[msg.Dest]
	if !ok {
		return
	}
	r.eng.queues[thread].Insert(msg)
}

func (r *router) SendRemote(msg *event.Message) {
	if r.eng.transport == nil {
		r.eng.logger.Warn().Int64("dest", int64(msg.Dest)).Msg("send_remote called with no node topology configured")
		return
	}
	if err := r.eng.transport.Broadcast(remote.Frame{Kind: remote.FrameMessage, Msg: msg}); err != nil {
		r.eng.logger.Warn().Err(err).Int64("dest", int64(msg.Dest)).Msg("broadcasting remote message failed")
	}
}

func (r *router) Terminate(event.LPID) {}

// Run seeds every LP with its INIT event and runs every worker thread
// to completion, returning the first error reported by any of them
// (spec §4.4/§5). Run may be called only once per Engine.
//
// Every worker's Cancel is wired to one shared cancel function, not to
// errgroup.WithContext's automatic (error-only) cancellation: a worker
// that stops because termination converged or its TerminationTime
// ceiling was hit returns a nil error, which errgroup would never treat
// as a reason to cancel the other workers' context. Without this, a
// thread that stops participating would leave any peer still parked in
// e.reducer's barrier waiting for a round that can now never complete.
func (e *Engine) Run(ctx context.Context) error {
	if e.running {
		return ErrAlreadyRunning
	}
	e.running = true

	for lp, thread := range e.owner {
		e.queues[thread].Insert(&event.Message{Dest: lp, DestTime: 0, Type: event.TypeInit})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range e.workers {
		w := w
		w.Cancel = cancel
		g.Go(func() error { return w.Run(gctx) })
	}

	err := g.Wait()
	if closeErr := e.stats.Close(); err == nil {
		err = closeErr
	}
	if e.transport != nil {
		e.transport.Close()
	}
	return err
}

// RunID returns the UUID stamped into this Engine's log lines and
// statistics file.
func (e *Engine) RunID() string { return e.runID }

// Record returns the process record for lp, for tests and post-run
// inspection; it is nil if lp was never registered.
func (e *Engine) Record(lp event.LPID) *process.Record { return e.records[lp] }

// Stats returns the statistics sink backing this Engine's run, so a
// caller (cmd/timewarp) can enable the Prometheus mirror of spec §6b
// before calling Run.
func (e *Engine) Stats() *stats.Sink { return e.stats }
