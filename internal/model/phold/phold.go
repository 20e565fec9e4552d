// Package phold implements the PHOLD-style benchmark model used by the
// end-to-end scenarios of spec §8 and by cmd/timewarp's default run: a
// fixed population of LPs that keep a token bouncing between each
// other, scheduled a random exponential holding time into the future,
// until a configured number of hops has been delivered to a given LP.
package phold

import (
	"encoding/binary"
	"math"

	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/model"
)

const typeToken uint32 = event.ReservedTypeBase + 1

// Config parameterizes one PHOLD run; the zero value is not usable,
// use New to fill in sane defaults for absent fields.
type Config struct {
	// LPCount is the size of the destination population every token
	// is routed across (the scenario's "64 LPs, uniform random
	// destination").
	LPCount int
	// Mean is the exponential inter-event time's mean (scenario:
	// "exponential inter-event times mean 1.0").
	Mean float64
	// Lookahead is the minimum schedule-ahead time added on top of
	// the exponential draw (scenario: "lookahead 0").
	Lookahead event.Time
}

// Model is one LP's PHOLD behavior: on INIT it schedules its first
// token, and on every subsequent delivery it increments its local hop
// counter (kept in the rollbackable heap, not in the struct itself, so
// it participates in checkpointing) and schedules the next hop to a
// uniformly random destination.
type Model struct {
	cfg Config
}

// New builds a PHOLD model shared by every LP; cfg.LPCount must be at
// least 1 and cfg.Mean must be positive or Dispatch's Expent draws are
// meaningless.
func New(cfg Config) *Model {
	if cfg.LPCount < 1 {
		cfg.LPCount = 1
	}
	if cfg.Mean <= 0 {
		cfg.Mean = 1.0
	}
	return &Model{cfg: cfg}
}

// Dispatch implements model.Model.
func (m *Model) Dispatch(ctx *model.Context, lp event.LPID, now event.Time, eventType uint32, payload []byte) {
	switch eventType {
	case event.TypeInit:
		m.initState(ctx)
		m.scheduleNext(ctx, lp, now)
	case typeToken:
		m.bumpHopCount(ctx)
		m.scheduleNext(ctx, lp, now)
	}
}

// CanEnd implements model.Model. PHOLD has no condition-based
// termination of its own; every run relies on the configured
// termination time (spec §4.8's time-limit path), so every LP always
// answers false here.
func (m *Model) CanEnd(event.LPID) bool { return false }

// initState allocates the 8-byte hop counter this LP's state consists
// of and zeroes it, then records the allocation via SetState so it is
// included in every checkpoint from here on (spec §4.3).
func (m *Model) initState(ctx *model.Context) {
	ref, buf, err := ctx.Alloc(8)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint64(buf, 0)
	ctx.SetState(ref)
}

func (m *Model) bumpHopCount(ctx *model.Context) {
	ref := ctx.State()
	buf := ctx.Bytes(ref, 8)
	count := binary.LittleEndian.Uint64(buf)
	binary.LittleEndian.PutUint64(buf, count+1)
}

// DecodeHopCount reads the hop counter out of a raw 8-byte state slice,
// as returned by process.Record.Bytes(rec.State(), 8); used by tests
// and end-to-end scenario checks comparing final per-LP state across
// the serial and parallel engines (P5).
func DecodeHopCount(state []byte) uint64 {
	return binary.LittleEndian.Uint64(state)
}

// scheduleNext draws a uniformly random destination and an exponential
// holding time, then schedules the next token hop.
func (m *Model) scheduleNext(ctx *model.Context, lp event.LPID, now event.Time) {
	dest := event.LPID(int(ctx.Random()*float64(m.cfg.LPCount)) % m.cfg.LPCount)
	delay := event.Time(ctx.Expent(m.cfg.Mean)) + m.cfg.Lookahead
	if delay <= 0 {
		delay = m.cfg.Lookahead
	}
	destTime := now + delay
	if math.IsInf(float64(destTime), 1) || math.IsNaN(float64(destTime)) {
		return
	}
	ctx.ScheduleEvent(dest, destTime, typeToken, nil)
}
