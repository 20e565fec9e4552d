// Package autockpt implements the autonomic checkpoint interval
// controller of spec §4.5: a per-LP rollback-probability estimate
// combined with per-thread exponential moving averages of checkpoint
// cost and silent-replay cost, recomputed at every GVT into the
// analytic interval that minimises rollback+checkpoint overhead.
package autockpt

import "math"

// ThreadStats holds the per-thread EMAs shared by every LP a worker
// thread owns: checkpoint cost per byte, and silent-replay throughput
// (events successfully replayed per nanosecond, the "inverse cost").
type ThreadStats struct {
	alpha float64

	ckptCostPerByte float64
	haveCkpt        bool

	invSilentCost float64
	haveSilent    bool
}

// NewThreadStats creates a tracker with the given EMA smoothing factor
// (0 < alpha <= 1; higher weighs recent samples more heavily).
func NewThreadStats(alpha float64) *ThreadStats {
	return &ThreadStats{alpha: alpha}
}

// ObserveCheckpoint folds in one checkpoint's measured cost.
func (t *ThreadStats) ObserveCheckpoint(bytes int, nanos int64) {
	if bytes <= 0 || nanos < 0 {
		return
	}
	sample := float64(nanos) / float64(bytes)
	if !t.haveCkpt {
		t.ckptCostPerByte, t.haveCkpt = sample, true
		return
	}
	t.ckptCostPerByte = t.alpha*sample + (1-t.alpha)*t.ckptCostPerByte
}

// ObserveSilentReplay folds in one rollback's silent-replay cost:
// events replayed and the wall time it took.
func (t *ThreadStats) ObserveSilentReplay(events int, nanos int64) {
	if events <= 0 || nanos <= 0 {
		return
	}
	sample := float64(events) / float64(nanos)
	if !t.haveSilent {
		t.invSilentCost, t.haveSilent = sample, true
		return
	}
	t.invSilentCost = t.alpha*sample + (1-t.alpha)*t.invSilentCost
}

func (t *ThreadStats) snapshot() (ckptCostPerByte, invSilentCost float64) {
	c, s := t.ckptCostPerByte, t.invSilentCost
	if c <= 0 {
		c = 1
	}
	if s <= 0 {
		s = 1
	}
	return c, s
}

// Controller is one LP's autonomic (or fixed) checkpoint interval
// policy. It satisfies process.CheckpointPolicy.
type Controller struct {
	fixed     int // > 0 disables the autonomic recompute
	stats     *ThreadStats
	stateSize int

	good, bad       int
	sinceCheckpoint int
	interval        int
}

// NewFixed returns a controller that always checkpoints every interval
// events, matching a non-zero configured ckpt_interval.
func NewFixed(interval int) *Controller {
	if interval < 1 {
		interval = 1
	}
	return &Controller{fixed: interval, interval: interval}
}

// NewAutonomic returns a controller that recomputes its interval from
// stats and the LP's own rollback history at every GVT.
func NewAutonomic(stats *ThreadStats, stateSize int) *Controller {
	return &Controller{stats: stats, stateSize: stateSize, interval: 1}
}

// SetStateSize updates the state-size term of the interval formula; the
// model's state allocation is not known until its first SetState call.
func (c *Controller) SetStateSize(n int) {
	if n > 0 {
		c.stateSize = n
	}
}

// ShouldCheckpoint is called after every successfully processed
// (non-replayed) event.
func (c *Controller) ShouldCheckpoint(_ int) bool {
	c.good++
	c.sinceCheckpoint++
	interval := c.interval
	if interval < 1 {
		interval = 1
	}
	return c.sinceCheckpoint >= interval
}

// Taken resets the since-last-checkpoint counter.
func (c *Controller) Taken() { c.sinceCheckpoint = 0 }

// RecordRollback marks the event that triggered a rollback as "bad"
// for this LP's rollback-probability estimate.
func (c *Controller) RecordRollback() { c.bad++ }

// Recompute re-derives the checkpoint interval from this epoch's
// good/bad counts and the thread's current cost EMAs, then resets the
// counts (spec §4.5). It is a no-op when a fixed interval is
// configured.
func (c *Controller) Recompute() {
	if c.fixed > 0 {
		c.good, c.bad = 0, 0
		return
	}
	total := c.good + c.bad
	pBad := 1e-4
	if total > 0 && c.bad > 0 {
		pBad = float64(c.bad) / float64(total)
	}
	ckptCostPerByte, invSilentCost := 1.0, 1.0
	if c.stats != nil {
		ckptCostPerByte, invSilentCost = c.stats.snapshot()
	}
	v := (1 / pBad) * ckptCostPerByte * invSilentCost * float64(c.stateSize)
	interval := int(math.Ceil(math.Sqrt(v)))
	if interval < 1 {
		interval = 1
	}
	c.interval = interval
	c.good, c.bad = 0, 0
}

// Interval reports the currently active checkpoint interval, for
// diagnostics and tests.
func (c *Controller) Interval() int { return c.interval }
