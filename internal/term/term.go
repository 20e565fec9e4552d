// Package term implements the termination detector of spec §4.8: two
// independent conditions, either of which ends the run. Condition-based
// termination aggregates each thread's count of LPs still reporting
// can_end=false; explicit termination is a single sticky stop flag set
// by any thread whose model called stop().
package term

import "sync"

// Detector aggregates per-thread liveness into one global decision.
// Each worker thread owns one slot and updates it once per GVT round
// from its own LPs' can_end results; the detector never touches LP or
// model state directly.
type Detector struct {
	mu      sync.Mutex
	alive   []int
	stopped bool
}

// NewDetector creates a detector for the given number of worker
// threads, initially considering every thread's LPs alive.
func NewDetector(threads int) *Detector {
	d := &Detector{alive: make([]int, threads)}
	for i := range d.alive {
		d.alive[i] = 1
	}
	return d
}

// SetAlive records how many of thread's LPs have not yet reported
// can_end=true. Called once per GVT round per thread.
func (d *Detector) SetAlive(thread, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive[thread] = count
}

// Stop sets the sticky explicit-termination flag (spec §4.8's "the
// model invokes a stop primitive"). Once set it cannot be unset.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

// Stopped reports whether Stop has been called by any thread.
func (d *Detector) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Done reports whether the run should terminate: an explicit stop, or
// every thread's alive count has reached zero.
func (d *Detector) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return true
	}
	for _, c := range d.alive {
		if c > 0 {
			return false
		}
	}
	return true
}

// CountAlive reports how many of the given LPs have not yet finished:
// an LP counts as finished once it has been explicitly stopped, or
// once canEnd reports true for it at its current bound time. It is a
// free function rather than a Detector method so a thread can compute
// it from whatever LP representation it holds without this package
// depending on process.Record.
func CountAlive(ids []Liveness) int {
	alive := 0
	for _, lp := range ids {
		if lp.Stopped() {
			continue
		}
		if lp.CanEnd() {
			continue
		}
		alive++
	}
	return alive
}

// Liveness is the per-LP information CountAlive needs: whether it was
// explicitly stopped, and whether the model's can_end callback has
// accepted its latest state. process.Record satisfies this directly
// (Stopped is its own field; CanEnd delegates to the model).
type Liveness interface {
	Stopped() bool
	CanEnd() bool
}
