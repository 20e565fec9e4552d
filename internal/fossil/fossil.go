// Package fossil implements the per-GVT fossil collection sweep of
// spec §4.7: once a new GVT is established, every locally owned LP
// trims its past-event set and checkpoint log up to that horizon, and
// the remote-message map (spec §4.9) drops entries it can prove will
// never be matched.
package fossil

import "github.com/ROOT-Sim/core-sub001/internal/event"

// LP is the subset of process.Record fossil collection needs. It is an
// interface (rather than a direct process.Record dependency) so the
// serial engine, which never fossil-collects, does not need to satisfy
// it, and so tests can exercise the sweep without a full process record.
type LP interface {
	FossilCollectAt(gvt event.Time) int
}

// RemoteMap is the subset of remote.Map fossil collection needs.
type RemoteMap interface {
	FossilCollect(gvt event.Time) int
}

// Sweep runs fossil collection on every owned LP and, if present, the
// node's remote-message map, for the newly established gvt. It returns
// the total number of past-event-set slots reclaimed, purely for
// statistics.
func Sweep(lps []LP, remote RemoteMap, gvt event.Time) int {
	reclaimed := 0
	for _, lp := range lps {
		reclaimed += lp.FossilCollectAt(gvt)
	}
	if remote != nil {
		reclaimed += remote.FossilCollect(gvt)
	}
	return reclaimed
}
