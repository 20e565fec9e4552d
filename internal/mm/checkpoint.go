package mm

import "sort"

// checkpointEntry is one entry in the append-only checkpoint log. For
// a full checkpoint it carries every region's longest[] array and
// every currently-used chunk's bytes. For an incremental checkpoint it
// carries only what changed (or was freed) since the previous entry in
// its chain, plus each touched region's longest[] array (a full copy,
// since the array is a few KiB and a true bit-level diff buys little).
type checkpointEntry struct {
	RefIdx     int
	Full       bool
	NumRegions int
	Longest    map[int][]uint32 // region -> longest[] snapshot (touched regions only, for incremental)
	Chunks     map[int]map[int][]byte
	Freed      map[int][]int // region -> offsets that were live before this entry and are not anymore
	Extra      []byte
}

// IncrementalChainLimit bounds how many incremental checkpoints may
// chain back to the same full base before the next Take is forced to
// be full, so restore cost stays bounded.
const IncrementalChainLimit = 8

// chainLen tracks, outside the log itself, how many consecutive
// incremental entries have accumulated since the last full one.
func (h *Heap) chainLen() int {
	n := 0
	for i := len(h.log) - 1; i >= 0; i-- {
		if h.log[i].Full {
			break
		}
		n++
	}
	return n
}

// Checkpoint takes a snapshot keyed by refIdx, the PES index the
// caller is at. extra is opaque companion state (e.g. the LP's PRNG)
// stored alongside the allocator snapshot. refIdx must be strictly
// greater than every previously-taken refIdx. It returns the
// checkpoint's encoded size in bytes, for the caller's cost statistics
// (spec §6's checkpoint_size sample).
func (h *Heap) Checkpoint(refIdx int, extra []byte) int {
	full := h.mode == ModeFull || len(h.log) == 0 || h.chainLen() >= IncrementalChainLimit
	if full {
		e := fullEntry(refIdx, h.regions, extra)
		h.log = append(h.log, e)
		for _, r := range h.regions {
			r.dirty = map[int]bool{}
		}
		return entrySize(e)
	}
	e := checkpointEntry{
		RefIdx:     refIdx,
		Full:       false,
		NumRegions: len(h.regions),
		Longest:    map[int][]uint32{},
		Chunks:     map[int]map[int][]byte{},
		Freed:      map[int][]int{},
		Extra:      append([]byte(nil), extra...),
	}
	for ri, r := range h.regions {
		if len(r.dirty) == 0 {
			continue
		}
		e.Longest[ri] = append([]uint32(nil), r.longest...)
		chunks := map[int][]byte{}
		var freed []int
		offsets := make([]int, 0, len(r.dirty))
		for off := range r.dirty {
			offsets = append(offsets, off)
		}
		sort.Ints(offsets)
		for _, off := range offsets {
			if sz, ok := r.used[off]; ok {
				chunks[off] = append([]byte(nil), r.mem[off:off+sz]...)
			} else {
				freed = append(freed, off)
			}
		}
		e.Chunks[ri] = chunks
		e.Freed[ri] = freed
		r.dirty = map[int]bool{}
	}
	h.log = append(h.log, e)
	return entrySize(e)
}

// entrySize approximates a checkpoint entry's encoded size as the
// total bytes of every chunk it carries plus its companion Extra —
// the part of the entry that scales with live state, which is what
// spec §6's checkpoint_size sample is meant to track.
func entrySize(e checkpointEntry) int {
	n := len(e.Extra)
	for _, chunks := range e.Chunks {
		for _, b := range chunks {
			n += len(b)
		}
	}
	return n
}

// fullEntry builds a self-sufficient Full checkpoint entry directly
// from regions, independent of any chain state. Used by Checkpoint for
// an ordinary full snapshot, and by FossilCollect to materialize a
// mid-chain boundary into a standalone root without touching the live
// heap (see materializeChain).
func fullEntry(refIdx int, regions []*region, extra []byte) checkpointEntry {
	e := checkpointEntry{
		RefIdx:     refIdx,
		Full:       true,
		NumRegions: len(regions),
		Longest:    map[int][]uint32{},
		Chunks:     map[int]map[int][]byte{},
		Freed:      map[int][]int{},
		Extra:      append([]byte(nil), extra...),
	}
	for ri, r := range regions {
		e.Longest[ri] = append([]uint32(nil), r.longest...)
		offsets := make([]int, 0, len(r.used))
		for off := range r.used {
			offsets = append(offsets, off)
		}
		sort.Ints(offsets)
		chunks := map[int][]byte{}
		for _, off := range offsets {
			sz := r.used[off]
			chunks[off] = append([]byte(nil), r.mem[off:off+sz]...)
		}
		e.Chunks[ri] = chunks
	}
	return e
}

// searchLE returns the index of the last log entry with RefIdx <= k,
// or -1 if none qualifies. The log is ordered by strictly increasing
// RefIdx.
func (h *Heap) searchLE(k int) int {
	i := sort.Search(len(h.log), func(i int) bool { return h.log[i].RefIdx > k })
	return i - 1
}

// materializeChain replays the checkpoint chain ending at the full log
// entry index idx into a freshly allocated region set and returns it,
// without reading or writing h.regions — the chain's correctness only
// depends on h.log, so this can reconstruct any past state as a pure
// function of the log. Restore uses it to roll back the live heap;
// FossilCollect uses it to compute a replacement checkpoint entry
// without disturbing the live heap at all.
func (h *Heap) materializeChain(idx int) []*region {
	chainStart := idx
	for chainStart > 0 && !h.log[chainStart].Full {
		chainStart--
	}

	numRegions := 1
	for i := chainStart; i <= idx; i++ {
		if h.log[i].NumRegions > numRegions {
			numRegions = h.log[i].NumRegions
		}
	}
	regions := make([]*region, numRegions)
	for i := range regions {
		regions[i] = newRegion()
	}

	for i := chainStart; i <= idx; i++ {
		e := &h.log[i]
		for ri, longest := range e.Longest {
			r := regions[ri]
			copy(r.longest, longest)
			for off := range r.used {
				delete(r.used, off)
			}
			for off, data := range e.Chunks[ri] {
				copy(r.mem[off:off+len(data)], data)
				r.used[off] = len(data)
			}
		}
	}
	// Recompute used-sets precisely: a chunk present in an earlier
	// entry of the chain but absent from Freed of later entries, and
	// not overwritten, remains live. Because each per-region pass above
	// only records chunks actually carried by that entry, replay the
	// chain once more to reinstate chunks from earlier entries that
	// later entries did not touch, then apply Freed removals in order.
	live := map[int]map[int]int{}
	for i := chainStart; i <= idx; i++ {
		e := &h.log[i]
		for ri, chunks := range e.Chunks {
			m, ok := live[ri]
			if !ok {
				m = map[int]int{}
				live[ri] = m
			}
			for off, data := range chunks {
				m[off] = len(data)
				copy(regions[ri].mem[off:off+len(data)], data)
			}
		}
		for ri, offs := range e.Freed {
			if m, ok := live[ri]; ok {
				for _, off := range offs {
					delete(m, off)
				}
			}
		}
	}
	for ri, m := range live {
		regions[ri].used = m
	}
	for _, r := range regions {
		r.dirty = map[int]bool{}
	}
	return regions
}

// Restore restores the heap to the latest checkpoint with
// refIdx <= k, dropping every later log entry, and returns the actual
// refIdx restored to (0 if there was nothing to restore, meaning the
// pristine initial state) along with the companion Extra bytes stored
// alongside that checkpoint.
func (h *Heap) Restore(k int) (actual int, extra []byte) {
	idx := h.searchLE(k)
	if idx < 0 {
		h.regions = h.regions[:1]
		h.regions[0].reset()
		h.log = h.log[:0]
		return 0, nil
	}
	h.regions = h.materializeChain(idx)
	return h.log[idx].RefIdx, append([]byte(nil), h.log[idx].Extra...)
}

// FossilCollect discards every log entry strictly before the latest
// one with refIdx <= k, shifts the refIdx of every surviving entry
// down by the discarded boundary's refIdx, and returns that shift
// amount so the caller (the LP process record) can realign its own
// PES indices by the same amount.
func (h *Heap) FossilCollect(k int) int {
	idx := h.searchLE(k)
	if idx <= 0 {
		return 0
	}
	boundaryRef := h.log[idx].RefIdx
	tail := append([]checkpointEntry(nil), h.log[idx+1:]...)

	if h.log[idx].Full {
		h.log = h.log[idx:]
	} else {
		// The retained boundary is mid-chain: its correctness depends
		// on the (now-discarded) entries before it, so materialize it
		// into a standalone full checkpoint before cutting the chain.
		// materializeChain builds that state into a fresh region set
		// rather than the live h.regions, so trimming history never
		// rolls back in-flight LP memory (I4/L2/P3): the live heap is
		// never touched by fossil collection, only h.log is rewritten.
		// The replacement entry is unconditionally Full so it no longer
		// depends on any of the entries this call discards.
		regions := h.materializeChain(idx)
		replacement := fullEntry(boundaryRef, regions, h.log[idx].Extra)
		h.log = append([]checkpointEntry{replacement}, tail...)
	}

	shift := boundaryRef
	for i := range h.log {
		h.log[i].RefIdx -= shift
	}
	return shift
}
