// Package remote implements cross-node concerns: the open-addressing
// remote-message map that matches remote anti-messages against their
// originals independently of arrival order (spec §4.9), and the
// WebSocket transport that carries serialized events, anti-messages
// and GVT frames between nodes.
package remote

import (
	"sync"

	"github.com/ROOT-Sim/core-sub001/internal/event"
)

// Decision tells a remote receive loop what to do with an incoming
// message after consulting the Map.
type Decision int

const (
	// Deliver means the message (original or anti) should be handed to
	// its destination LP exactly as it arrived.
	Deliver Decision = iota
	// Drop means the message's partner was already waiting in the map
	// and neither one was ever delivered to the LP: the pair
	// annihilated before the original was ever processed.
	Drop
	// Buffered means the message was recorded and nothing should be
	// delivered yet; it is an anti-message waiting for its original.
	Buffered
)

type slot struct {
	used  bool
	label event.Label
	msg   *event.Message
	dist  uint32
}

// Map is a robin-hood open-addressing hash table keyed by
// (source-LP, seq), used to match a remote message against its
// anti-message regardless of which one arrives first.
type Map struct {
	mu      sync.Mutex
	buckets []slot
	count   int
}

// NewMap creates an empty map sized for at least initialCap entries
// before its first resize.
func NewMap(initialCap int) *Map {
	cap := 8
	for cap < initialCap {
		cap <<= 1
	}
	return &Map{buckets: make([]slot, cap)}
}

func hashLabel(l event.Label) uint64 {
	h := uint64(l.Src)*0x100000001b3 ^ uint64(l.Seq)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func (m *Map) mask() uint64 { return uint64(len(m.buckets) - 1) }

// Record consults and updates the map for an arriving remote message
// and reports what the caller should do with it.
func (m *Map) Record(msg *event.Message) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	lbl := msg.Label()
	i, found := m.lookupLocked(lbl)
	if !found {
		m.insertLocked(lbl, msg)
		if msg.IsAnti() {
			return Buffered
		}
		return Deliver
	}

	existing := m.buckets[i].msg
	m.removeAt(i)
	if existing.IsAnti() {
		// The anti arrived first; the original it cancels is never
		// delivered at all.
		return Drop
	}
	// The original arrived first and was already delivered and logged
	// at the destination LP; the anti must still reach it so its
	// handle_anti path can perform the actual rollback.
	return Deliver
}

// Len reports the number of entries currently buffered.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// FossilCollect discards every buffered entry whose message is older
// than gvt: nothing can roll back far enough to still need it. It
// returns the number of entries discarded.
func (m *Map) FossilCollect(gvt event.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	survivors := make([]slot, 0, m.count)
	removed := 0
	for _, e := range m.buckets {
		if !e.used {
			continue
		}
		if e.msg.DestTime < gvt {
			removed++
			continue
		}
		survivors = append(survivors, e)
	}
	m.buckets = make([]slot, len(m.buckets))
	m.count = 0
	for _, e := range survivors {
		m.insertLocked(e.label, e.msg)
	}
	return removed
}

func (m *Map) lookupLocked(label event.Label) (int, bool) {
	i := int(hashLabel(label) & m.mask())
	dist := uint32(0)
	for {
		e := m.buckets[i]
		if !e.used || dist > e.dist {
			return -1, false
		}
		if e.label == label {
			return i, true
		}
		dist++
		i = int((uint64(i) + 1) & m.mask())
	}
}

func (m *Map) insertLocked(label event.Label, msg *event.Message) {
	if m.count*2 >= len(m.buckets) {
		m.grow()
	}
	cur := slot{used: true, label: label, msg: msg}
	i := int(hashLabel(label) & m.mask())
	for {
		if !m.buckets[i].used {
			m.buckets[i] = cur
			m.count++
			return
		}
		if m.buckets[i].dist < cur.dist {
			m.buckets[i], cur = cur, m.buckets[i]
		}
		cur.dist++
		i = int((uint64(i) + 1) & m.mask())
	}
}

func (m *Map) grow() {
	old := m.buckets
	m.buckets = make([]slot, len(old)*2)
	m.count = 0
	for _, e := range old {
		if e.used {
			m.insertLocked(e.label, e.msg)
		}
	}
}

// removeAt deletes the entry at index i and backward-shifts the
// following run to preserve robin-hood probe-distance invariants.
func (m *Map) removeAt(i int) {
	m.buckets[i] = slot{}
	m.count--
	j := int((uint64(i) + 1) & m.mask())
	for m.buckets[j].used && m.buckets[j].dist > 0 {
		shifted := m.buckets[j]
		shifted.dist--
		m.buckets[i] = shifted
		m.buckets[j] = slot{}
		i, j = j, int((uint64(j)+1)&m.mask())
	}
}
