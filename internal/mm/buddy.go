// Package mm implements the per-LP rollbackable memory allocator: a
// multi-region buddy-system heap with full and incremental
// checkpointing, as described in spec §4.3. All state here is
// LP-private and requires no locking (§5).
package mm

import "errors"

const (
	// BlockExp is log2 of the smallest allocatable block size.
	BlockExp = 6 // 64 bytes
	// TotalExp is log2 of the size of a single buddy region.
	TotalExp = 17 // 128 KiB

	blockSize = 1 << BlockExp
	totalSize = 1 << TotalExp
)

// ErrOutOfMemory is returned when a request cannot be satisfied by any
// existing or newly-appended region, mirroring the platform's
// "no memory" convention surfaced to the model (§7).
var ErrOutOfMemory = errors.New("mm: request exceeds maximum region size")

// Ref identifies a live allocation: which region it lives in, its byte
// offset within the region, and the power-of-two block size it was
// rounded up to. It stands in for a raw pointer.
type Ref struct {
	region int
	offset int
	size   int
}

// Valid reports whether r refers to an allocation (the zero Ref is the
// null pointer).
func (r Ref) Valid() bool { return r.size != 0 }

// Size returns the rounded-up block size backing r, for callers that
// need to account for an allocation's footprint (e.g. the autonomic
// checkpoint controller's state-size term).
func (r Ref) Size() int { return r.size }

type region struct {
	longest []uint32      // complete-binary-tree "largest free subtree" array
	mem     []byte        // the region's backing storage
	used    map[int]int   // offset -> size, for currently-live allocations
	dirty   map[int]bool  // offset -> dirty-since-last-checkpoint, incremental mode
}

func newRegion() *region {
	numLeaves := totalSize / blockSize
	longest := make([]uint32, 2*numLeaves-1)
	idx := 0
	levelSize := totalSize
	for levelSize >= blockSize {
		count := totalSize / levelSize
		for i := 0; i < count; i++ {
			longest[idx] = uint32(levelSize)
			idx++
		}
		levelSize /= 2
	}
	return &region{
		longest: longest,
		mem:     make([]byte, totalSize),
		used:    make(map[int]int),
		dirty:   make(map[int]bool),
	}
}

func roundUpPow2(n int) int {
	p := blockSize
	for p < n {
		p <<= 1
	}
	return p
}

// alloc reserves a block of the given rounded-up size and returns its
// byte offset, or -1 if this region cannot satisfy the request.
func (r *region) alloc(size int) int {
	if size > totalSize || r.longest[0] < uint32(size) {
		return -1
	}
	index := 0
	nodeSize := totalSize
	for nodeSize != size {
		left := 2*index + 1
		if r.longest[left] >= uint32(size) {
			index = left
		} else {
			index = left + 1
		}
		nodeSize /= 2
	}
	r.longest[index] = 0
	offset := (index+1)*nodeSize - totalSize
	for index > 0 {
		index = (index - 1) / 2
		left, right := r.longest[2*index+1], r.longest[2*index+2]
		if left > right {
			r.longest[index] = left
		} else {
			r.longest[index] = right
		}
	}
	r.used[offset] = size
	delete(r.dirty, offset)
	r.dirty[offset] = true
	return offset
}

func (r *region) free(offset, size int) {
	nodeSize := roundUpPow2(size)
	index := (offset+totalSize)/nodeSize - 1
	r.longest[index] = uint32(nodeSize)
	for index != 0 {
		index = (index - 1) / 2
		nodeSize *= 2
		left, right := r.longest[2*index+1], r.longest[2*index+2]
		if left == uint32(nodeSize/2) && right == uint32(nodeSize/2) {
			r.longest[index] = uint32(nodeSize)
		} else if left > right {
			r.longest[index] = left
		} else {
			r.longest[index] = right
		}
	}
	delete(r.used, offset)
	r.dirty[offset] = true
}

// reset restores the region to its pristine, fully-free state.
func (r *region) reset() {
	*r = *newRegion()
}

// Heap is one LP's buddy-system memory pool: a growable list of
// regions plus the append-only checkpoint log layered on top of it.
type Heap struct {
	regions []*region
	log     []checkpointEntry
	mode    Mode
}

// Mode selects whether Heap.Checkpoint takes full or incremental
// snapshots.
type Mode int

const (
	// ModeFull always takes a complete snapshot.
	ModeFull Mode = iota
	// ModeIncremental stores only dirty blocks, chaining back to the
	// nearest preceding full checkpoint; see checkpoint.go.
	ModeIncremental
)

// NewHeap creates an empty heap with a single initial region.
func NewHeap(mode Mode) *Heap {
	return &Heap{regions: []*region{newRegion()}, mode: mode}
}

// Alloc reserves size bytes and returns a Ref to them, or the zero Ref
// and ErrOutOfMemory if size exceeds what a single region can hold.
// Alloc(0) returns the zero Ref and a nil error (B1).
func (h *Heap) Alloc(size int) (Ref, []byte, error) {
	if size == 0 {
		return Ref{}, nil, nil
	}
	rounded := roundUpPow2(size)
	if rounded > totalSize {
		return Ref{}, nil, ErrOutOfMemory
	}
	for i, r := range h.regions {
		if off := r.alloc(rounded); off >= 0 {
			ref := Ref{region: i, offset: off, size: rounded}
			return ref, r.mem[off : off+size], nil
		}
	}
	r := newRegion()
	h.regions = append(h.regions, r)
	off := r.alloc(rounded)
	ref := Ref{region: len(h.regions) - 1, offset: off, size: rounded}
	return ref, r.mem[off : off+size], nil
}

// Free releases ref. Free of the zero Ref is a no-op (B1).
func (h *Heap) Free(ref Ref) {
	if !ref.Valid() {
		return
	}
	h.regions[ref.region].free(ref.offset, ref.size)
}

// Realloc resizes the allocation at ref to newSize, preserving the
// overlapping prefix of its contents. Realloc of the zero Ref behaves
// as Alloc; Realloc to size 0 behaves as Free (B1).
func (h *Heap) Realloc(ref Ref, newSize int) (Ref, []byte, error) {
	if newSize == 0 {
		h.Free(ref)
		return Ref{}, nil, nil
	}
	if !ref.Valid() {
		return h.Alloc(newSize)
	}
	rounded := roundUpPow2(newSize)
	if rounded == ref.size {
		return ref, h.regions[ref.region].mem[ref.offset : ref.offset+newSize], nil
	}
	newRef, newMem, err := h.Alloc(newSize)
	if err != nil {
		return Ref{}, nil, err
	}
	old := h.regions[ref.region].mem[ref.offset : ref.offset+ref.size]
	n := copy(newMem, old)
	_ = n
	h.Free(ref)
	return newRef, newMem, nil
}

// Bytes returns the live slice backing ref, for the caller to read or
// write through.
func (h *Heap) Bytes(ref Ref, size int) []byte {
	if !ref.Valid() {
		return nil
	}
	return h.regions[ref.region].mem[ref.offset : ref.offset+size]
}

// DirtyMark records that the bytes at ref have been written since the
// last checkpoint. It is a no-op outside ModeIncremental; the model
// compiler is expected to inject calls to this around model writes.
func (h *Heap) DirtyMark(ref Ref, size int) {
	if h.mode != ModeIncremental || !ref.Valid() {
		return
	}
	h.regions[ref.region].dirty[ref.offset] = true
}
