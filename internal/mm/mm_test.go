package mm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeBoundary(t *testing.T) {
	h := NewHeap(ModeFull)

	ref, b, err := h.Alloc(0)
	require.NoError(t, err)
	require.False(t, ref.Valid())
	require.Nil(t, b)

	h.Free(Ref{}) // free(null) is a no-op

	ref2, b2, err := h.Realloc(Ref{}, 32)
	require.NoError(t, err)
	require.True(t, ref2.Valid())
	require.Len(t, b2, 32)

	ref3, b3, err := h.Realloc(ref2, 0)
	require.NoError(t, err)
	require.False(t, ref3.Valid())
	require.Nil(t, b3)
}

func TestAllocWriteReadRoundTrip(t *testing.T) {
	h := NewHeap(ModeFull)
	ref, b, err := h.Alloc(100)
	require.NoError(t, err)
	for i := range b {
		b[i] = byte(i)
	}
	got := h.Bytes(ref, 100)
	for i := range got {
		require.Equal(t, byte(i), got[i])
	}
}

func TestOutOfMemory(t *testing.T) {
	h := NewHeap(ModeFull)
	_, _, err := h.Alloc(1 << (TotalExp + 1))
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestCheckpointFidelity(t *testing.T) {
	h := NewHeap(ModeFull)
	ref, b, err := h.Alloc(128)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xAB
	}
	h.Checkpoint(1, []byte("extra-1"))

	// Mutate after the checkpoint.
	for i := range b {
		b[i] = 0xCD
	}
	ref2, _, err := h.Alloc(64)
	require.NoError(t, err)
	require.True(t, ref2.Valid())

	actual, extra := h.Restore(1)
	require.Equal(t, 1, actual)
	require.Equal(t, "extra-1", string(extra))

	got := h.Bytes(ref, 128)
	for i := range got {
		require.Equal(t, byte(0xAB), got[i])
	}
}

func TestCheckpointRestoreIsNoOp(t *testing.T) {
	// L1: taking a checkpoint and restoring it immediately changes nothing.
	h := NewHeap(ModeFull)
	ref, b, _ := h.Alloc(200)
	for i := range b {
		b[i] = byte(i * 3)
	}
	h.Checkpoint(5, nil)
	before := append([]byte(nil), h.Bytes(ref, 200)...)

	actual, _ := h.Restore(5)
	require.Equal(t, 5, actual)
	after := h.Bytes(ref, 200)
	require.Equal(t, before, after)
}

func TestIncrementalCheckpointChain(t *testing.T) {
	h := NewHeap(ModeIncremental)
	ref1, b1, _ := h.Alloc(64)
	for i := range b1 {
		b1[i] = 1
	}
	h.Checkpoint(1, nil) // full (first ever)

	ref2, b2, _ := h.Alloc(64)
	for i := range b2 {
		b2[i] = 2
	}
	h.Checkpoint(2, nil) // incremental: only ref2's region dirty bytes

	for i := range b1 {
		b1[i] = 99
	}
	h.Checkpoint(3, nil) // incremental

	actual, _ := h.Restore(2)
	require.Equal(t, 2, actual)
	got1 := h.Bytes(ref1, 64)
	for i := range got1 {
		require.Equal(t, byte(1), got1[i], "ref1 must reflect state as of ckpt 2, not ckpt 3")
	}
	got2 := h.Bytes(ref2, 64)
	for i := range got2 {
		require.Equal(t, byte(2), got2[i])
	}
}

func TestFossilCollectIdempotent(t *testing.T) {
	// L2: a fossil_collect followed by the same fossil_collect is a no-op.
	h := NewHeap(ModeFull)
	h.Alloc(32)
	h.Checkpoint(1, nil)
	h.Alloc(32)
	h.Checkpoint(2, nil)
	h.Alloc(32)
	h.Checkpoint(3, nil)

	shift1 := h.FossilCollect(2)
	require.Equal(t, 2, shift1)

	// A real caller realigns its own notion of k by the returned shift
	// before issuing the next collection; doing so at the same logical
	// boundary is then a no-op.
	shift2 := h.FossilCollect(2 - shift1)
	require.Equal(t, 0, shift2)
}

func TestFossilCollectAtIncrementalBoundaryPreservesLiveHeap(t *testing.T) {
	h := NewHeap(ModeIncremental)
	ref1, b1, _ := h.Alloc(64)
	for i := range b1 {
		b1[i] = 1
	}
	h.Checkpoint(1, nil) // full (first ever)

	ref2, b2, _ := h.Alloc(64)
	for i := range b2 {
		b2[i] = 2
	}
	h.Checkpoint(2, nil) // incremental, mid-chain

	// A live allocation made after the boundary being collected: fossil
	// collection must not roll this back, only trim history before it.
	ref3, b3, _ := h.Alloc(64)
	for i := range b3 {
		b3[i] = 3
	}

	shift := h.FossilCollect(2)
	require.Equal(t, 2, shift)

	require.Equal(t, byte(1), h.Bytes(ref1, 64)[0], "live state as of the retained boundary must survive")
	require.Equal(t, byte(2), h.Bytes(ref2, 64)[0])
	require.Equal(t, byte(3), h.Bytes(ref3, 64)[0], "allocations made after the collected boundary must not be discarded by a history trim")

	// The replacement root must be self-sufficient: restoring to the
	// new refIdx 0 (what used to be 2) must not depend on anything
	// FossilCollect discarded.
	actual, _ := h.Restore(0)
	require.Equal(t, 0, actual)
	require.Equal(t, byte(1), h.Bytes(ref1, 64)[0])
	require.Equal(t, byte(2), h.Bytes(ref2, 64)[0])
}

func TestFossilCollectThenRestore(t *testing.T) {
	h := NewHeap(ModeFull)
	ref, b, _ := h.Alloc(16)
	for i := range b {
		b[i] = 7
	}
	h.Checkpoint(1, nil)
	h.Alloc(16)
	h.Checkpoint(2, nil)
	h.Alloc(16)
	h.Checkpoint(3, nil)

	shift := h.FossilCollect(2)
	require.Equal(t, 2, shift)

	// The shifted refIdx for what used to be 2 is now 0.
	actual, _ := h.Restore(0)
	require.Equal(t, 0, actual)
	got := h.Bytes(ref, 16)
	for i := range got {
		require.Equal(t, byte(7), got[i])
	}
}
