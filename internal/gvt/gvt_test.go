package gvt_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/gvt"
)

func TestBarrierReducesToMinimum(t *testing.T) {
	b := gvt.NewBarrier(3)
	mins := []event.Time{7, 2, 5}
	results := make([]event.Time, 3)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			defer wg.Done()
			r, err := b.Join(context.Background(), mins[i], nil)
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, event.Time(2), r)
	}
}

func TestBarrierRunsLeaderWorkExactlyOnce(t *testing.T) {
	b := gvt.NewBarrier(4)
	var mu sync.Mutex
	calledWith := event.Time(-1)
	count := 0

	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := b.Join(context.Background(), event.Time(10-i), func(nodeMin event.Time) (event.Time, error) {
				mu.Lock()
				count++
				calledWith = nodeMin
				mu.Unlock()
				return nodeMin * 2, nil
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, count)
	require.Equal(t, event.Time(7), calledWith)
}

func TestBarrierJoinUnblocksOnContextCancelWithoutCompletingRound(t *testing.T) {
	b := gvt.NewBarrier(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, err := b.Join(ctx, 5, nil)
		require.ErrorIs(t, err, context.Canceled)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled Join never returned")
	}

	// A fresh pair of participants can still complete a round: the
	// cancelled waiter's early exit did not corrupt shared state.
	var wg sync.WaitGroup
	results := make([]event.Time, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			r, err := b.Join(context.Background(), event.Time(i+1), nil)
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()
	require.Equal(t, event.Time(1), results[0])
	require.Equal(t, event.Time(1), results[1])
}

func TestReducerSingleNodeRound(t *testing.T) {
	r := gvt.NewReducer(1, nil)
	var leaderGVT event.Time
	got, err := r.Round(context.Background(), 42, func(g event.Time) { leaderGVT = g })
	require.NoError(t, err)
	require.Equal(t, event.Time(42), got)
	require.Equal(t, event.Time(42), r.Current())
	require.Equal(t, uint64(1), r.Epoch())
	require.Equal(t, event.Time(42), leaderGVT, "onLeader must run exactly once with the new GVT")
}

type flakyNode struct{ fail bool }

func (f *flakyNode) Reduce(_ context.Context, _ uint64, nodeMin event.Time) (event.Time, error) {
	if f.fail {
		return 0, errors.New("network partition")
	}
	return nodeMin, nil
}

func TestReducerNeverRegressesOnFailure(t *testing.T) {
	node := &flakyNode{}
	r := gvt.NewReducer(1, node)

	got, err := r.Round(context.Background(), 10, nil)
	require.NoError(t, err)
	require.Equal(t, event.Time(10), got)

	node.fail = true
	_, err = r.Round(context.Background(), 3, nil)
	require.Error(t, err)
	require.Equal(t, event.Time(10), r.Current(), "a failed round must not regress GVT")
}
