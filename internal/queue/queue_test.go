package queue_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/queue"
)

func msg(src event.LPID, seq event.Seq, t event.Time) *event.Message {
	return &event.Message{Dest: 1, DestTime: t, Src: src, Seq: seq}
}

func TestEmptyQueuePeekIsInfinite(t *testing.T) {
	for _, p := range []queue.Policy{queue.PolicyLockFreeInbox, queue.PolicyLockedHeap} {
		q := queue.New(p)
		require.Nil(t, q.Extract())
		require.True(t, q.PeekTime() > 1e300)
	}
}

func TestExtractOrdersByDestTime(t *testing.T) {
	for _, p := range []queue.Policy{queue.PolicyLockFreeInbox, queue.PolicyLockedHeap} {
		q := queue.New(p)
		q.Insert(msg(1, 0, 5))
		q.Insert(msg(1, 1, 1))
		q.Insert(msg(1, 2, 3))

		require.Equal(t, event.Time(1), q.PeekTime())
		require.Equal(t, event.Time(1), q.Extract().DestTime)
		require.Equal(t, event.Time(3), q.Extract().DestTime)
		require.Equal(t, event.Time(5), q.Extract().DestTime)
		require.Nil(t, q.Extract())
	}
}

func TestTieBreakMatchesEventLess(t *testing.T) {
	for _, p := range []queue.Policy{queue.PolicyLockFreeInbox, queue.PolicyLockedHeap} {
		q := queue.New(p)
		a := msg(2, 5, 10)
		b := msg(1, 9, 10)
		q.Insert(a)
		q.Insert(b)

		first := q.Extract()
		require.Same(t, b, first, "lower source LP breaks the destination-time tie")
	}
}

func TestConcurrentCrossThreadInsert(t *testing.T) {
	for _, p := range []queue.Policy{queue.PolicyLockFreeInbox, queue.PolicyLockedHeap} {
		q := queue.New(p)
		const producers = 8
		const perProducer = 100

		var wg sync.WaitGroup
		wg.Add(producers)
		for pi := 0; pi < producers; pi++ {
			go func(pi int) {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					q.Insert(msg(event.LPID(pi), event.Seq(i), event.Time(i)))
				}
			}(pi)
		}
		wg.Wait()

		count := 0
		last := event.Time(-1)
		for {
			m := q.Extract()
			if m == nil {
				break
			}
			require.GreaterOrEqual(t, m.DestTime, last)
			last = m.DestTime
			count++
		}
		require.Equal(t, producers*perProducer, count)
	}
}
