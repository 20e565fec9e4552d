package autockpt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ROOT-Sim/core-sub001/internal/autockpt"
)

func TestFixedControllerIgnoresRecompute(t *testing.T) {
	c := autockpt.NewFixed(4)
	for i := 0; i < 3; i++ {
		require.False(t, c.ShouldCheckpoint(0))
	}
	require.True(t, c.ShouldCheckpoint(0))
	c.Taken()
	c.Recompute()
	require.Equal(t, 4, c.Interval())
}

func TestAutonomicIntervalGrowsWithLowerRollbackProbability(t *testing.T) {
	stats := autockpt.NewThreadStats(0.5)
	stats.ObserveCheckpoint(4096, 4096) // 1ns/byte
	stats.ObserveSilentReplay(1000, 1000) // 1 event/ns

	lowRisk := autockpt.NewAutonomic(stats, 4096)
	for i := 0; i < 1000; i++ {
		lowRisk.ShouldCheckpoint(0)
	}
	lowRisk.RecordRollback() // 1 bad out of 1001
	lowRisk.Recompute()

	highRisk := autockpt.NewAutonomic(stats, 4096)
	for i := 0; i < 10; i++ {
		highRisk.ShouldCheckpoint(0)
	}
	highRisk.RecordRollback() // 1 bad out of 11
	highRisk.Recompute()

	require.Greater(t, lowRisk.Interval(), highRisk.Interval())
}

func TestRecomputeResetsCounts(t *testing.T) {
	c := autockpt.NewAutonomic(autockpt.NewThreadStats(0.5), 1024)
	c.ShouldCheckpoint(0)
	c.RecordRollback()
	c.Recompute()
	first := c.Interval()
	// With no new observations this epoch, pBad falls back to a tiny
	// floor rather than reusing the previous epoch's bad count.
	c.Recompute()
	require.NotEqual(t, first, c.Interval())
}
