package stats_test

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ROOT-Sim/core-sub001/internal/stats"
)

func TestFlushResetsAccumulators(t *testing.T) {
	dir := t.TempDir()
	sink, err := stats.NewSink(filepath.Join(dir, "run.stats"), 2)
	require.NoError(t, err)
	defer sink.Close()

	sink.RecordProcessed(0, 100)
	sink.RecordProcessed(0, 200)
	sink.RecordCheckpoint(1, 4096, 50)

	samples, err := sink.Flush(10)
	require.NoError(t, err)

	var processedCount0 float64
	var checkpointSize1 float64
	for _, s := range samples {
		if s.Thread == 0 && s.Kind == stats.ProcessedCount {
			processedCount0 = s.Value
		}
		if s.Thread == 1 && s.Kind == stats.CheckpointSize {
			checkpointSize1 = s.Value
		}
	}
	require.Equal(t, float64(2), processedCount0)
	require.Equal(t, float64(4096), checkpointSize1)

	samplesAfter, err := sink.Flush(20)
	require.NoError(t, err)
	for _, s := range samplesAfter {
		require.Zero(t, s.Value, "every accumulator must reset after Flush")
	}
}

func TestBinaryStreamIsReadableBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.stats")
	sink, err := stats.NewSink(path, 1)
	require.NoError(t, err)

	sink.RecordAnti(0)
	sink.RecordAnti(0)
	_, err = sink.Flush(5)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	const recordSize = 4 + 1 + 8 + 8
	require.Zero(t, len(data)%recordSize)

	found := false
	for off := 0; off < len(data); off += recordSize {
		kind := data[off+4]
		if kind == byte(stats.AntiMessages) {
			value := math.Float64frombits(binary.LittleEndian.Uint64(data[off+13 : off+21]))
			require.Equal(t, float64(2), value)
			found = true
		}
	}
	require.True(t, found)
}

func TestDisabledSinkStillFlushesInMemory(t *testing.T) {
	sink, err := stats.NewSink("", 1)
	require.NoError(t, err)
	sink.RecordProcessed(0, 1)
	samples, err := sink.Flush(1)
	require.NoError(t, err)
	require.NotEmpty(t, samples)
}
