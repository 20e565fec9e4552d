// Package stats implements the statistics sink of spec §6: a binary
// stream of per-thread samples tagged by (kind, value, gvt-time),
// written at each GVT, plus an ambient Prometheus mirror of the same
// samples exposed over HTTP (SPEC_FULL.md §6b). The binary stream is
// authoritative; Prometheus is observability on top of it.
package stats

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ROOT-Sim/core-sub001/internal/event"
)

// Kind enumerates the sample kinds named in spec §6. The numeric
// values are part of the stable on-disk format once frozen.
type Kind uint8

const (
	ProcessedCount Kind = iota
	ProcessedTime
	Rollbacks
	RecoveryTime
	RollbackedMessages
	Checkpoints
	CheckpointTime
	CheckpointSize
	SilentMessages
	SilentTime
	AntiMessages
	RealTimeSinceGVT
	numKinds
)

func (k Kind) String() string {
	names := [numKinds]string{
		"processed_count", "processed_time", "rollbacks", "recovery_time",
		"rollbacked_messages", "checkpoints", "checkpoint_time",
		"checkpoint_size", "silent_messages", "silent_time",
		"anti_messages", "real_time_since_gvt",
	}
	if int(k) >= len(names) {
		return "unknown"
	}
	return names[k]
}

// Sample is one row of the on-disk stream: a thread's value for one
// kind, stamped with the GVT round it was flushed at.
type Sample struct {
	Thread uint32
	Kind   Kind
	GVT    event.Time
	Value  float64
}

const sampleSize = 4 + 1 + 8 + 8 // Thread + Kind + GVT + Value, all fixed-width

// WriteTo encodes s in the stable binary layout: little-endian
// Thread(uint32), Kind(uint8), GVT(float64), Value(float64).
func (s Sample) WriteTo(w io.Writer) (int64, error) {
	var buf [sampleSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], s.Thread)
	buf[4] = byte(s.Kind)
	binary.LittleEndian.PutUint64(buf[5:13], math.Float64bits(float64(s.GVT)))
	binary.LittleEndian.PutUint64(buf[13:21], math.Float64bits(s.Value))
	n, err := w.Write(buf[:])
	return int64(n), err
}

// threadSlot accumulates one worker thread's running totals between
// GVT rounds; Flush drains it into Samples and resets every field.
type threadSlot struct {
	processedCount      uint64
	processedTimeNanos  int64
	rollbacks           uint64
	recoveryTimeNanos   int64
	rollbackedMessages  uint64
	checkpoints         uint64
	checkpointTimeNanos int64
	checkpointBytes     int64
	silentMessages      uint64
	silentTimeNanos     int64
	antiMessages        uint64
	realTimeNanos       int64
}

// Sink aggregates per-thread slots and drains them to a binary file
// and, optionally, a set of Prometheus gauges, once per GVT round.
type Sink struct {
	mu     sync.Mutex
	slots  []threadSlot
	w      *bufio.Writer
	closer io.Closer

	metrics *prometheusMetrics
}

// NewSink creates a sink for the given number of threads. path may be
// empty, per spec's `stats_file: NULL disables` — in that case no
// binary stream is written, but Flush still returns samples and still
// updates Prometheus gauges if registered.
func NewSink(path string, threads int) (*Sink, error) {
	s := &Sink{slots: make([]threadSlot, threads)}
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("stats: open %q: %w", path, err)
		}
		s.closer = f
		s.w = bufio.NewWriter(f)
	}
	return s, nil
}

// EnablePrometheus registers gauges mirroring every sample kind, keyed
// by thread and kind, under the given registerer (promauto.With if a
// non-default registry is needed).
func (s *Sink) EnablePrometheus(reg prometheus.Registerer) {
	s.metrics = newPrometheusMetrics(reg)
}

func (s *Sink) slot(thread int) *threadSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &s.slots[thread]
}

// RecordProcessed accounts for one event dispatched to completion.
func (s *Sink) RecordProcessed(thread int, dur int64) {
	sl := s.slot(thread)
	sl.processedCount++
	sl.processedTimeNanos += dur
}

// RecordRollback accounts for one rollback affecting undoneMessages
// PES entries, taking recoveryDur nanoseconds end to end.
func (s *Sink) RecordRollback(thread int, undoneMessages int, recoveryDur int64) {
	sl := s.slot(thread)
	sl.rollbacks++
	sl.rollbackedMessages += uint64(undoneMessages)
	sl.recoveryTimeNanos += recoveryDur
}

// RecordCheckpoint accounts for one checkpoint of the given size.
func (s *Sink) RecordCheckpoint(thread int, bytes int, dur int64) {
	sl := s.slot(thread)
	sl.checkpoints++
	sl.checkpointBytes += int64(bytes)
	sl.checkpointTimeNanos += dur
}

// RecordSilent accounts for one silently replayed event during
// rollback coast-forward.
func (s *Sink) RecordSilent(thread int, dur int64) {
	sl := s.slot(thread)
	sl.silentMessages++
	sl.silentTimeNanos += dur
}

// RecordAnti accounts for one anti-message emitted.
func (s *Sink) RecordAnti(thread int) {
	s.slot(thread).antiMessages++
}

// RecordRealTime accounts for wall-clock time elapsed since the
// previous GVT round on this thread.
func (s *Sink) RecordRealTime(thread int, dur int64) {
	s.slot(thread).realTimeNanos += dur
}

// Flush drains every thread's accumulated totals into Samples stamped
// with gvt, writes them to the binary stream (if enabled), updates any
// registered Prometheus gauges, and resets every thread's slot.
func (s *Sink) Flush(gvt event.Time) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make([]Sample, 0, len(s.slots)*int(numKinds))
	for i := range s.slots {
		sl := &s.slots[i]
		emit := func(k Kind, v float64) {
			samples = append(samples, Sample{Thread: uint32(i), Kind: k, GVT: gvt, Value: v})
		}
		emit(ProcessedCount, float64(sl.processedCount))
		emit(ProcessedTime, float64(sl.processedTimeNanos))
		emit(Rollbacks, float64(sl.rollbacks))
		emit(RecoveryTime, float64(sl.recoveryTimeNanos))
		emit(RollbackedMessages, float64(sl.rollbackedMessages))
		emit(Checkpoints, float64(sl.checkpoints))
		emit(CheckpointTime, float64(sl.checkpointTimeNanos))
		emit(CheckpointSize, float64(sl.checkpointBytes))
		emit(SilentMessages, float64(sl.silentMessages))
		emit(SilentTime, float64(sl.silentTimeNanos))
		emit(AntiMessages, float64(sl.antiMessages))
		emit(RealTimeSinceGVT, float64(sl.realTimeNanos))
		s.slots[i] = threadSlot{}
	}

	if s.w != nil {
		for _, sample := range samples {
			if _, err := sample.WriteTo(s.w); err != nil {
				return samples, fmt.Errorf("stats: write sample: %w", err)
			}
		}
		if err := s.w.Flush(); err != nil {
			return samples, fmt.Errorf("stats: flush: %w", err)
		}
	}

	if s.metrics != nil {
		s.metrics.observe(samples)
	}
	return samples, nil
}

// Close flushes and closes the underlying file, if one was opened.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			return err
		}
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

type prometheusMetrics struct {
	gauge *prometheus.GaugeVec
}

func newPrometheusMetrics(reg prometheus.Registerer) *prometheusMetrics {
	gauge := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "timewarp",
		Name:      "stat_value",
		Help:      "Latest per-thread Time Warp statistic sample, mirroring the binary stats stream.",
	}, []string{"thread", "kind"})
	return &prometheusMetrics{gauge: gauge}
}

func (m *prometheusMetrics) observe(samples []Sample) {
	for _, s := range samples {
		m.gauge.WithLabelValues(fmt.Sprintf("%d", s.Thread), s.Kind.String()).Set(s.Value)
	}
}
