package gpuheap

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting allocator metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAllocate is called after each allocation attempt.
	// bytes is the number of bytes reserved (page aligned, all versions).
	RecordAllocate(bytes uint64, duration time.Duration, err error)

	// RecordFree is called after each free.
	RecordFree(bytes uint64, err error)

	// RecordDefragment is called after each defragmentation pass.
	RecordDefragment(movedBytes uint64, duration time.Duration, err error)

	// RecordShrink is called after each shrink-to-fit pass.
	// releasedBytes is the reduction in arena size.
	RecordShrink(releasedBytes uint64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAllocate(uint64, time.Duration, error)   {}
func (NoopMetricsCollector) RecordFree(uint64, error)                      {}
func (NoopMetricsCollector) RecordDefragment(uint64, time.Duration, error) {}
func (NoopMetricsCollector) RecordShrink(uint64, time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	AllocateCount      atomic.Int64
	AllocateErrors     atomic.Int64
	AllocateBytes      atomic.Int64
	AllocateTotalNanos atomic.Int64
	FreeCount          atomic.Int64
	FreeErrors         atomic.Int64
	FreeBytes          atomic.Int64
	DefragmentCount    atomic.Int64
	DefragmentErrors   atomic.Int64
	DefragmentBytes    atomic.Int64
	ShrinkCount        atomic.Int64
	ShrinkErrors       atomic.Int64
	ShrinkBytes        atomic.Int64
}

// RecordAllocate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAllocate(bytes uint64, duration time.Duration, err error) {
	b.AllocateCount.Add(1)
	b.AllocateTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AllocateErrors.Add(1)
		return
	}
	b.AllocateBytes.Add(int64(bytes)) //nolint:gosec // arena sizes fit int64
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(bytes uint64, err error) {
	b.FreeCount.Add(1)
	if err != nil {
		b.FreeErrors.Add(1)
		return
	}
	b.FreeBytes.Add(int64(bytes)) //nolint:gosec // arena sizes fit int64
}

// RecordDefragment implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDefragment(movedBytes uint64, _ time.Duration, err error) {
	b.DefragmentCount.Add(1)
	if err != nil {
		b.DefragmentErrors.Add(1)
		return
	}
	b.DefragmentBytes.Add(int64(movedBytes)) //nolint:gosec // arena sizes fit int64
}

// RecordShrink implements MetricsCollector.
func (b *BasicMetricsCollector) RecordShrink(releasedBytes uint64, _ time.Duration, err error) {
	b.ShrinkCount.Add(1)
	if err != nil {
		b.ShrinkErrors.Add(1)
		return
	}
	b.ShrinkBytes.Add(int64(releasedBytes)) //nolint:gosec // arena sizes fit int64
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AllocateCount:     b.AllocateCount.Load(),
		AllocateErrors:    b.AllocateErrors.Load(),
		AllocateBytes:     b.AllocateBytes.Load(),
		AllocateAvgNanos:  b.getAvgAllocateNanos(),
		FreeCount:         b.FreeCount.Load(),
		FreeErrors:        b.FreeErrors.Load(),
		FreeBytes:         b.FreeBytes.Load(),
		DefragmentCount:   b.DefragmentCount.Load(),
		DefragmentErrors:  b.DefragmentErrors.Load(),
		DefragmentedBytes: b.DefragmentBytes.Load(),
		ShrinkCount:       b.ShrinkCount.Load(),
		ShrinkErrors:      b.ShrinkErrors.Load(),
		ShrunkBytes:       b.ShrinkBytes.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgAllocateNanos() int64 {
	count := b.AllocateCount.Load()
	if count == 0 {
		return 0
	}
	return b.AllocateTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AllocateCount     int64
	AllocateErrors    int64
	AllocateBytes     int64
	AllocateAvgNanos  int64
	FreeCount         int64
	FreeErrors        int64
	FreeBytes         int64
	DefragmentCount   int64
	DefragmentErrors  int64
	DefragmentedBytes int64
	ShrinkCount       int64
	ShrinkErrors      int64
	ShrunkBytes       int64
}
