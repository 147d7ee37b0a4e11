package gpuheap

import (
	"fmt"

	"github.com/hupe1980/gpuheap/device"
)

const (
	// HeapGranularity is the minimum size and rounding unit of every heap,
	// independent of the strategy's page size.
	HeapGranularity = 64 * 1024

	// CompactPageSize is the page size of the Compact strategy.
	CompactPageSize = 256
	// BulkPageSize is the page size of the bulk strategies and of geometry arenas.
	BulkPageSize = 64 * 1024

	// MaxRequestBytes is the largest request HeapBytes can round up without
	// overflowing.
	MaxRequestBytes = ^uint64(0) - HeapGranularity + 1
)

// Strategy is a named combination of page size and memory residency.
type Strategy int

const (
	// Compact packs small constant buffers into 256 B pages of CPU-writable memory.
	Compact Strategy = iota
	// BulkDynamic places large per-frame data in 64 KiB pages of CPU-writable memory.
	BulkDynamic
	// BulkStatic places large, rarely written data in 64 KiB pages of GPU-local memory.
	BulkStatic
)

func (s Strategy) String() string {
	switch s {
	case Compact:
		return "compact"
	case BulkDynamic:
		return "bulk-dynamic"
	case BulkStatic:
		return "bulk-static"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses the String form of a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "compact":
		return Compact, nil
	case "bulk-dynamic":
		return BulkDynamic, nil
	case "bulk-static":
		return BulkStatic, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s >= Compact && s <= BulkStatic
}

// PageSize returns the page size, which is also the alignment of every
// sub-allocation.
func (s Strategy) PageSize() uint64 {
	if s == Compact {
		return CompactPageSize
	}
	return BulkPageSize
}

// Residency returns the memory pool the heap is created in.
func (s Strategy) Residency() device.Residency {
	if s == BulkStatic {
		return device.ResidencyDeviceLocal
	}
	return device.ResidencyUpload
}

// HeapBytes returns the arena size for a heap asked to hold requested bytes
// with the given page size: requested rounded up to the page size, then to
// HeapGranularity, and never below HeapGranularity. Requests above
// MaxRequestBytes fail with ErrInvalidSize.
func HeapBytes(requested, pageSize uint64) (uint64, error) {
	if requested > MaxRequestBytes {
		return 0, fmt.Errorf("%w: %d bytes exceeds the %d byte heap limit", ErrInvalidSize, requested, MaxRequestBytes)
	}
	aligned := roundUp(requested, pageSize)
	return max(HeapGranularity, roundUp(aligned, HeapGranularity)), nil
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

func ceilDiv(v, d uint64) uint64 {
	return (v + d - 1) / d
}
