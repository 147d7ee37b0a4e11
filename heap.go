package gpuheap

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/hupe1980/gpuheap/device"
	"github.com/hupe1980/gpuheap/internal/pagebitmap"
)

// HeapStats is a snapshot of a HeapAllocator.
type HeapStats struct {
	HeapBytes      uint64
	PageSize       uint64
	PageCount      uint64
	FreePages      uint64
	LargestFreeRun uint64
	LiveHandles    int
	Allocations    uint64
	Frees          uint64
	Failures       uint64
}

// HeapAllocator carves replicated buffer regions out of one arena.
//
// A HeapAllocator is owned by a single goroutine, typically the one that
// records GPU work for the current frame. It performs no locking and never
// blocks: Allocate either succeeds or fails with ErrOutOfSpace.
type HeapAllocator struct {
	dev       device.Device
	arena     device.Arena
	bitmap    *pagebitmap.Bitmap
	strategy  Strategy
	pageSize  uint64
	heapBytes uint64
	cpuBase   uintptr
	mapped    bool
	closed    bool

	opts   options
	logger *Logger

	live        int
	allocations uint64
	frees       uint64
	failures    uint64
}

// NewHeapAllocator creates the arena for a heap that can hold requestedBytes.
// The arena size follows HeapBytes.
func NewHeapAllocator(ctx context.Context, dev device.Device, strategy Strategy, requestedBytes uint64, optFns ...Option) (*HeapAllocator, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStrategy, int(strategy))
	}

	o := applyOptions(strategy.String(), optFns)
	pageSize := strategy.PageSize()
	heapBytes, err := HeapBytes(requestedBytes, pageSize)
	if err != nil {
		return nil, err
	}

	arena, err := dev.CreateArena(ctx, heapBytes, strategy.Residency())
	if err != nil {
		return nil, fmt.Errorf("%w: %s heap of %d bytes: %w", ErrArenaCreationFailed, o.name, heapBytes, err)
	}

	h := &HeapAllocator{
		dev:       dev,
		arena:     arena,
		bitmap:    pagebitmap.New(heapBytes / pageSize),
		strategy:  strategy,
		pageSize:  pageSize,
		heapBytes: heapBytes,
		opts:      o,
		logger:    o.logger.WithHeap(o.name).WithStrategy(strategy),
	}
	h.cpuBase, h.mapped = arena.CPUBase()

	h.logger.Debug("heap created",
		"requested_bytes", requestedBytes,
		"heap_bytes", heapBytes,
		"page_size", pageSize,
		"pages", h.bitmap.PageCount(),
	)
	return h, nil
}

// Allocate reserves size bytes replicated replicationCount times.
func (h *HeapAllocator) Allocate(size uint64, replicationCount uint32) (*ResourceHandle, error) {
	return h.allocate(size, replicationCount, 0, false)
}

// AllocateStructured is Allocate for a structured buffer with the given
// element stride.
func (h *HeapAllocator) AllocateStructured(size uint64, replicationCount uint32, stride uint64) (*ResourceHandle, error) {
	if stride == 0 {
		return nil, fmt.Errorf("%w: zero stride", ErrInvalidSize)
	}
	return h.allocate(size, replicationCount, stride, true)
}

func (h *HeapAllocator) allocate(size uint64, replicationCount uint32, stride uint64, hasStride bool) (handle *ResourceHandle, err error) {
	start := time.Now()
	var startPage, total uint64
	defer func() {
		h.logger.LogAllocate(size, replicationCount, startPage, total, err)
		h.opts.metricsCollector.RecordAllocate(total*h.pageSize, time.Since(start), err)
	}()

	if h.closed {
		return nil, ErrClosed
	}
	if replicationCount == 0 {
		return nil, ErrInvalidReplication
	}

	if size > ^uint64(0)-h.pageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}
	perVersion := max(1, ceilDiv(size, h.pageSize))
	hi, lo := bits.Mul64(perVersion, uint64(replicationCount))
	if hi != 0 {
		return nil, fmt.Errorf("%w: %d bytes x %d", ErrInvalidSize, size, replicationCount)
	}
	total = lo

	first, ok := h.bitmap.FindContiguousFree(total)
	if !ok {
		h.failures++
		oos := &OutOfSpaceError{
			Heap:           h.opts.name,
			RequestedPages: total,
			PageCount:      h.bitmap.PageCount(),
			FreePages:      h.bitmap.FreeCount(),
			LargestFreeRun: h.bitmap.LargestFreeRun(),
		}
		total = 0
		return nil, oos
	}
	h.bitmap.MarkUsed(first, total)
	startPage = first

	h.live++
	h.allocations++
	return &ResourceHandle{
		owner:            h,
		strategy:         h.strategy,
		unalignedSize:    size,
		pagesPerVersion:  perVersion,
		startPage:        first,
		replicationCount: replicationCount,
		stride:           stride,
		hasStride:        hasStride,
	}, nil
}

// Free returns the pages of handle to the heap.
//
// Freeing a handle twice, or one whose pages are not all in use, returns
// ErrInvalidFree and leaves the bitmap untouched.
func (h *HeapAllocator) Free(handle *ResourceHandle) (err error) {
	if handle == nil {
		return fmt.Errorf("%w: nil handle", ErrInvalidFree)
	}
	pages := handle.TotalPages()
	defer func() {
		h.logger.LogFree(handle.startPage, pages, err)
		h.opts.metricsCollector.RecordFree(pages*h.pageSize, err)
	}()

	if h.closed {
		return ErrClosed
	}
	if handle.owner != h {
		return ErrForeignHandle
	}
	if handle.freed {
		return fmt.Errorf("%w: double free of pages [%d, %d)", ErrInvalidFree, handle.startPage, handle.startPage+pages)
	}
	if !h.bitmap.RangeUsed(handle.startPage, pages) {
		return fmt.Errorf("%w: pages [%d, %d) not fully in use", ErrInvalidFree, handle.startPage, handle.startPage+pages)
	}

	h.bitmap.MarkFree(handle.startPage, pages)
	handle.freed = true
	h.live--
	h.frees++
	return nil
}

// Close waits for the device to go idle and destroys the arena. Handles that
// are still live become invalid.
func (h *HeapAllocator) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	if err := h.dev.WaitIdle(ctx); err != nil {
		return err
	}
	if h.live > 0 {
		h.logger.Warn("heap closed with live handles", "live", h.live)
	}
	h.closed = true
	return h.dev.DestroyArena(h.arena)
}

// Strategy returns the heap's strategy.
func (h *HeapAllocator) Strategy() Strategy { return h.strategy }

// Name returns the heap's name.
func (h *HeapAllocator) Name() string { return h.opts.name }

// HeapBytes returns the arena size in bytes.
func (h *HeapAllocator) HeapBytes() uint64 { return h.heapBytes }

// PageSize returns the page size (alignment) in bytes.
func (h *HeapAllocator) PageSize() uint64 { return h.pageSize }

// PageCount returns the number of pages in the heap.
func (h *HeapAllocator) PageCount() uint64 { return h.bitmap.PageCount() }

// WordCount returns the number of 64-bit bitmap words.
func (h *HeapAllocator) WordCount() int { return h.bitmap.Len() }

// Words returns a copy of the raw bitmap words. A set bit marks a free page.
func (h *HeapAllocator) Words() []uint64 { return h.bitmap.Words() }

// FreePages returns the number of free pages.
func (h *HeapAllocator) FreePages() uint64 { return h.bitmap.FreeCount() }

// LargestFreeRun returns the largest number of contiguous free pages.
func (h *HeapAllocator) LargestFreeRun() uint64 { return h.bitmap.LargestFreeRun() }

// Arena returns the backing arena.
func (h *HeapAllocator) Arena() device.Arena { return h.arena }

// Stats returns a snapshot of heap usage.
func (h *HeapAllocator) Stats() HeapStats {
	return HeapStats{
		HeapBytes:      h.heapBytes,
		PageSize:       h.pageSize,
		PageCount:      h.bitmap.PageCount(),
		FreePages:      h.bitmap.FreeCount(),
		LargestFreeRun: h.bitmap.LargestFreeRun(),
		LiveHandles:    h.live,
		Allocations:    h.allocations,
		Frees:          h.frees,
		Failures:       h.failures,
	}
}
