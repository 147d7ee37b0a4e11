package gpuheap

import (
	"context"
	"fmt"

	"github.com/hupe1980/gpuheap/device"
	"github.com/hupe1980/gpuheap/internal/conv"
)

// ResourceHandle references a page range inside one heap. It owns no memory.
//
// The range holds ReplicationCount versions laid out back to back: version i
// occupies pages [StartPage + i*PagesPerVersion, StartPage + (i+1)*PagesPerVersion).
// Writing version i while the GPU still reads version i-1 needs no
// synchronization.
type ResourceHandle struct {
	owner            *HeapAllocator
	strategy         Strategy
	unalignedSize    uint64
	pagesPerVersion  uint64
	startPage        uint64
	replicationCount uint32
	stride           uint64
	hasStride        bool
	freed            bool
}

// Strategy returns the strategy of the owning heap.
func (r *ResourceHandle) Strategy() Strategy { return r.strategy }

// UnalignedSize returns the size requested at allocation.
func (r *ResourceHandle) UnalignedSize() uint64 { return r.unalignedSize }

// PagesPerVersion returns the number of pages each version occupies.
func (r *ResourceHandle) PagesPerVersion() uint64 { return r.pagesPerVersion }

// StartPage returns the first page of version 0.
func (r *ResourceHandle) StartPage() uint64 { return r.startPage }

// ReplicationCount returns the number of versions.
func (r *ResourceHandle) ReplicationCount() uint32 { return r.replicationCount }

// TotalPages returns the pages reserved for all versions.
func (r *ResourceHandle) TotalPages() uint64 {
	return r.pagesPerVersion * uint64(r.replicationCount)
}

// Stride returns the element stride of a structured buffer.
func (r *ResourceHandle) Stride() (uint64, bool) { return r.stride, r.hasStride }

// Freed reports whether the handle has been returned to its heap.
func (r *ResourceHandle) Freed() bool { return r.freed }

// VersionSize returns the page-aligned byte size of one version.
func (r *ResourceHandle) VersionSize() uint64 {
	return r.pagesPerVersion * r.owner.pageSize
}

// Offset returns the byte offset of version i within the heap's arena.
func (r *ResourceHandle) Offset(i uint32) (uint64, error) {
	if i >= r.replicationCount {
		return 0, fmt.Errorf("%w: %d of %d", ErrInvalidVersion, i, r.replicationCount)
	}
	return (r.startPage + uint64(i)*r.pagesPerVersion) * r.owner.pageSize, nil
}

// GPUAddress returns the GPU virtual address of version i.
func (r *ResourceHandle) GPUAddress(i uint32) (uint64, error) {
	off, err := r.Offset(i)
	if err != nil {
		return 0, err
	}
	return r.owner.arena.GPUBase() + off, nil
}

// CPUAddress returns the CPU address of version i. Only heaps with a
// CPU-writable strategy have one.
func (r *ResourceHandle) CPUAddress(i uint32) (uintptr, error) {
	off, err := r.Offset(i)
	if err != nil {
		return 0, err
	}
	if !r.owner.mapped {
		return 0, device.ErrNotMappable
	}
	return r.owner.cpuBase + uintptr(off), nil
}

// VersionBytes returns the mapped memory of version i. The slice has the
// unaligned size as its length and the page-aligned version size as its
// capacity. It is only valid while the heap is open.
func (r *ResourceHandle) VersionBytes(i uint32) ([]byte, error) {
	if r.freed || r.owner.closed {
		return nil, ErrClosed
	}
	off, err := r.Offset(i)
	if err != nil {
		return nil, err
	}
	data, err := r.owner.arena.Bytes()
	if err != nil {
		return nil, err
	}
	lo, hi, err := conv.Span(off, r.VersionSize(), uint64(len(data)))
	if err != nil {
		return nil, err
	}
	n, err := conv.ToInt(r.unalignedSize)
	if err != nil {
		return nil, err
	}
	return data[lo : lo+n : hi], nil
}

// Write copies data into version i. CPU-writable heaps are written through
// the mapping; GPU-local heaps go through a device upload.
func (r *ResourceHandle) Write(ctx context.Context, i uint32, data []byte) error {
	if r.freed || r.owner.closed {
		return ErrClosed
	}
	if uint64(len(data)) > r.VersionSize() {
		return fmt.Errorf("%w: %d bytes into a %d byte version", ErrInvalidSize, len(data), r.VersionSize())
	}
	off, err := r.Offset(i)
	if err != nil {
		return err
	}
	if !r.owner.mapped {
		return r.owner.arena.Upload(ctx, off, data)
	}
	mapped, err := r.owner.arena.Bytes()
	if err != nil {
		return err
	}
	copy(mapped[off:], data)
	return nil
}
