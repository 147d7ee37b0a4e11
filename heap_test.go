package gpuheap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gpuheap/device"
	"github.com/hupe1980/gpuheap/resource"
	"github.com/hupe1980/gpuheap/testutil"
)

const allFree = ^uint64(0)

func newHeap(t *testing.T, s Strategy, requested uint64, opts ...Option) (*HeapAllocator, *device.HostDevice) {
	t.Helper()
	dev := device.NewHostDevice(device.HostConfig{})
	h, err := NewHeapAllocator(context.Background(), dev, s, requested, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h, dev
}

func TestNewHeapAllocator_Sizing(t *testing.T) {
	tests := []struct {
		name      string
		strategy  Strategy
		requested uint64
		heapBytes uint64
		pageSize  uint64
		words     []uint64
	}{
		{
			name:     "compact 70000",
			strategy: Compact, requested: 70000,
			heapBytes: 131072, pageSize: 256,
			words: []uint64{allFree, allFree, allFree, allFree, allFree, allFree, allFree, allFree},
		},
		{
			name:     "compact 500",
			strategy: Compact, requested: 500,
			heapBytes: 65536, pageSize: 256,
			words: []uint64{allFree, allFree, allFree, allFree},
		},
		{
			name:     "bulk dynamic 170000",
			strategy: BulkDynamic, requested: 170000,
			heapBytes: 196608, pageSize: 65536,
			words: []uint64{0b111},
		},
		{
			name:     "bulk static 1",
			strategy: BulkStatic, requested: 1,
			heapBytes: 65536, pageSize: 65536,
			words: []uint64{0b1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHeap(t, tt.strategy, tt.requested)
			assert.Equal(t, tt.heapBytes, h.HeapBytes())
			assert.Equal(t, tt.pageSize, h.PageSize())
			assert.Equal(t, tt.heapBytes/tt.pageSize, h.PageCount())
			assert.Equal(t, len(tt.words), h.WordCount())
			assert.Equal(t, tt.words, h.Words())
			assert.Equal(t, tt.heapBytes, h.Arena().Size())
			assert.Equal(t, tt.strategy.Residency(), h.Arena().Residency())
		})
	}
}

func TestNewHeapAllocator_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid strategy", func(t *testing.T) {
		_, err := NewHeapAllocator(ctx, device.NewHostDevice(device.HostConfig{}), Strategy(9), 1024)
		assert.ErrorIs(t, err, ErrInvalidStrategy)
	})

	t.Run("device fault", func(t *testing.T) {
		dev := device.NewFaultyDevice(device.NewHostDevice(device.HostConfig{}))
		dev.SetFault(device.Fault{FailCreateAfter: 0, FailCopyAfter: -1})
		_, err := NewHeapAllocator(ctx, dev, BulkStatic, 1)
		assert.ErrorIs(t, err, ErrArenaCreationFailed)
		assert.ErrorIs(t, err, device.ErrInjected)
	})

	t.Run("request too large", func(t *testing.T) {
		dev := device.NewHostDevice(device.HostConfig{})
		_, err := NewHeapAllocator(ctx, dev, Compact, ^uint64(0))
		assert.ErrorIs(t, err, ErrInvalidSize)
		assert.NotErrorIs(t, err, ErrArenaCreationFailed)
		assert.Zero(t, dev.Stats().LiveArenas)
	})

	t.Run("arena creation failed", func(t *testing.T) {
		rc := resource.NewController(resource.Config{MemoryLimitBytes: 65536})
		dev := device.NewHostDevice(device.HostConfig{Controller: rc})
		_, err := NewHeapAllocator(ctx, dev, Compact, 70000)
		assert.ErrorIs(t, err, ErrArenaCreationFailed)
		assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
	})
}

func TestHeapAllocator_ReplicatedAllocateFree(t *testing.T) {
	h, _ := newHeap(t, Compact, 500)

	a, err := h.Allocate(60, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFF8), h.Words()[0])
	assert.Equal(t, uint64(1), a.PagesPerVersion())
	assert.Equal(t, uint64(3), a.TotalPages())

	b, err := h.Allocate(512, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFE00), h.Words()[0])
	assert.Equal(t, uint64(2), b.PagesPerVersion())
	assert.Equal(t, uint64(3), b.StartPage())

	require.NoError(t, h.Free(a))
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFE07), h.Words()[0])

	require.NoError(t, h.Free(b))
	assert.Equal(t, allFree, h.Words()[0])
	assert.Equal(t, []uint64{allFree, allFree, allFree, allFree}, h.Words())
}

func TestHeapAllocator_RoundTripRestoresBitmap(t *testing.T) {
	h, _ := newHeap(t, Compact, 70000)

	// Some background occupancy so the pair does not start from an empty heap.
	keep, err := h.Allocate(1000, 2)
	require.NoError(t, err)

	for _, size := range []uint64{0, 1, 255, 256, 257, 4096, 10000} {
		for _, rep := range []uint32{1, 2, 3, 4} {
			before := h.Words()
			handle, err := h.Allocate(size, rep)
			require.NoError(t, err, "size=%d rep=%d", size, rep)
			require.NoError(t, h.Free(handle))
			require.Equal(t, before, h.Words(), "size=%d rep=%d", size, rep)
		}
	}
	require.NoError(t, h.Free(keep))
}

func TestHeapAllocator_VersionAddressing(t *testing.T) {
	h, _ := newHeap(t, Compact, 500)

	handle, err := h.Allocate(60, 3)
	require.NoError(t, err)
	cpuBase, ok := h.Arena().CPUBase()
	require.True(t, ok)
	gpuBase := h.Arena().GPUBase()

	for i := uint32(0); i < 3; i++ {
		cpu, err := handle.CPUAddress(i)
		require.NoError(t, err)
		assert.Equal(t, cpuBase+uintptr(i)*256, cpu)

		gpu, err := handle.GPUAddress(i)
		require.NoError(t, err)
		assert.Equal(t, gpuBase+uint64(i)*256, gpu)
	}

	_, err = handle.CPUAddress(3)
	assert.ErrorIs(t, err, ErrInvalidVersion)
	_, err = handle.GPUAddress(3)
	assert.ErrorIs(t, err, ErrInvalidVersion)

	second, err := h.Allocate(700, 2)
	require.NoError(t, err)
	off, err := second.Offset(1)
	require.NoError(t, err)
	assert.Equal(t, uint64((3+3)*256), off)
}

func TestHeapAllocator_VersionBytesAndWrite(t *testing.T) {
	ctx := context.Background()
	h, _ := newHeap(t, BulkDynamic, 1<<20)

	handle, err := h.Allocate(100, 2)
	require.NoError(t, err)

	require.NoError(t, handle.Write(ctx, 1, []byte("frame one")))
	v1, err := handle.VersionBytes(1)
	require.NoError(t, err)
	assert.Len(t, v1, 100)
	assert.Equal(t, 65536, cap(v1))
	assert.Equal(t, "frame one", string(v1[:9]))

	v0, err := handle.VersionBytes(0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 9), v0[:9], "versions do not alias")

	err = handle.Write(ctx, 0, make([]byte, 65537))
	assert.ErrorIs(t, err, ErrInvalidSize)

	require.NoError(t, h.Free(handle))
	_, err = handle.VersionBytes(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHeapAllocator_BulkStaticNotMappable(t *testing.T) {
	ctx := context.Background()
	h, dev := newHeap(t, BulkStatic, 1<<18)

	handle, err := h.Allocate(70000, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), handle.PagesPerVersion())

	_, err = handle.CPUAddress(0)
	assert.ErrorIs(t, err, device.ErrNotMappable)
	_, err = handle.VersionBytes(0)
	assert.ErrorIs(t, err, device.ErrNotMappable)

	require.NoError(t, handle.Write(ctx, 0, []byte("static")))
	got, err := dev.Read(h.Arena(), 0, 6)
	require.NoError(t, err)
	assert.Equal(t, "static", string(got))
}

func TestHeapAllocator_Structured(t *testing.T) {
	h, _ := newHeap(t, Compact, 4096)

	handle, err := h.AllocateStructured(48*10, 2, 48)
	require.NoError(t, err)
	stride, ok := handle.Stride()
	assert.True(t, ok)
	assert.Equal(t, uint64(48), stride)
	assert.Equal(t, uint64(480), handle.UnalignedSize())
	assert.Equal(t, Compact, handle.Strategy())

	plain, err := h.Allocate(16, 1)
	require.NoError(t, err)
	_, ok = plain.Stride()
	assert.False(t, ok)

	_, err = h.AllocateStructured(16, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestHeapAllocator_InvalidArguments(t *testing.T) {
	h, _ := newHeap(t, Compact, 500)

	_, err := h.Allocate(64, 0)
	assert.ErrorIs(t, err, ErrInvalidReplication)

	_, err = h.Allocate(^uint64(0), 1)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = h.Allocate(1<<62, 1<<31)
	assert.ErrorIs(t, err, ErrInvalidSize)

	assert.Equal(t, []uint64{allFree, allFree, allFree, allFree}, h.Words())
}

func TestHeapAllocator_InvalidFree(t *testing.T) {
	h, _ := newHeap(t, Compact, 500)
	other, _ := newHeap(t, Compact, 500)

	handle, err := h.Allocate(60, 3)
	require.NoError(t, err)

	assert.ErrorIs(t, other.Free(handle), ErrForeignHandle)
	assert.ErrorIs(t, h.Free(nil), ErrInvalidFree)

	require.NoError(t, h.Free(handle))
	assert.True(t, handle.Freed())
	before := h.Words()
	assert.ErrorIs(t, h.Free(handle), ErrInvalidFree)
	assert.Equal(t, before, h.Words())

	// A stale handle whose pages were handed out again is still rejected.
	reused, err := h.Allocate(60, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reused.StartPage())
	assert.ErrorIs(t, h.Free(handle), ErrInvalidFree)
	require.NoError(t, h.Free(reused))
}

func TestHeapAllocator_Exhaustion(t *testing.T) {
	h, _ := newHeap(t, Compact, 500) // 256 pages

	var handles []*ResourceHandle
	for {
		handle, err := h.Allocate(256, 1)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfSpace)
			break
		}
		handles = append(handles, handle)
	}
	require.Len(t, handles, 256)
	assert.Zero(t, h.FreePages())

	// Free every other page: 128 free pages, none adjacent.
	for i := 0; i < len(handles); i += 2 {
		require.NoError(t, h.Free(handles[i]))
	}
	assert.Equal(t, uint64(128), h.FreePages())

	_, err := h.Allocate(512, 1)
	var oos *OutOfSpaceError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, uint64(2), oos.RequestedPages)
	assert.Equal(t, uint64(1), oos.LargestFreeRun)
	assert.Equal(t, uint64(128), oos.FreePages)
	assert.Equal(t, uint64(256), oos.PageCount)

	_, err = h.Allocate(100, 257)
	assert.ErrorIs(t, err, ErrOutOfSpace)
	assert.Equal(t, uint64(3), h.Stats().Failures)
}

func TestHeapAllocator_NoOverlap(t *testing.T) {
	h, _ := newHeap(t, Compact, 1<<16)
	rng := testutil.NewRNG(42)
	sizes := rng.AllocSizes(2000, 2048, 1.1)

	owner := make([]*ResourceHandle, h.PageCount())
	var live []*ResourceHandle

	for step := 0; step < 2000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(live))
			handle := live[i]
			require.NoError(t, h.Free(handle))
			for p := handle.StartPage(); p < handle.StartPage()+handle.TotalPages(); p++ {
				owner[p] = nil
			}
			live = append(live[:i], live[i+1:]...)
			continue
		}

		size := sizes[step]
		rep := uint32(rng.Intn(3) + 1)
		handle, err := h.Allocate(size, rep)
		if errors.Is(err, ErrOutOfSpace) {
			continue
		}
		require.NoError(t, err)
		for p := handle.StartPage(); p < handle.StartPage()+handle.TotalPages(); p++ {
			require.Nil(t, owner[p], "page %d handed out twice", p)
			owner[p] = handle
		}
		live = append(live, handle)
	}

	var used uint64
	for _, o := range owner {
		if o != nil {
			used++
		}
	}
	assert.Equal(t, h.PageCount()-used, h.FreePages())
	assert.Equal(t, len(live), h.Stats().LiveHandles)
}

func TestHeapAllocator_FirstFitReusesLowestHole(t *testing.T) {
	h, _ := newHeap(t, Compact, 500)

	a, _ := h.Allocate(256, 1)   // page 0
	b, _ := h.Allocate(256*4, 1) // pages 1-4
	c, _ := h.Allocate(256, 1)   // page 5
	_, _ = h.Allocate(256*8, 1)  // pages 6-13
	e, _ := h.Allocate(256, 1)   // page 14
	require.NotNil(t, e)

	require.NoError(t, h.Free(b))
	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(c))

	// Holes: pages 0-5. A 3-page request lands at 0, not after page 14.
	got, err := h.Allocate(256*3, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.StartPage())

	got, err = h.Allocate(256*4, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), got.StartPage())
}

func TestHeapAllocator_Close(t *testing.T) {
	ctx := context.Background()
	dev := device.NewHostDevice(device.HostConfig{})
	h, err := NewHeapAllocator(ctx, dev, BulkDynamic, 1<<17)
	require.NoError(t, err)

	handle, err := h.Allocate(10, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), dev.Stats().LiveArenas)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))
	assert.Zero(t, dev.Stats().LiveArenas)
	assert.Equal(t, uint64(1), dev.Stats().WaitIdleCalls)

	_, err = h.Allocate(10, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Free(handle), ErrClosed)
	assert.ErrorIs(t, handle.Write(ctx, 0, []byte{1}), ErrClosed)
}

func TestHeapAllocator_CloseWaitIdleFailure(t *testing.T) {
	ctx := context.Background()
	host := device.NewHostDevice(device.HostConfig{})
	dev := device.NewFaultyDevice(host)
	h, err := NewHeapAllocator(ctx, dev, Compact, 500)
	require.NoError(t, err)

	dev.SetFault(device.Fault{FailCreateAfter: -1, FailCopyAfter: -1, FailWaitIdle: true})
	require.ErrorIs(t, h.Close(ctx), device.ErrInjected)

	// Still open: the arena must outlive in-flight GPU work.
	handle, err := h.Allocate(64, 1)
	require.NoError(t, err)
	require.NoError(t, h.Free(handle))
	assert.Equal(t, uint64(1), host.Stats().LiveArenas)

	dev.SetFault(device.Fault{FailCreateAfter: -1, FailCopyAfter: -1})
	require.NoError(t, h.Close(ctx))
	assert.Zero(t, host.Stats().LiveArenas)
}

func TestHeapAllocator_Metrics(t *testing.T) {
	mc := &BasicMetricsCollector{}
	h, _ := newHeap(t, Compact, 500, WithMetricsCollector(mc), WithName("cb"))
	assert.Equal(t, "cb", h.Name())

	handle, err := h.Allocate(60, 3)
	require.NoError(t, err)
	_, err = h.Allocate(1<<20, 1)
	require.ErrorIs(t, err, ErrOutOfSpace)
	require.NoError(t, h.Free(handle))
	require.Error(t, h.Free(handle))

	st := mc.GetStats()
	assert.Equal(t, int64(2), st.AllocateCount)
	assert.Equal(t, int64(1), st.AllocateErrors)
	assert.Equal(t, int64(3*256), st.AllocateBytes)
	assert.Equal(t, int64(2), st.FreeCount)
	assert.Equal(t, int64(1), st.FreeErrors)
	assert.Equal(t, int64(3*256), st.FreeBytes)
}

func BenchmarkHeapAllocator_AllocateFree(b *testing.B) {
	dev := device.NewHostDevice(device.HostConfig{})
	h, err := NewHeapAllocator(context.Background(), dev, Compact, 4<<20)
	require.NoError(b, err)
	defer h.Close(context.Background())

	// Fragment the first half of the heap.
	for i := 0; i < 4096; i++ {
		handle, _ := h.Allocate(256, 1)
		if i%2 == 0 {
			_ = h.Free(handle)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		handle, err := h.Allocate(1024, 3)
		if err != nil {
			b.Fatal(err)
		}
		_ = h.Free(handle)
	}
}
