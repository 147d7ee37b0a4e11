package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/gpuheap/internal/conv"
	"github.com/hupe1980/gpuheap/internal/mem"
	"github.com/hupe1980/gpuheap/internal/mmap"
	"github.com/hupe1980/gpuheap/resource"
)

const (
	// DefaultBaseAddress is the first synthetic GPU virtual address.
	DefaultBaseAddress = 0x1_0000_0000
	// Granularity is the placement and sizing granularity of arenas.
	Granularity = 64 * 1024
)

// HostConfig configures a HostDevice.
type HostConfig struct {
	// Controller accounts arena memory and throttles uploads. May be nil.
	Controller *resource.Controller
	// BaseAddress is the first GPU virtual address handed out.
	// If 0, DefaultBaseAddress is used.
	BaseAddress uint64
	// Prefault backs upload arenas with physical pages at creation.
	Prefault bool
}

// Stats tracks HostDevice usage.
type Stats struct {
	LiveArenas    uint64
	LiveBytes     uint64
	ArenasCreated uint64
	UploadBytes   uint64
	CopyBytes     uint64
	WaitIdleCalls uint64
}

// HostDevice implements Device in host memory.
type HostDevice struct {
	rc       *resource.Controller
	prefault bool

	mu      sync.Mutex
	nextGPU uint64
	live    map[*hostArena]struct{}

	stats struct {
		arenasCreated atomic.Uint64
		uploadBytes   atomic.Uint64
		copyBytes     atomic.Uint64
		waitIdle      atomic.Uint64
	}
}

var _ Device = (*HostDevice)(nil)

// NewHostDevice creates a HostDevice.
func NewHostDevice(cfg HostConfig) *HostDevice {
	base := cfg.BaseAddress
	if base == 0 {
		base = DefaultBaseAddress
	}
	return &HostDevice{
		rc:       cfg.Controller,
		prefault: cfg.Prefault,
		nextGPU:  roundUp(base, Granularity),
		live:     make(map[*hostArena]struct{}),
	}
}

type hostArena struct {
	dev       *HostDevice
	size      uint64
	residency Residency
	gpuBase   uint64
	data      []byte
	mapping   *mmap.Mapping
	destroyed atomic.Bool
}

// CreateArena implements Device.
func (d *HostDevice) CreateArena(ctx context.Context, size uint64, residency Residency) (Arena, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := conv.ToInt(size)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("device: invalid arena size %d", size)
	}
	if err := d.rc.TryAcquireMemory(int64(n)); err != nil {
		return nil, fmt.Errorf("device: reserve %d bytes: %w", size, err)
	}

	a := &hostArena{dev: d, size: size, residency: residency}
	switch residency {
	case ResidencyUpload:
		m, err := mmap.MapAnon(n)
		if err != nil {
			d.rc.ReleaseMemory(int64(n))
			return nil, fmt.Errorf("device: map %d bytes: %w", size, err)
		}
		if d.prefault {
			if err := m.Prefault(); err != nil {
				_ = m.Close()
				d.rc.ReleaseMemory(int64(n))
				return nil, fmt.Errorf("device: prefault %d bytes: %w", size, err)
			}
		}
		a.mapping = m
		a.data = m.Bytes()
	case ResidencyDeviceLocal:
		a.data = mem.AllocAligned(n, Granularity)
	default:
		d.rc.ReleaseMemory(int64(n))
		return nil, fmt.Errorf("device: unknown residency %d", residency)
	}

	d.mu.Lock()
	a.gpuBase = d.nextGPU
	d.nextGPU += roundUp(size, Granularity)
	d.live[a] = struct{}{}
	d.mu.Unlock()

	d.stats.arenasCreated.Add(1)
	return a, nil
}

// DestroyArena implements Device.
func (d *HostDevice) DestroyArena(a Arena) error {
	ha, err := d.own(a)
	if err != nil {
		return err
	}
	if ha.destroyed.Swap(true) {
		return ErrArenaDestroyed
	}

	d.mu.Lock()
	delete(d.live, ha)
	d.mu.Unlock()

	var closeErr error
	if ha.mapping != nil {
		closeErr = ha.mapping.Close()
	}
	ha.data = nil
	d.rc.ReleaseMemory(int64(ha.size)) //nolint:gosec // size was checked at creation
	return closeErr
}

// Copy implements Device.
func (d *HostDevice) Copy(ctx context.Context, dst Arena, dstOffset uint64, src Arena, srcOffset, size uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	da, err := d.own(dst)
	if err != nil {
		return err
	}
	sa, err := d.own(src)
	if err != nil {
		return err
	}
	if da.destroyed.Load() || sa.destroyed.Load() {
		return ErrArenaDestroyed
	}

	dlo, dhi, err := conv.Span(dstOffset, size, da.size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfBounds, err)
	}
	slo, shi, err := conv.Span(srcOffset, size, sa.size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfBounds, err)
	}

	copy(da.data[dlo:dhi], sa.data[slo:shi])
	d.stats.copyBytes.Add(size)
	return nil
}

// WaitIdle implements Device. Host copies complete synchronously, so there
// is never outstanding work.
func (d *HostDevice) WaitIdle(ctx context.Context) error {
	d.stats.waitIdle.Add(1)
	return ctx.Err()
}

// Stats returns a snapshot of device usage.
func (d *HostDevice) Stats() Stats {
	d.mu.Lock()
	var liveBytes uint64
	for a := range d.live {
		liveBytes += a.size
	}
	liveArenas := uint64(len(d.live))
	d.mu.Unlock()

	return Stats{
		LiveArenas:    liveArenas,
		LiveBytes:     liveBytes,
		ArenasCreated: d.stats.arenasCreated.Load(),
		UploadBytes:   d.stats.uploadBytes.Load(),
		CopyBytes:     d.stats.copyBytes.Load(),
		WaitIdleCalls: d.stats.waitIdle.Load(),
	}
}

// Read returns a copy of arena bytes, including device-local ones. It stands
// in for a GPU readback and exists for tests and tooling.
func (d *HostDevice) Read(a Arena, offset, size uint64) ([]byte, error) {
	ha, err := d.own(a)
	if err != nil {
		return nil, err
	}
	if ha.destroyed.Load() {
		return nil, ErrArenaDestroyed
	}
	lo, hi, err := conv.Span(offset, size, ha.size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfBounds, err)
	}
	out := make([]byte, size)
	copy(out, ha.data[lo:hi])
	return out, nil
}

func (d *HostDevice) own(a Arena) (*hostArena, error) {
	ha, ok := a.(*hostArena)
	if !ok || ha.dev != d {
		return nil, ErrForeignArena
	}
	return ha, nil
}

func (a *hostArena) Size() uint64         { return a.size }
func (a *hostArena) Residency() Residency { return a.residency }
func (a *hostArena) GPUBase() uint64      { return a.gpuBase }

func (a *hostArena) CPUBase() (uintptr, bool) {
	if !a.residency.Mappable() || a.destroyed.Load() {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&a.data[0])), true //nolint:gosec // address is reported, never dereferenced
}

func (a *hostArena) Bytes() ([]byte, error) {
	if a.destroyed.Load() {
		return nil, ErrArenaDestroyed
	}
	if !a.residency.Mappable() {
		return nil, ErrNotMappable
	}
	return a.data, nil
}

func (a *hostArena) Upload(ctx context.Context, offset uint64, data []byte) error {
	if a.destroyed.Load() {
		return ErrArenaDestroyed
	}
	lo, hi, err := conv.Span(offset, uint64(len(data)), a.size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfBounds, err)
	}
	if err := a.dev.rc.AcquireUpload(ctx, len(data)); err != nil {
		return err
	}
	copy(a.data[lo:hi], data)
	a.dev.stats.uploadBytes.Add(uint64(len(data)))
	return nil
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
