package device

import (
	"context"
	"errors"
	"fmt"
)

// Residency is the memory pool an arena lives in.
type Residency int

const (
	// ResidencyUpload is CPU-writable memory visible to the GPU.
	ResidencyUpload Residency = iota
	// ResidencyDeviceLocal is GPU-local memory, not mappable by the CPU.
	ResidencyDeviceLocal
)

func (r Residency) String() string {
	switch r {
	case ResidencyUpload:
		return "upload"
	case ResidencyDeviceLocal:
		return "device-local"
	default:
		return fmt.Sprintf("Residency(%d)", int(r))
	}
}

// Mappable reports whether arenas of this residency expose a CPU pointer.
func (r Residency) Mappable() bool {
	return r == ResidencyUpload
}

var (
	// ErrArenaDestroyed is returned when using an arena after DestroyArena.
	ErrArenaDestroyed = errors.New("device: arena destroyed")
	// ErrOutOfBounds is returned for ranges outside an arena.
	ErrOutOfBounds = errors.New("device: range out of bounds")
	// ErrNotMappable is returned when asking a device-local arena for CPU memory.
	ErrNotMappable = errors.New("device: arena is not CPU mappable")
	// ErrForeignArena is returned when an arena was created by another device.
	ErrForeignArena = errors.New("device: arena belongs to another device")
)

// Arena is an opaque backing allocation of a fixed byte size.
type Arena interface {
	// Size returns the byte size. It never changes.
	Size() uint64
	// Residency returns the memory pool of the arena.
	Residency() Residency
	// GPUBase returns the GPU virtual address of byte 0.
	GPUBase() uint64
	// CPUBase returns the CPU address of byte 0, or false if not mappable.
	CPUBase() (uintptr, bool)
	// Bytes returns the CPU-mapped view of the whole arena.
	Bytes() ([]byte, error)
	// Upload stages data into the arena at offset.
	Upload(ctx context.Context, offset uint64, data []byte) error
}

// Device creates and destroys arenas and orders GPU work against them.
type Device interface {
	// CreateArena obtains backing memory of size bytes.
	CreateArena(ctx context.Context, size uint64, residency Residency) (Arena, error)
	// DestroyArena releases an arena. Callers must WaitIdle first if GPU work
	// referencing it may still be in flight.
	DestroyArena(a Arena) error
	// Copy moves size bytes between (or within) arenas. Overlapping ranges in
	// the same arena behave like memmove.
	Copy(ctx context.Context, dst Arena, dstOffset uint64, src Arena, srcOffset, size uint64) error
	// WaitIdle blocks until all submitted GPU work has completed.
	WaitIdle(ctx context.Context) error
}
