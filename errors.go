package gpuheap

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfSpace is returned when no contiguous free run is large enough.
	// The pool is exhausted until handles are freed or it is defragmented.
	ErrOutOfSpace = errors.New("gpuheap: out of space")

	// ErrInvalidFree is returned when freeing a handle whose pages are not all
	// in use, including double frees. The bitmap is left untouched.
	ErrInvalidFree = errors.New("gpuheap: invalid free")

	// ErrArenaCreationFailed wraps the device error raised while creating a
	// backing arena. The allocator cannot be constructed.
	ErrArenaCreationFailed = errors.New("gpuheap: arena creation failed")

	// ErrInvalidSize is returned for sizes that overflow or are inconsistent
	// with the supplied data.
	ErrInvalidSize = errors.New("gpuheap: invalid size")

	// ErrInvalidReplication is returned for a replication count of zero.
	ErrInvalidReplication = errors.New("gpuheap: replication count must be positive")

	// ErrInvalidVersion is returned when addressing a version outside
	// [0, replication count).
	ErrInvalidVersion = errors.New("gpuheap: version out of range")

	// ErrInvalidStrategy is returned for an unknown Strategy.
	ErrInvalidStrategy = errors.New("gpuheap: invalid strategy")

	// ErrForeignHandle is returned when a handle or mesh belongs to another allocator.
	ErrForeignHandle = errors.New("gpuheap: handle belongs to another allocator")

	// ErrMeshInUse is returned when allocating vertices or indices twice for one mesh.
	ErrMeshInUse = errors.New("gpuheap: mesh range already allocated")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gpuheap: allocator is closed")
)

// OutOfSpaceError describes a failed allocation.
//
// It matches ErrOutOfSpace with errors.Is.
type OutOfSpaceError struct {
	Heap           string
	RequestedPages uint64
	PageCount      uint64
	FreePages      uint64
	LargestFreeRun uint64
}

func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("gpuheap: out of space in %s: need %d contiguous pages, largest free run %d (%d/%d pages free)",
		e.Heap, e.RequestedPages, e.LargestFreeRun, e.FreePages, e.PageCount)
}

func (e *OutOfSpaceError) Unwrap() error { return ErrOutOfSpace }
