package mmap

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrClosed is returned when using a mapping after Close.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for a non-positive mapping size.
	ErrInvalidSize = errors.New("mmap: invalid size")
)

// Mapping is an anonymous read-write memory mapping.
// Close releases the region; Bytes is invalid afterwards.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// MapAnon maps size bytes of zeroed, private, read-write memory.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	data, unmap, err := osMapAnon(size)
	if err != nil {
		return nil, err
	}

	return &Mapping{data: data, unmap: unmap}, nil
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.unmap != nil && m.data != nil {
		return m.unmap(m.data)
	}
	return nil
}

// Bytes returns the mapped memory, or nil once closed.
// Accessing a previously returned slice after Close is undefined behavior.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return len(m.data)
}

// Addr returns the base address of the mapping.
func (m *Mapping) Addr() uintptr {
	if m.closed.Load() || len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.data[0])) //nolint:gosec // address is reported, never dereferenced
}

// Prefault backs every page of the mapping with physical memory, so the
// first write of a frame does not take page faults.
func (m *Mapping) Prefault() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osPrefault(m.data)
}

// touchPages write-faults every page of data without changing its contents.
// data must start on a page boundary.
func touchPages(data []byte, pageSize int) {
	for i := 0; i+4 <= len(data); i += pageSize {
		atomic.AddUint32((*uint32)(unsafe.Pointer(&data[i])), 0) //nolint:gosec // page-aligned
	}
}
