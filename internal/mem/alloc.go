package mem

import (
	"unsafe"
)

// DefaultAlignment is the byte alignment used when none is requested (64 bytes).
const DefaultAlignment = 64

// AllocAligned allocates a zeroed byte slice of the given size whose first
// byte sits at an address divisible by align. align must be a power of two;
// values below DefaultAlignment are raised to it.
//
// The function over-allocates by align bytes. The underlying array is kept
// alive by the returned slice.
func AllocAligned(size, align int) []byte {
	if size <= 0 {
		return nil
	}
	if align < DefaultAlignment {
		align = DefaultAlignment
	}
	if align&(align-1) != 0 {
		return nil
	}

	buf := make([]byte, size+align)

	addr := uintptr(unsafe.Pointer(&buf[0])) //nolint:gosec // unsafe is required for memory alignment
	mask := uintptr(align - 1)
	offset := (uintptr(align) - (addr & mask)) & mask

	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}

// IsAligned reports whether b starts at an address divisible by align.
func IsAligned(b []byte, align int) bool {
	if len(b) == 0 || align <= 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(&b[0])) //nolint:gosec // address is inspected, never dereferenced
	return addr%uintptr(align) == 0
}
