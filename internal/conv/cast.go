package conv

import (
	"fmt"
	"math"
)

// Unsigned is the set of unsigned integer types accepted by the helpers.
type Unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ToInt converts an unsigned value to int.
func ToInt[T Unsigned](v T) (int, error) {
	if uint64(v) > uint64(math.MaxInt) {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int (too large)", uint64(v))
	}
	return int(v), nil
}

// ToUint32 converts an unsigned value to uint32.
func ToUint32[T Unsigned](v T) (uint32, error) {
	if uint64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to uint32 (too large)", uint64(v))
	}
	return uint32(v), nil
}

// IntToUint64 converts int to uint64.
func IntToUint64(v int) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to uint64 (negative)", v)
	}
	return uint64(v), nil
}

// Span converts an offset/length pair into slice bounds, checking that
// offset+length neither overflows nor exceeds limit.
func Span(offset, length, limit uint64) (lo, hi int, err error) {
	if length > limit || offset > limit-length {
		return 0, 0, fmt.Errorf("range [%d, %d+%d) exceeds %d", offset, offset, length, limit)
	}
	if lo, err = ToInt(offset); err != nil {
		return 0, 0, err
	}
	if hi, err = ToInt(offset + length); err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}
