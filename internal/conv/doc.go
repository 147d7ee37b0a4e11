// Package conv provides checked integer conversions.
//
// Allocator sizes and offsets are uint64 while slice indices are int. These
// helpers fail instead of silently truncating when a value does not fit,
// which matters on 32-bit platforms.
package conv
