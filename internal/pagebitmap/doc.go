// Package pagebitmap tracks free and used fixed-size pages of a backing arena.
//
// One bit per page, packed into 64-bit words. A set bit (1) marks a free page,
// a cleared bit (0) a used one. Bits past the logical page count in the last
// word are always cleared so a scan can never hand out pages beyond the end of
// the arena.
//
// # Placement
//
// FindContiguousFree is first-fit: it returns the lowest page index that starts
// a run of the requested length. Placement is therefore deterministic and the
// raw word values can be asserted bit for bit.
//
// # Concurrency
//
// A Bitmap is owned by a single goroutine. It performs no locking.
package pagebitmap
