// Package mmap provides anonymous read-write memory mappings.
//
// Mappings live outside the Go heap, so large upload arenas do not add GC
// pressure and their base address never moves. That stable address is what
// the allocator hands out as a CPU pointer.
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with MAP_ANON|MAP_PRIVATE; Prefault uses madvise(2) MADV_WILLNEED
//   - Windows: VirtualAlloc with MEM_RESERVE|MEM_COMMIT
//   - Others: ordinary heap memory
//
// # Thread Safety
//
// Close is idempotent and protected by an atomic flag. Callers must ensure no
// goroutine touches Bytes() after Close returns.
package mmap
