// Package device defines the graphics-API primitives the allocators consume
// and an in-process implementation of them.
//
// An Arena is one large backing allocation. Allocators carve sub-allocations
// out of it and never call back into the device on the hot path: CreateArena
// and DestroyArena run at construction and teardown, Upload when geometry is
// staged, Copy and WaitIdle during defragmentation.
//
// # HostDevice
//
// HostDevice backs upload arenas with anonymous memory mappings (stable CPU
// pointers outside the Go heap) and device-local arenas with 64 KiB aligned
// host memory that is deliberately not exposed as mapped. Each arena receives
// a synthetic GPU virtual address so address arithmetic can be verified
// exactly as it would be against a real driver.
package device
