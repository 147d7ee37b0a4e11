// Package gpuheap sub-allocates GPU buffer memory out of a few large,
// pre-reserved arenas.
//
// Creating one driver allocation per constant buffer or mesh is slow and
// wastes the driver's placement granularity. gpuheap reserves an arena once
// and hands out page ranges from a bitmap instead.
//
// # Heap Allocators
//
// A HeapAllocator serves constant and structured buffers. Its Strategy picks
// the page size and the memory it lives in:
//
//	Strategy      Page size   Residency
//	Compact       256 B       CPU-writable
//	BulkDynamic   64 KiB      CPU-writable
//	BulkStatic    64 KiB      GPU-local
//
// Every heap is at least 64 KiB and a multiple of 64 KiB, see HeapBytes.
//
//	dev := device.NewHostDevice(device.HostConfig{})
//	heap, _ := gpuheap.NewHeapAllocator(ctx, dev, gpuheap.Compact, 1<<20)
//	defer heap.Close(ctx)
//
//	// One copy per frame in flight.
//	cb, _ := heap.Allocate(192, 3)
//	gpuAddr, _ := cb.GPUAddress(frame % 3)
//	_ = cb.Write(ctx, frame%3, constants)
//	...
//	_ = heap.Free(cb)
//
// Versions of a handle are laid out back to back, so the CPU can fill the
// version for the next frame while the GPU still reads an older one.
//
// # Geometry Arenas
//
// A GeometryArena keeps the vertex and index data of a model pool in two
// GPU-local buffers with 64 KiB pages and no replication:
//
//	geo, _ := gpuheap.NewGeometryArena(ctx, dev, 64<<20, 16<<20)
//	mesh, _ := geo.LoadMesh(ctx, gpuheap.MeshData{
//	    Vertices: vertexBytes, VertexStride: 32,
//	    Indices:  indexBytes, IndexStride: 4,
//	})
//	...
//	_ = geo.FreeMesh(mesh)
//
// Defragment compacts live meshes toward offset 0 and ShrinkToFit
// additionally trims both arenas to the pages in use. Both drain the device
// first and rewrite the offsets of every live MeshAllocation.
//
// # Placement
//
// Allocation is first-fit: the lowest-addressed run of free pages that is
// long enough wins. Given the same sequence of calls, the bitmap ends up in
// the same state, word for word.
//
// # Concurrency
//
// Allocators are plain owned objects with no global state. Each instance must
// be driven by a single goroutine; none of the calls lock or block, except
// the device calls made by Close, Defragment and ShrinkToFit.
package gpuheap
