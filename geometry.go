package gpuheap

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/gpuheap/device"
	"github.com/hupe1980/gpuheap/internal/pagebitmap"
)

// GeometryPageSize is the page size of both geometry buffers.
const GeometryPageSize = BulkPageSize

// Range is a byte range inside a geometry buffer.
type Range struct {
	Offset uint64
	Size   uint64
}

// MeshAllocation records where one mesh lives in the vertex and index
// buffers. A mesh without indices has IndexSize == 0.
//
// Defragment and ShrinkToFit rewrite the offsets of every live mesh in place.
type MeshAllocation struct {
	VertexOffset uint64
	VertexSize   uint64
	VertexStride uint64
	VertexCount  uint64

	IndexOffset uint64
	IndexSize   uint64
	IndexStride uint64
	IndexCount  uint64

	id    uint32
	owner *GeometryArena
}

// ID returns the mesh's identifier, assigned on its first allocation.
// IDs of freed meshes are reused.
func (m *MeshAllocation) ID() uint32 { return m.id }

// Live reports whether the mesh holds pages in an arena.
func (m *MeshAllocation) Live() bool { return m.owner != nil }

// VertexRange returns the vertex byte range.
func (m *MeshAllocation) VertexRange() Range {
	return Range{Offset: m.VertexOffset, Size: m.VertexSize}
}

// IndexRange returns the index byte range, or false for a mesh without indices.
func (m *MeshAllocation) IndexRange() (Range, bool) {
	if m.IndexSize == 0 {
		return Range{}, false
	}
	return Range{Offset: m.IndexOffset, Size: m.IndexSize}, true
}

// GeometryStats is a snapshot of a GeometryArena.
type GeometryStats struct {
	LiveMeshes       uint64
	VertexHeapBytes  uint64
	VertexFreePages  uint64
	IndexHeapBytes   uint64
	IndexFreePages   uint64
	Defragmentations uint64
	Shrinks          uint64
}

// geometryBuffer is one arena plus the bitmap of its 64 KiB pages.
type geometryBuffer struct {
	name   string
	arena  device.Arena
	bitmap *pagebitmap.Bitmap
}

func (b *geometryBuffer) heapBytes() uint64 {
	return b.bitmap.PageCount() * GeometryPageSize
}

// GeometryArena holds vertex and index data of a model pool in two
// long-lived GPU-local buffers. Geometry is uploaded once, so nothing is
// replicated per frame.
//
// Like HeapAllocator, a GeometryArena is owned by a single goroutine.
type GeometryArena struct {
	dev      device.Device
	vertices geometryBuffer
	indices  geometryBuffer
	closed   bool

	opts   options
	logger *Logger

	meshes   map[uint32]*MeshAllocation
	live     *roaring.Bitmap
	released *roaring.Bitmap
	nextID   uint32

	defragmentations uint64
	shrinks          uint64
}

// NewGeometryArena creates the vertex and index arenas, sized with HeapBytes
// for 64 KiB pages.
func NewGeometryArena(ctx context.Context, dev device.Device, vertexBytes, indexBytes uint64, optFns ...Option) (*GeometryArena, error) {
	o := applyOptions("geometry", optFns)

	g := &GeometryArena{
		dev:      dev,
		opts:     o,
		logger:   o.logger.WithHeap(o.name),
		meshes:   make(map[uint32]*MeshAllocation),
		live:     roaring.New(),
		released: roaring.New(),
	}

	vb, err := g.newBuffer(ctx, "vertex", vertexBytes)
	if err != nil {
		return nil, err
	}
	ib, err := g.newBuffer(ctx, "index", indexBytes)
	if err != nil {
		_ = dev.DestroyArena(vb.arena)
		return nil, err
	}
	g.vertices, g.indices = vb, ib

	g.logger.Debug("geometry arena created",
		"vertex_heap_bytes", vb.heapBytes(),
		"index_heap_bytes", ib.heapBytes(),
	)
	return g, nil
}

func (g *GeometryArena) newBuffer(ctx context.Context, name string, requested uint64) (geometryBuffer, error) {
	size, err := HeapBytes(requested, GeometryPageSize)
	if err != nil {
		return geometryBuffer{}, fmt.Errorf("%s buffer: %w", name, err)
	}
	arena, err := g.dev.CreateArena(ctx, size, device.ResidencyDeviceLocal)
	if err != nil {
		return geometryBuffer{}, fmt.Errorf("%w: %s %s buffer of %d bytes: %w", ErrArenaCreationFailed, g.opts.name, name, size, err)
	}
	return geometryBuffer{
		name:   name,
		arena:  arena,
		bitmap: pagebitmap.New(size / GeometryPageSize),
	}, nil
}

// AllocateVertices reserves room for vertexCount vertices of vertexStride
// bytes, uploads data (if non-nil, it must be exactly that size) and records
// the range in m. m becomes live on its first successful allocation.
func (g *GeometryArena) AllocateVertices(ctx context.Context, m *MeshAllocation, vertexCount, vertexStride uint64, data []byte) (Range, error) {
	if err := g.checkMesh(m); err != nil {
		return Range{}, err
	}
	if m.VertexSize != 0 {
		return Range{}, fmt.Errorf("%w: vertices", ErrMeshInUse)
	}

	r, err := g.allocate(ctx, &g.vertices, vertexCount, vertexStride, data)
	if err != nil {
		return Range{}, err
	}
	m.VertexOffset, m.VertexSize = r.Offset, r.Size
	m.VertexStride, m.VertexCount = vertexStride, vertexCount
	g.register(m)
	return r, nil
}

// AllocateIndices is AllocateVertices for the index buffer. Meshes without
// indices skip it.
func (g *GeometryArena) AllocateIndices(ctx context.Context, m *MeshAllocation, indexCount, indexStride uint64, data []byte) (Range, error) {
	if err := g.checkMesh(m); err != nil {
		return Range{}, err
	}
	if m.IndexSize != 0 {
		return Range{}, fmt.Errorf("%w: indices", ErrMeshInUse)
	}

	r, err := g.allocate(ctx, &g.indices, indexCount, indexStride, data)
	if err != nil {
		return Range{}, err
	}
	m.IndexOffset, m.IndexSize = r.Offset, r.Size
	m.IndexStride, m.IndexCount = indexStride, indexCount
	g.register(m)
	return r, nil
}

func (g *GeometryArena) checkMesh(m *MeshAllocation) error {
	if g.closed {
		return ErrClosed
	}
	if m == nil {
		return fmt.Errorf("%w: nil mesh", ErrInvalidSize)
	}
	if m.owner != nil && m.owner != g {
		return ErrForeignHandle
	}
	return nil
}

func (g *GeometryArena) allocate(ctx context.Context, b *geometryBuffer, count, stride uint64, data []byte) (r Range, err error) {
	start := time.Now()
	defer func() {
		g.opts.metricsCollector.RecordAllocate(roundUp(r.Size, GeometryPageSize), time.Since(start), err)
	}()

	hi, size := bits.Mul64(count, stride)
	if hi != 0 || size == 0 || size > ^uint64(0)-GeometryPageSize {
		return Range{}, fmt.Errorf("%w: %d x %d bytes", ErrInvalidSize, count, stride)
	}
	if data != nil && uint64(len(data)) != size {
		return Range{}, fmt.Errorf("%w: %d bytes of data for a %d byte range", ErrInvalidSize, len(data), size)
	}

	pages := ceilDiv(size, GeometryPageSize)
	first, ok := b.bitmap.FindContiguousFree(pages)
	if !ok {
		oos := &OutOfSpaceError{
			Heap:           g.opts.name + "/" + b.name,
			RequestedPages: pages,
			PageCount:      b.bitmap.PageCount(),
			FreePages:      b.bitmap.FreeCount(),
			LargestFreeRun: b.bitmap.LargestFreeRun(),
		}
		g.logger.Warn("geometry allocate failed", "buffer", b.name, "size", size, "error", oos)
		return Range{}, oos
	}
	b.bitmap.MarkUsed(first, pages)

	out := Range{Offset: first * GeometryPageSize, Size: size}
	if data != nil {
		if err := b.arena.Upload(ctx, out.Offset, data); err != nil {
			b.bitmap.MarkFree(first, pages)
			return Range{}, fmt.Errorf("upload %s data: %w", b.name, err)
		}
	}
	g.logger.Debug("geometry allocate completed", "buffer", b.name, "offset", out.Offset, "size", size)
	return out, nil
}

func (g *GeometryArena) register(m *MeshAllocation) {
	if m.owner != nil {
		return
	}
	if !g.released.IsEmpty() {
		m.id = g.released.Minimum()
		g.released.Remove(m.id)
	} else {
		m.id = g.nextID
		g.nextID++
	}
	m.owner = g
	g.live.Add(m.id)
	g.meshes[m.id] = m
}

// FreeMesh releases the vertex pages of m, and its index pages when it has
// indices. m is reset to its zero value.
func (g *GeometryArena) FreeMesh(m *MeshAllocation) error {
	if g.closed {
		return ErrClosed
	}
	if m == nil || m.owner == nil {
		return fmt.Errorf("%w: mesh is not live", ErrInvalidFree)
	}
	if m.owner != g {
		return ErrForeignHandle
	}

	vStart, vPages := pageSpan(m.VertexOffset, m.VertexSize)
	iStart, iPages := pageSpan(m.IndexOffset, m.IndexSize)
	if vPages != 0 && !g.vertices.bitmap.RangeUsed(vStart, vPages) {
		return fmt.Errorf("%w: vertex pages [%d, %d) not fully in use", ErrInvalidFree, vStart, vStart+vPages)
	}
	if iPages != 0 && !g.indices.bitmap.RangeUsed(iStart, iPages) {
		return fmt.Errorf("%w: index pages [%d, %d) not fully in use", ErrInvalidFree, iStart, iStart+iPages)
	}

	if vPages != 0 {
		g.vertices.bitmap.MarkFree(vStart, vPages)
	}
	if iPages != 0 {
		g.indices.bitmap.MarkFree(iStart, iPages)
	}

	g.live.Remove(m.id)
	g.released.Add(m.id)
	delete(g.meshes, m.id)
	g.logger.Debug("mesh freed", "mesh", m.id, "vertex_pages", vPages, "index_pages", iPages)
	*m = MeshAllocation{}
	return nil
}

func pageSpan(offset, size uint64) (start, pages uint64) {
	if size == 0 {
		return 0, 0
	}
	return offset / GeometryPageSize, ceilDiv(size, GeometryPageSize)
}

// Meshes returns the live meshes in ID order.
func (g *GeometryArena) Meshes() []*MeshAllocation {
	out := make([]*MeshAllocation, 0, g.live.GetCardinality())
	it := g.live.Iterator()
	for it.HasNext() {
		out = append(out, g.meshes[it.Next()])
	}
	return out
}

// Close waits for the device to go idle and destroys both arenas.
func (g *GeometryArena) Close(ctx context.Context) error {
	if g.closed {
		return nil
	}
	if err := g.dev.WaitIdle(ctx); err != nil {
		return err
	}
	g.closed = true
	if n := g.live.GetCardinality(); n > 0 {
		g.logger.Warn("geometry arena closed with live meshes", "live", n)
	}
	verr := g.dev.DestroyArena(g.vertices.arena)
	ierr := g.dev.DestroyArena(g.indices.arena)
	if verr != nil {
		return verr
	}
	return ierr
}

// VertexArena returns the vertex buffer's arena.
func (g *GeometryArena) VertexArena() device.Arena { return g.vertices.arena }

// IndexArena returns the index buffer's arena.
func (g *GeometryArena) IndexArena() device.Arena { return g.indices.arena }

// VertexHeapBytes returns the vertex arena size in bytes.
func (g *GeometryArena) VertexHeapBytes() uint64 { return g.vertices.heapBytes() }

// IndexHeapBytes returns the index arena size in bytes.
func (g *GeometryArena) IndexHeapBytes() uint64 { return g.indices.heapBytes() }

// VertexWords returns a copy of the vertex bitmap words.
func (g *GeometryArena) VertexWords() []uint64 { return g.vertices.bitmap.Words() }

// IndexWords returns a copy of the index bitmap words.
func (g *GeometryArena) IndexWords() []uint64 { return g.indices.bitmap.Words() }

// Stats returns a snapshot of arena usage.
func (g *GeometryArena) Stats() GeometryStats {
	return GeometryStats{
		LiveMeshes:       g.live.GetCardinality(),
		VertexHeapBytes:  g.vertices.heapBytes(),
		VertexFreePages:  g.vertices.bitmap.FreeCount(),
		IndexHeapBytes:   g.indices.heapBytes(),
		IndexFreePages:   g.indices.bitmap.FreeCount(),
		Defragmentations: g.defragmentations,
		Shrinks:          g.shrinks,
	}
}
