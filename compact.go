package gpuheap

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// DefragmentStats reports the work done by one Defragment call.
type DefragmentStats struct {
	MovedMeshes int
	MovedBytes  uint64
}

// Defragment slides every live mesh toward offset 0, in ascending offset
// order, so that no free page remains between the first and the last live
// range of either buffer. Every live MeshAllocation is rewritten in place.
//
// The device is drained with WaitIdle before anything moves, since GPU work
// may still read the old offsets.
func (g *GeometryArena) Defragment(ctx context.Context) (stats DefragmentStats, err error) {
	start := time.Now()
	defer func() {
		g.logger.LogDefragment(ctx, stats.MovedMeshes, stats.MovedBytes, err)
		g.opts.metricsCollector.RecordDefragment(stats.MovedBytes, time.Since(start), err)
	}()

	release, err := g.beginMaintenance(ctx)
	if err != nil {
		return stats, err
	}
	defer release()

	return g.defragment(ctx)
}

func (g *GeometryArena) beginMaintenance(ctx context.Context) (func(), error) {
	if g.closed {
		return nil, ErrClosed
	}
	rc := g.opts.controller
	if err := rc.AcquireMaintenance(ctx); err != nil {
		return nil, err
	}
	if err := g.dev.WaitIdle(ctx); err != nil {
		rc.ReleaseMaintenance()
		return nil, err
	}
	return rc.ReleaseMaintenance, nil
}

// meshRange selects the vertex or index range of a mesh.
type meshRange func(m *MeshAllocation) (offset, size *uint64)

func vertexRange(m *MeshAllocation) (*uint64, *uint64) { return &m.VertexOffset, &m.VertexSize }
func indexRange(m *MeshAllocation) (*uint64, *uint64)  { return &m.IndexOffset, &m.IndexSize }

func (g *GeometryArena) defragment(ctx context.Context) (DefragmentStats, error) {
	var stats DefragmentStats
	for _, pass := range []struct {
		buf *geometryBuffer
		sel meshRange
	}{
		{&g.vertices, vertexRange},
		{&g.indices, indexRange},
	} {
		moved, movedBytes, err := g.compactBuffer(ctx, pass.buf, pass.sel)
		stats.MovedMeshes += moved
		stats.MovedBytes += movedBytes
		if err != nil {
			return stats, err
		}
	}
	g.defragmentations++
	return stats, nil
}

// compactBuffer is a greedy left compaction. A range only ever moves to a
// lower offset, so each move can reuse the pages it vacates.
func (g *GeometryArena) compactBuffer(ctx context.Context, b *geometryBuffer, sel meshRange) (int, uint64, error) {
	meshes := make([]*MeshAllocation, 0, len(g.meshes))
	for _, m := range g.meshes {
		if _, size := sel(m); *size != 0 {
			meshes = append(meshes, m)
		}
	}
	slices.SortFunc(meshes, func(a, c *MeshAllocation) int {
		ao, _ := sel(a)
		co, _ := sel(c)
		switch {
		case *ao < *co:
			return -1
		case *ao > *co:
			return 1
		}
		return 0
	})

	var (
		cursor     uint64
		moved      int
		movedBytes uint64
	)
	for _, m := range meshes {
		off, size := sel(m)
		first, pages := pageSpan(*off, *size)
		if first != cursor {
			dst := cursor * GeometryPageSize
			if err := g.dev.Copy(ctx, b.arena, dst, b.arena, *off, *size); err != nil {
				return moved, movedBytes, fmt.Errorf("relocate mesh %d in %s buffer: %w", m.id, b.name, err)
			}
			b.bitmap.MarkFree(first, pages)
			b.bitmap.MarkUsed(cursor, pages)
			*off = dst
			moved++
			movedBytes += *size
		}
		cursor += pages
	}
	return moved, movedBytes, nil
}

// ShrinkToFit defragments and then replaces each buffer's arena with one of
// max(64 KiB, live pages * 64 KiB) bytes. Buffers already at that size are
// left alone. The target counts whole 64 KiB pages per mesh range, so two
// 100 byte meshes keep 128 KiB.
func (g *GeometryArena) ShrinkToFit(ctx context.Context) (err error) {
	start := time.Now()
	var released uint64
	defer func() {
		g.logger.LogShrink(ctx, g.vertices.heapBytes(), g.indices.heapBytes(), err)
		g.opts.metricsCollector.RecordShrink(released, time.Since(start), err)
	}()

	release, err := g.beginMaintenance(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := g.defragment(ctx); err != nil {
		return err
	}

	for _, b := range []*geometryBuffer{&g.vertices, &g.indices} {
		n, err := g.shrinkBuffer(ctx, b)
		released += n
		if err != nil {
			return err
		}
	}
	g.shrinks++
	return nil
}

func (g *GeometryArena) shrinkBuffer(ctx context.Context, b *geometryBuffer) (uint64, error) {
	usedPages := b.bitmap.PageCount() - b.bitmap.FreeCount()
	target := max(HeapGranularity, usedPages*GeometryPageSize)
	current := b.heapBytes()
	if target >= current {
		return 0, nil
	}

	arena, err := g.dev.CreateArena(ctx, target, b.arena.Residency())
	if err != nil {
		return 0, fmt.Errorf("%w: shrink %s buffer to %d bytes: %w", ErrArenaCreationFailed, b.name, target, err)
	}
	if usedPages > 0 {
		if err := g.dev.Copy(ctx, arena, 0, b.arena, 0, usedPages*GeometryPageSize); err != nil {
			_ = g.dev.DestroyArena(arena)
			return 0, fmt.Errorf("copy %s buffer: %w", b.name, err)
		}
	}
	// The copy reads the old arena, so it must finish before destruction.
	if err := g.dev.WaitIdle(ctx); err != nil {
		_ = g.dev.DestroyArena(arena)
		return 0, err
	}

	old := b.arena
	b.arena = arena
	b.bitmap.Resize(target / GeometryPageSize)
	if err := g.dev.DestroyArena(old); err != nil {
		return current - target, err
	}
	return current - target, nil
}
