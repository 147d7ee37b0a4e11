package gpuheap

import (
	"context"
	"fmt"

	"github.com/hupe1980/gpuheap/payload"
)

// MeshData is the staged geometry of one mesh. When Encoded is set,
// Vertices and Indices are payload blocks and are decoded before upload.
type MeshData struct {
	Vertices     []byte
	VertexStride uint64
	Indices      []byte
	IndexStride  uint64
	Encoded      bool
}

// LoadMesh decodes and uploads a mesh. Indices are optional. If the index
// allocation fails the vertex range is released again, so a failed load
// leaves both bitmaps unchanged.
func (g *GeometryArena) LoadMesh(ctx context.Context, md MeshData) (m *MeshAllocation, err error) {
	var vbytes, ibytes uint64
	defer func() {
		var id uint32
		if m != nil {
			id = m.id
		}
		g.logger.LogMeshLoad(ctx, id, vbytes, ibytes, err)
	}()

	vertices, err := decodeStream(md.Vertices, md.Encoded)
	if err != nil {
		return nil, fmt.Errorf("vertices: %w", err)
	}
	indices, err := decodeStream(md.Indices, md.Encoded)
	if err != nil {
		return nil, fmt.Errorf("indices: %w", err)
	}
	vbytes, ibytes = uint64(len(vertices)), uint64(len(indices))

	vcount, err := elementCount(vbytes, md.VertexStride)
	if err != nil {
		return nil, fmt.Errorf("vertices: %w", err)
	}
	if vcount == 0 {
		return nil, fmt.Errorf("%w: mesh without vertices", ErrInvalidSize)
	}
	icount, err := elementCount(ibytes, md.IndexStride)
	if err != nil {
		return nil, fmt.Errorf("indices: %w", err)
	}

	mesh := &MeshAllocation{}
	if _, err := g.AllocateVertices(ctx, mesh, vcount, md.VertexStride, vertices); err != nil {
		return nil, err
	}
	if icount > 0 {
		if _, err := g.AllocateIndices(ctx, mesh, icount, md.IndexStride, indices); err != nil {
			if ferr := g.FreeMesh(mesh); ferr != nil {
				return nil, fmt.Errorf("%w (rollback: %w)", err, ferr)
			}
			return nil, err
		}
	}
	return mesh, nil
}

func decodeStream(data []byte, encoded bool) ([]byte, error) {
	if !encoded || len(data) == 0 {
		return data, nil
	}
	return payload.Decode(data)
}

func elementCount(size, stride uint64) (uint64, error) {
	if size == 0 {
		return 0, nil
	}
	if stride == 0 || size%stride != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a multiple of stride %d", ErrInvalidSize, size, stride)
	}
	return size / stride, nil
}
