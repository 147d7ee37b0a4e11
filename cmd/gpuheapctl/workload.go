package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	toml "github.com/pelletier/go-toml"

	"github.com/hupe1980/gpuheap"
	"github.com/hupe1980/gpuheap/device"
	"github.com/hupe1980/gpuheap/payload"
	"github.com/hupe1980/gpuheap/resource"
)

// Workload is a scripted sequence of heap and geometry operations.
//
//	strategy = "compact"
//	bytes = 70000
//
//	[geometry]
//	vertex_bytes = 1048576
//	index_bytes = 262144
//
//	[[step]]
//	op = "alloc"
//	name = "cb"
//	size = 60
//	replicas = 3
type Workload struct {
	Strategy    string          `toml:"strategy"`
	Bytes       uint64          `toml:"bytes"`
	MemoryLimit int64           `toml:"memory_limit"`
	Prefault    bool            `toml:"prefault"`
	Geometry    *GeometryConfig `toml:"geometry"`
	Steps       []Step          `toml:"step"`
}

// GeometryConfig sizes the optional geometry arena.
type GeometryConfig struct {
	VertexBytes uint64 `toml:"vertex_bytes"`
	IndexBytes  uint64 `toml:"index_bytes"`
	// Encoding applies to mesh data generated by load steps.
	Encoding string `toml:"encoding"`
}

// Step is one workload operation. Op is one of alloc, free, load, unload,
// defragment and shrink.
type Step struct {
	Op       string `toml:"op"`
	Name     string `toml:"name"`
	Size     uint64 `toml:"size"`
	Replicas uint32 `toml:"replicas"`

	VertexCount  uint64 `toml:"vertex_count"`
	VertexStride uint64 `toml:"vertex_stride"`
	IndexCount   uint64 `toml:"index_count"`
	IndexStride  uint64 `toml:"index_stride"`
}

// LoadWorkload reads a workload file.
func LoadWorkload(path string) (*Workload, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load TOML: %s: %w", path, err)
	}
	w := &Workload{}
	if err := tree.Unmarshal(w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal TOML: %w", err)
	}
	return w, nil
}

// ParseWorkload decodes a workload from TOML text.
func ParseWorkload(data []byte) (*Workload, error) {
	w := &Workload{}
	if err := toml.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal TOML: %w", err)
	}
	return w, nil
}

type simulation struct {
	out     io.Writer
	heap    *gpuheap.HeapAllocator
	geo     *gpuheap.GeometryArena
	enc     payload.Encoding
	handles map[string]*gpuheap.ResourceHandle
	meshes  map[string]*gpuheap.MeshAllocation
}

// Run executes the workload on a fresh host device and writes one line per
// step. Out-of-space results are reported and the run continues; other
// errors stop it.
func (w *Workload) Run(ctx context.Context, out io.Writer, opts ...gpuheap.Option) error {
	strategy, err := gpuheap.ParseStrategy(w.Strategy)
	if err != nil {
		return err
	}

	dev := device.NewHostDevice(device.HostConfig{
		Controller: resource.NewController(resource.Config{MemoryLimitBytes: w.MemoryLimit}),
		Prefault:   w.Prefault,
	})

	heapOpts := append([]gpuheap.Option{gpuheap.WithName("workload")}, opts...)
	heap, err := gpuheap.NewHeapAllocator(ctx, dev, strategy, w.Bytes, heapOpts...)
	if err != nil {
		return err
	}
	defer heap.Close(ctx)

	sim := &simulation{
		out:     out,
		heap:    heap,
		handles: make(map[string]*gpuheap.ResourceHandle),
		meshes:  make(map[string]*gpuheap.MeshAllocation),
	}

	if w.Geometry != nil {
		if w.Geometry.Encoding != "" {
			if sim.enc, err = payload.ParseEncoding(w.Geometry.Encoding); err != nil {
				return err
			}
		}
		sim.geo, err = gpuheap.NewGeometryArena(ctx, dev, w.Geometry.VertexBytes, w.Geometry.IndexBytes, opts...)
		if err != nil {
			return err
		}
		defer sim.geo.Close(ctx)
	}

	for i, st := range w.Steps {
		msg, err := sim.step(ctx, st)
		switch {
		case errors.Is(err, gpuheap.ErrOutOfSpace):
			msg = "out of space"
		case err != nil:
			return fmt.Errorf("step %d (%s %s): %w", i, st.Op, st.Name, err)
		}
		fmt.Fprintf(out, "%3d %-10s %-12s %s\n", i, st.Op, st.Name, msg)
	}

	fmt.Fprintf(out, "heap words: %s\n", formatWords(heap.Words()))
	if sim.geo != nil {
		fmt.Fprintf(out, "vertex words: %s\n", formatWords(sim.geo.VertexWords()))
		fmt.Fprintf(out, "index words: %s\n", formatWords(sim.geo.IndexWords()))
	}
	return nil
}

func (s *simulation) step(ctx context.Context, st Step) (string, error) {
	switch st.Op {
	case "alloc":
		if _, ok := s.handles[st.Name]; ok {
			return "", fmt.Errorf("handle %q already allocated", st.Name)
		}
		replicas := st.Replicas
		if replicas == 0 {
			replicas = 1
		}
		h, err := s.heap.Allocate(st.Size, replicas)
		if err != nil {
			return "", err
		}
		s.handles[st.Name] = h
		return fmt.Sprintf("pages [%d, %d)", h.StartPage(), h.StartPage()+h.TotalPages()), nil

	case "free":
		h, ok := s.handles[st.Name]
		if !ok {
			return "", fmt.Errorf("unknown handle %q", st.Name)
		}
		if err := s.heap.Free(h); err != nil {
			return "", err
		}
		delete(s.handles, st.Name)
		return fmt.Sprintf("%d free pages", s.heap.FreePages()), nil
	}

	if s.geo == nil {
		return "", fmt.Errorf("op %q needs a [geometry] section", st.Op)
	}

	switch st.Op {
	case "load":
		if _, ok := s.meshes[st.Name]; ok {
			return "", fmt.Errorf("mesh %q already loaded", st.Name)
		}
		md, err := s.meshData(st)
		if err != nil {
			return "", err
		}
		m, err := s.geo.LoadMesh(ctx, md)
		if err != nil {
			return "", err
		}
		s.meshes[st.Name] = m
		return fmt.Sprintf("mesh %d vertex @%d", m.ID(), m.VertexOffset), nil

	case "unload":
		m, ok := s.meshes[st.Name]
		if !ok {
			return "", fmt.Errorf("unknown mesh %q", st.Name)
		}
		if err := s.geo.FreeMesh(m); err != nil {
			return "", err
		}
		delete(s.meshes, st.Name)
		return "", nil

	case "defragment":
		stats, err := s.geo.Defragment(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("moved %d ranges, %d bytes", stats.MovedMeshes, stats.MovedBytes), nil

	case "shrink":
		if err := s.geo.ShrinkToFit(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("vertex %d bytes, index %d bytes", s.geo.VertexHeapBytes(), s.geo.IndexHeapBytes()), nil
	}
	return "", fmt.Errorf("unknown op %q", st.Op)
}

// meshData builds synthetic geometry for a load step.
func (s *simulation) meshData(st Step) (gpuheap.MeshData, error) {
	md := gpuheap.MeshData{
		Vertices:     synthetic(st.VertexCount * st.VertexStride),
		VertexStride: st.VertexStride,
		Indices:      synthetic(st.IndexCount * st.IndexStride),
		IndexStride:  st.IndexStride,
	}
	if s.enc == payload.Raw {
		return md, nil
	}

	var err error
	if md.Vertices, err = payload.Encode(md.Vertices, s.enc); err != nil {
		return md, err
	}
	if len(md.Indices) > 0 {
		if md.Indices, err = payload.Encode(md.Indices, s.enc); err != nil {
			return md, err
		}
	}
	md.Encoded = true
	return md, nil
}

func synthetic(n uint64) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 61)
	}
	return out
}
