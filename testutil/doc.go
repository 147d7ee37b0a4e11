// Package testutil provides testing utilities for gpuheap.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded random source for allocation workloads and a
// naive reference model of a page pool to check allocators against.
//
// # Random Workloads
//
//	rng := testutil.NewRNG(seed)
//	sizes := rng.AllocSizes(1000, 4096, 1.2) // Zipf-skewed byte sizes
//	data := rng.Bytes(256)
//
// # Reference Model
//
//	model := testutil.NewPageModel(pageCount)
//	start, ok := model.FirstFit(pages)
//	model.Use(start, pages)
//	assert.Equal(t, model.FreeWords(), bitmap.Words())
package testutil
