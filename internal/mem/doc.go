// Package mem provides aligned host memory allocation.
//
// Device-local arenas simulated in host memory are placed at a 64 KiB
// boundary, the same granularity real GPU heaps are placed at.
package mem
