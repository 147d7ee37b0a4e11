package testutil

import (
	"math"
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Bytes returns n pseudo-random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, n)
	_, _ = r.rand.Read(out)
	return out
}

// Zipf returns a Zipfian-distributed value in [0, n).
// P(k) ∝ 1/k^s; larger s concentrates mass on small values.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}
	return n - 1
}

// AllocSizes returns n allocation sizes in [1, maxBytes]. Sizes are drawn
// in 64 buckets with a Zipf skew s, so small requests dominate the way
// per-draw constant buffers do.
func (r *RNG) AllocSizes(n int, maxBytes uint64, s float64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	const buckets = 64
	width := max(1, maxBytes/buckets)
	sizes := make([]uint64, n)
	for i := range sizes {
		b := uint64(r.zipfLocked(buckets, s))
		size := b*width + uint64(r.rand.Int63n(int64(width))) + 1
		sizes[i] = min(size, maxBytes)
	}
	return sizes
}
