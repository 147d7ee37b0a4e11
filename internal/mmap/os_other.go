//go:build !unix && !windows

package mmap

// Platforms without anonymous mappings fall back to heap memory, which the
// runtime has already zeroed and touched.
func osMapAnon(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}

func osPrefault([]byte) error { return nil }
