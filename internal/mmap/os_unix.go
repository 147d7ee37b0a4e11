//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

func osMapAnon(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data, unix.Munmap, nil
}

// osPrefault asks the kernel to back the whole mapping before first use.
func osPrefault(data []byte) error {
	if err := unix.Madvise(data, unix.MADV_WILLNEED); err != nil && err != unix.EINVAL {
		return err
	}
	// WILLNEED alone does not populate anonymous memory on every kernel.
	touchPages(data, unix.Getpagesize())
	return nil
}
