//go:build linux

package unvme

import (
	"golang.org/x/sys/unix"
)

// pgmap allocates page-aligned anonymous memory suitable for dma mapping.
// The queue pair owns these pages and releases them at close.
func pgmap(length int, pageSize uint64) ([]byte, error) {
	n := (length + int(pageSize) - 1) &^ (int(pageSize) - 1)

	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	return b, nil
}

func pgunmap(b []byte) error {
	return unix.Munmap(b)
}
