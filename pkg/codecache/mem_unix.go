//go:build unix

package codecache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mapExecutable(size int) ([]byte, bool, error) {
	buf, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mmap code cache: %w", err)
	}
	return buf, true, nil
}

func unmap(buf []byte) error {
	return unix.Munmap(buf)
}
