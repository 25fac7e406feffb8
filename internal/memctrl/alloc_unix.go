//go:build unix

package memctrl

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func allocate(size uint64) ([]byte, func() error, error) {
	if size > uint64(int(^uint(0)>>1)) {
		return nil, nil, fmt.Errorf("size %#x too large", size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
