//go:build unix

package citestream

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var errMmapUnsupported = errors.New("mmap unsupported")

// mapFile maps f read-only and advises sequential access. Empty files cannot
// be mapped and fall back to plain reads.
func mapFile(f *os.File) ([]byte, func() error, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil, errMmapUnsupported
	}
	if size != int64(int(size)) {
		return nil, nil, fmt.Errorf("file too large to map: %d bytes", size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	// Advisory only.
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	return data, func() error { return unix.Munmap(data) }, nil
}
