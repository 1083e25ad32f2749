//go:build linux

package engine

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves blocks with fallocate so concurrent positional
// writes land on allocated extents, then sets the visible length. File
// systems without fallocate support fall back to the plain truncate.
func preallocate(f *os.File, size uint64) error {
	if size > 0 {
		err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, int64(size))
		if err != nil && !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.EINVAL) {
			return err
		}
	}
	return f.Truncate(int64(size))
}
