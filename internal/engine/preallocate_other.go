//go:build !linux

package engine

import "os"

func preallocate(f *os.File, size uint64) error {
	return f.Truncate(int64(size))
}
