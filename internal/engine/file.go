package engine

import (
	"fmt"
	"os"
)

// prepareOutputFile opens the destination read/write and preallocates it
// to size unless a resumed file already spans it.
func prepareOutputFile(path string, size uint64, resume bool) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !resume || uint64(info.Size()) < size {
		if err := preallocate(f, size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to preallocate %s: %w", path, err)
		}
	}
	return f, nil
}
