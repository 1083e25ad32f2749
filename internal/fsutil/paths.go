package fsutil

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFilename is used when nothing better can be inferred from the URL.
const DefaultFilename = "download.bin"

// PartMapSuffix is appended to the output path to derive the part map path.
const PartMapSuffix = ".kdl.partmap"

// InferOutputPath resolves the destination file path. provided may be
// empty (name inferred from the URL), an existing file or directory, or a
// not-yet-existing path; a trailing separator marks it as a directory to
// create. The second result reports whether the file NAME was inferred
// rather than given explicitly, so a server-suggested filename may still
// override it.
func InferOutputPath(provided string, primary *url.URL) (string, bool, error) {
	if provided == "" {
		return FilenameFromURL(primary), true, nil
	}

	if info, err := os.Stat(provided); err == nil {
		if info.IsDir() {
			return filepath.Join(provided, FilenameFromURL(primary)), true, nil
		}
		return provided, false, nil
	}

	if strings.HasSuffix(provided, string(os.PathSeparator)) {
		if err := os.MkdirAll(provided, 0o755); err != nil {
			return "", false, fmt.Errorf("create directory %s: %w", provided, err)
		}
		return filepath.Join(provided, FilenameFromURL(primary)), true, nil
	}

	if err := EnsureParentDir(provided); err != nil {
		return "", false, err
	}
	return provided, false, nil
}

// FilenameFromURL returns the last non-empty path segment of the URL, or
// DefaultFilename when the path carries no usable name.
func FilenameFromURL(u *url.URL) string {
	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if name := strings.TrimSpace(segments[i]); name != "" {
			return name
		}
	}
	return DefaultFilename
}

// PartMapPath derives the part map path for an output file.
func PartMapPath(output string) string {
	return output + PartMapSuffix
}

// EnsureParentDir creates the parent directory of path when missing.
func EnsureParentDir(path string) error {
	parent := filepath.Dir(path)
	if parent == "" || parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", parent, err)
	}
	return nil
}
