// Package fsutil holds the file helpers shared by snapshot export, enrichment
// input and output, and config initialization.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// OpenScoped opens a regular file through an os.Root at its directory, so a
// symlinked name cannot resolve outside that directory.
func OpenScoped(path string) (*os.File, error) {
	dir, name := filepath.Split(filepath.Clean(path))
	if name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid file path: %q", path)
	}
	if dir == "" {
		dir = "."
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return f, nil
}
