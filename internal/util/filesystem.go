package util

import (
	"errors"
	"io/fs"
	"os"
)

func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// Exists reports whether path is present on disk, file or directory.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
