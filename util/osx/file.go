package osx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// InlineTilde replaces the leading ~ with the home directory.
func InlineTilde(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		hd, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(hd, path[2:])
		}
	}
	return path
}

// Open is similar to os.Open but supports ~ as the home directory.
func Open(path string) (*os.File, error) {
	p := filepath.Clean(path)
	p = InlineTilde(p)
	return os.Open(p)
}

// Exists checks if the given path exists.
func Exists(path string, checks ...func(os.FileInfo) bool) bool {
	stat, err := os.Lstat(InlineTilde(path))
	if err != nil {
		return false
	}

	for i := range checks {
		if checks[i] == nil {
			continue
		}

		if !checks[i](stat) {
			return false
		}
	}

	return true
}

// ExistsDir checks if the given path exists and is a directory.
func ExistsDir(path string) bool {
	return Exists(path, func(stat os.FileInfo) bool {
		return stat.Mode().IsDir()
	})
}

// ExistsFile checks if the given path exists and is a regular file.
func ExistsFile(path string) bool {
	return Exists(path, func(stat os.FileInfo) bool {
		return stat.Mode().IsRegular()
	})
}

// FileSize returns the size of the given regular file,
// or an error if the path is missing or not a regular file.
func FileSize(path string) (int64, error) {
	stat, err := os.Stat(InlineTilde(path))
	if err != nil {
		return 0, err
	}
	if !stat.Mode().IsRegular() {
		return 0, &os.PathError{Op: "stat", Path: path, Err: os.ErrInvalid}
	}
	return stat.Size(), nil
}

// WriteFile is similar to os.WriteFile,
// but creates the parent directories if needed.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	p := InlineTilde(filepath.Clean(path))
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, data, perm)
}

// Close closes the given io.Closer without error.
func Close(c io.Closer) {
	if c == nil {
		return
	}
	_ = c.Close()
}
