//go:build !unix

package osx

import (
	"io"
	"os"
)

// Platforms without mmap read the whole file into memory.
func mmap(f *os.File, length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, err
	}
	return b, nil
}

func munmap([]byte) error {
	return nil
}
