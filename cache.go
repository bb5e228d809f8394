package torch_loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gpustack/torch-loader-go/util/json"
	"github.com/gpustack/torch-loader-go/util/osx"
	"github.com/gpustack/torch-loader-go/util/stringx"
)

var (
	ErrMetadataCacheDisabled  = errors.New("metadata cache disabled")
	ErrMetadataCacheMissed    = errors.New("metadata cache missed")
	ErrMetadataCacheCorrupted = errors.New("metadata cache corrupted")
)

// MetadataCache is a directory of decoded metadata tables,
// the empty value disables the cache.
type MetadataCache string

// Key returns the cache key of the archive,
// made of its name, size and modification time.
func (c MetadataCache) Key(a *Archive) string {
	return stringx.SumByFNV64a(a.Name(), strconv.FormatInt(a.Size(), 10), strconv.FormatInt(a.ModTime().UnixNano(), 10))
}

func (c MetadataCache) getKeyPath(key string) string {
	return filepath.Join(string(c), key[:1], key+".json")
}

func (c MetadataCache) Get(key string, exp time.Duration) (map[string]TensorDescriptor, error) {
	if c == "" {
		return nil, ErrMetadataCacheDisabled
	}

	if key == "" {
		return nil, ErrMetadataCacheMissed
	}

	p := c.getKeyPath(key)
	if !osx.Exists(p, func(stat os.FileInfo) bool {
		if !stat.Mode().IsRegular() {
			return false
		}
		return exp == 0 || time.Since(stat.ModTime()) < exp
	}) {
		return nil, ErrMetadataCacheMissed
	}

	var tds map[string]TensorDescriptor
	{
		bs, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("metadata cache get: %w", err)
		}
		if err = json.Unmarshal(bs, &tds); err != nil {
			return nil, fmt.Errorf("metadata cache get: %w", err)
		}
	}

	if len(tds) == 0 {
		_ = os.Remove(p)
		return nil, ErrMetadataCacheCorrupted
	}

	return tds, nil
}

func (c MetadataCache) Put(key string, tds map[string]TensorDescriptor) error {
	if c == "" {
		return ErrMetadataCacheDisabled
	}

	if key == "" || len(tds) == 0 {
		return nil
	}

	bs, err := json.Marshal(tds)
	if err != nil {
		return fmt.Errorf("metadata cache put: %w", err)
	}

	p := c.getKeyPath(key)
	if err = osx.WriteFile(p, bs, 0o600); err != nil {
		return fmt.Errorf("metadata cache put: %w", err)
	}
	return nil
}

func (c MetadataCache) Delete(key string) error {
	if c == "" {
		return ErrMetadataCacheDisabled
	}

	if key == "" {
		return ErrMetadataCacheMissed
	}

	p := c.getKeyPath(key)
	if !osx.ExistsFile(p) {
		return ErrMetadataCacheMissed
	}

	if err := os.Remove(p); err != nil {
		return fmt.Errorf("metadata cache delete: %w", err)
	}
	return nil
}
