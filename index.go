package torch_loader

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync/atomic"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/gpustack/torch-loader-go/util/httpx"
	"github.com/gpustack/torch-loader-go/util/json"
	"github.com/gpustack/torch-loader-go/util/osx"
)

// ShardIndexFilename is the name of the index of a sharded transformers checkpoint.
const ShardIndexFilename = "pytorch_model.bin.index.json"

type (
	// ShardIndex maps every parameter of a sharded checkpoint to its shard file,
	// see https://huggingface.co/docs/transformers/big_models.
	ShardIndex struct {
		Metadata  ShardIndexMetadata `json:"metadata"`
		WeightMap map[string]string  `json:"weight_map"`
	}

	// ShardIndexMetadata is the metadata of a ShardIndex.
	ShardIndexMetadata struct {
		// TotalSize is the total size of the parameters, in bytes.
		TotalSize int64 `json:"total_size"`
	}
)

// ParseShardIndex parses the index file at the given path.
func ParseShardIndex(path string) (*ShardIndex, error) {
	f, err := osx.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingFile, err)
	}
	defer osx.Close(f)

	var idx ShardIndex
	if err = json.DecodeFrom(f, &idx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFormatMismatch, path, err)
	}
	if err := idx.check(); err != nil {
		return nil, err
	}
	return &idx, nil
}

// ParseShardIndexRemote parses the index file at the given URL.
func ParseShardIndexRemote(ctx context.Context, url string, opts ...LoadOption) (*ShardIndex, error) {
	var o _LoadOptions
	for _, opt := range opts {
		opt(&o)
	}

	req, err := httpx.NewGetRequestWithContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	var idx ShardIndex
	err = httpx.Do(remoteClient(url, o), req, func(resp *http.Response) error {
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrMissingFile, url)
		default:
			return fmt.Errorf("get %s: %s", url, resp.Status)
		}
		if err := json.DecodeFrom(resp.Body, &idx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrFormatMismatch, url, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := idx.check(); err != nil {
		return nil, err
	}
	return &idx, nil
}

// ParseShardIndexFromHuggingFace parses the index file of a Hugging Face(https://huggingface.co/) repository.
func ParseShardIndexFromHuggingFace(ctx context.Context, repo string, opts ...LoadOption) (*ShardIndex, error) {
	return ParseShardIndexRemote(ctx, HuggingFaceFileURL(repo, ShardIndexFilename), opts...)
}

func (idx *ShardIndex) check() error {
	if len(idx.WeightMap) == 0 {
		return fmt.Errorf("%w: empty weight map", ErrFormatMismatch)
	}
	for k, f := range idx.WeightMap {
		if f == "" || filepath.Base(f) != f {
			return fmt.Errorf("%w: %q is stored in %q", ErrFormatMismatch, k, f)
		}
	}
	return nil
}

// ListDataFiles returns the distinct shard file names, sorted.
func (idx *ShardIndex) ListDataFiles() []string {
	set := make(map[string]struct{}, len(idx.WeightMap))
	for _, f := range idx.WeightMap {
		set[f] = struct{}{}
	}
	fs := maps.Keys(set)
	sort.Strings(fs)
	return fs
}

// ComputeDataSize returns the total size of the shard files in the given directory,
// or ErrMissingFile naming an absent file.
func (idx *ShardIndex) ComputeDataSize(dir string) (int64, error) {
	var (
		total atomic.Int64
		g     errgroup.Group
	)
	g.SetLimit(8)
	for _, f := range idx.ListDataFiles() {
		p := filepath.Join(dir, f)
		g.Go(func() error {
			if !osx.ExistsFile(p) {
				return fmt.Errorf("%w: %s", ErrMissingFile, p)
			}
			n, err := osx.FileSize(p)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrMissingFile, err)
			}
			total.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total.Load(), nil
}

// Validate checks every shard file is present,
// and that they are large enough to hold the parameters.
func (idx *ShardIndex) Validate(dir string) error {
	n, err := idx.ComputeDataSize(dir)
	if err != nil {
		return err
	}
	if idx.Metadata.TotalSize > n {
		return fmt.Errorf("%w: total size %v exceeds the %v of the shard files",
			ErrFormatMismatch, BytesScalar(idx.Metadata.TotalSize), BytesScalar(n))
	}
	return nil
}
