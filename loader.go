package torch_loader

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"

	"github.com/gpustack/torch-loader-go/util/osx"
)

// Loader loads checkpoint archives into device tensors.
//
// The loaded tensors are owned by the Loader until Take is called,
// Close disposes the tensors still owned.
// A Loader is not safe for concurrent use.
type Loader struct {
	dev     Device
	traits  LoadTraits
	opts    []LoadOption
	o       _LoadOptions
	log     zerolog.Logger
	tensors map[string]Tensor
}

// NewLoader returns a Loader creating tensors on the given device.
func NewLoader(dev Device, traits LoadTraits, opts ...LoadOption) *Loader {
	var o _LoadOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.MetadataDecoder == nil {
		o.MetadataDecoder = PickleMetadataDecoder{}
	}

	l := &Loader{
		dev:     dev,
		traits:  traits,
		opts:    opts,
		o:       o,
		log:     zerolog.Nop(),
		tensors: map[string]Tensor{},
	}
	if o.Logger != nil {
		l.log = *o.Logger
	}
	return l
}

func (l *Loader) verifyShards() bool {
	if l.o.VerifyShards != nil {
		return *l.o.VerifyShards
	}
	return defaultVerifyShards
}

// Tensors returns the loaded tensors,
// the map must not be modified.
func (l *Loader) Tensors() map[string]Tensor {
	return l.tensors
}

// Take transfers the ownership of the loaded tensors to the caller.
func (l *Loader) Take() map[string]Tensor {
	r := l.tensors
	l.tensors = map[string]Tensor{}
	return r
}

// Close disposes the loaded tensors,
// tensors shared by several keys are closed once.
func (l *Loader) Close() error {
	err := closeUnique(maps.Values(l.tensors))
	l.tensors = map[string]Tensor{}
	return err
}

func closeUnique(ts []Tensor) error {
	var (
		closed = make(map[Tensor]struct{}, len(ts))
		first  error
	)
	for _, t := range ts {
		if t == nil {
			continue
		}
		if _, ok := closed[t]; ok {
			continue
		}
		closed[t] = struct{}{}
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// _TableGuard tracks the tensors added by one call,
// and disposes them unless the call commits.
type _TableGuard struct {
	l         *Loader
	added     []string
	committed bool
}

func (l *Loader) guard() *_TableGuard {
	return &_TableGuard{l: l}
}

func (g *_TableGuard) add(key string, t Tensor) error {
	if _, ok := g.l.tensors[key]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyLoaded, key)
	}
	g.l.tensors[key] = t
	g.added = append(g.added, key)
	return nil
}

func (g *_TableGuard) commit() {
	g.committed = true
}

func (g *_TableGuard) release() {
	if g.committed {
		return
	}
	ts := make([]Tensor, 0, len(g.added))
	for _, k := range g.added {
		ts = append(ts, g.l.tensors[k])
		delete(g.l.tensors, k)
	}
	_ = closeUnique(ts)
	g.added = nil
}

// addOrClose adds the tensor, or closes it if the key is taken.
func (g *_TableGuard) addOrClose(key string, t Tensor) error {
	if err := g.add(key, t); err != nil {
		_ = t.Close()
		return err
	}
	return nil
}

func (l *Loader) finish(g *_TableGuard, start time.Time) error {
	if !l.o.SkipWaitForCompression {
		if err := l.dev.WaitForPendingCompression(); err != nil {
			return fmt.Errorf("wait for compression: %w", err)
		}
	}
	g.commit()
	l.o.Metrics.observeLoad(time.Since(start).Seconds())
	return nil
}

// LoadArchive loads every tensor of the archive.
//
// On failure, the tensors created by this call are disposed.
func (l *Loader) LoadArchive(ctx context.Context, a *Archive) error {
	start := time.Now()

	tds, err := l.decodeMetadata(a)
	if err != nil {
		return err
	}

	g := l.guard()
	defer g.release()

	if err = l.loadSingle(ctx, g, a, tds); err != nil {
		return err
	}
	return l.finish(g, start)
}

// LoadFile loads the archive at the given path.
func (l *Loader) LoadFile(ctx context.Context, path string) error {
	return l.LoadFiles(ctx, path)
}

// LoadFiles loads a checkpoint made of the given archives,
// more than one archive are merged as the shards of one checkpoint,
// ordered by path.
func (l *Loader) LoadFiles(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: no archives", ErrMissingFile)
	}
	ps := append([]string(nil), paths...)
	sort.Strings(ps)

	as := make([]*Archive, 0, len(ps))
	defer func() {
		for i := range as {
			osx.Close(as[i])
		}
	}()
	for _, p := range ps {
		a, err := OpenArchive(p, l.opts...)
		if err != nil {
			return err
		}
		as = append(as, a)
	}

	if len(as) == 1 {
		return l.LoadArchive(ctx, as[0])
	}
	return l.MergeArchives(ctx, as)
}

// LoadRemote is similar to LoadFiles but reads the archives from remote URLs.
func (l *Loader) LoadRemote(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return fmt.Errorf("%w: no archives", ErrMissingFile)
	}
	us := append([]string(nil), urls...)
	sort.Strings(us)

	as := make([]*Archive, 0, len(us))
	defer func() {
		for i := range as {
			osx.Close(as[i])
		}
	}()
	for _, u := range us {
		a, err := OpenArchiveRemote(ctx, u, l.opts...)
		if err != nil {
			return err
		}
		as = append(as, a)
	}

	if len(as) == 1 {
		return l.LoadArchive(ctx, as[0])
	}
	return l.MergeArchives(ctx, as)
}

// LoadFromHuggingFace loads the given files of a Hugging Face(https://huggingface.co/) repository.
func (l *Loader) LoadFromHuggingFace(ctx context.Context, repo string, files ...string) error {
	urls := make([]string, len(files))
	for i := range files {
		urls[i] = HuggingFaceFileURL(repo, files[i])
	}
	return l.LoadRemote(ctx, urls...)
}

// HuggingFaceFileURL returns the download URL of a repository file,
// the endpoint can be overridden by the HF_ENDPOINT environment variable.
func HuggingFaceFileURL(repo, file string) string {
	ep := osx.Getenv("HF_ENDPOINT", "https://huggingface.co")
	return fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimSuffix(ep, "/"), repo, file)
}

// LoadTransformer loads a Hugging Face transformers checkpoint,
// which is indexed by "pytorch_model.bin.index.json" in the given directory.
//
// Every parameter of the weight map must be loaded.
func (l *Loader) LoadTransformer(ctx context.Context, dir string) error {
	start := time.Now()

	idx, err := ParseShardIndex(filepath.Join(dir, ShardIndexFilename))
	if err != nil {
		return err
	}
	if err = idx.Validate(dir); err != nil {
		return err
	}

	g := l.guard()
	defer g.release()

	for _, f := range idx.ListDataFiles() {
		if err = l.loadIndexedFile(ctx, g, filepath.Join(dir, f)); err != nil {
			return err
		}
	}

	var missing []string
	for k := range idx.WeightMap {
		if _, ok := l.tensors[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) != 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrMissingPayload, strings.Join(missing, ", "))
	}
	return l.finish(g, start)
}

func (l *Loader) loadIndexedFile(ctx context.Context, g *_TableGuard, path string) error {
	a, err := OpenArchive(path, l.opts...)
	if err != nil {
		return err
	}
	defer osx.Close(a)

	tds, err := l.decodeMetadata(a)
	if err != nil {
		return err
	}
	return l.loadSingle(ctx, g, a, tds)
}

// decodeMetadata decodes the metadata of the archive,
// through the cache if enabled.
func (l *Loader) decodeMetadata(a *Archive) (map[string]TensorDescriptor, error) {
	if l.o.CachePath == "" || a.ModTime().IsZero() {
		return a.DecodeMetadata(l.o.MetadataDecoder)
	}

	c := MetadataCache(l.o.CachePath)
	key := c.Key(a)
	if tds, err := c.Get(key, l.o.CacheExpiration); err == nil {
		l.log.Debug().Str("archive", a.Name()).Msg("metadata cache hit")
		return tds, nil
	}

	tds, err := a.DecodeMetadata(l.o.MetadataDecoder)
	if err != nil {
		return nil, err
	}
	if err = c.Put(key, tds); err != nil {
		l.log.Warn().Err(err).Str("archive", a.Name()).Msg("metadata cache put")
	}
	return tds, nil
}
