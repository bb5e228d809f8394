package torch_loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/gpustack/torch-loader-go/util/httpx"
	"github.com/gpustack/torch-loader-go/util/osx"
	"github.com/gpustack/torch-loader-go/util/stringx"
)

// Archive is a zip archive written by torch.save,
// it holds "<subdir>/data.pkl" with the metadata,
// and one "<subdir>/data/<member>" entry per storage.
type Archive struct {
	name   string
	size   int64
	mtime  time.Time
	ra     io.ReaderAt
	closer io.Closer
	zr     *zip.Reader
	subdir string
}

// NewArchive opens an archive over the given io.ReaderAt,
// the name is used to derive the expected subdirectory.
func NewArchive(name string, r io.ReaderAt, size int64) (*Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", name, ErrCorruptArchive, err)
	}

	a := &Archive{
		name: name,
		size: size,
		ra:   r,
		zr:   zr,
	}
	a.subdir = a.findSubdirectory()
	return a, nil
}

// OpenArchive opens a local archive.
func OpenArchive(p string, opts ...LoadOption) (*Archive, error) {
	var o _LoadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !osx.ExistsFile(p) {
		return nil, fmt.Errorf("open %s: %w", p, ErrMissingFile)
	}

	var (
		ra     io.ReaderAt
		closer io.Closer
		size   int64
	)
	if o.MMap {
		mf, err := osx.OpenMmapFile(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		ra, closer, size = mf, mf, mf.Len()
	} else {
		f, err := osx.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		st, err := f.Stat()
		if err != nil {
			osx.Close(f)
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		ra, closer, size = f, f, st.Size()
	}

	a, err := NewArchive(p, ra, size)
	if err != nil {
		osx.Close(closer)
		return nil, err
	}
	a.closer = closer
	if st, err := os.Stat(osx.InlineTilde(p)); err == nil {
		a.mtime = st.ModTime()
	}
	return a, nil
}

// OpenArchiveRemote opens an archive from a remote URL,
// which must support ranged requests.
func OpenArchiveRemote(ctx context.Context, url string, opts ...LoadOption) (*Archive, error) {
	var o _LoadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cli := remoteClient(url, o)
	req, err := httpx.NewGetRequestWithContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	sf, err := httpx.OpenSeekerFile(cli, req,
		httpx.SeekerFileOptions().
			WithBufferSize(o.BufferSize).
			If(o.SkipRangeDownloadDetection,
				func(x *httpx.SeekerFileOption) *httpx.SeekerFileOption {
					return x.WithoutRangeDownloadDetect()
				},
			),
	)
	if err != nil {
		return nil, fmt.Errorf("open http file: %w", err)
	}

	a, err := NewArchive(path.Base(req.URL.Path), sf, sf.Len())
	if err != nil {
		osx.Close(sf)
		return nil, err
	}
	a.closer = sf
	return a, nil
}

func remoteClient(url string, o _LoadOptions) *http.Client {
	return httpx.Client(
		httpx.ClientOptions().
			WithUserAgent("torch-loader-go").
			If(o.Debug,
				func(x *httpx.ClientOption) *httpx.ClientOption {
					return x.WithDebug()
				},
			).
			If(o.BearerAuthToken != "",
				func(x *httpx.ClientOption) *httpx.ClientOption {
					return x.WithBearerAuth(o.BearerAuthToken)
				},
			).
			WithTimeout(0).
			WithTransport(
				httpx.TransportOptions().
					WithoutKeepalive().
					TimeoutForDial(5*time.Second).
					TimeoutForTLSHandshake(5*time.Second).
					TimeoutForResponseHeader(5*time.Second).
					If(o.SkipProxy,
						func(x *httpx.TransportOption) *httpx.TransportOption {
							return x.WithoutProxy()
						},
					).
					If(o.ProxyURL != nil,
						func(x *httpx.TransportOption) *httpx.TransportOption {
							return x.WithProxy(http.ProxyURL(o.ProxyURL))
						},
					).
					If(o.SkipTLSVerification || !strings.HasPrefix(url, "https://"),
						func(x *httpx.TransportOption) *httpx.TransportOption {
							return x.WithoutInsecureVerify()
						},
					).
					If(o.SkipDNSCache,
						func(x *httpx.TransportOption) *httpx.TransportOption {
							return x.WithoutDNSCache()
						},
					),
			),
	)
}

// Name returns the name of the archive.
func (a *Archive) Name() string {
	return a.name
}

// Size returns the size in bytes of the archive.
func (a *Archive) Size() int64 {
	return a.size
}

// ModTime returns the modification time of a local archive,
// or the zero time.
func (a *Archive) ModTime() time.Time {
	return a.mtime
}

// Subdirectory returns the folder holding the metadata and the payloads.
func (a *Archive) Subdirectory() string {
	return a.subdir
}

// findSubdirectory prefers the base name without extension,
// e.g. "consolidated.00" for "consolidated.00.pth",
// and falls back to the folder of the first "*/data.pkl" entry.
func (a *Archive) findSubdirectory() string {
	base := filepath.Base(a.name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	for _, f := range a.zr.File {
		if f.Name == base+"/data.pkl" {
			return base
		}
	}
	for _, f := range a.zr.File {
		dir, file := path.Split(f.Name)
		if file == "data.pkl" && dir != "" && strings.Count(dir, "/") == 1 {
			return strings.TrimSuffix(dir, "/")
		}
	}
	return base
}

// MetadataEntry returns the entry of the pickled metadata.
func (a *Archive) MetadataEntry() (*zip.File, error) {
	n := a.subdir + "/data.pkl"
	for _, f := range a.zr.File {
		if f.Name == n {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%s: %w: no %s entry", a.name, ErrCorruptArchive, n)
}

// DataEntries returns the payload entries sorted by name.
func (a *Archive) DataEntries() []*zip.File {
	prefix := a.subdir + "/data/"
	var r []*zip.File
	for _, f := range a.zr.File {
		if strings.HasPrefix(f.Name, prefix) && len(f.Name) > len(prefix) && !strings.HasSuffix(f.Name, "/") {
			r = append(r, f)
		}
	}
	sort.Slice(r, func(i, j int) bool {
		return r[i].Name < r[j].Name
	})
	return r
}

// DataEntry returns the payload entry of the given member.
func (a *Archive) DataEntry(member string) (*zip.File, bool) {
	n := a.subdir + "/data/" + member
	for _, f := range a.zr.File {
		if f.Name == n {
			return f, true
		}
	}
	return nil, false
}

// MemberName returns the storage member name of a payload entry.
func MemberName(f *zip.File) string {
	if _, m, ok := stringx.CutFromRight(f.Name, "/"); ok {
		return m
	}
	return f.Name
}

// _SectionReadCloser keeps the io.Seeker of a stored entry visible.
type _SectionReadCloser struct {
	*io.SectionReader
}

func (_SectionReadCloser) Close() error {
	return nil
}

// Open opens the entry for reading,
// stored entries are seekable.
func (a *Archive) Open(f *zip.File) (io.ReadCloser, error) {
	if f.Method == zip.Store {
		off, err := f.DataOffset()
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", f.Name, ErrCorruptArchive, err)
		}
		return _SectionReadCloser{io.NewSectionReader(a.ra, off, int64(f.UncompressedSize64))}, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", f.Name, ErrCorruptArchive, err)
	}
	return rc, nil
}

// DecodeMetadata decodes the metadata entry with the given decoder.
func (a *Archive) DecodeMetadata(dec MetadataDecoder) (map[string]TensorDescriptor, error) {
	f, err := a.MetadataEntry()
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", f.Name, ErrCorruptArchive, err)
	}
	defer osx.Close(rc)

	tds, err := dec.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: decode metadata: %w", a.name, err)
	}
	return tds, nil
}

// Close releases the underlying file or connection.
func (a *Archive) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}
