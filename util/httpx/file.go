package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"

	"github.com/smallnest/ringbuffer"

	"github.com/gpustack/torch-loader-go/util/bytex"
)

// SeekerFile is a remote file readable at random offsets,
// it reads ahead with ranged GET requests into a ring buffer,
// so that sequential reads of an archive entry need few round trips.
type SeekerFile struct {
	cli *http.Client
	req *http.Request
	b   *ringbuffer.RingBuffer
	c   int64 // offset of the first buffered byte.
	l   int64
}

func OpenSeekerFile(cli *http.Client, req *http.Request, opts ...*SeekerFileOption) (*SeekerFile, error) {
	if cli == nil {
		return nil, errors.New("client is nil")
	}
	if req == nil {
		return nil, errors.New("request is nil")
	}
	if req.Method != http.MethodGet {
		return nil, errors.New("request method is not GET")
	}

	var o *SeekerFileOption
	if len(opts) > 0 && opts[0] != nil {
		o = opts[0]
	} else {
		o = SeekerFileOptions()
	}

	var l int64
	{
		req := req.Clone(req.Context())
		if !o.skipRangeDownloadDetect {
			req.Method = http.MethodHead
		}
		err := Do(cli, req, func(resp *http.Response) error {
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("stat: status code %d", resp.StatusCode)
			}
			if !o.skipRangeDownloadDetect && !strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") {
				return errors.New("stat: not support range download")
			}
			l = resp.ContentLength
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("stat: %w", err)
		}
		if l < 0 {
			return nil, errors.New("stat: unknown content length")
		}
	}

	b := ringbuffer.New(o.bufSize)
	return &SeekerFile{cli: cli, req: req, b: b, l: l}, nil
}

func (f *SeekerFile) Close() error {
	if f.b != nil {
		f.b.Reset()
	}
	return nil
}

func (f *SeekerFile) Len() int64 {
	return f.l
}

func (f *SeekerFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	if off >= f.l {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	var n int
	for n < len(p) {
		pos := off + int64(n)
		if pos >= f.l {
			return n, io.EOF
		}

		// Refill when moving backward, beyond the buffered window, or drained.
		buffered := int64(f.b.Length())
		if pos < f.c || pos >= f.c+buffered {
			if err := f.fill(pos); err != nil {
				return n, err
			}
			if f.b.IsEmpty() {
				return n, io.ErrUnexpectedEOF
			}
		} else if err := f.discard(pos - f.c); err != nil {
			return n, err
		}

		m, err := f.b.Read(p[n:])
		f.c += int64(m)
		n += m
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return n, err
		}
	}
	return n, nil
}

func (f *SeekerFile) fill(off int64) error {
	f.b.Reset()
	f.c = off

	lim := off + int64(f.b.Capacity()) - 1
	if lim >= f.l {
		lim = f.l - 1
	}
	req := f.req.Clone(f.req.Context())
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, lim))

	return Do(f.cli, req, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusPartialContent {
			return fmt.Errorf("range read: %s", resp.Status)
		}

		buf := bytex.GetBytes()
		defer bytex.Put(buf)

		remain := lim - off + 1
		for remain > 0 {
			if int64(len(buf)) > remain {
				buf = buf[:remain]
			}
			m, err := io.ReadFull(resp.Body, buf)
			if m > 0 {
				if _, werr := f.b.Write(buf[:m]); werr != nil {
					return werr
				}
				remain -= int64(m)
			}
			if err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
		return nil
	})
}

func (f *SeekerFile) discard(dif int64) error {
	if dif <= 0 {
		return nil
	}

	return bytex.WithBytes(func(buf bytex.Bytes) error {
		for dif > 0 {
			b := buf
			if int64(len(b)) > dif {
				b = b[:dif]
			}
			m, err := f.b.Read(b)
			f.c += int64(m)
			dif -= int64(m)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
