package bytex

import (
	"bytes"
	"sync"
)

// DefaultSize is the size of the pooled buffers,
// it also bounds the discard buffer used when skipping padding.
const DefaultSize = 16 * 1024

type (
	Bytes       = []byte
	BytesBuffer = *bytes.Buffer
)

var gp = sync.Pool{
	New: func() any {
		buf := make(Bytes, DefaultSize)
		return &buf
	},
}

// GetBytes gets a bytes buffer from the pool,
// which can specify with a size,
// default is 16k.
func GetBytes(size ...uint64) Bytes {
	buf := *(gp.Get().(*Bytes))

	s := DefaultSize
	if len(size) != 0 && size[0] != 0 {
		s = int(size[0])
	}
	if cap(buf) >= s {
		return buf[:s]
	}

	gp.Put(&buf)

	ns := s
	if ns < DefaultSize {
		ns = DefaultSize
	}
	buf = make(Bytes, ns)
	return buf[:s]
}

// WithBytes relies on GetBytes to get a buffer,
// calls the function with the buffer,
// finally, puts it back to the pool after the function returns.
func WithBytes(fn func(Bytes) error, size ...uint64) error {
	if fn == nil {
		return nil
	}

	buf := GetBytes(size...)
	defer Put(buf)
	return fn(buf)
}

// GetBuffer is similar to GetBytes,
// but it returns the bytes buffer wrapped by bytes.Buffer.
func GetBuffer(size ...uint64) BytesBuffer {
	return bytes.NewBuffer(GetBytes(size...)[:0])
}

// Put puts the buffer(either Bytes or BytesBuffer) back to the pool.
func Put[T Bytes | BytesBuffer](buf T) {
	switch v := any(buf).(type) {
	case Bytes:
		gp.Put(&v)
	case BytesBuffer:
		bs := v.Bytes()
		gp.Put(&bs)
		v.Reset()
	}
}
