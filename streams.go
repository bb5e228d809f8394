package torch_loader

import (
	"errors"
	"fmt"
	"io"

	"github.com/gpustack/torch-loader-go/util/bytex"
)

// readExact fills buf from r.
func readExact(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: unexpected end of entry", ErrCorruptArchive)
		}
		return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	return nil
}

// skipBytes moves n bytes forward,
// seeking if r is an io.Seeker and reading otherwise.
func skipBytes(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if s, ok := r.(io.Seeker); ok {
		if _, err := s.Seek(n, io.SeekCurrent); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
		}
		return nil
	}
	return bytex.WithBytes(func(buf bytex.Bytes) error {
		for n > 0 {
			b := buf
			if int64(len(b)) > n {
				b = b[:n]
			}
			if err := readExact(r, b); err != nil {
				return err
			}
			n -= int64(len(b))
		}
		return nil
	})
}

// skipZeros moves n bytes forward by reading,
// and fails if any of them is not zero.
func skipZeros(r io.Reader, n int64) error {
	return bytex.WithBytes(func(buf bytex.Bytes) error {
		for n > 0 {
			b := buf
			if int64(len(b)) > n {
				b = b[:n]
			}
			if err := readExact(r, b); err != nil {
				return err
			}
			for _, v := range b {
				if v != 0 {
					return fmt.Errorf("%w: non-zero padding", ErrOverlapOrOutOfBounds)
				}
			}
			n -= int64(len(b))
		}
		return nil
	})
}

// concatTensors reads the shards one after another into dst.
func concatTensors(dst []byte, rs []io.Reader, lengths []int64) error {
	var off int64
	for i := range rs {
		if err := readExact(rs[i], dst[off:off+lengths[i]]); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		off += lengths[i]
	}
	return nil
}

// concatRows interleaves the rows of the shards into dst,
// row i of the result is row i of shard 0, then row i of shard 1, and so on.
func concatRows(dst []byte, rs []io.Reader, rowBytes []int64, rows int64) error {
	var off int64
	for r := int64(0); r < rows; r++ {
		for i := range rs {
			if err := readExact(rs[i], dst[off:off+rowBytes[i]]); err != nil {
				return fmt.Errorf("shard %d row %d: %w", i, r, err)
			}
			off += rowBytes[i]
		}
	}
	return nil
}
