package torch_loader

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gpustack/torch-loader-go/util/osx"
)

// loadSingle streams every payload entry of the archive.
func (l *Loader) loadSingle(ctx context.Context, g *_TableGuard, a *Archive, tds map[string]TensorDescriptor) error {
	lm := MakeLoadMap(tds)
	var count int

	for _, f := range a.DataEntries() {
		if err := ctx.Err(); err != nil {
			return err
		}

		group, ok := lm.Take(MemberName(f))
		if !ok {
			return fmt.Errorf("%s: %w: %s", a.Name(), ErrOrphanEntry, f.Name)
		}

		r, err := a.Open(f)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Name(), err)
		}
		err = l.loadEntry(g, f.Name, r, int64(f.UncompressedSize64), group)
		osx.Close(r)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Name(), err)
		}
		count += len(group)
	}

	if rem := lm.Remaining(); len(rem) != 0 {
		return fmt.Errorf("%s: %w: members %s", a.Name(), ErrMissingPayload, strings.Join(rem, ", "))
	}

	l.log.Info().
		Str("archive", a.Name()).
		Int("tensors", count).
		Stringer("size", BytesScalar(a.Size())).
		Msg("archive loaded")
	return nil
}

type _GroupLayout int

const (
	_GroupExact _GroupLayout = iota
	_GroupDuplicate
	_GroupPadded
)

// classify returns how the tensors of one entry are laid out,
// with the payload bytes of every tensor.
func classify(group []PendingTensor, length int64) (_GroupLayout, []int64, error) {
	sizes := make([]int64, len(group))
	var (
		total      int64
		contiguous = true
	)
	for i, p := range group {
		if !p.Descriptor.Shape.IsDense() {
			return 0, nil, fmt.Errorf("%w: %q has strided shape %v", ErrUnsupportedLayout, p.Key, p.Descriptor.Shape)
		}
		n, err := p.PayloadBytes()
		if err != nil {
			return 0, nil, fmt.Errorf("%q: %w", p.Key, err)
		}
		if p.ByteOffset() != total {
			contiguous = false
		}
		sizes[i] = n
		total += n
	}

	if total == length && contiguous {
		return _GroupExact, sizes, nil
	}

	if len(group) > 1 {
		dup := true
		for i, p := range group {
			if sizes[i] != length || p.Descriptor.Offset != 0 ||
				p.Descriptor.ElementType() != group[0].Descriptor.ElementType() ||
				!p.Descriptor.Shape.Equal(group[0].Descriptor.Shape) {
				dup = false
				break
			}
		}
		if dup {
			return _GroupDuplicate, sizes, nil
		}
	}

	return _GroupPadded, sizes, nil
}

// loadEntry loads the tensors of one payload entry.
func (l *Loader) loadEntry(g *_TableGuard, name string, r io.Reader, length int64, group []PendingTensor) error {
	gl, sizes, err := classify(group, length)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	switch gl {
	case _GroupExact:
		l.log.Debug().Str("entry", name).Int("tensors", len(group)).Msg("exact fit")
		for i, p := range group {
			if err = l.loadTensor(g, r, p, sizes[i]); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil

	case _GroupDuplicate:
		keys := make([]string, len(group))
		for i := range group {
			keys[i] = group[i].Key
		}
		l.log.Warn().Str("entry", name).Strs("keys", keys).Msg("tensors share the same data, loading once")

		t, err := l.createTensor(r, group[0], sizes[0])
		if err != nil {
			return fmt.Errorf("%s: %q: %w", name, group[0].Key, err)
		}
		added := false
		for _, k := range keys {
			if err = g.add(k, t); err != nil {
				if !added {
					_ = t.Close()
				}
				return fmt.Errorf("%s: %w", name, err)
			}
			added = true
		}
		l.o.Metrics.addAliases(len(group) - 1)
		return nil
	}

	return l.loadPadded(g, name, r, length, group, sizes)
}

// loadPadded loads tensors separated by gaps,
// the gaps are skipped and reported as wasted bytes.
func (l *Loader) loadPadded(g *_TableGuard, name string, r io.Reader, length int64, group []PendingTensor, sizes []int64) error {
	et := group[0].Descriptor.ElementType()
	var (
		prevEnd int64
		payload int64
	)
	for i, p := range group {
		if p.Descriptor.ElementType() != et {
			return fmt.Errorf("%s: %w: %q is %v, %q is %v",
				name, ErrDataTypeMismatch, group[0].Key, et, p.Key, p.Descriptor.ElementType())
		}
		begin := p.ByteOffset()
		if begin < prevEnd {
			return fmt.Errorf("%s: %w: %q begins at %d before %d", name, ErrOverlapOrOutOfBounds, p.Key, begin, prevEnd)
		}
		prevEnd = begin + sizes[i]
		payload += sizes[i]
	}
	if prevEnd > length {
		return fmt.Errorf("%s: %w: %q ends at %d after %d", name, ErrOverlapOrOutOfBounds, group[len(group)-1].Key, prevEnd, length)
	}

	var pos int64
	for i, p := range group {
		gap := p.ByteOffset() - pos
		if l.o.StrictPadding {
			if err := skipZeros(r, gap); err != nil {
				return fmt.Errorf("%s: before %q: %w", name, p.Key, err)
			}
		} else if err := skipBytes(r, gap); err != nil {
			return fmt.Errorf("%s: before %q: %w", name, p.Key, err)
		}
		if err := l.loadTensor(g, r, p, sizes[i]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		pos = p.ByteOffset() + sizes[i]
	}
	if l.o.StrictPadding {
		if err := skipZeros(r, length-pos); err != nil {
			return fmt.Errorf("%s: trailing: %w", name, err)
		}
	}

	wasted := length - payload
	l.o.Metrics.addPadding(wasted)
	l.log.Warn().Str("entry", name).Int("tensors", len(group)).Int64("wasted", wasted).
		Stringer("wastedSize", BytesScalar(wasted)).Msg("padded tensors")
	return nil
}

// loadTensor creates the tensor from the next bytes of r and adds it.
func (l *Loader) loadTensor(g *_TableGuard, r io.Reader, p PendingTensor, size int64) error {
	t, err := l.createTensor(r, p, size)
	if err != nil {
		return fmt.Errorf("%q: %w", p.Key, err)
	}
	return g.addOrClose(p.Key, t)
}

// createTensor uploads exactly size bytes of r,
// the bytes left unread by the device are skipped.
func (l *Loader) createTensor(r io.Reader, p PendingTensor, size int64) (Tensor, error) {
	et := p.Descriptor.ElementType()
	desc := makeTensorDesc(p.Descriptor.Shape, et, l.traits.layout(p.Key))

	lr := &io.LimitedReader{R: r, N: size}
	t, err := l.dev.LoadImmutableTensor(desc, lr, size, l.traits.transform(et, p.Key))
	if err != nil {
		return nil, err
	}
	if err = skipBytes(lr, lr.N); err != nil {
		_ = t.Close()
		return nil, err
	}
	l.o.Metrics.addTensors(1)
	l.o.Metrics.addBytes(size)
	return t, nil
}
