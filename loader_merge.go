package torch_loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/gpustack/torch-loader-go/util/bytex"
	"github.com/gpustack/torch-loader-go/util/osx"
	"github.com/gpustack/torch-loader-go/util/slicex"
)

// MergeArchives loads a checkpoint split across the given shards,
// the shards must be ordered, shard 0 drives the iteration.
//
// Every tensor is combined by the merge tactic of the traits.
// On failure, the tensors created by this call are disposed.
func (l *Loader) MergeArchives(ctx context.Context, shards []*Archive) error {
	switch len(shards) {
	case 0:
		return fmt.Errorf("%w: no archives", ErrMissingFile)
	case 1:
		return l.LoadArchive(ctx, shards[0])
	}

	start := time.Now()

	tdss := make([]map[string]TensorDescriptor, len(shards))
	for i := range shards {
		tds, err := l.decodeMetadata(shards[i])
		if err != nil {
			return err
		}
		tdss[i] = tds
	}

	g := l.guard()
	defer g.release()

	if err := l.merge(ctx, g, shards, tdss); err != nil {
		return err
	}
	return l.finish(g, start)
}

// verifyMerge checks the shards describe the same set of tensors.
func verifyMerge(tdss []map[string]TensorDescriptor, lms []LoadMap) error {
	for i := 1; i < len(tdss); i++ {
		if len(tdss[i]) != len(tdss[0]) {
			return fmt.Errorf("%w: shard 0 has %d tensors, shard %d has %d", ErrTensorCountMismatch, len(tdss[0]), i, len(tdss[i]))
		}
		if len(lms[i]) != len(lms[0]) {
			return fmt.Errorf("%w: shard 0 has %d members, shard %d has %d", ErrMemberCountMismatch, len(lms[0]), i, len(lms[i]))
		}
		for k, td0 := range tdss[0] {
			td, ok := tdss[i][k]
			if !ok {
				return fmt.Errorf("%w: %q missing in shard %d", ErrShardKeyMismatch, k, i)
			}
			if td.ElementType() != td0.ElementType() {
				return fmt.Errorf("%w: %q is %v in shard 0, %v in shard %d", ErrDataTypeMismatch, k, td0.ElementType(), td.ElementType(), i)
			}
			if td.Shape.Size != td0.Shape.Size {
				return fmt.Errorf("%w: %q is %v in shard 0, %v in shard %d", ErrShapeMismatch, k, td0.Shape, td.Shape, i)
			}
		}
	}
	return nil
}

func (l *Loader) merge(ctx context.Context, g *_TableGuard, shards []*Archive, tdss []map[string]TensorDescriptor) error {
	n := len(shards)
	lms := make([]LoadMap, n)
	for i := range tdss {
		lms[i] = MakeLoadMap(tdss[i])
	}
	if err := verifyMerge(tdss, lms); err != nil {
		return err
	}
	for i := 1; i < n; i++ {
		for _, f := range shards[i].DataEntries() {
			if _, ok := lms[i][MemberName(f)]; !ok {
				return fmt.Errorf("%s: %w: %s", shards[i].Name(), ErrOrphanEntry, f.Name)
			}
		}
	}

	var scratch bytex.Scratch
	defer scratch.Release()

	for _, f0 := range shards[0].DataEntries() {
		member := MemberName(f0)

		groups := make([][]PendingTensor, n)
		for i := range lms {
			grp, ok := lms[i].Take(member)
			if !ok {
				if i == 0 {
					return fmt.Errorf("%s: %w: %s", shards[0].Name(), ErrOrphanEntry, f0.Name)
				}
				return fmt.Errorf("%s: %w: no tensors for member %s", shards[i].Name(), ErrShardKeyMismatch, member)
			}
			groups[i] = grp
		}
		for i := 1; i < n; i++ {
			if len(groups[i]) != len(groups[0]) {
				return fmt.Errorf("%s: %w: member %s", shards[i].Name(), ErrShardKeyMismatch, member)
			}
			for j := range groups[0] {
				if groups[i][j].Key != groups[0][j].Key {
					return fmt.Errorf("%s: %w: member %s has %q, expected %q",
						shards[i].Name(), ErrShardKeyMismatch, member, groups[i][j].Key, groups[0][j].Key)
				}
			}
		}

		if err := l.mergeEntry(ctx, g, &scratch, shards, member, groups); err != nil {
			return err
		}
	}

	for i := range lms {
		if rem := lms[i].Remaining(); len(rem) != 0 {
			return fmt.Errorf("%s: %w: members %v", shards[i].Name(), ErrMissingPayload, rem)
		}
	}
	return nil
}

// mergeEntry merges the tensors of one member present in every shard,
// every entry must be an exact fit.
func (l *Loader) mergeEntry(ctx context.Context, g *_TableGuard, scratch *bytex.Scratch, shards []*Archive, member string, groups [][]PendingTensor) error {
	n := len(shards)

	rs := make([]io.Reader, n)
	defer func() {
		for i := range rs {
			if c, ok := rs[i].(io.Closer); ok {
				osx.Close(c)
			}
		}
	}()
	for i := range shards {
		f, ok := shards[i].DataEntry(member)
		if !ok {
			return fmt.Errorf("%s: %w: no entry for member %s", shards[i].Name(), ErrCorruptArchive, member)
		}
		gl, _, err := classify(groups[i], int64(f.UncompressedSize64))
		if err != nil {
			return fmt.Errorf("%s: %s: %w", shards[i].Name(), f.Name, err)
		}
		if gl != _GroupExact {
			return fmt.Errorf("%s: %w: %s is not an exact fit", shards[i].Name(), ErrCorruptArchive, f.Name)
		}
		r, err := shards[i].Open(f)
		if err != nil {
			return fmt.Errorf("%s: %w", shards[i].Name(), err)
		}
		rs[i] = r
	}

	for j := range groups[0] {
		if err := ctx.Err(); err != nil {
			return err
		}
		ps := make([]PendingTensor, n)
		for i := range groups {
			ps[i] = groups[i][j]
		}
		if err := l.mergeTensor(g, scratch, rs, ps); err != nil {
			return fmt.Errorf("merge %q: %w", ps[0].Key, err)
		}
	}
	return nil
}

// mergeTensor reads one tensor from every shard and combines them.
func (l *Loader) mergeTensor(g *_TableGuard, scratch *bytex.Scratch, rs []io.Reader, ps []PendingTensor) error {
	n := len(ps)
	var (
		key    = ps[0].Key
		et     = ps[0].Descriptor.ElementType()
		cbs    = make([]int64, n)
		shapes = make([]TensorShape, n)
	)
	for i := range ps {
		cb, err := ps[i].PayloadBytes()
		if err != nil {
			return err
		}
		cbs[i] = cb
		shapes[i] = ps[i].Descriptor.Shape
		if !shapes[i].IsDense() {
			return fmt.Errorf("%w: shard %d has strides %v", ErrUnsupportedLayout, i, shapes[i].Stride)
		}
	}
	total, largest := slicex.Sum(cbs), slicex.Max(cbs)

	tactic, err := l.traits.mergeTactic(key, shapes)
	if err != nil {
		return err
	}
	l.o.Metrics.addTactic(tactic)
	l.o.Metrics.addBytes(total)

	var (
		buf   []byte
		shape TensorShape
	)
	switch tactic {
	case MergeTacticIgnore:
		buf = scratch.Resize(int(largest))
		for i := range rs {
			if err = readExact(rs[i], buf[:cbs[i]]); err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
		}
		l.log.Debug().Str("key", key).Msg("ignored")
		return nil

	case MergeTacticConcatData:
		if shape, err = concatDataShape(shapes); err != nil {
			return err
		}
		buf = scratch.Resize(int(total))
		if err = concatTensors(buf, rs, cbs); err != nil {
			return err
		}

	case MergeTacticConcatRows:
		if shape, err = concatRowsShape(shapes); err != nil {
			return err
		}
		rowBytes := make([]int64, n)
		for i := range shapes {
			rowBytes[i] = int64(shapes[i].Size[0]) * et.Size()
		}
		buf = scratch.Resize(int(total))
		if err = concatRows(buf, rs, rowBytes, int64(shapes[0].CountRows())); err != nil {
			return err
		}

	case MergeTacticUseFirst:
		shape = shapes[0]
		buf = scratch.Resize(int(largest))
		if buf, err = useFirst(buf, rs, cbs, l.verifyShards()); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedMergeTactic, tactic)
	}

	desc := makeTensorDesc(shape, et, l.traits.layout(key))
	var t Tensor
	if tf := l.traits.transform(et, key); tf != LoadTransformNone {
		t, err = l.dev.LoadImmutableTensor(desc, bytes.NewReader(buf), int64(len(buf)), tf)
	} else {
		t, err = l.dev.UploadImmutableTensor(desc, buf)
	}
	if err != nil {
		return err
	}
	l.o.Metrics.addTensors(1)
	return g.addOrClose(key, t)
}

// useFirst reads the shards in reverse order so that buf ends with shard 0,
// when verifying, the other shards must be identical to shard 0.
func useFirst(buf []byte, rs []io.Reader, cbs []int64, verify bool) ([]byte, error) {
	hashes := make([]xxh3.Uint128, len(rs))
	for i := len(rs) - 1; i >= 0; i-- {
		b := buf[:cbs[i]]
		if err := readExact(rs[i], b); err != nil {
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		if verify {
			hashes[i] = xxh3.Hash128(b)
		}
	}
	if verify {
		for i := 1; i < len(rs); i++ {
			if cbs[i] != cbs[0] || hashes[i] != hashes[0] {
				return nil, fmt.Errorf("%w: shard %d differs from shard 0", ErrShardDivergence, i)
			}
		}
	}
	return buf[:cbs[0]], nil
}

// concatDataShape is the shape of shards concatenated along the slowest axis.
func concatDataShape(shapes []TensorShape) (TensorShape, error) {
	s0 := shapes[0]
	switch {
	case s0.IsVector():
		var x int64
		for _, s := range shapes {
			if !s.IsVector() {
				return TensorShape{}, fmt.Errorf("%w: %v and %v", ErrShapeMismatch, s0, s)
			}
			x += int64(s.Size[0])
		}
		if x > int64(^uint32(0)>>1) {
			return TensorShape{}, fmt.Errorf("%w: %d elements", ErrOverflow, x)
		}
		return RowMajor(int32(x))
	case s0.IsMatrix():
		var y int64
		for _, s := range shapes {
			if !s.IsMatrix() || s.Size[0] != s0.Size[0] {
				return TensorShape{}, fmt.Errorf("%w: %v and %v", ErrShapeMismatch, s0, s)
			}
			y += int64(s.Size[1])
		}
		if y > int64(^uint32(0)>>1) {
			return TensorShape{}, fmt.Errorf("%w: %d rows", ErrOverflow, y)
		}
		return RowMajor(s0.Size[0], int32(y))
	}
	return TensorShape{}, fmt.Errorf("%w: concatenation of %v", ErrUnsupportedMergeTactic, s0)
}

// concatRowsShape is the shape of shards with interleaved rows.
func concatRowsShape(shapes []TensorShape) (TensorShape, error) {
	s0 := shapes[0]
	var x int64
	for _, s := range shapes {
		if s.Size[1] != s0.Size[1] || s.Size[2] != s0.Size[2] || s.Size[3] != s0.Size[3] {
			return TensorShape{}, fmt.Errorf("%w: %v and %v", ErrShapeMismatch, s0, s)
		}
		x += int64(s.Size[0])
	}
	if x > int64(^uint32(0)>>1) {
		return TensorShape{}, fmt.Errorf("%w: row of %d elements", ErrOverflow, x)
	}
	return DenseRowMajor(Int4{int32(x), s0.Size[1], s0.Size[2], s0.Size[3]})
}
