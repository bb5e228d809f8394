package torch_loader

import (
	"fmt"
	"math"
	"strings"
)

// Int4 is a vector of 4 signed integers,
// index 0 is the fastest-varying dimension.
type Int4 [4]int32

// TensorShape describes size and memory layout of a tensor,
// strides are expressed in elements.
//
// Unused trailing dimensions have size 1,
// TensorShape is a value type and all transforms return a new value.
type TensorShape struct {
	Size   Int4 `json:"size"`
	Stride Int4 `json:"stride"`
}

// denseStride computes the row major strides of the given size,
// it fails with ErrOverflow if a stride does not fit into 32 bits.
func denseStride(size Int4) (Int4, error) {
	var (
		stride Int4
		acc    int64 = 1
	)
	for i := 0; i < 4; i++ {
		if size[i] < 1 {
			return Int4{}, fmt.Errorf("%w: size[%d] = %d", ErrOutOfRange, i, size[i])
		}
		if acc > math.MaxInt32 {
			return Int4{}, fmt.Errorf("%w: stride of %v", ErrOverflow, size)
		}
		stride[i] = int32(acc)
		acc *= int64(size[i])
	}
	return stride, nil
}

// DenseRowMajor makes a dense row major shape of the given size.
func DenseRowMajor(size Int4) (TensorShape, error) {
	stride, err := denseStride(size)
	if err != nil {
		return TensorShape{}, err
	}
	return TensorShape{Size: size, Stride: stride}, nil
}

// RowMajor makes a dense row major shape from up to 4 dimensions,
// the first argument is the fastest-varying one.
func RowMajor(dims ...int32) (TensorShape, error) {
	if len(dims) == 0 || len(dims) > 4 {
		return TensorShape{}, fmt.Errorf("%w: %d dimensions", ErrOutOfRange, len(dims))
	}
	size := Int4{1, 1, 1, 1}
	copy(size[:], dims)
	return DenseRowMajor(size)
}

// FromExplicit makes a shape from the given size and stride.
func FromExplicit(size, stride Int4) (TensorShape, error) {
	for i := range size {
		if size[i] < 1 {
			return TensorShape{}, fmt.Errorf("%w: size[%d] = %d", ErrOutOfRange, i, size[i])
		}
	}
	return TensorShape{Size: size, Stride: stride}, nil
}

// Permute reorders the dimensions,
// the result has Size[i] = s.Size[perm[i]] and the same for the strides.
func (s TensorShape) Permute(perm [4]uint8) (TensorShape, error) {
	if err := checkPermutation(perm); err != nil {
		return TensorShape{}, err
	}

	var r TensorShape
	for i, p := range perm {
		r.Size[i] = s.Size[p]
		r.Stride[i] = s.Stride[p]
	}
	return r, nil
}

func checkPermutation(perm [4]uint8) error {
	var seen [4]bool
	for _, p := range perm {
		if p >= 4 || seen[p] {
			return fmt.Errorf("%w: %v", ErrInvalidPermutation, perm)
		}
		seen[p] = true
	}
	return nil
}

// ComposePermutations returns q so that
// s.Permute(p1) followed by Permute(p2) equals s.Permute(q).
func ComposePermutations(p1, p2 [4]uint8) ([4]uint8, error) {
	var q [4]uint8
	if err := checkPermutation(p1); err != nil {
		return q, err
	}
	if err := checkPermutation(p2); err != nil {
		return q, err
	}
	for i := range q {
		q[i] = p1[p2[i]]
	}
	return q, nil
}

// Trim shrinks the dimension to n elements keeping the strides,
// it is a no-op when n equals the current size.
func (s TensorShape) Trim(dim uint8, n int32) (TensorShape, error) {
	if dim >= 4 {
		return TensorShape{}, fmt.Errorf("%w: dimension %d", ErrOutOfRange, dim)
	}
	switch cur := s.Size[dim]; {
	case n > cur || n < 1:
		return TensorShape{}, fmt.Errorf("%w: trim dimension %d from %d to %d", ErrOutOfRange, dim, cur, n)
	case n == cur:
		return s, nil
	}
	s.Size[dim] = n
	return s, nil
}

// CountElements returns the product of all sizes,
// it fails with ErrOverflow above math.MaxInt32 elements.
func (s TensorShape) CountElements() (int64, error) {
	var r int64 = 1
	for _, v := range s.Size {
		r *= int64(v)
		if r > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %v elements", ErrOverflow, s.Size)
		}
	}
	return r, nil
}

// CountRows returns the count of rows,
// i.e. the product of every dimension but the first.
func (s TensorShape) CountRows() int32 {
	return s.Size[1] * s.Size[2] * s.Size[3]
}

// IsVector reports whether only the first dimension is used.
func (s TensorShape) IsVector() bool {
	return s.Size[1] == 1 && s.Size[2] == 1 && s.Size[3] == 1
}

// IsMatrix reports whether only the first two dimensions are used.
func (s TensorShape) IsMatrix() bool {
	return s.Size[2] == 1 && s.Size[3] == 1
}

// IsDense reports whether the strides are the row major ones.
func (s TensorShape) IsDense() bool {
	stride, err := denseStride(s.Size)
	return err == nil && stride == s.Stride
}

// Equal reports whether both sizes and strides match.
func (s TensorShape) Equal(o TensorShape) bool {
	return s.Size == o.Size && s.Stride == o.Stride
}

// Rank returns the count of used dimensions,
// a dimension is used when it or any slower one has size > 1.
func (s TensorShape) Rank() int {
	for r := 4; r > 1; r-- {
		if s.Size[r-1] != 1 {
			return r
		}
	}
	return 1
}

func (s TensorShape) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i := 0; i < s.Rank(); i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", s.Size[i])
	}
	sb.WriteByte(']')
	if !s.IsDense() {
		fmt.Fprintf(&sb, " stride %v", s.Stride)
	}
	return sb.String()
}

// outerStride returns the stride past the outermost dimension,
// it fails with ErrOverflow if it does not fit into 32 bits.
func outerStride(stride, size int32) (int32, error) {
	n := int64(stride) * int64(size)
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: stride %d over %d elements", ErrOverflow, stride, size)
	}
	return int32(n), nil
}

// UnpickleShape translates a size/stride pair of a serialized tensor,
// which lists the slowest dimension first,
// into the canonical shape.
//
// Every rank must have a unit innermost stride,
// rank 2 and 3 tensors keep their outer strides, which may exceed a dense layout.
func UnpickleShape(size, stride []int64) (TensorShape, error) {
	if len(size) != len(stride) {
		return TensorShape{}, fmt.Errorf("%w: rank %d size with rank %d stride", ErrUnsupportedLayout, len(size), len(stride))
	}
	for i := range size {
		if size[i] < 1 || size[i] > math.MaxInt32 || stride[i] < 0 || stride[i] > math.MaxInt32 {
			return TensorShape{}, fmt.Errorf("%w: size %v stride %v", ErrOutOfRange, size, stride)
		}
	}

	var (
		sz = Int4{1, 1, 1, 1}
		st Int4
	)
	switch len(size) {
	case 0:
		// Scalars are single element vectors.
		st = Int4{1, 1, 1, 1}
	case 1:
		if stride[0] != 1 {
			return TensorShape{}, fmt.Errorf("%w: vector stride %d", ErrUnsupportedLayout, stride[0])
		}
		n := int32(size[0])
		sz[0] = n
		st = Int4{1, n, n, n}
	case 2:
		ne0, ne1 := int32(size[0]), int32(size[1])
		nb0, nb1 := int32(stride[0]), int32(stride[1])
		if nb1 != 1 {
			return TensorShape{}, fmt.Errorf("%w: matrix stride %v", ErrUnsupportedLayout, stride)
		}
		outer, err := outerStride(nb0, ne0)
		if err != nil {
			return TensorShape{}, err
		}
		sz[0], sz[1] = ne1, ne0
		st = Int4{1, nb0, outer, outer}
	case 3:
		ne0, ne1, ne2 := int32(size[0]), int32(size[1]), int32(size[2])
		nb0, nb1, nb2 := int32(stride[0]), int32(stride[1]), int32(stride[2])
		if nb2 != 1 {
			return TensorShape{}, fmt.Errorf("%w: 3D stride %v", ErrUnsupportedLayout, stride)
		}
		outer, err := outerStride(nb0, ne0)
		if err != nil {
			return TensorShape{}, err
		}
		sz[0], sz[1], sz[2] = ne2, ne1, ne0
		st = Int4{1, nb1, nb0, outer}
	case 4:
		if stride[3] != 1 {
			return TensorShape{}, fmt.Errorf("%w: 4D stride %v", ErrUnsupportedLayout, stride)
		}
		sz = Int4{int32(size[3]), int32(size[2]), int32(size[1]), int32(size[0])}
		s, err := DenseRowMajor(sz)
		if err != nil {
			return TensorShape{}, err
		}
		if s.Stride != (Int4{int32(stride[3]), int32(stride[2]), int32(stride[1]), int32(stride[0])}) {
			return TensorShape{}, fmt.Errorf("%w: 4D tensor with non-dense stride %v", ErrUnsupportedLayout, stride)
		}
		return s, nil
	default:
		return TensorShape{}, fmt.Errorf("%w: rank %d", ErrUnsupportedLayout, len(size))
	}
	return TensorShape{Size: sz, Stride: st}, nil
}

// PickleLayout derives the serialized size/stride pair of the given rank,
// slowest dimension first, it is the inverse of UnpickleShape.
func (s TensorShape) PickleLayout(rank int) (size, stride []int64, err error) {
	if rank < 1 || rank > 4 {
		return nil, nil, fmt.Errorf("%w: rank %d", ErrUnsupportedLayout, rank)
	}
	for i := rank; i < 4; i++ {
		if s.Size[i] != 1 {
			return nil, nil, fmt.Errorf("%w: rank %d shape %v", ErrOutOfRange, rank, s.Size)
		}
	}
	if s.Stride[0] != 1 {
		return nil, nil, fmt.Errorf("%w: stride %v", ErrUnsupportedLayout, s.Stride)
	}

	size = make([]int64, rank)
	stride = make([]int64, rank)
	for i := 0; i < rank; i++ {
		size[rank-1-i] = int64(s.Size[i])
		stride[rank-1-i] = int64(s.Stride[i])
	}
	return size, stride, nil
}

func (v Int4) String() string {
	return fmt.Sprintf("[%d, %d, %d, %d]", v[0], v[1], v[2], v[3])
}
