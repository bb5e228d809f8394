package torch_loader

import (
	"fmt"
	"math"
)

// PanelHeight is the count of output rows of one BCML panel.
const PanelHeight = 64

// MatrixView is a two dimensional view over a flat slice,
// element (x, y) is at x + y*Width.
//
// The GPTQ tensors are stored as [y][x] row major torch tensors,
// so x is the fastest-varying index.
type MatrixView[T any] struct {
	Data   []T
	Width  int
	Height int
}

// NewMatrixView makes a view of width*height elements of data.
func NewMatrixView[T any](data []T, width, height int) (MatrixView[T], error) {
	if width < 1 || height < 1 {
		return MatrixView[T]{}, fmt.Errorf("%w: matrix of %dx%d", ErrOutOfRange, width, height)
	}
	if len(data) != width*height {
		return MatrixView[T]{}, fmt.Errorf("%w: %d elements for a matrix of %dx%d",
			ErrFormatMismatch, len(data), width, height)
	}
	return MatrixView[T]{Data: data, Width: width, Height: height}, nil
}

// Index returns the position of element (x, y) in Data.
func (m MatrixView[T]) Index(x, y int) int {
	return x + y*m.Width
}

// At returns element (x, y).
func (m MatrixView[T]) At(x, y int) T {
	return m.Data[m.Index(x, y)]
}

// RowSpan returns n consecutive elements starting at (x, y).
func (m MatrixView[T]) RowSpan(x, y, n int) []T {
	i := m.Index(x, y)
	return m.Data[i : i+n]
}

// BlockCodec describes the panelled layout of a block-quantized tensor.
//
// Size.x is the count of source columns,
// Size.y is the count of output rows split into panels of PanelHeight rows.
type BlockCodec interface {
	// Layout returns the tensor layout of the codec.
	Layout() TensorLayout
	// ElementsPerRow returns the count of 32-bit words of one panel row.
	ElementsPerRow(width int32) int64
	// PanelsCount returns the count of panels of the given count of rows.
	PanelsCount(height int32) int64
	// TensorByteWidth returns the bytes of the encoded tensor.
	TensorByteWidth(size Int4) (int64, error)
	// TensorShape returns the shape of the encoded tensor,
	// strides are in bytes: panel, layer and batch.
	TensorShape(size Int4) (TensorShape, error)
}

// BlockCodecOf returns the codec of the given compressed layout.
func BlockCodecOf(layout TensorLayout) (BlockCodec, error) {
	switch layout {
	case TensorLayoutBCML3:
		return BCML3{}, nil
	case TensorLayoutBCML4:
		return BCML4{}, nil
	}
	return nil, fmt.Errorf("%w: no block codec for %v", ErrUnsupportedLayout, layout)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func panelsCount(height int32) int64 {
	return ceilDiv(int64(height), PanelHeight)
}

func checkCodecSize(size Int4) error {
	for i := range size {
		if size[i] < 1 {
			return fmt.Errorf("%w: size[%d] = %d", ErrOutOfRange, i, size[i])
		}
	}
	return nil
}

func panelledByteWidth(c BlockCodec, size Int4) (int64, error) {
	if err := checkCodecSize(size); err != nil {
		return 0, err
	}
	panel := c.ElementsPerRow(size[0]) * PanelHeight * 4
	return panel * c.PanelsCount(size[1]) * int64(size[2]) * int64(size[3]), nil
}

func panelledShape(c BlockCodec, size Int4) (TensorShape, error) {
	if err := checkCodecSize(size); err != nil {
		return TensorShape{}, err
	}
	panel := c.ElementsPerRow(size[0]) * PanelHeight * 4
	layer := panel * c.PanelsCount(size[1])
	batch := layer * int64(size[2])
	if batch > math.MaxInt32 {
		return TensorShape{}, fmt.Errorf("%w: %v encoded by %v", ErrOverflow, size, c.Layout())
	}
	return FromExplicit(size, Int4{0, int32(panel), int32(layer), int32(batch)})
}

// walkPanels visits every word column of every panel of a rows x words matrix,
// next returns the following slot of the current panel,
// cut to the rows of the panel.
func walkPanels(buf []uint32, epr int64, rows, words int, fn func(next func() []uint32, yBase, c int)) {
	stride := int(epr) * PanelHeight
	for p := 0; p*PanelHeight < rows; p++ {
		yBase := p * PanelHeight
		height := min(PanelHeight, rows-yBase)
		panel := buf[p*stride : (p+1)*stride]
		slot := 0
		next := func() []uint32 {
			s := panel[slot : slot+height]
			slot += PanelHeight
			return s
		}
		for c := 0; c < words; c++ {
			fn(next, yBase, c)
		}
	}
}

// loadZero returns the zero point of the row in the group.
func loadZero(qzeros MatrixView[uint32], row, group int) uint32 {
	v := qzeros.At(row/8, group)
	return (v >> ((row % 8) * 4)) & 0xF
}

// storeZero is the inverse of loadZero on a zeroed matrix.
func storeZero(qzeros MatrixView[uint32], row, group int, v uint32) {
	qzeros.Data[qzeros.Index(row/8, group)] |= (v & 0xF) << ((row % 8) * 4)
}

// gatherZeros packs the zero points of up to 8 groups starting at g0,
// one word per row.
func gatherZeros(dst []uint32, qzeros MatrixView[uint32], g0, yBase int) {
	inner := min(8, qzeros.Height-g0)
	for i := range dst {
		var r uint32
		for j := 0; j < inner; j++ {
			r |= loadZero(qzeros, yBase+i, g0+j) << (j * 4)
		}
		dst[i] = r
	}
}

func scatterZeros(src []uint32, qzeros MatrixView[uint32], g0, yBase int) {
	inner := min(8, qzeros.Height-g0)
	for i, v := range src {
		for j := 0; j < inner; j++ {
			storeZero(qzeros, yBase+i, g0+j, v>>(j*4))
		}
	}
}

// gptqViews checks the GPTQ matrices agree with each other,
// and returns the count of output rows and of packed weight words per row.
func gptqViews[S any](qweight MatrixView[uint32], scales MatrixView[S], qzeros MatrixView[uint32]) (rows, words int, err error) {
	rows, words = qweight.Width, qweight.Height
	groups := int(ceilDiv(int64(words), 16))
	switch {
	case scales.Width != rows || scales.Height != groups:
		err = fmt.Errorf("%w: scales of %dx%d, expected %dx%d",
			ErrFormatMismatch, scales.Width, scales.Height, rows, groups)
	case qzeros.Width != int(ceilDiv(int64(rows), 8)) || qzeros.Height != groups:
		err = fmt.Errorf("%w: zeros of %dx%d, expected %dx%d",
			ErrFormatMismatch, qzeros.Width, qzeros.Height, ceilDiv(int64(rows), 8), groups)
	}
	return rows, words, err
}

// codecDestination checks the length of the encoded buffer.
func codecDestination(c BlockCodec, dst []uint32, rows, words int) error {
	if words*8 > math.MaxInt32 {
		return fmt.Errorf("%w: %d words per row", ErrOverflow, words)
	}
	n, err := c.TensorByteWidth(Int4{int32(words * 8), int32(rows), 1, 1})
	if err != nil {
		return err
	}
	if int64(len(dst))*4 != n {
		return fmt.Errorf("%w: %v buffer of %d words, expected %d",
			ErrFormatMismatch, c.Layout(), len(dst), n/4)
	}
	return nil
}

// allocGPTQ allocates zeroed GPTQ matrices of the given geometry.
func allocGPTQ[S any](rows, words int) (qweight MatrixView[uint32], scales MatrixView[S], qzeros MatrixView[uint32]) {
	groups := int(ceilDiv(int64(words), 16))
	zw := int(ceilDiv(int64(rows), 8))
	qweight = MatrixView[uint32]{Data: make([]uint32, rows*words), Width: rows, Height: words}
	scales = MatrixView[S]{Data: make([]S, rows*groups), Width: rows, Height: groups}
	qzeros = MatrixView[uint32]{Data: make([]uint32, zw*groups), Width: zw, Height: groups}
	return qweight, scales, qzeros
}
