package torch_loader

import (
	"fmt"
	"math"
)

// BCML3 is the panelled layout with FP32 scales,
// every 128 columns of a panel row hold one scale word and 16 weight words,
// every 1024 columns hold one word of 8 zero points.
type BCML3 struct{}

func (BCML3) Layout() TensorLayout {
	return TensorLayoutBCML3
}

func (BCML3) ElementsPerRow(width int32) int64 {
	w := int64(width)
	return ceilDiv(w, 1024) + ceilDiv(w, 128)*17
}

func (BCML3) PanelsCount(height int32) int64 {
	return panelsCount(height)
}

func (c BCML3) TensorByteWidth(size Int4) (int64, error) {
	return panelledByteWidth(c, size)
}

func (c BCML3) TensorShape(size Int4) (TensorShape, error) {
	return panelledShape(c, size)
}

// Reshape writes the GPTQ matrices into dst,
// which must be exactly TensorByteWidth bytes long.
//
// The unused rows of the last panel are zero.
func (c BCML3) Reshape(dst []uint32, qweight MatrixView[uint32], scales MatrixView[float32], qzeros MatrixView[uint32]) error {
	rows, words, err := gptqViews(qweight, scales, qzeros)
	if err != nil {
		return err
	}
	if err = codecDestination(c, dst, rows, words); err != nil {
		return err
	}

	clear(dst)
	walkPanels(dst, c.ElementsPerRow(int32(words*8)), rows, words, func(next func() []uint32, yBase, col int) {
		if col%128 == 0 {
			gatherZeros(next(), qzeros, col/16, yBase)
		}
		if col%16 == 0 {
			s := next()
			for i, v := range scales.RowSpan(yBase, col/16, len(s)) {
				s[i] = math.Float32bits(v)
			}
		}
		s := next()
		copy(s, qweight.RowSpan(yBase, col, len(s)))
	})
	return nil
}

// Unpack is the inverse of Reshape,
// it returns the GPTQ matrices of rows output rows and words packed words per row.
func (c BCML3) Unpack(src []uint32, rows, words int) (qweight MatrixView[uint32], scales MatrixView[float32], qzeros MatrixView[uint32], err error) {
	if rows < 1 || words < 1 {
		err = fmt.Errorf("%w: %d rows of %d words", ErrOutOfRange, rows, words)
		return
	}
	if err = codecDestination(c, src, rows, words); err != nil {
		return
	}

	qweight, scales, qzeros = allocGPTQ[float32](rows, words)
	walkPanels(src, c.ElementsPerRow(int32(words*8)), rows, words, func(next func() []uint32, yBase, col int) {
		if col%128 == 0 {
			scatterZeros(next(), qzeros, col/16, yBase)
		}
		if col%16 == 0 {
			s := next()
			d := scales.RowSpan(yBase, col/16, len(s))
			for i, v := range s {
				d[i] = math.Float32frombits(v)
			}
		}
		s := next()
		copy(qweight.RowSpan(yBase, col, len(s)), s)
	})
	return
}
