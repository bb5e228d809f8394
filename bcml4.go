package torch_loader

import (
	"fmt"
)

// BCML4 is the panelled layout with FP16 scales,
// one scale word of a panel row holds the scales of two groups of 128 columns.
type BCML4 struct{}

func (BCML4) Layout() TensorLayout {
	return TensorLayoutBCML4
}

func (BCML4) ElementsPerRow(width int32) int64 {
	w := int64(width)
	return ceilDiv(w, 1024) + ceilDiv(w, 256) + ceilDiv(w, 8)
}

func (BCML4) PanelsCount(height int32) int64 {
	return panelsCount(height)
}

func (c BCML4) TensorByteWidth(size Int4) (int64, error) {
	return panelledByteWidth(c, size)
}

func (c BCML4) TensorShape(size Int4) (TensorShape, error) {
	return panelledShape(c, size)
}

// Reshape writes the GPTQ matrices into dst,
// which must be exactly TensorByteWidth bytes long.
//
// When the count of groups is odd,
// the high half of the last scale word stays zero.
func (c BCML4) Reshape(dst []uint32, qweight MatrixView[uint32], scales MatrixView[uint16], qzeros MatrixView[uint32]) error {
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
		if col%32 == 0 {
			s := next()
			for i, v := range scales.RowSpan(yBase, col/16, len(s)) {
				s[i] = uint32(v)
			}
			if col+16 < words {
				for i, v := range scales.RowSpan(yBase, col/16+1, len(s)) {
					s[i] |= uint32(v) << 16
				}
			}
		}
		s := next()
		copy(s, qweight.RowSpan(yBase, col, len(s)))
	})
	return nil
}

// Unpack is the inverse of Reshape,
// it returns the GPTQ matrices of rows output rows and words packed words per row.
func (c BCML4) Unpack(src []uint32, rows, words int) (qweight MatrixView[uint32], scales MatrixView[uint16], qzeros MatrixView[uint32], err error) {
	if rows < 1 || words < 1 {
		err = fmt.Errorf("%w: %d rows of %d words", ErrOutOfRange, rows, words)
		return
	}
	if err = codecDestination(c, src, rows, words); err != nil {
		return
	}

	qweight, scales, qzeros = allocGPTQ[uint16](rows, words)
	walkPanels(src, c.ElementsPerRow(int32(words*8)), rows, words, func(next func() []uint32, yBase, col int) {
		if col%128 == 0 {
			scatterZeros(next(), qzeros, col/16, yBase)
		}
		if col%32 == 0 {
			s := next()
			lo := scales.RowSpan(yBase, col/16, len(s))
			for i, v := range s {
				lo[i] = uint16(v)
			}
			if col+16 < words {
				hi := scales.RowSpan(yBase, col/16+1, len(s))
				for i, v := range s {
					hi[i] = uint16(v >> 16)
				}
			}
		}
		s := next()
		copy(qweight.RowSpan(yBase, col, len(s)), s)
	})
	return
}
