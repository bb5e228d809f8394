package torch_loader

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/gpustack/torch-loader-go/util/bytex"
)

// GPTQTensors holds the raw little-endian payloads of one GPTQ linear layer,
// with In source columns and Out output rows.
type GPTQTensors struct {
	QWeight []byte
	Scales  []byte
	QZeros  []byte

	// ScalesType is FP16 or FP32.
	ScalesType ElementType

	In  int
	Out int
}

func (g GPTQTensors) check() (words, groups int, err error) {
	if g.In < 8 || g.In%8 != 0 || g.Out < 1 {
		return 0, 0, fmt.Errorf("%w: gptq layer of %dx%d", ErrOutOfRange, g.In, g.Out)
	}
	words = g.In / 8
	groups = int(ceilDiv(int64(words), 16))
	zw := int(ceilDiv(int64(g.Out), 8))

	if n := words * g.Out * 4; len(g.QWeight) != n {
		return 0, 0, fmt.Errorf("%w: qweight of %d bytes, expected %d", ErrFormatMismatch, len(g.QWeight), n)
	}
	if g.ScalesType != ElementTypeFP16 && g.ScalesType != ElementTypeFP32 {
		return 0, 0, fmt.Errorf("%w: scales of %v", ErrUnsupportedLayout, g.ScalesType)
	}
	if n := groups * g.Out * int(g.ScalesType.Size()); len(g.Scales) != n {
		return 0, 0, fmt.Errorf("%w: scales of %d bytes, expected %d", ErrFormatMismatch, len(g.Scales), n)
	}
	if n := groups * zw * 4; len(g.QZeros) != n {
		return 0, 0, fmt.Errorf("%w: qzeros of %d bytes, expected %d", ErrFormatMismatch, len(g.QZeros), n)
	}
	return words, groups, nil
}

func decodeWords(b []byte) []uint32 {
	r := make([]uint32, len(b)/4)
	for i := range r {
		r[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return r
}

func decodeScales32(b []byte, et ElementType) []float32 {
	if et == ElementTypeFP32 {
		r := make([]float32, len(b)/4)
		for i, v := range decodeWords(b) {
			r[i] = math.Float32frombits(v)
		}
		return r
	}
	r := make([]float32, len(b)/2)
	for i := range r {
		r[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
	}
	return r
}

func decodeScales16(b []byte, et ElementType) []uint16 {
	if et == ElementTypeFP16 {
		r := make([]uint16, len(b)/2)
		for i := range r {
			r[i] = binary.LittleEndian.Uint16(b[i*2:])
		}
		return r
	}
	r := make([]uint16, len(b)/4)
	for i, v := range decodeWords(b) {
		r[i] = float16.Fromfloat32(math.Float32frombits(v)).Bits()
	}
	return r
}

// RepackGPTQ reshapes a GPTQ linear layer into the given block layout,
// and uploads it as an immutable tensor of In x Out elements.
//
// The scales are converted to the precision of the layout.
func RepackGPTQ(dev Device, layout TensorLayout, g GPTQTensors) (Tensor, error) {
	c, err := BlockCodecOf(layout)
	if err != nil {
		return nil, err
	}
	words, groups, err := g.check()
	if err != nil {
		return nil, err
	}

	qweight := MatrixView[uint32]{Data: decodeWords(g.QWeight), Width: g.Out, Height: words}
	qzeros := MatrixView[uint32]{Data: decodeWords(g.QZeros), Width: int(ceilDiv(int64(g.Out), 8)), Height: groups}

	size := Int4{int32(g.In), int32(g.Out), 1, 1}
	n, err := c.TensorByteWidth(size)
	if err != nil {
		return nil, err
	}
	shape, err := c.TensorShape(size)
	if err != nil {
		return nil, err
	}

	dst := make([]uint32, n/4)
	switch cc := c.(type) {
	case BCML3:
		scales := MatrixView[float32]{Data: decodeScales32(g.Scales, g.ScalesType), Width: g.Out, Height: groups}
		err = cc.Reshape(dst, qweight, scales, qzeros)
	case BCML4:
		scales := MatrixView[uint16]{Data: decodeScales16(g.Scales, g.ScalesType), Width: g.Out, Height: groups}
		err = cc.Reshape(dst, qweight, scales, qzeros)
	}
	if err != nil {
		return nil, err
	}

	var scratch bytex.Scratch
	defer scratch.Release()
	buf := scratch.Resize(int(n))
	for i, v := range dst {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return dev.UploadImmutableTensor(makeTensorDesc(shape, ElementTypeFP16, layout), buf)
}
