package torch_loader

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/x448/float16"
)

// HostDevice is a Device keeping tensors in host memory,
// it is useful for inspection, testing and CPU inference.
//
// Uploads with a non-dense layout count as pending compression,
// until WaitForPendingCompression is called.
type HostDevice struct {
	mu      sync.Mutex
	live    map[*HostTensor]struct{}
	uploads int
	pending int
	waits   int
}

// HostTensor is a tensor of HostDevice.
type HostTensor struct {
	dev  *HostDevice
	desc TensorDesc
	data []byte
}

// NewHostDevice returns a new HostDevice.
func NewHostDevice() *HostDevice {
	return &HostDevice{live: map[*HostTensor]struct{}{}}
}

func (d *HostDevice) track(t *HostTensor) *HostTensor {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[t] = struct{}{}
	d.uploads++
	if t.desc.Layout != TensorLayoutDense {
		d.pending++
	}
	return t
}

func (d *HostDevice) byteWidth(desc TensorDesc) (int64, error) {
	if desc.Layout != TensorLayoutDense {
		c, err := BlockCodecOf(desc.Layout)
		if err != nil {
			return 0, err
		}
		return c.TensorByteWidth(desc.Shape.Size)
	}
	n, err := desc.Shape.CountElements()
	if err != nil {
		return 0, err
	}
	return n * desc.DataType.Size(), nil
}

// CreateTensor implements Device.
func (d *HostDevice) CreateTensor(desc TensorDesc) (Tensor, error) {
	n, err := d.byteWidth(desc)
	if err != nil {
		return nil, err
	}
	return d.track(&HostTensor{dev: d, desc: desc, data: make([]byte, n)}), nil
}

// LoadImmutableTensor implements Device.
func (d *HostDevice) LoadImmutableTensor(desc TensorDesc, r io.Reader, byteWidth int64, transform LoadTransform) (Tensor, error) {
	if byteWidth < 0 || byteWidth > math.MaxInt32*4 {
		return nil, fmt.Errorf("%w: byte width %d", ErrOutOfRange, byteWidth)
	}
	data := make([]byte, byteWidth)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read tensor: %w: %w", ErrCorruptArchive, err)
	}
	return d.upload(desc, data, transform)
}

// UploadImmutableTensor implements Device.
func (d *HostDevice) UploadImmutableTensor(desc TensorDesc, data []byte) (Tensor, error) {
	return d.upload(desc, append([]byte(nil), data...), LoadTransformNone)
}

func (d *HostDevice) upload(desc TensorDesc, data []byte, transform LoadTransform) (Tensor, error) {
	switch transform {
	case LoadTransformNone:
	case LoadTransformPromoteToIEEEHalf:
		if desc.DataType == ElementTypeBF16 {
			PromoteBF16ToFP16(data)
			desc.DataType = ElementTypeFP16
		}
	default:
		return nil, fmt.Errorf("%w: transform %v", ErrUnsupportedLayout, transform)
	}

	n, err := d.byteWidth(desc)
	if err != nil {
		return nil, err
	}
	if n != int64(len(data)) {
		// Dense payloads of a compressed layout are compressed lazily.
		dn, derr := d.byteWidth(TensorDesc{Shape: desc.Shape, DataType: desc.DataType})
		if derr != nil || dn != int64(len(data)) {
			return nil, fmt.Errorf("%w: %d bytes for %v %v %v", ErrFormatMismatch, len(data), desc.Layout, desc.DataType, desc.Shape)
		}
	}
	return d.track(&HostTensor{dev: d, desc: desc, data: data}), nil
}

// WaitForPendingCompression implements Device.
func (d *HostDevice) WaitForPendingCompression() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = 0
	d.waits++
	return nil
}

// Uploads returns the count of created tensors.
func (d *HostDevice) Uploads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads
}

// Live returns the count of tensors not closed yet.
func (d *HostDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Waits returns how many times WaitForPendingCompression was called.
func (d *HostDevice) Waits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waits
}

// Desc implements Tensor.
func (t *HostTensor) Desc() TensorDesc {
	return t.desc
}

// Bytes returns the content of the tensor.
func (t *HostTensor) Bytes() []byte {
	return t.data
}

// Close implements Tensor.
func (t *HostTensor) Close() error {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	delete(t.dev.live, t)
	t.data = nil
	return nil
}

// PromoteBF16ToFP16 converts little-endian bfloat16 elements
// into IEEE half precision in place, rounding to nearest even.
func PromoteBF16ToFP16(data []byte) {
	for i := 0; i+1 < len(data); i += 2 {
		bf := binary.LittleEndian.Uint16(data[i:])
		f := math.Float32frombits(uint32(bf) << 16)
		binary.LittleEndian.PutUint16(data[i:], float16.Fromfloat32(f).Bits())
	}
}
