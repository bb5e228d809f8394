package torch_loader

import (
	"fmt"
)

type (
	// StorageDescriptor describes one physical member of an archive.
	StorageDescriptor struct {
		// ElementType is the type of the storage elements.
		ElementType ElementType `json:"elementType"`
		// Member is the name of the payload entry,
		// i.e. the last path component of "<subdir>/data/<member>".
		Member string `json:"member"`
		// ElementCount is the total count of elements in the member.
		ElementCount int64 `json:"elementCount"`
	}

	// TensorDescriptor describes one logical tensor of an archive.
	TensorDescriptor struct {
		// Storage is the member holding the tensor data.
		Storage StorageDescriptor `json:"storage"`
		// Offset is the offset of the first element, in elements.
		Offset int64 `json:"offset"`
		// Shape is the canonical shape of the tensor.
		Shape TensorShape `json:"shape"`
		// RequiresGrad is decoded but ignored.
		RequiresGrad bool `json:"requiresGrad,omitempty"`
	}

	// PendingTensor is a tensor waiting for its payload.
	PendingTensor struct {
		Key        string
		Descriptor TensorDescriptor
	}
)

// ElementType returns the element type of the tensor.
func (d TensorDescriptor) ElementType() ElementType {
	return d.Storage.ElementType
}

// PayloadBytes returns the count of bytes of the tensor payload.
func (d TensorDescriptor) PayloadBytes() (int64, error) {
	n, err := d.Shape.CountElements()
	if err != nil {
		return 0, err
	}
	es := d.Storage.ElementType.Size()
	if es == 0 {
		return 0, fmt.Errorf("%w: element type %v", ErrUnsupportedLayout, d.Storage.ElementType)
	}
	return n * es, nil
}

// ByteOffset returns the offset of the first element, in bytes.
func (d TensorDescriptor) ByteOffset() int64 {
	return d.Offset * d.Storage.ElementType.Size()
}

// PayloadBytes returns the count of bytes of the tensor payload.
func (p PendingTensor) PayloadBytes() (int64, error) {
	return p.Descriptor.PayloadBytes()
}

// ByteOffset returns the offset of the first element, in bytes.
func (p PendingTensor) ByteOffset() int64 {
	return p.Descriptor.ByteOffset()
}
