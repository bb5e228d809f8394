package torch_loader

import (
	"io"
)

type (
	// TensorDesc describes a device tensor.
	TensorDesc struct {
		Shape    TensorShape  `json:"shape"`
		DataType ElementType  `json:"dataType"`
		Usage    BufferUsage  `json:"usage"`
		Layout   TensorLayout `json:"layout"`
	}

	// Tensor is an opaque handle of a device tensor.
	Tensor interface {
		// Desc returns the description of the tensor.
		Desc() TensorDesc
		// Close releases the device memory,
		// it is safe to call more than once.
		Close() error
	}

	// Device creates device tensors.
	//
	// Implementations may compress uploads in the background,
	// WaitForPendingCompression joins that work.
	Device interface {
		// CreateTensor creates an uninitialized tensor.
		CreateTensor(desc TensorDesc) (Tensor, error)
		// LoadImmutableTensor creates an immutable tensor,
		// reading exactly byteWidth bytes from r and applying the transform.
		LoadImmutableTensor(desc TensorDesc, r io.Reader, byteWidth int64, transform LoadTransform) (Tensor, error)
		// UploadImmutableTensor creates an immutable tensor from the given bytes,
		// the device must not retain data after returning.
		UploadImmutableTensor(desc TensorDesc, data []byte) (Tensor, error)
		// WaitForPendingCompression blocks until the background work completes.
		WaitForPendingCompression() error
	}
)

// makeTensorDesc returns the immutable tensor description of the given payload.
func makeTensorDesc(shape TensorShape, et ElementType, layout TensorLayout) TensorDesc {
	return TensorDesc{
		Shape:    shape,
		DataType: et,
		Usage:    BufferUsageImmutable,
		Layout:   layout,
	}
}
