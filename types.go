package torch_loader

// ElementType is the type of the tensor elements.
type ElementType uint8

// ElementType constants.
const (
	ElementTypeFP16 ElementType = iota // FP16
	ElementTypeFP32                    // FP32
	ElementTypeU32                     // U32
	ElementTypeBF16                    // BF16
)

// Size returns the size in bytes of one element,
// or 0 for an unknown type.
func (t ElementType) Size() int64 {
	switch t {
	case ElementTypeFP16, ElementTypeBF16:
		return 2
	case ElementTypeFP32, ElementTypeU32:
		return 4
	default:
		return 0
	}
}

// LoadTransform is the optional conversion applied by the device
// while creating an immutable tensor.
type LoadTransform uint8

// LoadTransform constants.
const (
	LoadTransformNone              LoadTransform = iota // None
	LoadTransformPromoteToIEEEHalf                      // PromoteToIEEEHalf
)

// TensorLayout is the physical layout of a tensor in device memory.
type TensorLayout uint8

// TensorLayout constants.
const (
	TensorLayoutDense TensorLayout = iota // Dense
	TensorLayoutBCML3                     // BCML3
	TensorLayoutBCML4                     // BCML4
)

// BufferUsage is the access pattern of a device buffer.
type BufferUsage uint8

// BufferUsage constants.
const (
	BufferUsageImmutable         BufferUsage = iota // Immutable
	BufferUsageReadWrite                            // ReadWrite
	BufferUsageReadWriteDownload                    // ReadWriteDownload
	BufferUsageDynamic                              // Dynamic
)

// MergeTactic is the rule combining the slices of one tensor
// from every shard of a split checkpoint.
type MergeTactic uint8

// MergeTactic constants.
const (
	// MergeTacticConcatData concatenates the shards along the slowest axis.
	MergeTacticConcatData MergeTactic = iota // ConcatData
	// MergeTacticConcatRows interleaves the rows of the shards.
	MergeTacticConcatRows // ConcatRows
	// MergeTacticUseFirst takes the first shard, the others are replicas.
	MergeTacticUseFirst // UseFirst
	// MergeTacticIgnore drops the tensor.
	MergeTacticIgnore // Ignore
)
