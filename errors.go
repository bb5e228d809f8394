package torch_loader

import (
	"errors"
	"fmt"
)

var (
	ErrMissingFile            = errors.New("missing file")
	ErrFormatMismatch         = errors.New("format mismatch")
	ErrCorruptArchive         = errors.New("corrupt archive")
	ErrUnsupportedMergeTactic = errors.New("unsupported merge tactic")
	ErrOverlapOrOutOfBounds   = errors.New("tensors overlap or out of bounds")
	ErrOrphanEntry            = errors.New("archive entry without metadata")
	ErrMissingPayload         = errors.New("metadata without archive entry")
	ErrShardKeyMismatch       = errors.New("shard key mismatch")
	ErrShardDivergence        = errors.New("shard divergence")
	ErrUnsupportedLayout      = errors.New("unsupported layout")
	ErrOverflow               = errors.New("integer overflow")
	ErrInvalidPermutation     = errors.New("invalid permutation")
	ErrOutOfRange             = errors.New("out of range")
	ErrAlreadyLoaded          = errors.New("tensor already loaded")
)

// Merge preconditions, all of them are format mismatches.
var (
	ErrTensorCountMismatch = fmt.Errorf("%w: tensor count", ErrFormatMismatch)
	ErrMemberCountMismatch = fmt.Errorf("%w: member count", ErrFormatMismatch)
	ErrDataTypeMismatch    = fmt.Errorf("%w: data type", ErrFormatMismatch)
	ErrShapeMismatch       = fmt.Errorf("%w: shape", ErrFormatMismatch)
)
