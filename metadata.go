package torch_loader

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/gpustack/torch-loader-go/util/anyx"
)

// MetadataDecoder decodes the metadata entry of an archive,
// and returns the tensors keyed by their output names.
//
// A bare tensor is returned under the empty key.
type MetadataDecoder interface {
	Decode(r io.Reader) (map[string]TensorDescriptor, error)
}

// PickleMetadataDecoder decodes the pickled object graph written by torch.save,
// see https://github.com/pytorch/pytorch/blob/main/torch/serialization.py.
type PickleMetadataDecoder struct{}

// storageClasses maps the typed storage classes to element types.
var storageClasses = map[string]ElementType{
	"HalfStorage":     ElementTypeFP16,
	"FloatStorage":    ElementTypeFP32,
	"BFloat16Storage": ElementTypeBF16,
}

type (
	// _StorageClass is the placeholder of a typed storage class,
	// which appears in persistent ids.
	_StorageClass struct {
		ElementType ElementType
	}

	// _RebuildTensor constructs a TensorDescriptor from
	// (storage, storage_offset, size, stride, requires_grad, backward_hooks, ...).
	_RebuildTensor struct{}

	// _RebuildParameter unwraps (data, requires_grad, backward_hooks).
	_RebuildParameter struct{}
)

func (_RebuildTensor) Call(args ...any) (any, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("rebuild tensor: %w: %d arguments", ErrCorruptArchive, len(args))
	}
	sd, ok := args[0].(StorageDescriptor)
	if !ok {
		return nil, fmt.Errorf("rebuild tensor: %w: storage is %T", ErrCorruptArchive, args[0])
	}
	off, ok := anyx.Int64(args[1])
	if !ok || off < 0 {
		return nil, fmt.Errorf("rebuild tensor: %w: offset %v", ErrCorruptArchive, args[1])
	}
	size, err := tupleInt64s(args[2])
	if err != nil {
		return nil, fmt.Errorf("rebuild tensor: size: %w", err)
	}
	stride, err := tupleInt64s(args[3])
	if err != nil {
		return nil, fmt.Errorf("rebuild tensor: stride: %w", err)
	}
	shape, err := UnpickleShape(size, stride)
	if err != nil {
		return nil, fmt.Errorf("rebuild tensor: %w", err)
	}

	td := TensorDescriptor{
		Storage: sd,
		Offset:  off,
		Shape:   shape,
	}
	if len(args) > 4 {
		td.RequiresGrad = anyx.Bool(args[4])
	}
	return td, nil
}

func (_RebuildParameter) Call(args ...any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("rebuild parameter: %w: no arguments", ErrCorruptArchive)
	}
	td, ok := args[0].(TensorDescriptor)
	if !ok {
		return nil, fmt.Errorf("rebuild parameter: %w: data is %T", ErrCorruptArchive, args[0])
	}
	if len(args) > 1 {
		td.RequiresGrad = anyx.Bool(args[1])
	}
	return td, nil
}

func tupleInt64s(v any) ([]int64, error) {
	t, ok := v.(*types.Tuple)
	if !ok {
		return nil, fmt.Errorf("%w: expected tuple, got %T", ErrCorruptArchive, v)
	}
	r := make([]int64, t.Len())
	for i := range r {
		if r[i], ok = anyx.Int64(t.Get(i)); !ok {
			return nil, fmt.Errorf("%w: tuple item %v", ErrCorruptArchive, t.Get(i))
		}
	}
	return r, nil
}

func findClass(module, name string) (any, error) {
	switch module {
	case "torch":
		if et, ok := storageClasses[name]; ok {
			return _StorageClass{ElementType: et}, nil
		}
		if len(name) > len("Storage") && name[len(name)-len("Storage"):] == "Storage" {
			return nil, fmt.Errorf("%w: storage class torch.%s", ErrUnsupportedLayout, name)
		}
	case "torch._utils":
		switch name {
		case "_rebuild_tensor_v2":
			return _RebuildTensor{}, nil
		case "_rebuild_parameter":
			return _RebuildParameter{}, nil
		}
	}
	return types.NewGenericClass(module, name), nil
}

// persistentLoad resolves ('storage', class, key, location, numel).
func persistentLoad(id any) (any, error) {
	t, ok := id.(*types.Tuple)
	if !ok || t.Len() < 5 {
		return nil, fmt.Errorf("persistent load: %w: id %v", ErrCorruptArchive, id)
	}
	if kind, _ := anyx.String(t.Get(0)); kind != "storage" {
		return nil, fmt.Errorf("persistent load: %w: kind %v", ErrCorruptArchive, t.Get(0))
	}
	sc, ok := t.Get(1).(_StorageClass)
	if !ok {
		return nil, fmt.Errorf("persistent load: %w: storage class %v", ErrUnsupportedLayout, t.Get(1))
	}
	key, ok := anyx.String(t.Get(2))
	if !ok || key == "" {
		return nil, fmt.Errorf("persistent load: %w: key %v", ErrCorruptArchive, t.Get(2))
	}
	n, ok := anyx.Int64(t.Get(4))
	if !ok || n < 0 {
		return nil, fmt.Errorf("persistent load: %w: count %v", ErrCorruptArchive, t.Get(4))
	}
	return StorageDescriptor{
		ElementType:  sc.ElementType,
		Member:       key,
		ElementCount: n,
	}, nil
}

// Decode implements MetadataDecoder.
func (PickleMetadataDecoder) Decode(r io.Reader) (map[string]TensorDescriptor, error) {
	u := pickle.NewUnpickler(bufio.NewReader(r))
	u.FindClass = findClass
	u.PersistentLoad = persistentLoad

	v, err := u.Load()
	if err != nil {
		if errors.Is(err, ErrUnsupportedLayout) || errors.Is(err, ErrCorruptArchive) || errors.Is(err, ErrOverflow) || errors.Is(err, ErrOutOfRange) {
			return nil, fmt.Errorf("unpickle: %w", err)
		}
		return nil, fmt.Errorf("unpickle: %w: %w", ErrCorruptArchive, err)
	}

	tds := map[string]TensorDescriptor{}
	put := func(k, v any) error {
		td, ok := v.(TensorDescriptor)
		if !ok {
			return nil
		}
		ks, ok := anyx.String(k)
		if !ok {
			return fmt.Errorf("%w: tensor key %v", ErrCorruptArchive, k)
		}
		tds[ks] = td
		return nil
	}

	switch vv := v.(type) {
	case TensorDescriptor:
		tds[""] = vv
	case *types.OrderedDict:
		for e := vv.List.Front(); e != nil; e = e.Next() {
			ent := e.Value.(*types.OrderedDictEntry)
			if err = put(ent.Key, ent.Value); err != nil {
				return nil, err
			}
		}
	case *types.Dict:
		for _, k := range vv.Keys() {
			dv, _ := vv.Get(k)
			if err = put(k, dv); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: unexpected root object %T", ErrCorruptArchive, v)
	}
	return tds, nil
}
