package torch_loader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostBytes(t *testing.T, x Tensor) []byte {
	t.Helper()
	ht, ok := x.(*HostTensor)
	require.True(t, ok, "tensor is %T", x)
	return ht.Bytes()
}

func TestLoader_LoadArchive_ExactFit(t *testing.T) {
	data := sequence(0, 150)
	meta := pickleStateDict(
		_TestTensor{Key: "a", Storage: "HalfStorage", Member: "0", Numel: 75, Size: []int64{50}},
		_TestTensor{Key: "b", Storage: "HalfStorage", Member: "0", Numel: 75, Offset: 50, Size: []int64{25}},
	)
	a := openTestArchive(t, "model", meta, map[string][]byte{"0": data})

	dev := NewHostDevice()
	m := NewMetrics(prometheus.NewRegistry())
	l := NewLoader(dev, LoadTraits{}, UseMetrics(m))
	require.NoError(t, l.LoadArchive(context.Background(), a))

	ts := l.Tensors()
	require.Len(t, ts, 2)
	assert.Equal(t, data[:100], hostBytes(t, ts["a"]))
	assert.Equal(t, data[100:], hostBytes(t, ts["b"]))
	assert.Equal(t, Int4{50, 1, 1, 1}, ts["a"].Desc().Shape.Size)
	assert.Equal(t, BufferUsageImmutable, ts["a"].Desc().Usage)

	assert.Equal(t, 2, dev.Uploads())
	assert.Equal(t, 1, dev.Waits())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.TensorsLoaded))
	assert.Equal(t, float64(150), testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.PaddingBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ArchiveLoad))

	require.NoError(t, l.Close())
	assert.Equal(t, 0, dev.Live())
}

func TestLoader_LoadArchive_Duplicate(t *testing.T) {
	meta := pickleStateDict(
		_TestTensor{Key: "output.weight", Storage: "HalfStorage", Member: "0", Numel: 2048, Size: []int64{2048}},
		_TestTensor{Key: "tok_embeddings.weight", Storage: "HalfStorage", Member: "0", Numel: 2048, Size: []int64{2048}},
	)

	for _, zm := range zipMethods {
		t.Run(zm.name, func(t *testing.T) {
			a := openTestArchiveWith(t, zm.method, "model", meta, map[string][]byte{"0": sequence(7, 4096)})

			var logs bytes.Buffer
			dev := NewHostDevice()
			m := NewMetrics(nil)
			l := NewLoader(dev, LoadTraits{}, UseLogger(zerolog.New(&logs)), UseMetrics(m))
			require.NoError(t, l.LoadArchive(context.Background(), a))

			ts := l.Tensors()
			require.Len(t, ts, 2)
			assert.Same(t, ts["output.weight"], ts["tok_embeddings.weight"])
			assert.Equal(t, 1, dev.Uploads())
			assert.Equal(t, sequence(7, 4096), hostBytes(t, ts["output.weight"]))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.AliasedTensors))
			assert.Equal(t, 1, bytes.Count(logs.Bytes(), []byte(`"level":"warn"`)))
			assert.Contains(t, logs.String(), "tensors share the same data")

			require.NoError(t, l.Close())
			assert.Equal(t, 0, dev.Live())
		})
	}
}

func TestLoader_LoadArchive_Padded(t *testing.T) {
	data := make([]byte, 8192)
	copy(data[0:], sequence(1, 16))
	copy(data[4096:], sequence(101, 16))
	meta := pickleStateDict(
		_TestTensor{Key: "a", Storage: "HalfStorage", Member: "0", Numel: 4096, Size: []int64{8}},
		_TestTensor{Key: "b", Storage: "HalfStorage", Member: "0", Numel: 4096, Offset: 2048, Size: []int64{8}},
	)

	for _, zm := range zipMethods {
		for _, strict := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s strict=%v", zm.name, strict), func(t *testing.T) {
				var opts []LoadOption
				if strict {
					opts = append(opts, UseStrictPadding())
				}
				m := NewMetrics(nil)
				opts = append(opts, UseMetrics(m))

				a := openTestArchiveWith(t, zm.method, "model", meta, map[string][]byte{"0": data})
				dev := NewHostDevice()
				l := NewLoader(dev, LoadTraits{}, opts...)
				require.NoError(t, l.LoadArchive(context.Background(), a))

				ts := l.Tensors()
				assert.Equal(t, sequence(1, 16), hostBytes(t, ts["a"]))
				assert.Equal(t, sequence(101, 16), hostBytes(t, ts["b"]))
				assert.Equal(t, float64(8160), testutil.ToFloat64(m.PaddingBytes))
				assert.Equal(t, float64(32), testutil.ToFloat64(m.BytesRead))
			})
		}
	}
}

func TestLoader_LoadArchive_StrictPaddingRejectsGarbage(t *testing.T) {
	data := sequence(1, 255)
	data = append(data, make([]byte, 1)...)
	meta := pickleStateDict(
		_TestTensor{Key: "a", Storage: "HalfStorage", Member: "0", Numel: 128, Size: []int64{8}},
		_TestTensor{Key: "b", Storage: "HalfStorage", Member: "0", Numel: 128, Offset: 64, Size: []int64{8}},
	)

	a := openTestArchive(t, "model", meta, map[string][]byte{"0": data})
	dev := NewHostDevice()
	l := NewLoader(dev, LoadTraits{})
	require.NoError(t, l.LoadArchive(context.Background(), a))
	assert.Len(t, l.Tensors(), 2)

	a = openTestArchive(t, "model", meta, map[string][]byte{"0": data})
	dev = NewHostDevice()
	l = NewLoader(dev, LoadTraits{}, UseStrictPadding())
	err := l.LoadArchive(context.Background(), a)
	assert.ErrorIs(t, err, ErrOverlapOrOutOfBounds)
	assert.Empty(t, l.Tensors())
	assert.Equal(t, 0, dev.Live())
}

func TestLoader_LoadArchive_Errors(t *testing.T) {
	half := func(key, member string, numel, offset int64, size ...int64) _TestTensor {
		return _TestTensor{Key: key, Storage: "HalfStorage", Member: member, Numel: numel, Offset: offset, Size: size}
	}

	cases := []struct {
		name     string
		tensors  []_TestTensor
		members  map[string][]byte
		expected error
	}{
		{
			name:     "orphan entry",
			tensors:  []_TestTensor{half("a", "0", 4, 0, 4)},
			members:  map[string][]byte{"0": sequence(0, 8), "1": sequence(0, 8)},
			expected: ErrOrphanEntry,
		},
		{
			name:     "missing payload",
			tensors:  []_TestTensor{half("a", "0", 4, 0, 4), half("b", "1", 4, 0, 4)},
			members:  map[string][]byte{"0": sequence(0, 8)},
			expected: ErrMissingPayload,
		},
		{
			name:     "overlap",
			tensors:  []_TestTensor{half("z", "0", 4, 0, 4), half("a", "1", 32, 0, 16), half("b", "1", 32, 4, 8)},
			members:  map[string][]byte{"0": sequence(0, 8), "1": sequence(0, 64)},
			expected: ErrOverlapOrOutOfBounds,
		},
		{
			name:     "out of bounds",
			tensors:  []_TestTensor{half("a", "0", 4096, 0, 8), half("b", "0", 4096, 4090, 8)},
			members:  map[string][]byte{"0": make([]byte, 8192)},
			expected: ErrOverlapOrOutOfBounds,
		},
		{
			name: "data type mismatch",
			tensors: []_TestTensor{
				half("a", "0", 32, 0, 4),
				{Key: "b", Storage: "FloatStorage", Member: "0", Numel: 16, Offset: 8, Size: []int64{4}},
			},
			members:  map[string][]byte{"0": make([]byte, 64)},
			expected: ErrDataTypeMismatch,
		},
		{
			name:     "strided",
			tensors:  []_TestTensor{{Key: "a", Storage: "HalfStorage", Member: "0", Numel: 12, Size: []int64{2, 3}, Stride: []int64{6, 1}}},
			members:  map[string][]byte{"0": make([]byte, 24)},
			expected: ErrUnsupportedLayout,
		},
		{
			name:     "truncated entry",
			tensors:  []_TestTensor{half("a", "0", 8, 0, 8)},
			members:  map[string][]byte{"0": make([]byte, 6)},
			expected: ErrOverlapOrOutOfBounds,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := openTestArchive(t, "model", pickleStateDict(tc.tensors...), tc.members)
			dev := NewHostDevice()
			l := NewLoader(dev, LoadTraits{})

			err := l.LoadArchive(context.Background(), a)
			assert.ErrorIs(t, err, tc.expected)
			assert.Empty(t, l.Tensors())
			assert.Equal(t, 0, dev.Live())
			assert.Equal(t, 0, dev.Waits())
		})
	}
}

func TestLoader_LoadArchive_AlreadyLoaded(t *testing.T) {
	meta := pickleStateDict(_TestTensor{Key: "a", Storage: "HalfStorage", Member: "0", Numel: 4, Size: []int64{4}})
	dev := NewHostDevice()
	l := NewLoader(dev, LoadTraits{})

	require.NoError(t, l.LoadArchive(context.Background(), openTestArchive(t, "model", meta, map[string][]byte{"0": sequence(0, 8)})))
	err := l.LoadArchive(context.Background(), openTestArchive(t, "model", meta, map[string][]byte{"0": sequence(0, 8)}))
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
	assert.Len(t, l.Tensors(), 1)
	assert.Equal(t, 1, dev.Live())

	ts := l.Take()
	assert.Len(t, ts, 1)
	assert.Empty(t, l.Tensors())
	require.NoError(t, l.Close())
	assert.Equal(t, 1, dev.Live())
}

func TestLoader_LoadArchive_Canceled(t *testing.T) {
	meta := pickleStateDict(_TestTensor{Key: "a", Storage: "HalfStorage", Member: "0", Numel: 4, Size: []int64{4}})
	a := openTestArchive(t, "model", meta, map[string][]byte{"0": sequence(0, 8)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dev := NewHostDevice()
	l := NewLoader(dev, LoadTraits{})
	assert.ErrorIs(t, l.LoadArchive(ctx, a), context.Canceled)
	assert.Equal(t, 0, dev.Live())
}

func TestLoader_LoadArchive_Transform(t *testing.T) {
	// 1.0, -2.0 and 0.5 in bfloat16.
	data := []byte{0x80, 0x3f, 0x00, 0xc0, 0x00, 0x3f}
	meta := pickleStateDict(_TestTensor{Key: "layers.0.attention.wq.weight", Storage: "BFloat16Storage", Member: "0", Numel: 3, Size: []int64{3}})
	a := openTestArchive(t, "model", meta, map[string][]byte{"0": data})

	dev := NewHostDevice()
	l := NewLoader(dev, MistralTraits(TensorLayoutBCML3))
	require.NoError(t, l.LoadArchive(context.Background(), a))

	x := l.Tensors()["layers.0.attention.wq.weight"]
	require.NotNil(t, x)
	assert.Equal(t, ElementTypeFP16, x.Desc().DataType)
	assert.Equal(t, TensorLayoutBCML3, x.Desc().Layout)
	assert.Equal(t, []byte{0x00, 0x3c, 0x00, 0xc0, 0x00, 0x38}, hostBytes(t, x))
}

func TestLoader_SkipWaitForCompression(t *testing.T) {
	meta := pickleStateDict(_TestTensor{Key: "a", Storage: "HalfStorage", Member: "0", Numel: 4, Size: []int64{4}})
	a := openTestArchive(t, "model", meta, map[string][]byte{"0": sequence(0, 8)})

	dev := NewHostDevice()
	l := NewLoader(dev, LoadTraits{}, SkipWaitForCompression())
	require.NoError(t, l.LoadArchive(context.Background(), a))
	assert.Equal(t, 0, dev.Waits())
}

func TestLoader_LoadFile_MetadataCache(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "model.pth")
	meta := pickleStateDict(_TestTensor{Key: "a", Storage: "HalfStorage", Member: "0", Numel: 4, Size: []int64{4}})
	require.NoError(t, os.WriteFile(p, zipArchive(t, "model", meta, map[string][]byte{"0": sequence(0, 8)}), 0o600))

	cache := filepath.Join(dir, "cache")
	for i := 0; i < 2; i++ {
		var logs bytes.Buffer
		dev := NewHostDevice()
		l := NewLoader(dev, LoadTraits{}, UseMetadataCache(cache, 0), UseLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))
		require.NoError(t, l.LoadFile(context.Background(), p))
		assert.Equal(t, sequence(0, 8), hostBytes(t, l.Tensors()["a"]))
		assert.Equal(t, i == 1, bytes.Contains(logs.Bytes(), []byte("metadata cache hit")))
	}
}

func TestHuggingFaceFileURL(t *testing.T) {
	t.Setenv("HF_ENDPOINT", "https://hf-mirror.com/")
	assert.Equal(t, "https://hf-mirror.com/mistralai/Mistral-7B/resolve/main/pytorch_model.bin",
		HuggingFaceFileURL("mistralai/Mistral-7B", "pytorch_model.bin"))
}
