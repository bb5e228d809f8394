package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/gpustack/torch-loader-go"
	"github.com/gpustack/torch-loader-go/util/json"
)

type fixtureTensor struct {
	Key    string
	Member string
	Size   []int64
}

// pickleHalfs returns a protocol 2 state dict of contiguous fp16 tensors.
func pickleHalfs(ts ...fixtureTensor) []byte {
	var b bytes.Buffer
	str := func(s string) {
		b.WriteByte('X')
		_ = binary.Write(&b, binary.LittleEndian, uint32(len(s)))
		b.WriteString(s)
	}
	integer := func(v int64) {
		b.WriteByte('J')
		_ = binary.Write(&b, binary.LittleEndian, int32(v))
	}
	global := func(module, name string) {
		b.WriteString("c" + module + "\n" + name + "\n")
	}
	tuple := func(vs []int64) {
		b.WriteByte('(')
		for _, v := range vs {
			integer(v)
		}
		b.WriteByte('t')
	}
	orderedDict := func() {
		global("collections", "OrderedDict")
		b.WriteString(")R")
	}

	b.Write([]byte{0x80, 2})
	orderedDict()
	b.WriteByte('(')
	for _, tt := range ts {
		numel := int64(1)
		stride := make([]int64, len(tt.Size))
		for i := len(tt.Size) - 1; i >= 0; i-- {
			stride[i] = numel
			numel *= tt.Size[i]
		}

		str(tt.Key)
		global("torch._utils", "_rebuild_tensor_v2")
		b.WriteString("((")
		str("storage")
		global("torch", "HalfStorage")
		str(tt.Member)
		str("cpu")
		integer(numel)
		b.WriteString("tQ")
		integer(0)
		tuple(tt.Size)
		tuple(stride)
		b.WriteByte(0x89)
		orderedDict()
		b.WriteString("tR")
	}
	b.WriteString("u.")
	return b.Bytes()
}

// writeArchive writes a torch.save zip named after its subdirectory into dir.
func writeArchive(t *testing.T, dir, name string, meta []byte, members map[string][]byte) string {
	t.Helper()

	subdir := name[:len(name)-len(filepath.Ext(name))]
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(n string, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: subdir + "/" + n, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	write("data.pkl", meta)
	ns := make([]string, 0, len(members))
	for n := range members {
		ns = append(ns, n)
	}
	sort.Strings(ns)
	for _, n := range ns {
		write("data/"+n, members[n])
	}
	write("version", []byte("3\n"))
	require.NoError(t, zw.Close())

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o600))
	return p
}

func writeTransformer(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	writeArchive(t, dir, "pytorch_model-00001-of-00002.bin", pickleHalfs(
		fixtureTensor{Key: "model.embed_tokens.weight", Member: "0", Size: []int64{2, 2}},
	), map[string][]byte{"0": make([]byte, 8)})
	writeArchive(t, dir, "pytorch_model-00002-of-00002.bin", pickleHalfs(
		fixtureTensor{Key: "model.norm.weight", Member: "0", Size: []int64{2}},
		fixtureTensor{Key: "lm_head.weight", Member: "1", Size: []int64{2, 2}},
	), map[string][]byte{"0": make([]byte, 4), "1": make([]byte, 8)})

	files := map[string]string{
		ShardIndexFilename: `{
  "metadata": {"total_size": 20},
  "weight_map": {
    "model.embed_tokens.weight": "pytorch_model-00001-of-00002.bin",
    "model.norm.weight": "pytorch_model-00002-of-00002.bin",
    "lm_head.weight": "pytorch_model-00002-of-00002.bin"
  }
}`,
		"config.json": `{
  "architectures": ["MistralForCausalLM"], "hidden_size": 4096, "intermediate_size": 14336,
  "num_attention_heads": 32, "num_hidden_layers": 32, "num_key_value_heads": 8,
  "rms_norm_eps": 1e-05, "rope_theta": 1000000.0, "vocab_size": 32000
}`,
	}
	for n, s := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(s), 0o600))
	}
	return dir
}

// run executes the app with JSON output and without the metadata cache,
// and returns what it printed.
func run(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()

	var out bytes.Buffer
	app := newApp("torch-loader")
	app.Writer = &out
	err := app.Run(append([]string{"torch-loader", "--json", "--skip-cache"}, args...))
	return out.Bytes(), err
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	p := writeArchive(t, dir, "consolidated.00.pth", pickleHalfs(
		fixtureTensor{Key: "tok_embeddings.weight", Member: "0", Size: []int64{4, 2}},
		fixtureTensor{Key: "norm.weight", Member: "1", Size: []int64{2}},
	), map[string][]byte{"0": make([]byte, 16), "1": make([]byte, 4)})

	out, err := run(t, "inspect", "--path", p)
	require.NoError(t, err)

	var tds map[string]TensorDescriptor
	require.NoError(t, json.Unmarshal(out, &tds))
	if assert.Len(t, tds, 2) {
		assert.Equal(t, ElementTypeFP16, tds["tok_embeddings.weight"].Storage.ElementType)
		assert.Equal(t, "1", tds["norm.weight"].Storage.Member)
	}

	_, err = run(t, "inspect")
	assert.Error(t, err)
	_, err = run(t, "inspect", "--path", filepath.Join(dir, "absent.pth"))
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestIndex(t *testing.T) {
	dir := writeTransformer(t)

	out, err := run(t, "index", "--dir", dir)
	require.NoError(t, err)

	var v struct {
		Files     []string     `json:"files"`
		TotalSize int64        `json:"totalSize"`
		DataSize  int64        `json:"dataSize"`
		Config    *ModelConfig `json:"config"`
	}
	require.NoError(t, json.Unmarshal(out, &v))
	assert.Equal(t, []string{"pytorch_model-00001-of-00002.bin", "pytorch_model-00002-of-00002.bin"}, v.Files)
	assert.Equal(t, int64(20), v.TotalSize)
	assert.Greater(t, v.DataSize, v.TotalSize)
	if assert.NotNil(t, v.Config) {
		assert.Equal(t, ModelVersionTransformers, v.Config.Version)
		assert.Equal(t, 8, v.Config.KVHeads)
	}

	_, err = run(t, "index", "--dir", t.TempDir())
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestLoad(t *testing.T) {
	t.Run("path", func(t *testing.T) {
		dir := t.TempDir()
		p := writeArchive(t, dir, "consolidated.00.pth", pickleHalfs(
			fixtureTensor{Key: "norm.weight", Member: "0", Size: []int64{4}},
		), map[string][]byte{"0": make([]byte, 8)})

		out, err := run(t, "load", "--path", p, "--traits", "none", "--strict-padding")
		require.NoError(t, err)

		var descs map[string]TensorDesc
		require.NoError(t, json.Unmarshal(out, &descs))
		if assert.Contains(t, descs, "norm.weight") {
			assert.Equal(t, TensorLayoutDense, descs["norm.weight"].Layout)
		}
	})

	t.Run("dir", func(t *testing.T) {
		dir := writeTransformer(t)

		out, err := run(t, "load", "--dir", dir, "--traits", "mistral", "--rename-mistral-v02")
		require.NoError(t, err)

		var descs map[string]TensorDesc
		require.NoError(t, json.Unmarshal(out, &descs))
		assert.Len(t, descs, 3)
		assert.Contains(t, descs, "tok_embeddings.weight")
		assert.Contains(t, descs, "output.weight")
		assert.Contains(t, descs, "norm.weight")
	})

	t.Run("errors", func(t *testing.T) {
		_, err := run(t, "load")
		assert.Error(t, err)
		_, err = run(t, "load", "--path", "x.pth", "--traits", "gpt")
		assert.ErrorContains(t, err, "unknown traits")
	})
}

func TestRepack(t *testing.T) {
	// 256 inputs over 8 outputs: 32 words and 2 groups.
	dir := t.TempDir()
	inputs := map[string][]byte{
		"qweight": make([]byte, 32*8*4),
		"scales":  make([]byte, 2*8*2),
		"qzeros":  make([]byte, 2*1*4),
	}
	for n, b := range inputs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), b, 0o600))
	}
	args := func(codec, output string) []string {
		return []string{
			"repack",
			"--qweight", filepath.Join(dir, "qweight"),
			"--scales", filepath.Join(dir, "scales"),
			"--qzeros", filepath.Join(dir, "qzeros"),
			"--in", "256",
			"--out", "8",
			"--codec", codec,
			"--output", output,
		}
	}

	cases := []struct {
		codec    string
		expected TensorLayout
	}{
		{"bcml3", TensorLayoutBCML3},
		{"bcml4", TensorLayoutBCML4},
	}
	for _, tc := range cases {
		t.Run(tc.codec, func(t *testing.T) {
			output := filepath.Join(t.TempDir(), "layer.bin")
			out, err := run(t, args(tc.codec, output)...)
			require.NoError(t, err)

			var d TensorDesc
			require.NoError(t, json.Unmarshal(out, &d))
			assert.Equal(t, tc.expected, d.Layout)
			assert.Equal(t, Int4{256, 8, 1, 1}, d.Shape.Size)

			fi, err := os.Stat(output)
			require.NoError(t, err)
			assert.NotZero(t, fi.Size())
		})
	}

	_, err := run(t, args("dense", filepath.Join(dir, "layer.bin"))...)
	assert.ErrorContains(t, err, "unknown codec")
}
