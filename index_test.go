package torch_loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testShardIndex = `{
  "metadata": {"total_size": 24},
  "weight_map": {
    "model.embed_tokens.weight": "pytorch_model-00001-of-00002.bin",
    "model.norm.weight": "pytorch_model-00002-of-00002.bin",
    "lm_head.weight": "pytorch_model-00002-of-00002.bin"
  }
}`

func writeFiles(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for n, b := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), b, 0o600))
	}
}

func TestShardIndex(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{ShardIndexFilename: []byte(testShardIndex)})

	idx, err := ParseShardIndex(filepath.Join(dir, ShardIndexFilename))
	require.NoError(t, err)
	assert.Equal(t, int64(24), idx.Metadata.TotalSize)
	assert.Equal(t, []string{"pytorch_model-00001-of-00002.bin", "pytorch_model-00002-of-00002.bin"}, idx.ListDataFiles())

	_, err = idx.ComputeDataSize(dir)
	assert.ErrorIs(t, err, ErrMissingFile)

	writeFiles(t, dir, map[string][]byte{
		"pytorch_model-00001-of-00002.bin": make([]byte, 10),
		"pytorch_model-00002-of-00002.bin": make([]byte, 12),
	})
	n, err := idx.ComputeDataSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(22), n)
	assert.ErrorIs(t, idx.Validate(dir), ErrFormatMismatch)

	writeFiles(t, dir, map[string][]byte{"pytorch_model-00002-of-00002.bin": make([]byte, 14)})
	assert.NoError(t, idx.Validate(dir))
}

func TestParseShardIndex_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name     string
		given    string
		expected error
	}{
		{"not json", "{", ErrFormatMismatch},
		{"trailing data", `{"weight_map": {"a": "b.bin"}} {}`, ErrFormatMismatch},
		{"empty weight map", `{"weight_map": {}}`, ErrFormatMismatch},
		{"nested path", `{"weight_map": {"a": "../b.bin"}}`, ErrFormatMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := filepath.Join(dir, "index.json")
			require.NoError(t, os.WriteFile(p, []byte(tc.given), 0o600))
			_, err := ParseShardIndex(p)
			assert.ErrorIs(t, err, tc.expected)
		})
	}

	_, err := ParseShardIndex(filepath.Join(dir, "absent.json"))
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestParseShardIndexRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/org/model/resolve/main/"+ShardIndexFilename {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(testShardIndex))
	}))
	defer srv.Close()
	t.Setenv("HF_ENDPOINT", srv.URL)

	idx, err := ParseShardIndexFromHuggingFace(context.Background(), "org/model", SkipDNSCache(), SkipProxy())
	require.NoError(t, err)
	assert.Len(t, idx.WeightMap, 3)

	_, err = ParseShardIndexFromHuggingFace(context.Background(), "org/absent", SkipDNSCache(), SkipProxy())
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestLoader_LoadTransformer(t *testing.T) {
	dir := t.TempDir()
	shard1 := zipArchive(t, "pytorch_model-00001-of-00002", pickleStateDict(
		_TestTensor{Key: "model.embed_tokens.weight", Storage: "HalfStorage", Member: "0", Numel: 4, Size: []int64{2, 2}},
	), map[string][]byte{"0": sequence(0, 8)})
	shard2 := zipArchive(t, "pytorch_model-00002-of-00002", pickleStateDict(
		_TestTensor{Key: "model.norm.weight", Storage: "HalfStorage", Member: "0", Numel: 2, Size: []int64{2}},
		_TestTensor{Key: "lm_head.weight", Storage: "HalfStorage", Member: "1", Numel: 4, Size: []int64{2, 2}},
	), map[string][]byte{"0": sequence(10, 4), "1": sequence(20, 8)})
	writeFiles(t, dir, map[string][]byte{
		ShardIndexFilename:                 []byte(testShardIndex),
		"pytorch_model-00001-of-00002.bin": shard1,
		"pytorch_model-00002-of-00002.bin": shard2,
	})

	dev := NewHostDevice()
	l := NewLoader(dev, MistralTraits(TensorLayoutDense))
	require.NoError(t, l.LoadTransformer(context.Background(), dir))
	assert.Len(t, l.Tensors(), 3)
	assert.Equal(t, 1, dev.Waits())

	renamed, err := RenameMistralV02(l.Take())
	require.NoError(t, err)
	assert.Contains(t, renamed, "tok_embeddings.weight")
	assert.Contains(t, renamed, "output.weight")
	assert.Contains(t, renamed, "norm.weight")
}

func TestLoader_LoadTransformer_MissingTensor(t *testing.T) {
	dir := t.TempDir()
	shard1 := zipArchive(t, "pytorch_model-00001-of-00002", pickleStateDict(
		_TestTensor{Key: "model.embed_tokens.weight", Storage: "HalfStorage", Member: "0", Numel: 4, Size: []int64{4}},
	), map[string][]byte{"0": sequence(0, 8)})
	shard2 := zipArchive(t, "pytorch_model-00002-of-00002", pickleStateDict(
		_TestTensor{Key: "model.norm.weight", Storage: "HalfStorage", Member: "0", Numel: 8, Size: []int64{8}},
	), map[string][]byte{"0": sequence(10, 16)})
	writeFiles(t, dir, map[string][]byte{
		ShardIndexFilename:                 []byte(testShardIndex),
		"pytorch_model-00001-of-00002.bin": shard1,
		"pytorch_model-00002-of-00002.bin": shard2,
	})

	dev := NewHostDevice()
	l := NewLoader(dev, LoadTraits{})
	err := l.LoadTransformer(context.Background(), dir)
	assert.ErrorIs(t, err, ErrMissingPayload)
	assert.Contains(t, err.Error(), "lm_head.weight")
	assert.Empty(t, l.Tensors())
	assert.Equal(t, 0, dev.Live())
}
