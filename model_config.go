package torch_loader

import (
	"fmt"
	"path/filepath"

	"github.com/gpustack/torch-loader-go/util/json"
	"github.com/gpustack/torch-loader-go/util/osx"
)

// ModelVersion tells which configuration file a ModelConfig comes from.
type ModelVersion string

const (
	// ModelVersionParams is a checkpoint configured by "params.json",
	// split into "consolidated.*.pth" shards.
	ModelVersionParams ModelVersion = "params"
	// ModelVersionTransformers is a transformers checkpoint configured by "config.json",
	// indexed by ShardIndexFilename.
	ModelVersionTransformers ModelVersion = "transformers"
)

const (
	_DefaultSlidingWindow = 4096
	_DefaultRopeTheta     = 10000
)

// ModelConfig is the hyperparameters of a transformer checkpoint.
type ModelConfig struct {
	Version       ModelVersion `json:"version"`
	Dim           int          `json:"dim"`
	Layers        int          `json:"layers"`
	HeadDim       int          `json:"headDim"`
	HiddenDim     int          `json:"hiddenDim"`
	Heads         int          `json:"heads"`
	KVHeads       int          `json:"kvHeads"`
	NormEps       float32      `json:"normEps"`
	SlidingWindow int          `json:"slidingWindow"`
	VocabSize     int          `json:"vocabSize"`
	RopeTheta     float32      `json:"ropeTheta"`
}

type _ParamsJSON struct {
	Dim           int     `json:"dim"`
	Layers        int     `json:"n_layers"`
	HeadDim       int     `json:"head_dim"`
	HiddenDim     int     `json:"hidden_dim"`
	Heads         int     `json:"n_heads"`
	KVHeads       int     `json:"n_kv_heads"`
	NormEps       float32 `json:"norm_eps"`
	SlidingWindow int     `json:"sliding_window"`
	VocabSize     int     `json:"vocab_size"`
}

type _ConfigJSON struct {
	Architectures         []string `json:"architectures"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumKeyValueHeads      int      `json:"num_key_value_heads"`
	RMSNormEps            float32  `json:"rms_norm_eps"`
	RopeTheta             float32  `json:"rope_theta"`
	SlidingWindow         *int     `json:"sliding_window"`
	VocabSize             int      `json:"vocab_size"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	TorchDtype            string   `json:"torch_dtype"`
}

// ParseModelConfig parses the configuration of the checkpoint in the given directory,
// "config.json" when the directory has a shard index, "params.json" otherwise.
func ParseModelConfig(dir string) (*ModelConfig, error) {
	if osx.ExistsFile(filepath.Join(dir, ShardIndexFilename)) {
		return parseConfigJSON(filepath.Join(dir, "config.json"))
	}
	return parseParamsJSON(filepath.Join(dir, "params.json"))
}

func decodeJSONFile(path string, v any) error {
	f, err := osx.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMissingFile, err)
	}
	defer osx.Close(f)

	if err = json.DecodeFrom(f, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFormatMismatch, path, err)
	}
	return nil
}

func parseParamsJSON(path string) (*ModelConfig, error) {
	var p _ParamsJSON
	if err := decodeJSONFile(path, &p); err != nil {
		return nil, err
	}
	c := &ModelConfig{
		Version:       ModelVersionParams,
		Dim:           p.Dim,
		Layers:        p.Layers,
		HeadDim:       p.HeadDim,
		HiddenDim:     p.HiddenDim,
		Heads:         p.Heads,
		KVHeads:       p.KVHeads,
		NormEps:       p.NormEps,
		SlidingWindow: p.SlidingWindow,
		VocabSize:     p.VocabSize,
		RopeTheta:     _DefaultRopeTheta,
	}
	if c.SlidingWindow == 0 {
		c.SlidingWindow = _DefaultSlidingWindow
	}
	if err := c.check(path); err != nil {
		return nil, err
	}
	return c, nil
}

func parseConfigJSON(path string) (*ModelConfig, error) {
	var p _ConfigJSON
	if err := decodeJSONFile(path, &p); err != nil {
		return nil, err
	}
	if p.NumAttentionHeads <= 0 {
		return nil, fmt.Errorf("%w: %s: %d attention heads", ErrFormatMismatch, path, p.NumAttentionHeads)
	}
	c := &ModelConfig{
		Version:       ModelVersionTransformers,
		Dim:           p.HiddenSize,
		Layers:        p.NumHiddenLayers,
		HeadDim:       p.HiddenSize / p.NumAttentionHeads,
		HiddenDim:     p.IntermediateSize,
		Heads:         p.NumAttentionHeads,
		KVHeads:       p.NumKeyValueHeads,
		NormEps:       p.RMSNormEps,
		SlidingWindow: _DefaultSlidingWindow,
		VocabSize:     p.VocabSize,
		RopeTheta:     p.RopeTheta,
	}
	if p.SlidingWindow != nil {
		c.SlidingWindow = *p.SlidingWindow
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = _DefaultRopeTheta
	}
	if err := c.check(path); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ModelConfig) check(path string) error {
	switch {
	case c.Dim <= 0 || c.Layers <= 0 || c.Heads <= 0 || c.VocabSize <= 0:
		return fmt.Errorf("%w: %s: incomplete configuration", ErrFormatMismatch, path)
	case c.KVHeads <= 0 || c.Heads%c.KVHeads != 0:
		return fmt.Errorf("%w: %s: %d heads over %d kv heads", ErrFormatMismatch, path, c.Heads, c.KVHeads)
	}
	return nil
}

// CheckVocabSize fails with ErrFormatMismatch,
// if the tokenizer vocabulary size disagrees with the configuration.
func (c *ModelConfig) CheckVocabSize(n int) error {
	if n != c.VocabSize {
		return fmt.Errorf("%w: vocabulary of %d tokens, the configuration has %d", ErrFormatMismatch, n, c.VocabSize)
	}
	return nil
}
