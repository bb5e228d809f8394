package torch_loader

import (
	"fmt"
	"strings"
)

// LoadTraits decides what happens to the tensors of a checkpoint,
// nil functions fall back to Dense, no transform and no merging.
type LoadTraits struct {
	// Layout returns the device layout of the tensor.
	Layout func(key string) TensorLayout
	// Transform returns the conversion applied by the device on upload.
	Transform func(stored ElementType, key string) LoadTransform
	// MergeTactic returns the rule combining the shards of the tensor.
	MergeTactic func(key string, shapes []TensorShape) (MergeTactic, error)
}

func (t LoadTraits) layout(key string) TensorLayout {
	if t.Layout == nil {
		return TensorLayoutDense
	}
	return t.Layout(key)
}

func (t LoadTraits) transform(stored ElementType, key string) LoadTransform {
	if t.Transform == nil {
		return LoadTransformNone
	}
	return t.Transform(stored, key)
}

func (t LoadTraits) mergeTactic(key string, shapes []TensorShape) (MergeTactic, error) {
	if t.MergeTactic == nil {
		return 0, fmt.Errorf("%w: no merge tactic for %q", ErrUnsupportedMergeTactic, key)
	}
	return t.MergeTactic(key, shapes)
}

// LlamaMergeTactic merges the tensor-parallel shards of
// "consolidated.NN.pth" checkpoints,
// see https://github.com/meta-llama/llama/blob/main/llama/model.py.
//
// Column parallel weights are split by output rows,
// row parallel weights and the embedding are split by input columns,
// norms are replicated.
func LlamaMergeTactic(key string, shapes []TensorShape) (MergeTactic, error) {
	switch {
	case key == "rope.freqs":
		return MergeTacticIgnore, nil
	case strings.HasSuffix(key, "norm.weight"):
		return MergeTacticUseFirst, nil
	case key == "tok_embeddings.weight",
		strings.HasSuffix(key, ".attention.wo.weight"),
		strings.HasSuffix(key, ".feed_forward.w2.weight"):
		return MergeTacticConcatRows, nil
	case key == "output.weight",
		strings.HasSuffix(key, ".attention.wq.weight"),
		strings.HasSuffix(key, ".attention.wk.weight"),
		strings.HasSuffix(key, ".attention.wv.weight"),
		strings.HasSuffix(key, ".feed_forward.w1.weight"),
		strings.HasSuffix(key, ".feed_forward.w3.weight"):
		return MergeTacticConcatData, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedMergeTactic, key)
}

// mistralCompressedSuffixes are the weights of the linear layers,
// in both v0.1 and v0.2 naming.
var mistralCompressedSuffixes = []string{
	".feed_forward.w1.weight",
	".feed_forward.w2.weight",
	".feed_forward.w3.weight",
	".attention.wk.weight",
	".attention.wo.weight",
	".attention.wq.weight",
	".attention.wv.weight",
	".mlp.up_proj.weight",
	".mlp.down_proj.weight",
	".mlp.gate_proj.weight",
	".self_attn.q_proj.weight",
	".self_attn.k_proj.weight",
	".self_attn.v_proj.weight",
	".self_attn.o_proj.weight",
}

// MistralTraits returns the traits of Mistral checkpoints,
// the linear layer weights use the given layout,
// BF16 weights are promoted to IEEE half precision.
func MistralTraits(compressed TensorLayout) LoadTraits {
	return LoadTraits{
		Layout: func(key string) TensorLayout {
			for _, s := range mistralCompressedSuffixes {
				if strings.HasSuffix(key, s) {
					return compressed
				}
			}
			return TensorLayoutDense
		},
		Transform: func(ElementType, string) LoadTransform {
			return LoadTransformPromoteToIEEEHalf
		},
		MergeTactic: LlamaMergeTactic,
	}
}

var (
	mistralV02Globals = map[string]string{
		"embed_tokens.weight": "tok_embeddings.weight",
		"lm_head.weight":      "output.weight",
		"norm.weight":         "norm.weight",
	}
	mistralV02Layer = map[string]string{
		"input_layernorm.weight":          "attention_norm.weight",
		"post_attention_layernorm.weight": "ffn_norm.weight",
		"self_attn.q_proj.weight":         "attention.wq.weight",
		"self_attn.k_proj.weight":         "attention.wk.weight",
		"self_attn.v_proj.weight":         "attention.wv.weight",
		"self_attn.o_proj.weight":         "attention.wo.weight",
		"mlp.gate_proj.weight":            "feed_forward.w1.weight",
		"mlp.up_proj.weight":              "feed_forward.w3.weight",
		"mlp.down_proj.weight":            "feed_forward.w2.weight",
	}
)

// RenameMistralV02 renames the tensors of a Hugging Face Mistral v0.2 checkpoint
// into the names of the consolidated v0.1 checkpoint.
func RenameMistralV02[T any](m map[string]T) (map[string]T, error) {
	r := make(map[string]T, len(m))
	for k, v := range m {
		key := strings.TrimPrefix(k, "model.")

		var ok bool
		if strings.HasPrefix(key, "layers.") {
			fs := strings.SplitN(key, ".", 3)
			if len(fs) == 3 {
				fs[2], ok = mistralV02Layer[fs[2]]
				key = strings.Join(fs, ".")
			}
		} else {
			key, ok = mistralV02Globals[key]
		}
		if !ok {
			return nil, fmt.Errorf("%w: unexpected tensor %q", ErrFormatMismatch, k)
		}
		if _, dup := r[key]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrFormatMismatch, key)
		}
		r[key] = v
	}
	return r, nil
}
