package huggingface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertHuggingFaceNameToScopeAndName(t *testing.T) {
	testCases := []struct {
		name      string
		want      []string
		quantized bool
	}{
		{"model.embed_tokens.weight", []string{"embedder", "input_embedding"}, false},
		{"model.norm.weight", []string{"final_norm", "scale"}, false},
		{"lm_head.weight", []string{"lm_head", "w"}, false},
		{"model.layers.0.input_layernorm.weight", []string{"layer_0", "pre_attention_norm", "scale"}, false},
		{"model.layers.21.post_attention_layernorm.weight", []string{"layer_21", "pre_ffw_norm", "scale"}, false},
		{"model.layers.3.self_attn.q_proj.weight", []string{"layer_3", "attn", "q_proj", "w"}, true},
		{"model.layers.3.self_attn.o_proj.weight", []string{"layer_3", "attn", "o_proj", "w"}, true},
		{"model.layers.7.mlp.gate_proj.weight", []string{"layer_7", "mlp", "gating_proj", "w"}, true},
		{"model.layers.7.mlp.down_proj.weight", []string{"layer_7", "mlp", "down_proj", "w"}, true},

		// Not loaded: precomputed tables, biases, malformed names.
		{"model.layers.0.self_attn.rotary_emb.inv_freq", nil, false},
		{"model.layers.0.self_attn.q_proj.bias", nil, false},
		{"model.layers.x.self_attn.q_proj.weight", nil, false},
		{"optimizer.state", nil, false},
	}
	for _, tc := range testCases {
		got, quantized := convertHuggingFaceNameToScopeAndName(tc.name)
		assert.Equal(t, tc.want, got, "name %q", tc.name)
		assert.Equal(t, tc.quantized, quantized, "name %q", tc.name)
	}
}
