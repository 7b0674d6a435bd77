package transformers

import (
	"encoding/json"
	"os"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Config describes a Llama-family decoder-only transformer.
type Config struct {
	ModelType string

	// DType of the checkpoint weights (embeddings and norms keep it; the
	// projections are quantized at load time).
	DType dtypes.DType

	NumLayers         int
	VocabSize         int
	EmbedDim          int
	HiddenDim         int
	NumHeads, HeadDim int
	NumKVHeads        int
	MaxSeqLength      int
	RopeTheta         float64
	RMSNormEpsilon    float64
	TieWordEmbeddings bool

	// UseKVCache must be disabled before adapter training: the training graph
	// re-encodes full sequences, and the rotating decode cache does not compose
	// with back-propagation through quantized weights.
	UseKVCache bool

	// TensorParallelism must be 1 (single partition) for adapter training on
	// quantized weights. Device placement is still up to the backend.
	TensorParallelism int

	// UpcastNorms makes normalization layers compute in float32.
	// Set by PrepareForKbitTraining.
	UpcastNorms bool

	BosTokenID, EosTokenID int
}

// hfConfig is the subset of HuggingFace's config.json this package understands.
type hfConfig struct {
	ModelType             string  `json:"model_type"`
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumKeyValueHeads      int     `json:"num_key_value_heads"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	RMSNormEps            float64 `json:"rms_norm_eps"`
	RopeTheta             float64 `json:"rope_theta"`
	TieWordEmbeddings     bool    `json:"tie_word_embeddings"`
	PretrainingTP         int     `json:"pretraining_tp"`
	TorchDType            string  `json:"torch_dtype"`
	BosTokenID            int     `json:"bos_token_id"`
	EosTokenID            int     `json:"eos_token_id"`
}

// NewConfigFromJSON builds a model Config from the checkpoint's config.json.
func NewConfigFromJSON(configPath string) (*Config, error) {
	encoded, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model config %q", configPath)
	}
	var hf hfConfig
	if err = json.Unmarshal(encoded, &hf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model config %q", configPath)
	}

	if hf.ModelType != "llama" && hf.ModelType != "mistral" {
		return nil, errors.Errorf("unsupported model type %q, only Llama-family decoders are implemented", hf.ModelType)
	}
	if hf.NumAttentionHeads <= 0 || hf.HiddenSize%hf.NumAttentionHeads != 0 {
		return nil, errors.Errorf("hidden size %d is not divisible by %d attention heads", hf.HiddenSize, hf.NumAttentionHeads)
	}
	if hf.NumKeyValueHeads == 0 {
		hf.NumKeyValueHeads = hf.NumAttentionHeads
	}
	if hf.NumAttentionHeads%hf.NumKeyValueHeads != 0 {
		return nil, errors.Errorf("%d query heads cannot be grouped over %d key/value heads", hf.NumAttentionHeads, hf.NumKeyValueHeads)
	}

	c := &Config{
		ModelType:         hf.ModelType,
		NumLayers:         hf.NumHiddenLayers,
		VocabSize:         hf.VocabSize,
		EmbedDim:          hf.HiddenSize,
		HiddenDim:         hf.IntermediateSize,
		NumHeads:          hf.NumAttentionHeads,
		HeadDim:           hf.HiddenSize / hf.NumAttentionHeads,
		NumKVHeads:        hf.NumKeyValueHeads,
		MaxSeqLength:      hf.MaxPositionEmbeddings,
		RopeTheta:         hf.RopeTheta,
		RMSNormEpsilon:    hf.RMSNormEps,
		TieWordEmbeddings: hf.TieWordEmbeddings,
		UseKVCache:        true,
		TensorParallelism: hf.PretrainingTP,
		BosTokenID:        hf.BosTokenID,
		EosTokenID:        hf.EosTokenID,
	}
	if c.TensorParallelism == 0 {
		c.TensorParallelism = 1
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.RMSNormEpsilon == 0 {
		c.RMSNormEpsilon = 1e-6
	}

	switch hf.TorchDType {
	case "float16":
		c.DType = dtypes.Float16
	case "bfloat16":
		c.DType = dtypes.BFloat16
	case "float32", "":
		c.DType = dtypes.Float32
	default:
		return nil, errors.Errorf("unsupported checkpoint dtype %q", hf.TorchDType)
	}
	return c, nil
}
