// Package huggingface downloads Llama-family checkpoints from HuggingFace and
// loads them -- quantizing the projection weights on the way in -- into a GoMLX
// context.
//
// Reading the ".safetensors" format directly means no conversion step and no
// Python dependency; with a HuggingFace token the whole process is automatic.
package huggingface

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/gomlx/qlora/quantize"
	"github.com/gomlx/qlora/tokenizers"
	"github.com/gomlx/qlora/transformers"
)

// Download fetches (if needed) the model identified by hfID (a HuggingFace model
// id, e.g. "TinyLlama/TinyLlama-1.1B-Chat-v1.0") into cacheDir for future reuse,
// and loads it into ctx: every attention and feed-forward projection is
// quantized with quantCfg as it is read, the embedding, norms and language-model
// head are stored as-is.
//
// The hfAuthToken is a HuggingFace token with read-only access; it may be empty
// for ungated models.
//
// It returns the model handle (built from the checkpoint's config.json) and the
// checkpoint's sentencepiece tokenizer.
func Download(ctx *context.Context, hfID, hfAuthToken, cacheDir string, quantCfg quantize.Config) (model *transformers.Model, tok *tokenizers.Tokenizer, err error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	hfm, err := gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return nil, nil, err
	}
	if err = hfm.Download(); err != nil {
		return nil, nil, err
	}

	config, err := transformers.NewConfigFromJSON(path.Join(hfm.BaseDir, "config.json"))
	if err != nil {
		return nil, nil, err
	}
	tok, err = tokenizers.NewFromPath(path.Join(hfm.BaseDir, "tokenizer.model"))
	if err != nil {
		return nil, nil, err
	}
	model = transformers.New(config, quantCfg)

	for entry, err2 := range hfm.EnumerateTensors() {
		if err2 != nil {
			return nil, nil, err2
		}
		scopeAndName, quantized := convertHuggingFaceNameToScopeAndName(entry.Name)
		if len(scopeAndName) == 0 {
			klog.V(1).Infof("Skipping tensor %s -> %s", entry.Name, entry.Tensor.Shape())
			continue
		}
		ctxTmp := ctx.In("model")
		name, scope := xslices.Pop(scopeAndName)
		for _, p := range scope {
			ctxTmp = ctxTmp.In(p)
		}
		if !quantized || quantCfg.Bits == 0 {
			ctxTmp.VariableWithValue(name, entry.Tensor)
			continue
		}
		if err = quantizeInto(ctxTmp, quantCfg, entry.Tensor); err != nil {
			return nil, nil, errors.WithMessagef(err, "loading tensor %q", entry.Name)
		}
	}
	return model, tok, nil
}

// quantizeInto quantizes one projection weight and stores the packed triplet of
// variables in moduleCtx's scope.
func quantizeInto(moduleCtx *context.Context, cfg quantize.Config, t *tensors.Tensor) error {
	flat, err := flatFloat32(t)
	if err != nil {
		return err
	}
	q, err := quantize.Quantize(cfg, flat, t.Shape().Dimensions...)
	if err != nil {
		return err
	}
	packed, scales, groupScales := q.Tensors()
	moduleCtx.VariableWithValue(transformers.PackedVarName, packed)
	moduleCtx.VariableWithValue(transformers.ScalesVarName, scales)
	if groupScales != nil {
		moduleCtx.VariableWithValue(transformers.GroupScalesVarName, groupScales)
	}
	return nil
}

// flatFloat32 copies a checkpoint tensor's values to float32 on the host.
func flatFloat32(t *tensors.Tensor) ([]float32, error) {
	switch t.DType() {
	case dtypes.Float32:
		return tensors.CopyFlatData[float32](t), nil
	case dtypes.Float16:
		return xslices.Map(tensors.CopyFlatData[float16.Float16](t),
			func(v float16.Float16) float32 { return v.Float32() }), nil
	case dtypes.BFloat16:
		return xslices.Map(tensors.CopyFlatData[bfloat16.BFloat16](t),
			func(v bfloat16.BFloat16) float32 { return v.Float32() }), nil
	default:
		return nil, errors.Errorf("unsupported checkpoint tensor dtype %s", t.DType())
	}
}

// convertHuggingFaceNameToScopeAndName maps a Llama checkpoint tensor name to
// its scope path (under "model") plus variable name, and whether the tensor is
// a projection weight to quantize. An empty result means the tensor is not used
// for training (e.g. precomputed rotary tables).
func convertHuggingFaceNameToScopeAndName(name string) (scopeAndName []string, quantized bool) {
	switch name {
	case "model.embed_tokens.weight":
		return []string{"embedder", transformers.EmbeddingVarName}, false
	case "model.norm.weight":
		return []string{"final_norm", transformers.NormScaleVarName}, false
	case "lm_head.weight":
		// The head feeds the float32 loss; keeping it unquantized is cheap
		// relative to the decode layers.
		return []string{"lm_head", transformers.WeightVarName}, false
	}

	// Remaining tensors are per-layer, named "model.layers.<i>.<...>.weight".
	if !strings.HasPrefix(name, "model.layers.") {
		return nil, false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 5 || xslices.Last(parts) != "weight" {
		return nil, false
	}
	layerNumber, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, false
	}
	layerScope := fmt.Sprintf("layer_%d", layerNumber)
	switch parts[3] {
	case "input_layernorm":
		return []string{layerScope, "pre_attention_norm", transformers.NormScaleVarName}, false
	case "post_attention_layernorm":
		// In the Llama block this norm precedes the feed-forward network.
		return []string{layerScope, "pre_ffw_norm", transformers.NormScaleVarName}, false
	case "self_attn":
		switch parts[4] {
		case "q_proj", "k_proj", "v_proj", "o_proj":
			return []string{layerScope, "attn", parts[4], transformers.WeightVarName}, true
		default:
			return nil, false
		}
	case "mlp":
		switch parts[4] {
		case "gate_proj":
			return []string{layerScope, "mlp", "gating_proj", transformers.WeightVarName}, true
		case "up_proj":
			return []string{layerScope, "mlp", "up_proj", transformers.WeightVarName}, true
		case "down_proj":
			return []string{layerScope, "mlp", "down_proj", transformers.WeightVarName}, true
		default:
			return nil, false
		}
	default:
		return nil, false
	}
}
