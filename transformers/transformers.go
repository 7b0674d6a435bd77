// Package transformers implements the Llama-family decoder forward pass used for
// adapter fine-tuning on quantized base weights.
//
// All model parameters live in a GoMLX context, scoped under "model": the token
// embedding under "embedder", each decode layer under "layer_<i>" (with "attn"
// and "mlp" sub-scopes holding the projections), and the final norm under
// "final_norm". Projections quantized at load time are stored packed (see the
// quantize package) and dequantized on the fly inside the graph; targeted
// projections additionally carry a low-rank adapter pair (see the lora package).
package transformers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/qlora/lora"
	"github.com/gomlx/qlora/quantize"
)

// Variable names used for model parameters. Quantized projections store the
// packed triplet instead of the plain weight.
const (
	WeightVarName      = "w"
	PackedVarName      = "w_packed"
	ScalesVarName      = "w_scales"
	GroupScalesVarName = "w_group_scales"
	NormScaleVarName   = "scale"
	EmbeddingVarName   = "input_embedding"
)

// Model is the handle to a loaded, quantized, possibly adapter-injected model.
// The weights themselves live in the context passed to its methods.
type Model struct {
	Config       *Config
	Quantization quantize.Config

	// Adapter is nil until InjectAdapters.
	Adapter *lora.Config
}

// New builds a Model handle for weights loaded with the given quantization.
func New(config *Config, quantization quantize.Config) *Model {
	return &Model{Config: config, Quantization: quantization}
}

// ComputeDType is the dtype activations take inside the graph.
func (m *Model) ComputeDType() dtypes.DType {
	if m.Quantization.Bits != 0 {
		return m.Quantization.ComputeDType
	}
	return m.Config.DType
}

// LinearModule identifies one frozen projection that can receive an adapter.
type LinearModule struct {
	// ScopePath from the root context, e.g. ["model", "layer_0", "attn", "q_proj"].
	ScopePath           []string
	InputDim, OutputDim int
}

// Name is the module's last path element ("q_proj", "down_proj", ...), the unit
// adapter target-module matching operates on.
func (mod LinearModule) Name() string { return mod.ScopePath[len(mod.ScopePath)-1] }

// LinearModules enumerates every projection of the model, in layer order.
func (m *Model) LinearModules() []LinearModule {
	cfg := m.Config
	var modules []LinearModule
	for i := range cfg.NumLayers {
		layer := fmt.Sprintf("layer_%d", i)
		attn := func(name string, outputDim int) LinearModule {
			return LinearModule{ScopePath: []string{"model", layer, "attn", name}, InputDim: cfg.EmbedDim, OutputDim: outputDim}
		}
		modules = append(modules,
			attn("q_proj", cfg.NumHeads*cfg.HeadDim),
			attn("k_proj", cfg.NumKVHeads*cfg.HeadDim),
			attn("v_proj", cfg.NumKVHeads*cfg.HeadDim),
			attn("o_proj", cfg.EmbedDim),
			LinearModule{ScopePath: []string{"model", layer, "mlp", "gating_proj"}, InputDim: cfg.EmbedDim, OutputDim: cfg.HiddenDim},
			LinearModule{ScopePath: []string{"model", layer, "mlp", "up_proj"}, InputDim: cfg.EmbedDim, OutputDim: cfg.HiddenDim},
			LinearModule{ScopePath: []string{"model", layer, "mlp", "down_proj"}, InputDim: cfg.HiddenDim, OutputDim: cfg.EmbedDim},
		)
	}
	if !cfg.TieWordEmbeddings {
		modules = append(modules, LinearModule{ScopePath: []string{"model", "lm_head"}, InputDim: cfg.EmbedDim, OutputDim: cfg.VocabSize})
	}
	return modules
}

// InjectAdapters freezes every variable currently in ctx and creates trainable
// low-rank adapter pairs on the projections targeted by cfg. Afterwards the
// adapter parameters are the only trainable subset.
//
// It returns the number of modules that received adapters.
func (m *Model) InjectAdapters(ctx *context.Context, cfg lora.Config) (numModules int, err error) {
	if err = cfg.Validate(); err != nil {
		return 0, err
	}
	lora.FreezeAll(ctx)

	// Adapter initialization is reproducible; training remains stochastic.
	rng := rand.New(rand.NewSource(42))
	for _, mod := range m.LinearModules() {
		if !cfg.Matches(mod.Name()) {
			continue
		}
		moduleCtx := ctx
		for _, scopePart := range mod.ScopePath {
			moduleCtx = moduleCtx.In(scopePart)
		}
		lora.InjectModule(moduleCtx, cfg, mod.InputDim, mod.OutputDim, rng)
		numModules++
	}
	if numModules == 0 {
		return 0, errors.Errorf("no model projection matches adapter target modules %v", cfg.TargetModules)
	}
	if cfg.Bias == lora.BiasAll {
		ctx.EnumerateVariables(func(v *context.Variable) {
			if v.Name() == "bias" {
				v.Trainable = true
			}
		})
	}
	m.Adapter = &cfg
	return numModules, nil
}

// Forward builds the graph computing next-token logits, shaped
// [batchSize, seqLen, VocabSize] in float32 (the loss is precision-sensitive;
// everything before the logits runs in ComputeDType).
//
// tokens is int32 [batchSize, seqLen]; inputMask is bool [batchSize, seqLen],
// true for non-padded positions.
func (m *Model) Forward(ctx *context.Context, tokens, inputMask *Node) *Node {
	if m.Config.UseKVCache {
		exceptions.Panicf("the key/value cache must be disabled before training (Config.UseKVCache=false)")
	}
	if m.Config.TensorParallelism != 1 {
		exceptions.Panicf("adapter training on quantized weights requires a single partition, got TensorParallelism=%d", m.Config.TensorParallelism)
	}

	g := tokens.Graph()
	cfg := m.Config
	ctx = ctx.In("model")

	embedVar := ctx.In("embedder").VariableWithShape(EmbeddingVarName,
		shapes.Make(cfg.DType, cfg.VocabSize, cfg.EmbedDim))
	embeddings := embedVar.ValueGraph(g)
	x := Gather(embeddings, ExpandDims(tokens, -1))
	x = ConvertDType(x, m.ComputeDType())

	positions := PositionsFromMask(inputMask)
	for i := range cfg.NumLayers {
		x = m.decodeLayer(ctx.In(fmt.Sprintf("layer_%d", i)), x, positions, inputMask)
	}
	x = m.rmsNorm(ctx.In("final_norm"), x)

	var logits *Node
	if cfg.TieWordEmbeddings {
		logits = Einsum("btd,vd->btv", x, ConvertDType(embeddings, x.DType()))
	} else {
		logits = m.projection(ctx.In("lm_head"), x, cfg.VocabSize)
	}
	return ConvertDType(logits, dtypes.Float32)
}

// decodeLayer is one pre-norm decoder block: attention and feed-forward, each
// behind an RMSNorm and a residual connection.
func (m *Model) decodeLayer(ctx *context.Context, x, positions, inputMask *Node) *Node {
	h := m.rmsNorm(ctx.In("pre_attention_norm"), x)
	x = Add(x, m.attention(ctx.In("attn"), h, positions, inputMask))
	h = m.rmsNorm(ctx.In("pre_ffw_norm"), x)
	return Add(x, m.feedForward(ctx.In("mlp"), h))
}

// feedForward is the gated (SwiGLU) feed-forward network.
func (m *Model) feedForward(ctx *context.Context, x *Node) *Node {
	gate := m.projection(ctx.In("gating_proj"), x, m.Config.HiddenDim)
	up := m.projection(ctx.In("up_proj"), x, m.Config.HiddenDim)
	hidden := Mul(Mul(gate, Sigmoid(gate)), up)
	return m.projection(ctx.In("down_proj"), hidden, m.Config.EmbedDim)
}

// PositionsFromMask derives RoPE position indices from the padding mask, where
// inputMask is true for non-padded tokens.
//
// Example:
//
//	PositionsFromMask([[true, true, false, false],
//	                   [true, true, true, false]])
//	> [0, 1, 1, 1], [0, 1, 2, 2]
func PositionsFromMask(inputMask *Node) *Node {
	g := inputMask.Graph()
	positions := CumSum(ConvertDType(inputMask, dtypes.Int32), -1)
	// Make it 0-based (as opposed to starting with 1), for rows that are not empty (all zeros).
	nonZero := GreaterThan(positions, ScalarZero(g, dtypes.Int32))
	positions = Sub(positions, ConvertDType(nonZero, dtypes.Int32))
	return positions
}

// scopeBaseName returns the last element of a context scope.
func scopeBaseName(scope string) string {
	parts := strings.Split(scope, context.ScopeSeparator)
	return parts[len(parts)-1]
}
