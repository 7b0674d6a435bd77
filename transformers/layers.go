package transformers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/qlora/lora"
	"github.com/gomlx/qlora/quantize"
)

// rmsNorm normalizes x by its root-mean-square over the last axis and applies
// the learned scale stored at ctx's scope. With Config.UpcastNorms set (k-bit
// training preparation) the whole normalization computes in float32, whatever
// the activation dtype.
func (m *Model) rmsNorm(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	if m.Config.UpcastNorms {
		x = ConvertDType(x, dtypes.Float32)
	}
	variance := ReduceAndKeep(Square(x), ReduceMean, -1)
	normalized := Mul(x, Rsqrt(AddScalar(variance, m.Config.RMSNormEpsilon)))

	scaleVar := ctx.VariableWithShape(NormScaleVarName, shapes.Make(m.Config.DType, x.Shape().Dim(-1)))
	scale := ConvertDType(scaleVar.ValueGraph(g), normalized.DType())
	normalized = Mul(normalized, ExpandLeftToRank(scale, normalized.Rank()))
	return ConvertDType(normalized, dtype)
}

// projection applies the frozen base projection stored at ctx's scope --
// dequantizing on the fly when it was quantized at load time -- plus the
// low-rank adapter path when the module is an adapter target.
//
// x is [batchSize, seqLen, inputDim]; the result is [batchSize, seqLen, outputDim].
// Weights are stored in the checkpoint layout [outputDim, inputDim].
func (m *Model) projection(ctx *context.Context, x *Node, outputDim int) *Node {
	g := x.Graph()
	inputDim := x.Shape().Dim(-1)

	var w *Node
	if packedVar := ctx.InspectVariable(ctx.Scope(), PackedVarName); packedVar != nil {
		scalesVar := ctx.InspectVariable(ctx.Scope(), ScalesVarName)
		if scalesVar == nil {
			exceptions.Panicf("quantized projection %q is missing its %q variable", ctx.Scope(), ScalesVarName)
		}
		var groupScales *Node
		if gsVar := ctx.InspectVariable(ctx.Scope(), GroupScalesVarName); gsVar != nil {
			groupScales = gsVar.ValueGraph(g)
		}
		w = quantize.Dequantize(m.Quantization,
			packedVar.ValueGraph(g), scalesVar.ValueGraph(g), groupScales,
			outputDim, inputDim)
	} else {
		wVar := ctx.VariableWithShape(WeightVarName, shapes.Make(m.Config.DType, outputDim, inputDim))
		w = ConvertDType(wVar.ValueGraph(g), x.DType())
	}
	out := Einsum("btd,od->bto", x, w)

	if m.Adapter != nil && m.Adapter.Matches(scopeBaseName(ctx.Scope())) {
		out = Add(out, lora.Apply(ctx, *m.Adapter, x, outputDim))
	}
	return out
}
