package transformers

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// maskPenalty pushes disallowed attention logits to (effectively) -inf in the
// softmax, while staying representable in float16.
const maskPenalty = -3e4

// attention is grouped-query self-attention with rotary position embeddings and
// a causal mask combined with the padding mask.
//
// Query heads are grouped over the key/value heads without materializing the
// repeated key/value tensors: with G = NumHeads/NumKVHeads, the queries reshape
// to [B, T, K, G, H] and both einsums contract against the shared [B, S, K, H]
// keys/values.
func (m *Model) attention(ctx *context.Context, x, positions, inputMask *Node) *Node {
	g := x.Graph()
	cfg := m.Config
	batchSize := x.Shape().Dim(0)
	seqLen := x.Shape().Dim(1)

	query := m.projection(ctx.In("q_proj"), x, cfg.NumHeads*cfg.HeadDim)
	key := m.projection(ctx.In("k_proj"), x, cfg.NumKVHeads*cfg.HeadDim)
	value := m.projection(ctx.In("v_proj"), x, cfg.NumKVHeads*cfg.HeadDim)

	query = Reshape(query, batchSize, seqLen, cfg.NumHeads, cfg.HeadDim)
	key = Reshape(key, batchSize, seqLen, cfg.NumKVHeads, cfg.HeadDim)
	value = Reshape(value, batchSize, seqLen, cfg.NumKVHeads, cfg.HeadDim)

	query = applyRotaryEmbedding(query, positions, cfg.RopeTheta)
	key = applyRotaryEmbedding(key, positions, cfg.RopeTheta)
	query = MulScalar(query, 1.0/math.Sqrt(float64(cfg.HeadDim)))

	groups := cfg.NumHeads / cfg.NumKVHeads
	query = Reshape(query, batchSize, seqLen, cfg.NumKVHeads, groups, cfg.HeadDim)
	scores := Einsum("btkgh,bskh->bkgts", query, key)

	// A position t may attend to s iff s <= t and s is not padding.
	rows := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 1)
	causal := GreaterOrEqual(rows, cols)
	allowed := And(
		ExpandLeftToRank(causal, 5),
		Reshape(inputMask, batchSize, 1, 1, 1, seqLen))
	disallowed := ConvertDType(LogicalNot(allowed), scores.DType())
	scores = Add(scores, MulScalar(disallowed, maskPenalty))

	weights := Softmax(scores, -1)
	out := Einsum("bkgts,bskh->btkgh", weights, value)
	out = Reshape(out, batchSize, seqLen, cfg.NumHeads*cfg.HeadDim)
	return m.projection(ctx.In("o_proj"), out, cfg.EmbedDim)
}

// applyRotaryEmbedding rotates x ([batchSize, seqLen, numHeads, headDim]) by the
// position-dependent angles of RoPE, in the rotate-half convention. Angles are
// computed in float32 and applied in x's dtype.
func applyRotaryEmbedding(x *Node, positions *Node, theta float64) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	seqLen := x.Shape().Dim(1)
	headDim := x.Shape().Dim(-1)
	half := headDim / 2

	invFreqs := make([]float32, half)
	for i := range invFreqs {
		invFreqs[i] = float32(1.0 / math.Pow(theta, float64(2*i)/float64(headDim)))
	}
	angles := Einsum("bt,f->btf", ConvertDType(positions, dtypes.Float32), Const(g, invFreqs))
	cos := Reshape(ConvertDType(Cos(angles), x.DType()), batchSize, seqLen, 1, half)
	sin := Reshape(ConvertDType(Sin(angles), x.DType()), batchSize, seqLen, 1, half)

	x1 := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, half))
	x2 := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(half, headDim))
	return Concatenate([]*Node{
		Sub(Mul(x1, cos), Mul(x2, sin)),
		Add(Mul(x2, cos), Mul(x1, sin)),
	}, -1)
}
