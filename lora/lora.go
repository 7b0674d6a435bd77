// Package lora injects low-rank adapters into a model held by a GoMLX context.
//
// An adapter is a pair of small matrices A ([in, rank]) and B ([rank, out])
// added next to a frozen base projection W: the effective layer computes
// x·W + (alpha/rank)·dropout(x)·A·B. B starts at zero, so right after injection
// the model is numerically identical to the base model, and only the adapter
// pair is trainable.
//
// Adapter parameters are kept in float32 regardless of the compute dtype of the
// base model, so the optimizer state stays precision-stable.
package lora

import (
	"math"
	"math/rand"
	"slices"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Variable names of the adapter pair inside the wrapped module's scope.
const (
	VarNameA = "lora_a"
	VarNameB = "lora_b"
)

// Bias selects which bias parameters (if the model has any) stay trainable
// alongside the adapters.
type Bias string

const (
	BiasNone Bias = "none"
	BiasAll  Bias = "all"
)

// Config holds the adapter hyperparameters. It is immutable after construction;
// build it with New so invalid combinations are rejected up-front.
type Config struct {
	// Rank of the A/B factorization.
	Rank int

	// Alpha is the scaling numerator: the adapter output is multiplied by Alpha/Rank.
	Alpha float64

	// Dropout rate applied to the adapter input during training.
	Dropout float64

	// Bias mode, BiasNone by default.
	Bias Bias

	// TaskType tags the objective. Only "CAUSAL_LM" is supported.
	TaskType string

	// TargetModules lists the projection names that receive adapters.
	// Defaults to the attention query and value projections.
	TargetModules []string
}

// New validates and builds an adapter Config with the default bias mode,
// task type and target modules.
func New(rank int, alpha, dropout float64) (Config, error) {
	cfg := Config{
		Rank:          rank,
		Alpha:         alpha,
		Dropout:       dropout,
		Bias:          BiasNone,
		TaskType:      "CAUSAL_LM",
		TargetModules: []string{"q_proj", "v_proj"},
	}
	return cfg, cfg.Validate()
}

// Validate checks the hyperparameter combination.
func (cfg Config) Validate() error {
	if cfg.Rank <= 0 {
		return errors.Errorf("adapter rank must be positive, got %d", cfg.Rank)
	}
	if cfg.Alpha <= 0 {
		return errors.Errorf("adapter alpha must be positive, got %g", cfg.Alpha)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return errors.Errorf("adapter dropout must be in [0, 1), got %g", cfg.Dropout)
	}
	if cfg.Bias != BiasNone && cfg.Bias != BiasAll {
		return errors.Errorf("unsupported bias mode %q, must be %q or %q", cfg.Bias, BiasNone, BiasAll)
	}
	if cfg.TaskType != "CAUSAL_LM" {
		return errors.Errorf("unsupported task type %q, only CAUSAL_LM is supported", cfg.TaskType)
	}
	if len(cfg.TargetModules) == 0 {
		return errors.New("adapter has no target modules")
	}
	return nil
}

// Scaling is the multiplier applied to the adapter output.
func (cfg Config) Scaling() float64 { return cfg.Alpha / float64(cfg.Rank) }

// Matches reports whether the module name is targeted by this adapter config.
func (cfg Config) Matches(moduleName string) bool {
	return slices.Contains(cfg.TargetModules, moduleName)
}

// FreezeAll marks every variable currently in ctx as non-trainable.
func FreezeAll(ctx *context.Context) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		v.Trainable = false
	})
}

// InjectModule creates the adapter pair for one module, under moduleCtx's scope.
// A gets a Kaiming-uniform start and B zeros, so the adapter contribution starts
// at zero. Both are created trainable; the caller is expected to have frozen the
// base variables already (see FreezeAll).
func InjectModule(moduleCtx *context.Context, cfg Config, inputDim, outputDim int, rng *rand.Rand) {
	bound := float32(1.0 / math.Sqrt(float64(inputDim)))
	aData := make([]float32, inputDim*cfg.Rank)
	for i := range aData {
		aData[i] = (rng.Float32()*2 - 1) * bound
	}
	aVar := moduleCtx.VariableWithValue(VarNameA, tensors.FromFlatDataAndDimensions(aData, inputDim, cfg.Rank))
	aVar.Trainable = true

	bVar := moduleCtx.VariableWithValue(VarNameB, tensors.FromShape(shapes.Make(dtypes.Float32, cfg.Rank, outputDim)))
	bVar.Trainable = true
}

// Apply builds the adapter contribution scaling·dropout(x)·A·B for the module at
// ctx's scope, in x's dtype. x is shaped [batch, seqLen, inputDim]. The adapter
// variables must have been created by InjectModule (or restored by Load).
func Apply(ctx *context.Context, cfg Config, x *Node, outputDim int) *Node {
	g := x.Graph()
	inputDim := x.Shape().Dim(-1)
	aVar := ctx.VariableWithShape(VarNameA, shapes.Make(dtypes.Float32, inputDim, cfg.Rank))
	bVar := ctx.VariableWithShape(VarNameB, shapes.Make(dtypes.Float32, cfg.Rank, outputDim))
	a := ConvertDType(aVar.ValueGraph(g), x.DType())
	b := ConvertDType(bVar.ValueGraph(g), x.DType())

	h := x
	if cfg.Dropout > 0 {
		// No-op outside of training mode.
		h = layers.DropoutNormalize(ctx, h, Scalar(g, h.DType(), cfg.Dropout), true)
	}
	h = Einsum("btd,dr->btr", h, a)
	h = Einsum("btr,ro->bto", h, b)
	return MulScalar(h, cfg.Scaling())
}

// IsAdapterVariable reports whether v is one of the injected adapter parameters.
func IsAdapterVariable(v *context.Variable) bool {
	return v.Name() == VarNameA || v.Name() == VarNameB
}

// TrainableStats counts trainable and total parameters in ctx.
func TrainableStats(ctx *context.Context) (trainable, total int) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		size := v.Shape().Size()
		total += size
		if v.Trainable {
			trainable += size
		}
	})
	return
}
