// Package sft runs supervised fine-tuning of the low-rank adapters over a
// frozen, quantized base model.
package sft

import (
	"os"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/qlora/transformers"
)

// Train fine-tunes the model's adapters on ds and snapshots the context into
// cfg.OutputDir once per epoch. The output directory is recreated from scratch,
// so a rerun overwrites the previous run.
//
// The model must already be prepared: cache disabled, base weights frozen,
// adapters injected. Training stops with an error on the first failed step.
func Train(backend backends.Backend, ctx *context.Context, model *transformers.Model, ds *Dataset, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.FP16 != (model.ComputeDType() == dtypes.Float16) {
		return errors.Errorf("sft: FP16=%v does not match the model compute dtype %s",
			cfg.FP16, model.ComputeDType())
	}
	if err := os.RemoveAll(cfg.OutputDir); err != nil {
		return errors.Wrapf(err, "clearing output directory %q", cfg.OutputDir)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating output directory %q", cfg.OutputDir)
	}
	checkpoint, err := checkpoints.Build(ctx).
		Dir(cfg.OutputDir).Keep(cfg.NumTrainEpochs + 1).Done()
	if err != nil {
		return errors.Wrap(err, "building checkpoint handler")
	}

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{model.Forward(ctx, inputs[0], inputs[1])}
	}
	trainer := train.NewTrainer(backend, ctx, modelFn, maskedCrossEntropy,
		newOptimizer(cfg), nil, nil)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	train.EveryNSteps(loop, cfg.LoggingSteps, "log training loss", 0,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			klog.Infof("step %d: loss=%v", loop.LoopStep, metrics[0].Value())
			return nil
		})
	// SaveStrategy "epoch": an epoch boundary is a fixed number of steps, since
	// partial batches are dropped.
	train.EveryNSteps(loop, ds.StepsPerEpoch(), "epoch snapshot", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return checkpoint.Save()
		})

	metrics, err := loop.RunEpochs(ds, cfg.NumTrainEpochs)
	if err != nil {
		return errors.Wrap(err, "training loop")
	}
	klog.Infof("training done after %d steps, final loss=%v", loop.LoopStep, metrics[0].Value())
	return nil
}

// maskedCrossEntropy is the next-token loss: mean cross-entropy of the logits
// against the shifted token ids, over the positions the loss mask selects.
//
// labels are [nextTokens int32, lossMask bool], predictions are [logits
// float32], per Dataset.Yield and transformers.Model.Forward.
func maskedCrossEntropy(labels, predictions []*Node) *Node {
	logits := predictions[0]
	nextTokens := labels[0]
	mask := ConvertDType(labels[1], logits.DType())

	logProbs := LogSoftmax(logits, -1)
	oneHot := OneHot(nextTokens, logits.Shape().Dim(-1), logits.DType())
	perToken := Neg(ReduceSum(Mul(logProbs, oneHot), -1))
	return Div(ReduceAllSum(Mul(perToken, mask)), ReduceAllSum(mask))
}

// newOptimizer resolves the configured optimizer tag. Both AdamW variants map
// to gomlx's Adam with weight decay; the "paged" part of paged_adamw_32bit is a
// CUDA memory-management detail with no equivalent here, and the 32-bit state
// comes for free since the adapter parameters are float32.
func newOptimizer(cfg Config) optimizers.Interface {
	return optimizers.Adam().
		LearningRate(cfg.LearningRate).
		WeightDecay(cfg.WeightDecay).
		Done()
}
