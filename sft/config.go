package sft

import (
	"github.com/pkg/errors"
)

// Optimizer tags accepted by Config. Both resolve to AdamW; the optimizer
// moments live in float32 variables either way, since the trainable adapter
// parameters are float32.
const (
	OptimizerPagedAdamW32Bit = "paged_adamw_32bit"
	OptimizerAdamW           = "adamw"
)

// Config are the knobs of one supervised fine-tuning run.
type Config struct {
	// OutputDir receives the per-epoch snapshots and, after training, the
	// adapter and tokenizer files. It is recreated from scratch by Train.
	OutputDir string

	NumTrainEpochs            int
	PerDeviceTrainBatchSize   int
	GradientAccumulationSteps int

	// Optimizer is one of the Optimizer* tags above.
	Optimizer    string
	LearningRate float64
	WeightDecay  float64

	// FP16 must agree with the model's compute dtype; the check happens in
	// Train, where the model is known.
	FP16 bool

	// LoggingSteps is the period, in optimizer steps, of training-loss log lines.
	LoggingSteps int

	// SaveStrategy is always "epoch": snapshot the context once per epoch.
	SaveStrategy string

	// ReportTo must be "none". Metric-sink integrations are rejected here
	// rather than silently dropped.
	ReportTo string

	// MaxSeqLength is the fixed token length every example is padded or
	// clipped to.
	MaxSeqLength int
}

// NewConfig returns a Config with the default fine-tuning recipe, writing to
// outputDir.
func NewConfig(outputDir string) Config {
	return Config{
		OutputDir:                 outputDir,
		NumTrainEpochs:            1,
		PerDeviceTrainBatchSize:   4,
		GradientAccumulationSteps: 1,
		Optimizer:                 OptimizerPagedAdamW32Bit,
		LearningRate:              2e-4,
		WeightDecay:               0.001,
		FP16:                      true,
		LoggingSteps:              10,
		SaveStrategy:              "epoch",
		ReportTo:                  "none",
		MaxSeqLength:              512,
	}
}

// Validate rejects invalid or unsupported combinations up front.
func (cfg Config) Validate() error {
	if cfg.OutputDir == "" {
		return errors.New("sft: OutputDir must be set")
	}
	if cfg.NumTrainEpochs < 1 {
		return errors.Errorf("sft: NumTrainEpochs must be >= 1, got %d", cfg.NumTrainEpochs)
	}
	if cfg.PerDeviceTrainBatchSize < 1 || cfg.GradientAccumulationSteps < 1 {
		return errors.Errorf("sft: batch size (%d) and gradient accumulation steps (%d) must be >= 1",
			cfg.PerDeviceTrainBatchSize, cfg.GradientAccumulationSteps)
	}
	switch cfg.Optimizer {
	case OptimizerPagedAdamW32Bit, OptimizerAdamW:
	default:
		return errors.Errorf("sft: unsupported optimizer %q (supported: %q, %q)",
			cfg.Optimizer, OptimizerPagedAdamW32Bit, OptimizerAdamW)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("sft: LearningRate must be > 0, got %g", cfg.LearningRate)
	}
	if cfg.WeightDecay < 0 {
		return errors.Errorf("sft: WeightDecay must be >= 0, got %g", cfg.WeightDecay)
	}
	if cfg.LoggingSteps < 1 {
		return errors.Errorf("sft: LoggingSteps must be >= 1, got %d", cfg.LoggingSteps)
	}
	if cfg.SaveStrategy != "epoch" {
		return errors.Errorf("sft: unsupported save strategy %q (only \"epoch\")", cfg.SaveStrategy)
	}
	if cfg.ReportTo != "none" {
		return errors.Errorf("sft: unsupported metrics sink %q (only \"none\")", cfg.ReportTo)
	}
	if cfg.MaxSeqLength < 2 {
		return errors.Errorf("sft: MaxSeqLength must be >= 2, got %d", cfg.MaxSeqLength)
	}
	return nil
}

// EffectiveBatchSize is the number of examples consumed per optimizer step.
// Accumulated micro-batches are concatenated along the batch axis, which for a
// mean loss is equivalent to averaging the micro-batch gradients.
func (cfg Config) EffectiveBatchSize() int {
	return cfg.PerDeviceTrainBatchSize * cfg.GradientAccumulationSteps
}
