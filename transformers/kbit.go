package transformers

import (
	"github.com/gomlx/gomlx/ml/context"

	"github.com/gomlx/qlora/lora"
)

// PrepareForKbitTraining applies the model adjustments that stabilize gradient
// flow when the base weights are quantized: every variable currently in ctx is
// frozen, and normalization layers are switched to float32 computation whatever
// the activation dtype. Activation rematerialization (gradient checkpointing) is
// left to the XLA compiler.
//
// Call it after loading and before InjectAdapters.
func PrepareForKbitTraining(ctx *context.Context, m *Model) {
	lora.FreezeAll(ctx)
	m.Config.UpcastNorms = true
}
