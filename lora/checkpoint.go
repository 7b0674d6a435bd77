package lora

import (
	"encoding/json"
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

const (
	// AdapterWeightsFileName holds the adapter state dict, msgpack-encoded.
	AdapterWeightsFileName = "adapter_model.msgpack"

	// AdapterConfigFileName holds the adapter hyperparameters and base model id.
	AdapterConfigFileName = "adapter_config.json"
)

// weightEntry is one serialized adapter tensor.
type weightEntry struct {
	Dims []int     `msgpack:"dims"`
	Data []float32 `msgpack:"data"`
}

// adapterMetadata mirrors the PEFT adapter_config.json shape, so adapters saved
// here carry the same metadata other tooling expects.
type adapterMetadata struct {
	PeftType          string   `json:"peft_type"`
	BaseModelID       string   `json:"base_model_name_or_path"`
	Rank              int      `json:"r"`
	Alpha             float64  `json:"lora_alpha"`
	Dropout           float64  `json:"lora_dropout"`
	Bias              string   `json:"bias"`
	TaskType          string   `json:"task_type"`
	TargetModules     []string `json:"target_modules"`
}

// Save serializes the adapter parameter subset (only the trainable adapter
// variables) plus the adapter configuration metadata, flat into dir.
// Existing files are overwritten.
func Save(ctx *context.Context, cfg Config, baseModelID, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create adapter output directory %q", dir)
	}

	state := make(map[string]weightEntry)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !IsAdapterVariable(v) {
			return
		}
		key := v.Scope() + context.ScopeSeparator + v.Name()
		state[key] = weightEntry{
			Dims: v.Shape().Dimensions,
			Data: tensors.CopyFlatData[float32](v.Value()),
		}
	})
	if len(state) == 0 {
		return errors.New("no adapter variables to save -- was the adapter injected?")
	}

	weightsPath := path.Join(dir, AdapterWeightsFileName)
	f, err := os.Create(weightsPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create adapter weights file %q", weightsPath)
	}
	if err = msgpack.NewEncoder(f).Encode(state); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode adapter weights to %q", weightsPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close adapter weights file %q", weightsPath)
	}

	meta := adapterMetadata{
		PeftType:      "LORA",
		BaseModelID:   baseModelID,
		Rank:          cfg.Rank,
		Alpha:         cfg.Alpha,
		Dropout:       cfg.Dropout,
		Bias:          string(cfg.Bias),
		TaskType:      cfg.TaskType,
		TargetModules: cfg.TargetModules,
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode adapter config")
	}
	configPath := path.Join(dir, AdapterConfigFileName)
	if err = os.WriteFile(configPath, encoded, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write adapter config %q", configPath)
	}
	return nil
}

// Load restores a saved adapter into ctx, recreating (or overwriting) the
// adapter variables at their saved scopes, marked trainable. It returns the
// adapter configuration saved alongside the weights.
func Load(ctx *context.Context, dir string) (Config, error) {
	configPath := path.Join(dir, AdapterConfigFileName)
	encoded, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read adapter config %q", configPath)
	}
	var meta adapterMetadata
	if err = json.Unmarshal(encoded, &meta); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse adapter config %q", configPath)
	}
	cfg := Config{
		Rank:          meta.Rank,
		Alpha:         meta.Alpha,
		Dropout:       meta.Dropout,
		Bias:          Bias(meta.Bias),
		TaskType:      meta.TaskType,
		TargetModules: meta.TargetModules,
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, errors.WithMessagef(err, "adapter config %q is invalid", configPath)
	}

	weightsPath := path.Join(dir, AdapterWeightsFileName)
	f, err := os.Open(weightsPath)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to open adapter weights %q", weightsPath)
	}
	defer func() { _ = f.Close() }()
	state := make(map[string]weightEntry)
	if err = msgpack.NewDecoder(f).Decode(&state); err != nil {
		return Config{}, errors.Wrapf(err, "failed to decode adapter weights from %q", weightsPath)
	}

	for key, entry := range state {
		parts := strings.Split(strings.TrimPrefix(key, context.ScopeSeparator), context.ScopeSeparator)
		if len(parts) < 2 {
			return Config{}, errors.Errorf("malformed adapter variable key %q", key)
		}
		name := parts[len(parts)-1]
		moduleCtx := ctx
		for _, scopePart := range parts[:len(parts)-1] {
			moduleCtx = moduleCtx.In(scopePart)
		}
		v := moduleCtx.VariableWithValue(name, tensors.FromFlatDataAndDimensions(entry.Data, entry.Dims...))
		v.Trainable = true
	}
	return cfg, nil
}
