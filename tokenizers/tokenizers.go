// Package tokenizers wraps the sentencepiece tokenizer shipped with the model,
// built on github.com/eliben/go-sentencepiece, and patches the gaps that matter
// for fine-tuning: several causal-LM tokenizers ship without a padding token, and
// training batches need a fixed padding scheme.
package tokenizers

import (
	"encoding/json"
	"io"
	"os"
	"path"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
)

// Token is one tokenized piece, with its vocabulary id.
type Token = esentencepiece.Token

// Tokenizer is a sentencepiece processor plus the special token ids the
// training pipeline needs.
type Tokenizer struct {
	proc      *esentencepiece.Processor
	modelPath string

	// Special ids. PadID is negative when the model defines no padding token;
	// see EnsurePadToken.
	BosID, EosID, UnkID, PadID int
}

// NewFromPath loads the tokenizer model file (usually "tokenizer.model").
//
// The special ids follow the Llama-family convention.
// TODO: read the special ids from the tokenizer model proto instead.
func NewFromPath(modelPath string) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't load sentencepiece tokenizer from %q", modelPath)
	}
	return &Tokenizer{
		proc:      proc,
		modelPath: modelPath,
		UnkID:     0,
		BosID:     1,
		EosID:     2,
		PadID:     -1,
	}, nil
}

// EncodeAsIds returns the text encoded into a sequence of vocabulary ids,
// without special tokens.
func (t *Tokenizer) EncodeAsIds(text string) []int {
	tokens := t.proc.Encode(text)
	return xslices.Map(tokens, func(tok Token) int { return tok.ID })
}

// DecodeIds returns the text from a sequence of vocabulary ids.
func (t *Tokenizer) DecodeIds(ids []int) string {
	return t.proc.Decode(ids)
}

// HasPadToken reports whether a padding token is defined.
func (t *Tokenizer) HasPadToken() bool { return t.PadID >= 0 }

// EnsurePadToken aliases the padding token to the end-of-sequence token when the
// model ships without one. It is a no-op for tokenizers that define a pad token.
func (t *Tokenizer) EnsurePadToken() {
	if !t.HasPadToken() {
		t.PadID = t.EosID
	}
}

// tokenizerMetadata is the persisted tokenizer configuration.
type tokenizerMetadata struct {
	TokenizerClass string `json:"tokenizer_class"`
	ModelFile      string `json:"model_file"`
	BosTokenID     int    `json:"bos_token_id"`
	EosTokenID     int    `json:"eos_token_id"`
	UnkTokenID     int    `json:"unk_token_id"`
	PadTokenID     int    `json:"pad_token_id"`
}

const (
	// ModelFileName is the copied vocabulary/model file.
	ModelFileName = "tokenizer.model"

	// ConfigFileName holds the special token assignments.
	ConfigFileName = "tokenizer_config.json"
)

// Save persists the tokenizer next to the fine-tuned adapter: the model file is
// copied and the special token assignments (including a patched padding token)
// are written as JSON. Existing files are overwritten.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create tokenizer output directory %q", dir)
	}
	if err := copyFile(t.modelPath, path.Join(dir, ModelFileName)); err != nil {
		return err
	}

	meta := tokenizerMetadata{
		TokenizerClass: "sentencepiece",
		ModelFile:      ModelFileName,
		BosTokenID:     t.BosID,
		EosTokenID:     t.EosID,
		UnkTokenID:     t.UnkID,
		PadTokenID:     t.PadID,
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode tokenizer config")
	}
	configPath := path.Join(dir, ConfigFileName)
	if err = os.WriteFile(configPath, encoded, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write tokenizer config %q", configPath)
	}
	return nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", from)
	}
	defer func() { _ = src.Close() }()
	dst, err := os.Create(to)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", to)
	}
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "failed to copy %q to %q", from, to)
	}
	return errors.Wrapf(dst.Close(), "failed to close %q", to)
}
