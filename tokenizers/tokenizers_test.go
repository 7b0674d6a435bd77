package tokenizers

import (
	"encoding/json"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// For a tokenizer with no default padding token, the padding token must equal
// the end-of-sequence token after patching.
func TestEnsurePadTokenAliasesEOS(t *testing.T) {
	tok := &Tokenizer{UnkID: 0, BosID: 1, EosID: 2, PadID: -1}
	require.False(t, tok.HasPadToken())

	tok.EnsurePadToken()
	require.True(t, tok.HasPadToken())
	assert.Equal(t, tok.EosID, tok.PadID)
}

func TestEnsurePadTokenKeepsExisting(t *testing.T) {
	tok := &Tokenizer{UnkID: 3, BosID: 2, EosID: 1, PadID: 0}
	tok.EnsurePadToken()
	assert.Equal(t, 0, tok.PadID)
}

func TestSaveWritesModelAndConfig(t *testing.T) {
	srcDir := t.TempDir()
	modelPath := path.Join(srcDir, "tokenizer.model")
	require.NoError(t, os.WriteFile(modelPath, []byte("fake-sentencepiece-proto"), 0o644))

	tok := &Tokenizer{modelPath: modelPath, UnkID: 0, BosID: 1, EosID: 2, PadID: -1}
	tok.EnsurePadToken()

	outDir := path.Join(t.TempDir(), "out")
	require.NoError(t, tok.Save(outDir))

	copied, err := os.ReadFile(path.Join(outDir, ModelFileName))
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-sentencepiece-proto"), copied)

	encoded, err := os.ReadFile(path.Join(outDir, ConfigFileName))
	require.NoError(t, err)
	var meta tokenizerMetadata
	require.NoError(t, json.Unmarshal(encoded, &meta))
	assert.Equal(t, 2, meta.PadTokenID)
	assert.Equal(t, 2, meta.EosTokenID)
	assert.Equal(t, ModelFileName, meta.ModelFile)

	// Saving again overwrites in place.
	require.NoError(t, tok.Save(outDir))
}
