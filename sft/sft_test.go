package sft

import (
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/qlora/alpaca"
)

func TestConfigValidate(t *testing.T) {
	cfg := NewConfig(t.TempDir())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.EffectiveBatchSize())

	for name, mutate := range map[string]func(*Config){
		"no output dir":      func(c *Config) { c.OutputDir = "" },
		"zero epochs":        func(c *Config) { c.NumTrainEpochs = 0 },
		"zero batch":         func(c *Config) { c.PerDeviceTrainBatchSize = 0 },
		"zero accumulation":  func(c *Config) { c.GradientAccumulationSteps = 0 },
		"unknown optimizer":  func(c *Config) { c.Optimizer = "lion" },
		"negative lr":        func(c *Config) { c.LearningRate = -1 },
		"save every step":    func(c *Config) { c.SaveStrategy = "steps" },
		"metrics sink":       func(c *Config) { c.ReportTo = "wandb" },
		"tiny seq length":    func(c *Config) { c.MaxSeqLength = 1 },
		"zero logging steps": func(c *Config) { c.LoggingSteps = 0 },
	} {
		broken := cfg
		mutate(&broken)
		assert.Error(t, broken.Validate(), "case %q", name)
	}
}

func TestEffectiveBatchSizeCombinesAccumulation(t *testing.T) {
	cfg := NewConfig(t.TempDir())
	cfg.PerDeviceTrainBatchSize = 2
	cfg.GradientAccumulationSteps = 8
	assert.Equal(t, 16, cfg.EffectiveBatchSize())
}

// testDataset builds a Dataset over synthetic records with a rune-level fake
// encoder, bypassing the sentencepiece model file.
func testDataset(numRecords, maxSeqLength, batchSize int) *Dataset {
	records := make([]alpaca.Record, numRecords)
	for i := range records {
		records[i] = alpaca.Record{Instruction: fmt.Sprintf("task %d", i), Output: "done"}
	}
	ds := &Dataset{
		records:  records,
		formatFn: func(r alpaca.Record) string { return r.Instruction },
		encodeFn: func(text string) []int {
			ids := make([]int, 0, len(text))
			for _, r := range text {
				ids = append(ids, int(r))
			}
			return ids
		},
		bosID:        1,
		eosID:        2,
		padID:        2,
		maxSeqLength: maxSeqLength,
		batchSize:    batchSize,
		rng:          rand.New(rand.NewSource(7)),
	}
	ds.Reset()
	return ds
}

// 500 records at batch size 4 make exactly 125 optimizer steps per epoch.
func TestStepsPerEpoch(t *testing.T) {
	assert.Equal(t, 125, testDataset(500, 16, 4).StepsPerEpoch())
	// A final partial batch is dropped.
	assert.Equal(t, 2, testDataset(10, 16, 4).StepsPerEpoch())
}

func TestYieldBatchLayout(t *testing.T) {
	const maxSeqLength = 16
	ds := testDataset(8, maxSeqLength, 2)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 2)
	for _, tensor := range []*tensors.Tensor{inputs[0], inputs[1], labels[0], labels[1]} {
		assert.Equal(t, []int{2, maxSeqLength}, tensor.Shape().Dimensions)
	}

	tokens := tensors.CopyFlatData[int32](inputs[0])
	inputMask := tensors.CopyFlatData[bool](inputs[1])
	nextTokens := tensors.CopyFlatData[int32](labels[0])
	lossMask := tensors.CopyFlatData[bool](labels[1])

	for b := range 2 {
		row := b * maxSeqLength
		assert.Equal(t, int32(1), tokens[row], "row %d starts with BOS", b)
		sawEOS := false
		for tt := range maxSeqLength {
			if lossMask[row+tt] {
				require.True(t, tt+1 < maxSeqLength)
				// Labels are the inputs shifted left by one.
				assert.Equal(t, tokens[row+tt+1], nextTokens[row+tt])
			}
			if !inputMask[row+tt] {
				assert.Equal(t, int32(ds.padID), tokens[row+tt])
				assert.False(t, lossMask[row+tt])
			} else if tokens[row+tt] == int32(ds.eosID) && tt > 0 {
				sawEOS = true
			}
		}
		assert.True(t, sawEOS, "row %d has an EOS", b)
	}
}

func TestYieldClipsLongExamples(t *testing.T) {
	ds := testDataset(4, 4, 1)
	ds.formatFn = func(alpaca.Record) string { return "a very long instruction indeed" }

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	inputMask := tensors.CopyFlatData[bool](inputs[1])
	lossMask := tensors.CopyFlatData[bool](labels[1])
	for tt := range 4 {
		assert.True(t, inputMask[tt])
	}
	// The last position has no successor after clipping.
	assert.Equal(t, []bool{true, true, true, false}, lossMask)
}

func TestEpochEndsWithEOFAndResetRestarts(t *testing.T) {
	ds := testDataset(10, 8, 4)
	for range ds.StepsPerEpoch() {
		_, _, _, err := ds.Yield()
		require.NoError(t, err)
	}
	_, _, _, err := ds.Yield()
	require.Equal(t, io.EOF, err)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

// Every record is visited at most once per epoch, and the batches cover
// batchSize*StepsPerEpoch distinct records.
func TestEpochVisitsRecordsOnce(t *testing.T) {
	ds := testDataset(9, 32, 2)
	seen := map[int32]int{}
	for range ds.StepsPerEpoch() {
		_, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		tokens := tensors.CopyFlatData[int32](inputs[0])
		for b := range 2 {
			// The record index is the digit encoded after "task ".
			seen[tokens[b*32+6]]++
		}
	}
	assert.Len(t, seen, 8)
	for id, count := range seen {
		assert.Equal(t, 1, count, "record token %d", id)
	}
}
