package sft

import (
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/qlora/alpaca"
	"github.com/gomlx/qlora/tokenizers"
)

// Dataset feeds batches of formatted, tokenized instruction records to the
// training loop. It implements gomlx's train.Dataset.
//
// Records are formatted and tokenized lazily, one batch at a time, and the
// visit order is reshuffled on every Reset (once per epoch). Each example is
// wrapped in BOS/EOS and padded or clipped to a fixed length; labels are the
// inputs shifted left by one, with a mask excluding padding from the loss.
//
// Yield returns inputs=[tokens, inputMask] and labels=[nextTokens, lossMask],
// all shaped [batchSize, maxSeqLength]. A final partial batch is dropped.
type Dataset struct {
	records  []alpaca.Record
	formatFn func(alpaca.Record) string
	encodeFn func(text string) []int

	bosID, eosID, padID int
	maxSeqLength        int
	batchSize           int

	rng   *rand.Rand
	order []int
	next  int
}

// NewDataset builds the training dataset over records, formatted with
// alpaca.FormatRecord. The tokenizer must already have a padding token (see
// tokenizers.Tokenizer.EnsurePadToken).
func NewDataset(records []alpaca.Record, tok *tokenizers.Tokenizer, cfg Config) (*Dataset, error) {
	if !tok.HasPadToken() {
		return nil, errors.New("sft: tokenizer has no padding token, call EnsurePadToken first")
	}
	batchSize := cfg.EffectiveBatchSize()
	if len(records) < batchSize {
		return nil, errors.Errorf("sft: %d records cannot fill even one batch of %d", len(records), batchSize)
	}
	ds := &Dataset{
		records:      records,
		formatFn:     alpaca.FormatRecord,
		encodeFn:     tok.EncodeAsIds,
		bosID:        tok.BosID,
		eosID:        tok.EosID,
		padID:        tok.PadID,
		maxSeqLength: cfg.MaxSeqLength,
		batchSize:    batchSize,
		rng:          rand.New(rand.NewSource(rand.Int63())),
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return alpaca.DatasetID }

// StepsPerEpoch is the number of optimizer steps one pass over the records
// takes.
func (ds *Dataset) StepsPerEpoch() int { return len(ds.records) / ds.batchSize }

// Reset implements train.Dataset: it reshuffles the visit order and restarts
// the epoch.
func (ds *Dataset) Reset() {
	if ds.order == nil {
		ds.order = make([]int, len(ds.records))
		for i := range ds.order {
			ds.order[i] = i
		}
	}
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
	ds.next = 0
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.next+ds.batchSize > len(ds.order) {
		return nil, nil, nil, io.EOF
	}
	seqLen := ds.maxSeqLength
	flatSize := ds.batchSize * seqLen
	tokens := make([]int32, flatSize)
	inputMask := make([]bool, flatSize)
	nextTokens := make([]int32, flatSize)
	lossMask := make([]bool, flatSize)

	for b := range ds.batchSize {
		record := ds.records[ds.order[ds.next+b]]
		ids := ds.tokenize(ds.formatFn(record))
		row := b * seqLen
		for t := range seqLen {
			if t < len(ids) {
				tokens[row+t] = int32(ids[t])
				inputMask[row+t] = true
			} else {
				tokens[row+t] = int32(ds.padID)
			}
			// The label at position t is the token at t+1; positions whose
			// successor is padding (or clipped away) carry no loss.
			if t+1 < len(ids) {
				nextTokens[row+t] = int32(ids[t+1])
				lossMask[row+t] = true
			} else {
				nextTokens[row+t] = int32(ds.padID)
			}
		}
	}
	ds.next += ds.batchSize

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(tokens, ds.batchSize, seqLen),
		tensors.FromFlatDataAndDimensions(inputMask, ds.batchSize, seqLen),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(nextTokens, ds.batchSize, seqLen),
		tensors.FromFlatDataAndDimensions(lossMask, ds.batchSize, seqLen),
	}
	return ds, inputs, labels, nil
}

// tokenize wraps the text in BOS/EOS and clips it to the fixed length.
func (ds *Dataset) tokenize(text string) []int {
	ids := append([]int{ds.bosID}, ds.encodeFn(text)...)
	ids = append(ids, ds.eosID)
	if len(ids) > ds.maxSeqLength {
		ids = ids[:ds.maxSeqLength]
	}
	return ids
}
