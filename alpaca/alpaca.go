// Package alpaca fetches the Alpaca instruction-tuning dataset and formats its
// records into single training strings.
//
// Each record carries three text fields (instruction, input, output); formatting
// interpolates them into a fixed instruction-tuning template. Models fine-tuned
// on this template must be prompted with the matching inference template.
package alpaca

import (
	"encoding/json"
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

// DatasetID identifies the upstream dataset.
const DatasetID = "tatsu-lab/alpaca"

// dataURL points at the dataset's JSON export.
const dataURL = "https://raw.githubusercontent.com/tatsu-lab/stanford_alpaca/main/alpaca_data.json"

// dataFileName is the cached copy under the cache directory.
const dataFileName = "alpaca_data.json"

// Record is one instruction/input/output example. Input is frequently empty.
type Record struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// TrainingPromptTemplate is the verbatim instruction-tuning template. It must be
// reproduced exactly -- including the "### Input:" segment when the input field
// is empty -- for compatibility with models fine-tuned this way.
const TrainingPromptTemplate = "Below is an instruction that describes a task, paired with an input that provides further context. Write a response that appropriately completes the request.\n\n### Instruction:\n{instruction}\n\n### Input:\n{input}\n\n### Response:\n{output}"

// InferencePromptTemplate is the companion template for generation: same framing
// without the input/output fields, ending right after the response marker.
// It is documented here for downstream use and not executed by the pipeline.
const InferencePromptTemplate = "Below is an instruction that describes a task. Write a response that appropriately completes the request.\n\n### Instruction:\n{instruction}\n\n### Response:\n"

// FormatRecord interpolates one record into TrainingPromptTemplate. It is a pure
// function of the record, so the trainer can invoke it lazily, once per example.
func FormatRecord(r Record) string {
	return strings.NewReplacer(
		"{instruction}", r.Instruction,
		"{input}", r.Input,
		"{output}", r.Output,
	).Replace(TrainingPromptTemplate)
}

// Download fetches the dataset JSON into cacheDir (once; reused afterwards) and
// returns the local file path.
func Download(cacheDir string) (string, error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create cache directory %q", cacheDir)
	}
	filePath := path.Join(cacheDir, dataFileName)
	if err := data.DownloadIfMissing(dataURL, filePath, ""); err != nil {
		return "", errors.Wrapf(err, "failed to download dataset %q", DatasetID)
	}
	return filePath, nil
}

// Load decodes the records file and returns its first limit records, in file
// order. It returns fewer only when the file holds fewer (boundary case for
// small splits); limit <= 0 means all records.
func Load(filePath string, limit int) ([]Record, error) {
	encoded, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset file %q", filePath)
	}
	var records []Record
	if err = json.Unmarshal(encoded, &records); err != nil {
		return nil, errors.Wrapf(err, "failed to parse dataset file %q", filePath)
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
