package alpaca

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The formatted string must match the template byte for byte, including the
// literal "\n\n### Input:\n" segment even when the input field is empty.
func TestFormatRecordExactBytes(t *testing.T) {
	got := FormatRecord(Record{Instruction: "Say hi", Input: "", Output: "Hi there"})
	want := "Below is an instruction that describes a task, paired with an input that provides further context. " +
		"Write a response that appropriately completes the request.\n\n" +
		"### Instruction:\nSay hi\n\n" +
		"### Input:\n\n\n" +
		"### Response:\nHi there"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("formatted record mismatch (-want +got):\n%s", diff)
	}
}

// Two records differing only in the output field produce strings that differ
// only after the "### Response:\n" marker.
func TestFormatRecordPureInOutput(t *testing.T) {
	base := Record{Instruction: "Add numbers", Input: "2 and 3"}
	a := base
	a.Output = "5"
	b := base
	b.Output = "five"

	const marker = "### Response:\n"
	fa, fb := FormatRecord(a), FormatRecord(b)
	ia := strings.Index(fa, marker)
	ib := strings.Index(fb, marker)
	require.Equal(t, ia, ib)
	assert.Equal(t, fa[:ia+len(marker)], fb[:ib+len(marker)])
	assert.Equal(t, "5", fa[ia+len(marker):])
	assert.Equal(t, "five", fb[ib+len(marker):])

	// Formatting is a pure function: same record, same bytes.
	assert.Equal(t, fa, FormatRecord(a))
}

func TestInferenceTemplateHasNoOutputField(t *testing.T) {
	assert.NotContains(t, InferencePromptTemplate, "{output}")
	assert.NotContains(t, InferencePromptTemplate, "### Input:")
	assert.True(t, strings.HasSuffix(InferencePromptTemplate, "### Response:\n"))
}

func writeRecordsFile(t *testing.T, numRecords int) string {
	records := make([]Record, numRecords)
	for i := range records {
		records[i] = Record{
			Instruction: fmt.Sprintf("instruction %d", i),
			Input:       fmt.Sprintf("input %d", i),
			Output:      fmt.Sprintf("output %d", i),
		}
	}
	encoded, err := json.Marshal(records)
	require.NoError(t, err)
	filePath := path.Join(t.TempDir(), "alpaca_data.json")
	require.NoError(t, os.WriteFile(filePath, encoded, 0o644))
	return filePath
}

// Loading yields exactly the requested slice when the split is large enough,
// and the whole split when it is smaller.
func TestLoadSliceBoundary(t *testing.T) {
	filePath := writeRecordsFile(t, 600)
	records, err := Load(filePath, 500)
	require.NoError(t, err)
	require.Len(t, records, 500)
	assert.Equal(t, "instruction 0", records[0].Instruction)
	assert.Equal(t, "instruction 499", records[499].Instruction)

	filePath = writeRecordsFile(t, 120)
	records, err = Load(filePath, 500)
	require.NoError(t, err)
	assert.Len(t, records, 120)

	records, err = Load(filePath, 0)
	require.NoError(t, err)
	assert.Len(t, records, 120)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(path.Join(t.TempDir(), "nope.json"), 500)
	require.ErrorContains(t, err, "failed to read dataset file")
}
