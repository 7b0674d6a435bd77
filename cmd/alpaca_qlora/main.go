// alpaca_qlora fine-tunes a 4-bit quantized TinyLlama on 500 Alpaca instruction
// records using low-rank adapters, then writes the adapter and tokenizer files
// to ./tinyllama-alpaca-qlora.
//
// The recipe is compiled in; it runs to completion without arguments. Gated
// models additionally need a HuggingFace read token in the HF_TOKEN environment
// variable.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/gomlx/qlora/alpaca"
	"github.com/gomlx/qlora/download/huggingface"
	"github.com/gomlx/qlora/lora"
	"github.com/gomlx/qlora/quantize"
	"github.com/gomlx/qlora/sft"
	"github.com/gomlx/qlora/transformers"
)

const (
	// modelID is the base model to fine-tune. Any Llama-family HuggingFace
	// checkpoint with a sentencepiece tokenizer works.
	modelID = "TinyLlama/TinyLlama-1.1B-Chat-v1.0"

	// outputDir receives the adapter, tokenizer and training snapshots. It is
	// recreated on every run.
	outputDir = "tinyllama-alpaca-qlora"

	// cacheDir stores the downloaded model and dataset for reuse across runs.
	cacheDir = "~/.cache/gomlx/qlora"

	// numRecords is how many instruction records to fine-tune on.
	numRecords = 500
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](run)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v\n", err)
		os.Exit(1)
	}
}

func run() {
	backend := backends.New()
	ctx := context.New()

	quantCfg := must.M1(quantize.New(4, quantize.SchemeNF4, dtypes.Float16, false))
	klog.Infof("Downloading %s (cache: %s), quantizing to %s", modelID, cacheDir, quantCfg.Scheme)
	model, tok := must.M2(huggingface.Download(ctx, modelID, os.Getenv("HF_TOKEN"), cacheDir, quantCfg))

	model.Config.UseKVCache = false
	model.Config.TensorParallelism = 1
	transformers.PrepareForKbitTraining(ctx, model)

	adapterCfg := must.M1(lora.New(16, 32, 0.05))
	numModules := must.M1(model.InjectAdapters(ctx, adapterCfg))
	trainable, total := lora.TrainableStats(ctx)
	klog.Infof("Injected rank-%d adapters on %d modules: %s trainable parameters of %s total",
		adapterCfg.Rank, numModules, humanize.Comma(int64(trainable)), humanize.Comma(int64(total)))

	tok.EnsurePadToken()

	dataPath := must.M1(alpaca.Download(data.ReplaceTildeInDir(cacheDir)))
	records := must.M1(alpaca.Load(dataPath, numRecords))
	klog.Infof("Fine-tuning on %d instruction records", len(records))

	trainCfg := sft.NewConfig(outputDir)
	ds := must.M1(sft.NewDataset(records, tok, trainCfg))
	must.M(sft.Train(backend, ctx, model, ds, trainCfg))

	must.M(lora.Save(ctx, *model.Adapter, modelID, outputDir))
	must.M(tok.Save(outputDir))
	klog.Infof("Adapter and tokenizer saved to %s", outputDir)
}
