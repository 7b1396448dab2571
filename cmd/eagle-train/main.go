// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// eagle-train trains an EAGLE draft module against a small llama-style
// backbone on synthetic data. It is a demo of the training wiring: real
// setups swap in a pretrained backbone adapter and a real dataset.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/speculative/backbone"
	"github.com/gomlx/speculative/draft"
	"github.com/gomlx/speculative/eagle"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSteps     = flag.Int("steps", 200, "Number of training steps.")
	flagBatchSize = flag.Int("batch", 4, "Batch size.")
	flagSeqLen    = flag.Int("seq", 32, "Sequence length.")
	flagVocab     = flag.Int("vocab", 256, "Vocabulary size.")
	flagHidden    = flag.Int("hidden", 64, "Hidden size of backbone and draft module.")
	flagLayers    = flag.Int("layers", 6, "Number of backbone decoder layers.")
	flagDraft     = flag.Int("draft_layers", 1, "Number of draft decoder layers.")
	flagHeads     = flag.Int("heads", 4, "Number of attention heads.")
	flagKVHeads   = flag.Int("kv_heads", 2, "Number of key/value heads (grouped-query attention).")
	flagLR        = flag.Float64("learning_rate", 1e-3, "Learning rate.")
	flagFamily    = flag.String("backbone", "llama", "Backbone family to build.")
	flagSeed      = flag.Uint64("seed", 42, "Seed for the synthetic dataset.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	headDim := *flagHidden / *flagHeads
	bb := must.M1(backbone.New(*flagFamily, backbone.Config{
		HiddenSize: *flagHidden,
		VocabSize:  *flagVocab,
		NumLayers:  *flagLayers,
		NumHeads:   *flagHeads,
		NumKVHeads: *flagKVHeads,
		HeadDim:    headDim,
	}))
	model := eagle.New(eagle.Config{
		Draft: draft.Config{
			HiddenSize: *flagHidden,
			VocabSize:  *flagVocab,
			NumLayers:  *flagDraft,
			NumHeads:   *flagHeads,
			NumKVHeads: *flagKVHeads,
			HeadDim:    headDim,
		},
		FreezeBaseModel: true,
		AuxLayerIDs:     []int{1, *flagLayers / 2, *flagLayers - 1},
	}, bb)

	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: *flagLR,
	})

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		output := model.Forward(ctx, inputs[0], nil, nil, inputs[1], eagle.ModeTraining)
		return []*Node{output.Loss}
	}
	// The model graph computes its own loss; the trainer just propagates it.
	lossFn := func(labels, predictions []*Node) *Node { return predictions[0] }

	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn,
		optimizers.FromContext(ctx), nil, nil)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	dataset := newSyntheticDataset(*flagBatchSize, *flagSeqLen, *flagVocab, *flagSeed)
	must.M1(loop.RunSteps(dataset, *flagSteps))

	var numParams int64
	for v := range ctx.IterVariables() {
		numParams += int64(v.Shape().Size())
	}
	fmt.Printf("Trained %s steps over %s parameters.\n",
		humanize.Comma(int64(loop.LoopStep)), humanize.Comma(numParams))
}

// syntheticDataset yields random token sequences with an all-ones loss mask,
// endlessly. Good enough to exercise the training path.
type syntheticDataset struct {
	batchSize, seqLen, vocabSize int
	rng                          *rand.Rand
}

func newSyntheticDataset(batchSize, seqLen, vocabSize int, seed uint64) *syntheticDataset {
	return &syntheticDataset{
		batchSize: batchSize,
		seqLen:    seqLen,
		vocabSize: vocabSize,
		rng:       rand.New(rand.NewPCG(seed, seed)),
	}
}

func (ds *syntheticDataset) Name() string { return "synthetic" }

func (ds *syntheticDataset) Reset() {}

func (ds *syntheticDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ids := make([][]int32, ds.batchSize)
	mask := make([][]float32, ds.batchSize)
	for b := range ids {
		ids[b] = make([]int32, ds.seqLen)
		mask[b] = make([]float32, ds.seqLen)
		for s := range ids[b] {
			ids[b][s] = int32(ds.rng.IntN(ds.vocabSize))
			mask[b][s] = 1
		}
	}
	inputIDs := tensors.FromValue(ids)
	lossMask := tensors.FromValue(mask)
	// The loss is computed inside the model graph; labels are a placeholder.
	return nil, []*tensors.Tensor{inputIDs, lossMask}, []*tensors.Tensor{tensors.FromValue(mask)}, nil
}
