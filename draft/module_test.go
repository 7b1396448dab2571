// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package draft_test

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/speculative/draft"
)

func testConfig() draft.Config {
	return draft.Config{
		HiddenSize:       8,
		IntermediateSize: 16,
		VocabSize:        16,
		NumLayers:        2,
		NumHeads:         2,
		NumKVHeads:       1,
		HeadDim:          4,
	}
}

func TestModuleForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	module := draft.NewModule(testConfig())

	var seqLens []int
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, hidden, embeddings *Node) []*Node {
		g := hidden.Graph()
		cache := draft.NewCache(2)
		mask := Zeros(g, shapes.Make(dtypes.Float32, 1, 1, 4, 4))
		positions := module.Rotary.Positions(g, 4, cache.SeqLen())
		cos, sin := module.Rotary.CosSin(positions, 4, dtypes.Float32)

		seqLens = append(seqLens, cache.SeqLen())
		input, out, logits := module.Forward(ctx, hidden, embeddings, mask, cos, sin, cache)
		assert.Same(t, hidden, input, "input hidden states must be returned unchanged")

		// Second step over the same cache, as the rollout engine does.
		seqLens = append(seqLens, cache.SeqLen())
		positions = module.Rotary.Positions(g, 4, cache.SeqLen())
		cos, sin = module.Rotary.CosSin(positions, 4, dtypes.Float32)
		_, out2, _ := module.Forward(ctx.Checked(false), out, embeddings, mask, cos, sin, cache)
		seqLens = append(seqLens, cache.SeqLen())

		return []*Node{out, logits, out2}
	})

	hidden := make([][][]float32, 1)
	embeddings := make([][][]float32, 1)
	hidden[0] = make([][]float32, 4)
	embeddings[0] = make([][]float32, 4)
	for s := range 4 {
		hidden[0][s] = make([]float32, 8)
		embeddings[0][s] = make([]float32, 8)
		for f := range 8 {
			hidden[0][s][f] = float32(s+f) / 8
			embeddings[0][s][f] = float32(s-f) / 8
		}
	}

	outputs := exec.MustExec(hidden, embeddings)
	assert.Equal(t, []int{1, 4, 8}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{1, 4, 16}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{1, 4, 8}, outputs[2].Shape().Dimensions)

	// The cache grows by seqLen per step, monotonically.
	assert.Equal(t, []int{0, 4, 8}, seqLens)

	for _, output := range outputs {
		for _, v := range output.Value().([][][]float32)[0][0] {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "non-finite output %v", v)
		}
	}
}

func TestModuleProjectShapeCheck(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	module := draft.NewModule(testConfig()) // AuxFeatures defaults to 3.

	g := NewGraph(backend, "project")
	assert.Panics(t, func() {
		module.Project(context.New(), Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 8)))
	}, "aux features must be AuxFeatures*HiddenSize")
}

func TestConfigValidate(t *testing.T) {
	assert.Panics(t, func() { draft.NewModule(draft.Config{}) })

	cfg := testConfig()
	cfg.NumHeads = 3 // Not divisible by NumKVHeads=2.
	cfg.NumKVHeads = 2
	assert.Panics(t, func() { draft.NewModule(cfg) })

	cfg = testConfig()
	cfg.HeadDim = 3 // Odd head dim breaks rotary pairing.
	assert.Panics(t, func() { draft.NewModule(cfg) })
}
