// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eagle_test

import (
	"math"
	"math/rand/v2"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/speculative/backbone"
	"github.com/gomlx/speculative/draft"
	"github.com/gomlx/speculative/eagle"
)

const (
	testSeqLen = 8
	testHidden = 16
	testVocab  = 32
)

func newTestModel(t *testing.T) *eagle.Model {
	t.Helper()
	bb, err := backbone.New("llama", backbone.Config{
		HiddenSize:       testHidden,
		IntermediateSize: 32,
		VocabSize:        testVocab,
		NumLayers:        5,
		NumHeads:         2,
		NumKVHeads:       2,
		HeadDim:          8,
	})
	require.NoError(t, err)

	return eagle.New(eagle.Config{
		Draft: draft.Config{
			HiddenSize:       testHidden,
			IntermediateSize: 32,
			VocabSize:        testVocab,
			NumLayers:        2,
			NumHeads:         2,
			NumKVHeads:       2,
			HeadDim:          8,
		},
		FreezeBaseModel: true,
		AuxLayerIDs:     []int{1, 2, 4},
	}, bb)
}

func testTokens(seed uint64) ([][]int32, [][]float32) {
	rng := rand.New(rand.NewPCG(seed, seed))
	ids := [][]int32{make([]int32, testSeqLen)}
	mask := [][]float32{make([]float32, testSeqLen)}
	for s := range ids[0] {
		ids[0][s] = int32(rng.IntN(testVocab))
		mask[0][s] = 1
	}
	return ids, mask
}

func TestModelTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := newTestModel(t)

	var hookSteps int
	model.Hook = func(result eagle.StepResult) {
		hookSteps++
		assert.NotNil(t, result.Classification)
		assert.NotNil(t, result.Regression)
	}

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputIDs, lossMask *Node) []*Node {
		output := model.Forward(ctx, inputIDs, nil, nil, lossMask, eagle.ModeTraining)
		require.Len(t, output.StepLosses, eagle.DefaultNumSteps)
		return []*Node{output.Loss, output.Logits, output.DraftLogits}
	})

	ids, mask := testTokens(17)
	outputs := exec.MustExec(ids, mask)

	loss := float64(outputs[0].Value().(float32))
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss must be finite, got %v", loss)
	assert.GreaterOrEqual(t, loss, 0.0)

	assert.Equal(t, []int{1, testSeqLen, testVocab}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{1, testSeqLen, testVocab}, outputs[2].Shape().Dimensions)
	assert.Equal(t, eagle.DefaultNumSteps, hookSteps)
}

func TestModelInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := newTestModel(t)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputIDs *Node) []*Node {
		output := model.Forward(ctx, inputIDs, nil, nil, nil, eagle.ModeInference)
		assert.Nil(t, output.Loss)
		assert.Nil(t, output.StepLosses)
		return []*Node{output.Logits, output.DraftLogits}
	})

	ids, _ := testTokens(23)
	outputs := exec.MustExec(ids)
	assert.Equal(t, []int{1, testSeqLen, testVocab}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{1, testSeqLen, testVocab}, outputs[1].Shape().Dimensions)
}

func TestModelPositionIDs(t *testing.T) {
	// Continued sequences pass their absolute positions; the rollout adds
	// its cache offsets on top of them.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := newTestModel(t)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputIDs, positionIDs, lossMask *Node) *Node {
		output := model.Forward(ctx, inputIDs, nil, positionIDs, lossMask, eagle.ModeTraining)
		return output.Loss
	})

	ids, mask := testTokens(29)
	positions := make([]int32, testSeqLen)
	for s := range positions {
		positions[s] = int32(100 + s)
	}
	outputs := exec.MustExec(ids, positions, mask)
	loss := float64(outputs[0].Value().(float32))
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.GreaterOrEqual(t, loss, 0.0)
}

func TestModelTrainingRequiresLossMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := newTestModel(t)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputIDs *Node) *Node {
		output := model.Forward(ctx, inputIDs, nil, nil, nil, eagle.ModeTraining)
		return output.Loss
	})
	ids, _ := testTokens(5)
	assert.Panics(t, func() { exec.MustExec(ids) })
}

func TestDefaultAuxLayerIDs(t *testing.T) {
	assert.Equal(t, []int{1, 15, 28}, eagle.DefaultAuxLayerIDs(32))
	assert.Panics(t, func() {
		// Too shallow for the default selection: layer -2 is out of range.
		bb, err := backbone.New("llama", backbone.Config{
			HiddenSize: 8, VocabSize: 16, NumLayers: 2,
			NumHeads: 2, NumKVHeads: 2, HeadDim: 4,
		})
		require.NoError(t, err)
		eagle.New(eagle.Config{Draft: draft.Config{
			HiddenSize: 8, VocabSize: 16, NumLayers: 1,
			NumHeads: 2, NumKVHeads: 2, HeadDim: 4,
		}}, bb)
	})
}
