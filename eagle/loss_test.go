// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eagle_test

import (
	"math"
	"math/rand/v2"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/speculative/eagle"
)

func runLosses(t *testing.T, targetHidden, targetLogits, draftHidden, draftLogits [][][]float32,
	lossMask [][]float32) (regression, classification float64) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	outputs, err := ExecOnceN(backend, func(tH, tL, dH, dL, mask *Node) []*Node {
		regression, classification := eagle.Losses(tH, tL, dH, dL, mask)
		return []*Node{regression, classification}
	}, targetHidden, targetLogits, draftHidden, draftLogits, lossMask)
	require.NoError(t, err)
	return float64(outputs[0].Value().(float32)), float64(outputs[1].Value().(float32))
}

func TestLossesIdenticalInputs(t *testing.T) {
	// Identical hidden states give exactly zero regression loss. A sharply
	// peaked identical distribution gives (numerically) zero classification
	// loss, since -sum(p*log p) vanishes as p approaches one-hot.
	hidden := [][][]float32{{{0.5, -1, 2}, {1, 1, 1}}}
	logits := [][][]float32{{{100, 0, 0, 0}, {0, 100, 0, 0}}}
	mask := [][]float32{{1, 1}}

	regression, classification := runLosses(t, hidden, logits, hidden, logits, mask)
	assert.Zero(t, regression)
	assert.InDelta(t, 0, classification, 1e-6)
}

func TestLossesUniformDistribution(t *testing.T) {
	// Identical all-zero logits over vocab=4: classification loss is the
	// entropy of the uniform distribution, ln(4).
	hidden := [][][]float32{{{0, 0, 0}, {0, 0, 0}}}
	logits := [][][]float32{{{0, 0, 0, 0}, {0, 0, 0, 0}}}
	mask := [][]float32{{1, 1}}

	_, classification := runLosses(t, hidden, logits, hidden, logits, mask)
	// Denominator is sum(mask)+1e-5, so slightly below ln(4).
	assert.InDelta(t, math.Log(4), classification, 1e-4)
}

func TestLossesMasked(t *testing.T) {
	// With an all-zero mask both losses are zero regardless of the inputs.
	targetHidden := [][][]float32{{{1, 2, 3}, {4, 5, 6}}}
	draftHidden := [][][]float32{{{-1, -2, -3}, {-4, -5, -6}}}
	targetLogits := [][][]float32{{{1, 0, 0, 0}, {0, 1, 0, 0}}}
	draftLogits := [][][]float32{{{0, 0, 0, 1}, {0, 0, 1, 0}}}
	mask := [][]float32{{0, 0}}

	regression, classification := runLosses(t, targetHidden, targetLogits, draftHidden, draftLogits, mask)
	assert.Zero(t, regression)
	assert.Zero(t, classification)
}

func TestLossesRandomInputsFiniteNonNegative(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	randTensor := func(features int) [][][]float32 {
		out := [][][]float32{make([][]float32, 4)}
		for s := range out[0] {
			out[0][s] = make([]float32, features)
			for f := range out[0][s] {
				out[0][s][f] = float32(rng.NormFloat64())
			}
		}
		return out
	}
	mask := [][]float32{{1, 0, 1, 1}}

	for trial := 0; trial < 10; trial++ {
		regression, classification := runLosses(t,
			randTensor(8), randTensor(16), randTensor(8), randTensor(16), mask)
		require.False(t, math.IsNaN(regression) || math.IsInf(regression, 0))
		require.False(t, math.IsNaN(classification) || math.IsInf(classification, 0))
		assert.GreaterOrEqual(t, regression, 0.0)
		assert.GreaterOrEqual(t, classification, 0.0)
	}
}

func TestLossesShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := ExecOnceN(backend, func(hidden, logits, otherHidden, mask *Node) []*Node {
		regression, classification := eagle.Losses(hidden, logits, otherHidden, logits, mask)
		return []*Node{regression, classification}
	},
		[][][]float32{{{1, 2, 3}}},
		[][][]float32{{{0, 0, 0, 0}}},
		[][][]float32{{{1, 2}}}, // Hidden size disagrees.
		[][]float32{{1}})
	assert.Error(t, err)
}
