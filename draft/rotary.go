// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package draft

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention/pos"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// RotaryEmbedding computes (cos, sin) rotation tensors for rotary position
// embeddings from step-relative position ids. Each speculative step shifts
// its positions by the current cache length, so the rotations must be
// recomputed per step instead of being cached for positions [0, seqLen).
type RotaryEmbedding struct {
	// Base frequency, typically 10000.
	Base float64
}

// Positions returns the rank-1 position-ids node [seqLen] for a step whose
// cache already holds offset entries: offset, offset+1, ..., offset+seqLen-1.
func (r RotaryEmbedding) Positions(g *Graph, seqLen, offset int) *Node {
	positions := Iota(g, shapes.Make(dtypes.Int32, seqLen), 0)
	if offset != 0 {
		positions = AddScalar(positions, float64(offset))
	}
	return positions
}

// CosSin computes the rotation tensors for the given position ids.
//
// positions must be rank-1 [seqLen] (integer or float); headDim must be even.
// Returns cos and sin shaped [seqLen, headDim/2] in the given dtype, the
// layout consumed by pos.NewRoPEWithCosSin.
func (r RotaryEmbedding) CosSin(positions *Node, headDim int, dtype dtypes.DType) (cos, sin *Node) {
	if positions.Rank() != 1 {
		Panicf("RotaryEmbedding.CosSin: positions must be rank-1 [seqLen], got shape %s", positions.Shape())
	}
	if headDim%2 != 0 {
		Panicf("RotaryEmbedding.CosSin: headDim must be even, got %d", headDim)
	}
	g := positions.Graph()
	halfDim := headDim / 2

	// invFreq_j = base^(-2j/headDim), shape [halfDim].
	exponents := Iota(g, shapes.Make(dtype, halfDim), 0)
	exponents = MulScalar(exponents, -2.0/float64(headDim))
	invFreq := Pow(ConvertDType(Const(g, []float64{r.Base}), dtype), exponents)

	angles := Einsum("s,f->sf", ConvertDType(positions, dtype), invFreq)
	return Cos(angles), Sin(angles)
}

// Apply rotates query or key x, shaped [batch, heads, seqLen, headDim], by
// the precomputed (cos, sin) tensors, using the first-half/second-half pair
// convention.
func (r RotaryEmbedding) Apply(x, cos, sin *Node) *Node {
	return pos.NewRoPEWithCosSin(cos, sin).Apply(x, nil, 2)
}
