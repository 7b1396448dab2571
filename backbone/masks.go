// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbone

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/speculative/draft"
)

// CausalMask returns the additive causal mask [batch, 1, seqLen, seqLen]:
// zero at and below the diagonal, the dtype's blocking sentinel above it.
func CausalMask(g *Graph, dtype dtypes.DType, batchSize, seqLen int) *Node {
	rows := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 1)
	allowed := GreaterOrEqual(rows, cols)
	allowed = BroadcastToDims(InsertAxes(allowed, 0, 0), batchSize, 1, seqLen, seqLen)
	return Where(allowed,
		Zeros(g, shapes.Make(dtype, batchSize, 1, seqLen, seqLen)),
		BroadcastToDims(draft.MaskSentinel(g, dtype), batchSize, 1, seqLen, seqLen))
}

// PaddingMask expands a [batch, seqLen] padding mask (1 = real token, 0 =
// padding) into the additive form [batch, 1, tgtLen, seqLen], blocking
// attention into padded source positions.
func PaddingMask(padMask *Node, dtype dtypes.DType, tgtLen int) *Node {
	if padMask.Rank() != 2 {
		Panicf("backbone.PaddingMask: mask must be [batch, seq], got shape %s", padMask.Shape())
	}
	g := padMask.Graph()
	dims := padMask.Shape().Dimensions
	batchSize, srcLen := dims[0], dims[1]

	real := NotEqual(padMask, ZerosLike(padMask))
	real = BroadcastToDims(InsertAxes(real, 1, 1), batchSize, 1, tgtLen, srcLen)
	return Where(real,
		Zeros(g, shapes.Make(dtype, batchSize, 1, tgtLen, srcLen)),
		BroadcastToDims(draft.MaskSentinel(g, dtype), batchSize, 1, tgtLen, srcLen))
}

// CombineMasks merges additive masks: an entry is blocked if blocked in any
// input. Taking the minimum instead of adding keeps the sentinel finite.
func CombineMasks(masks ...*Node) *Node {
	combined := masks[0]
	for _, m := range masks[1:] {
		combined = Min(combined, m)
	}
	return combined
}
