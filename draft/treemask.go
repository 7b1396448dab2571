// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package draft

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// MaskSentinel returns a scalar constant with the most negative finite value
// representable in dtype. It is the "blocked" value of additive (log-space)
// attention masks: adding it to a score drives the post-softmax weight to
// zero without producing -Inf, which misbehaves under low-precision softmax
// and its gradient.
func MaskSentinel(g *Graph, dtype dtypes.DType) *Node {
	var lowest float64
	switch dtype {
	case dtypes.Float64:
		lowest = -math.MaxFloat64
	case dtypes.Float32:
		lowest = -math.MaxFloat32
	case dtypes.Float16:
		lowest = -65504.0 // Largest finite float16 magnitude.
	case dtypes.BFloat16:
		lowest = -3.3895313892515355e38 // Largest finite bfloat16 magnitude.
	default:
		Panicf("MaskSentinel: no finite lowest value for dtype %s", dtype)
	}
	return Const(g, shapes.CastAsDType(lowest, dtype))
}

// ExtendForTree extends a square additive attention mask over previously
// cached speculative steps, producing the "tree" attention pattern.
//
// mask must be shaped [batch, heads, tgtLen, srcLen] with 0 on allowed
// entries and a large negative sentinel on blocked ones; a nil mask extends
// to nil. cacheLen is the total number of cached positions accumulated by
// earlier steps; when it is 0 the input mask is returned unchanged.
//
// The returned mask is shaped [batch, heads, tgtLen, srcLen+cacheLen]: the
// original square occupies the low srcLen columns and the cached region is
// appended after it, fully blocked except that for each complete block of
// seqLen cached positions the diagonal entries [i, srcLen+blockStart+i] are
// allowed, for i < min(tgtLen, seqLen). Against a key sequence that stores
// cached entries first, the square therefore scores the oldest step's keys,
// and each diagonal block scores the matching row position of one later
// step, the last block covering the current step's fresh keys.
//
// When cacheLen is not a multiple of seqLen, the trailing partial block
// contributes no allowed entries.
func ExtendForTree(mask *Node, seqLen, cacheLen int) *Node {
	if mask == nil {
		return nil
	}
	if cacheLen == 0 {
		return mask
	}
	if mask.Rank() != 4 {
		Panicf("ExtendForTree: mask must be rank-4 [batch, heads, tgt, src], got shape %s", mask.Shape())
	}
	if seqLen <= 0 {
		Panicf("ExtendForTree: seqLen must be positive, got %d", seqLen)
	}
	g := mask.Graph()
	dtype := mask.DType()
	dims := mask.Shape().Dimensions
	batchSize, numHeads, tgtLen := dims[0], dims[1], dims[2]

	// Allowed entries of the cached region: col%seqLen == row, restricted to
	// whole blocks of seqLen.
	numBlocks := cacheLen / seqLen
	rows := Iota(g, shapes.Make(dtypes.Int32, tgtLen, cacheLen), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, tgtLen, cacheLen), 1)
	allowed := Equal(ModScalar(cols, float64(seqLen)), rows)
	allowed = And(allowed, LessThan(cols, Scalar(g, dtypes.Int32, numBlocks*seqLen)))

	allowed = BroadcastToDims(InsertAxes(allowed, 0, 0), batchSize, numHeads, tgtLen, cacheLen)
	cachedRegion := Where(allowed,
		Zeros(g, shapes.Make(dtype, batchSize, numHeads, tgtLen, cacheLen)),
		BroadcastToDims(MaskSentinel(g, dtype), batchSize, numHeads, tgtLen, cacheLen))

	return Concatenate([]*Node{mask, cachedRegion}, -1)
}

// BlockStepDiagonal returns mask with the diagonal band [row, row-offset] of
// its trailing square region blocked. It implements the per-step restriction
// of the speculative rollout: after the targets are shifted left, the next
// step may no longer attend to positions consumed by earlier steps.
//
// mask is [batch, heads, tgt, src] with src >= tgt; the band is blocked
// within the last tgt columns (the current step's square region), leaving
// cached columns untouched. The restriction is monotonic: already blocked
// entries stay blocked.
func BlockStepDiagonal(mask *Node, offset int) *Node {
	g := mask.Graph()
	dtype := mask.DType()
	dims := mask.Shape().Dimensions
	batchSize, numHeads, tgtLen, srcLen := dims[0], dims[1], dims[2], dims[3]
	if srcLen < tgtLen {
		Panicf("BlockStepDiagonal: mask source length (%d) smaller than target length (%d)", srcLen, tgtLen)
	}

	rows := Iota(g, shapes.Make(dtypes.Int32, tgtLen, srcLen), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, tgtLen, srcLen), 1)
	// Columns of the trailing square region, re-indexed to [0, tgtLen).
	squareCols := AddScalar(cols, float64(tgtLen-srcLen))
	onBand := And(
		Equal(Sub(rows, squareCols), Scalar(g, dtypes.Int32, offset)),
		GreaterOrEqual(squareCols, Scalar(g, dtypes.Int32, 0)))

	onBand = BroadcastToDims(InsertAxes(onBand, 0, 0), batchSize, numHeads, tgtLen, srcLen)
	return Where(onBand, BroadcastToDims(MaskSentinel(g, dtype), batchSize, numHeads, tgtLen, srcLen), mask)
}
