// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package draft

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DecoderLayer builds one draft decoder layer.
//
// It differs from a standard pre-norm decoder layer in two ways:
//
//   - It takes two parallel input streams, the token embeddings and the
//     running hidden states, normalizes each independently and concatenates
//     them along the feature axis, so the attention projections consume
//     2×HiddenSize features.
//   - It has no residual connections: the output is purely the transformed
//     stream. This is intentional and load-bearing for the draft network's
//     training dynamics, not an omission.
//
// hiddenStates and embeddings are [batch, seqLen, hiddenSize]; mask is the
// extended additive attention mask [batch, 1, seqLen, cachedLen+seqLen];
// cos/sin are the rotary tensors for this step's positions. The layer
// appends its keys/values to cache under its layer index and attends over
// the full cached sequence.
//
// Returns the transformed hidden states [batch, seqLen, hiddenSize] and the
// attention coefficients (nil unless wantCoefficients).
func DecoderLayer(ctx *context.Context, cfg Config, hiddenStates, embeddings, mask *Node,
	rot RotaryEmbedding, cos, sin *Node, cache *Cache, layer int, wantCoefficients bool) (output, coefficients *Node) {
	if !hiddenStates.Shape().Equal(embeddings.Shape()) {
		Panicf("draft.DecoderLayer: hidden states shape %s does not match embeddings shape %s",
			hiddenStates.Shape(), embeddings.Shape())
	}
	dims := hiddenStates.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	if dims[2] != cfg.HiddenSize {
		Panicf("draft.DecoderLayer: feature dimension %d does not match Config.HiddenSize %d", dims[2], cfg.HiddenSize)
	}

	// Two parallel pre-normalization streams, then concatenate to 2×hidden.
	embeddings = layers.RMSNorm(ctx.In("input_norm"), embeddings).WithEpsilon(cfg.NormEps).Done()
	hiddenStates = layers.RMSNorm(ctx.In("hidden_norm"), hiddenStates).WithEpsilon(cfg.NormEps).Done()
	x := Concatenate([]*Node{embeddings, hiddenStates}, -1)

	// Widened attention projections: input 2×hidden, output per-head widths.
	query := layers.Dense(ctx.In("q_proj"), x, false, cfg.NumHeads*cfg.HeadDim)
	key := layers.Dense(ctx.In("k_proj"), x, false, cfg.NumKVHeads*cfg.HeadDim)
	value := layers.Dense(ctx.In("v_proj"), x, false, cfg.NumKVHeads*cfg.HeadDim)

	// [batch, seq, heads*dim] -> [batch, heads, seq, dim].
	toBHSD := func(n *Node, numHeads int) *Node {
		n = Reshape(n, batchSize, seqLen, numHeads, cfg.HeadDim)
		return TransposeAllDims(n, 0, 2, 1, 3)
	}
	query = toBHSD(query, cfg.NumHeads)
	key = toBHSD(key, cfg.NumKVHeads)
	value = toBHSD(value, cfg.NumKVHeads)

	query = rot.Apply(query, cos, sin)
	key = rot.Apply(key, cos, sin)

	// Keys/values over the full cached sequence, this step's included.
	key, value = cache.Update(layer, key, value)

	scale := 1.0 / math.Sqrt(float64(cfg.HeadDim))
	attnOutput, coefficients := attention.Core(ctx.In("attention"), query, key, value,
		scale, mask, 0, attention.LayoutBHSD, false, wantCoefficients)

	// [batch, heads, seq, dim] -> [batch, seq, heads*dim] -> hidden.
	attnOutput = TransposeAllDims(attnOutput, 0, 2, 1, 3)
	attnOutput = Reshape(attnOutput, batchSize, seqLen, cfg.NumHeads*cfg.HeadDim)
	attnOutput = layers.Dense(ctx.In("o_proj"), attnOutput, false, cfg.HiddenSize)

	// Post-attention norm and gated feed-forward. No residual additions.
	x = layers.RMSNorm(ctx.In("post_attention_norm"), attnOutput).WithEpsilon(cfg.NormEps).Done()
	gate := activations.Swish(layers.Dense(ctx.In("gate_proj"), x, false, cfg.IntermediateSize))
	up := layers.Dense(ctx.In("up_proj"), x, false, cfg.IntermediateSize)
	output = layers.Dense(ctx.In("down_proj"), Mul(gate, up), false, cfg.HiddenSize)
	return output, coefficients
}
