// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package draft implements the draft network used by EAGLE-style speculative
// decoding: a small stack of modified decoder layers that predicts several
// future tokens from the backbone's hidden states, so the backbone can verify
// them in parallel.
//
// The building blocks are:
//
//   - ExtendForTree: grows a square causal attention mask with block-diagonal
//     regions over cached positions, letting a step attend to the candidate
//     continuations produced by previous speculative steps.
//   - Cache: an incremental per-layer key/value store threaded through the
//     speculative steps of a single forward call.
//   - RotaryEmbedding: computes (cos, sin) rotation tensors from arbitrary,
//     possibly step-shifted, position ids.
//   - DecoderLayer: a decoder layer that consumes two parallel input streams
//     (token embeddings and hidden states) through widened attention
//     projections, with no residual connections.
//   - Module: the full draft network: input projection, decoder layers, final
//     norm and vocabulary head.
//
// All functions are graph-building: they take and return graph.Node values
// and are expected to run inside a single graph/context computation, the same
// way the gomlx layers packages work.
package draft

import (
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Config defines the architecture of the draft Module and its layers.
type Config struct {
	// HiddenSize is the backbone's hidden dimension. The draft layers consume
	// a concatenation of two streams of this width (2×HiddenSize) and produce
	// outputs of this width.
	HiddenSize int

	// IntermediateSize is the feed-forward expansion width.
	IntermediateSize int

	// VocabSize is the output dimension of the vocabulary head.
	VocabSize int

	// NumLayers is the number of stacked decoder layers.
	NumLayers int

	// NumHeads and NumKVHeads configure (grouped-query) attention.
	// NumHeads must be a multiple of NumKVHeads.
	NumHeads   int
	NumKVHeads int

	// HeadDim is the per-head dimension of queries, keys and values.
	HeadDim int

	// AuxFeatures is how many backbone hidden-state layers are concatenated
	// into the input projection (Module.Project). Defaults to 3.
	AuxFeatures int

	// NormEps is the epsilon used by all RMS normalizations.
	NormEps float64

	// RopeBase is the rotary embedding base frequency. Defaults to 10000.
	RopeBase float64

	// UseLastNorm applies a final RMS normalization before the vocabulary head.
	UseLastNorm bool
}

// WithDefaults returns a copy of the config with zero-valued optional fields
// filled in.
func (c Config) WithDefaults() Config {
	if c.AuxFeatures == 0 {
		c.AuxFeatures = 3
	}
	if c.RopeBase == 0 {
		c.RopeBase = 10000.0
	}
	if c.NormEps == 0 {
		c.NormEps = 1e-6
	}
	if c.IntermediateSize == 0 {
		c.IntermediateSize = 4 * c.HiddenSize
	}
	return c
}

// Validate panics with an informative message if the config is unusable.
func (c Config) Validate() {
	if c.HiddenSize <= 0 || c.VocabSize <= 0 || c.NumLayers <= 0 {
		Panicf("draft.Config: HiddenSize (%d), VocabSize (%d) and NumLayers (%d) must all be positive",
			c.HiddenSize, c.VocabSize, c.NumLayers)
	}
	if c.NumHeads <= 0 || c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0 {
		Panicf("draft.Config: NumHeads (%d) must be positive and divisible by NumKVHeads (%d)",
			c.NumHeads, c.NumKVHeads)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		Panicf("draft.Config: HeadDim (%d) must be positive and even (required by rotary embeddings)", c.HeadDim)
	}
}
