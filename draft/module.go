// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package draft

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Module is the full draft network: an input projection squeezing the
// concatenated backbone features down to hidden size, a stack of draft
// decoder layers threading a shared incremental cache, an optional final
// normalization, and a vocabulary head.
type Module struct {
	Config Config
	Rotary RotaryEmbedding
}

// NewModule validates cfg, fills in defaults and returns the module.
// Variables are created lazily on first use, inside the context scope the
// graph-building methods are called with.
func NewModule(cfg Config) *Module {
	cfg = cfg.WithDefaults()
	cfg.Validate()
	return &Module{
		Config: cfg,
		Rotary: RotaryEmbedding{Base: cfg.RopeBase},
	}
}

// Project maps the concatenation of AuxFeatures backbone hidden-state layers,
// shaped [batch, seqLen, AuxFeatures*HiddenSize], down to
// [batch, seqLen, HiddenSize]. It is applied once per forward call, before
// the rollout starts; the rollout then feeds its output through the decoder
// layers on every step.
func (m *Module) Project(ctx *context.Context, auxHidden *Node) *Node {
	wantFeatures := m.Config.AuxFeatures * m.Config.HiddenSize
	if got := auxHidden.Shape().Dimensions[auxHidden.Rank()-1]; got != wantFeatures {
		Panicf("draft.Module.Project: input features %d, want AuxFeatures*HiddenSize = %d", got, wantFeatures)
	}
	return layers.Dense(ctx.In("fc"), auxHidden, true, m.Config.HiddenSize)
}

// Forward runs one speculative step through the draft network.
//
// hiddenStates and embeddings are [batch, seqLen, HiddenSize]; mask is the
// square additive attention mask [batch, 1, seqLen, seqLen] for this step;
// cos/sin are the rotary tensors for this step's cache-shifted positions.
// The mask is extended over the cache via ExtendForTree before attention,
// and every decoder layer appends its keys/values to cache.
//
// Returns the input hiddenStates unchanged, the final hidden states and the
// vocabulary logits [batch, seqLen, VocabSize].
func (m *Module) Forward(ctx *context.Context, hiddenStates, embeddings, mask, cos, sin *Node,
	cache *Cache) (input, hidden, logits *Node) {
	cfg := m.Config
	if cache.NumLayers() != cfg.NumLayers {
		Panicf("draft.Module.Forward: cache has %d layers, module has %d", cache.NumLayers(), cfg.NumLayers)
	}
	seqLen := hiddenStates.Shape().Dimensions[1]
	extended := ExtendForTree(mask, seqLen, cache.SeqLen())

	input = hiddenStates
	hidden = hiddenStates
	for layer := range cfg.NumLayers {
		hidden, _ = DecoderLayer(ctx.Inf("layer_%d", layer), cfg, hidden, embeddings, extended,
			m.Rotary, cos, sin, cache, layer, false)
	}
	if cfg.UseLastNorm {
		hidden = layers.RMSNorm(ctx.In("final_norm"), hidden).WithEpsilon(cfg.NormEps).Done()
	}
	logits = layers.Dense(ctx.In("lm_head"), hidden, false, cfg.VocabSize)
	return input, hidden, logits
}
