// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbone

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/speculative/draft"
)

func init() {
	Register("llama", func(cfg Config) (Adapter, error) {
		return NewLlama(cfg), nil
	})
}

// Llama is a reference llama-style decoder-only backbone: pre-norm decoder
// layers with residual connections, grouped-query attention with rotary
// position embeddings, and a gated feed-forward. It implements Adapter.
//
// It exists so the speculative modules can be exercised end to end without
// external weights; production setups adapt their own backbone instead.
type Llama struct {
	cfg    Config
	dtype  dtypes.DType
	rotary draft.RotaryEmbedding
}

// NewLlama returns a llama-style backbone for the given architecture.
func NewLlama(cfg Config) *Llama {
	if cfg.NormEps == 0 {
		cfg.NormEps = 1e-6
	}
	if cfg.RopeBase == 0 {
		cfg.RopeBase = 10000.0
	}
	if cfg.HeadDim == 0 && cfg.NumHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumHeads
	}
	if cfg.IntermediateSize == 0 {
		cfg.IntermediateSize = 4 * cfg.HiddenSize
	}
	return &Llama{
		cfg:    cfg,
		dtype:  dtypes.Float32,
		rotary: draft.RotaryEmbedding{Base: cfg.RopeBase},
	}
}

// NumHiddenLayers implements Adapter.
func (l *Llama) NumHiddenLayers() int { return l.cfg.NumLayers }

// EmbedTokens implements Adapter.
func (l *Llama) EmbedTokens(ctx *context.Context, inputIDs *Node) *Node {
	return layers.Embedding(ctx.In("embed_tokens").Checked(false), inputIDs,
		l.dtype, l.cfg.VocabSize, l.cfg.HiddenSize)
}

// Freeze implements Adapter: marks every variable under ctx's scope as
// non-trainable.
func (l *Llama) Freeze(ctx *context.Context) {
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
}

// Forward implements Adapter. The returned HiddenStates (when collected)
// start with the embedding output and end with the final, normalized hidden
// state, one entry per layer boundary.
func (l *Llama) Forward(ctx *context.Context, inputIDs, attentionMask, positionIDs *Node, collectHidden bool) Output {
	cfg := l.cfg
	g := inputIDs.Graph()
	if inputIDs.Rank() != 2 {
		Panicf("backbone.Llama.Forward: inputIDs must be [batch, seq], got shape %s", inputIDs.Shape())
	}
	dims := inputIDs.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]

	mask := CausalMask(g, l.dtype, batchSize, seqLen)
	if attentionMask != nil {
		mask = CombineMasks(mask, PaddingMask(attentionMask, l.dtype, seqLen))
	}
	positions := positionIDs
	if positions == nil {
		positions = l.rotary.Positions(g, seqLen, 0)
	}
	cos, sin := l.rotary.CosSin(positions, cfg.HeadDim, l.dtype)

	hidden := l.EmbedTokens(ctx, inputIDs)
	var collected []*Node
	if collectHidden {
		collected = append(collected, hidden)
	}
	for layer := range cfg.NumLayers {
		hidden = l.decoderLayer(ctx.Inf("layer_%d", layer), hidden, mask, cos, sin, batchSize, seqLen)
		if collectHidden {
			collected = append(collected, hidden)
		}
	}
	hidden = layers.RMSNorm(ctx.In("final_norm"), hidden).WithEpsilon(cfg.NormEps).Done()
	if collectHidden {
		// The last entry is the normalized final state, the one the lm head
		// (and any distillation target) actually consumes.
		collected[len(collected)-1] = hidden
	}
	logits := layers.Dense(ctx.In("lm_head"), hidden, false, cfg.VocabSize)
	return Output{HiddenStates: collected, Logits: logits}
}

func (l *Llama) decoderLayer(ctx *context.Context, hidden, mask, cos, sin *Node, batchSize, seqLen int) *Node {
	cfg := l.cfg

	residual := hidden
	x := layers.RMSNorm(ctx.In("input_norm"), hidden).WithEpsilon(cfg.NormEps).Done()
	query := layers.Dense(ctx.In("q_proj"), x, false, cfg.NumHeads*cfg.HeadDim)
	key := layers.Dense(ctx.In("k_proj"), x, false, cfg.NumKVHeads*cfg.HeadDim)
	value := layers.Dense(ctx.In("v_proj"), x, false, cfg.NumKVHeads*cfg.HeadDim)

	toBHSD := func(n *Node, numHeads int) *Node {
		n = Reshape(n, batchSize, seqLen, numHeads, cfg.HeadDim)
		return TransposeAllDims(n, 0, 2, 1, 3)
	}
	query = l.rotary.Apply(toBHSD(query, cfg.NumHeads), cos, sin)
	key = l.rotary.Apply(toBHSD(key, cfg.NumKVHeads), cos, sin)
	value = toBHSD(value, cfg.NumKVHeads)

	scale := 1.0 / math.Sqrt(float64(cfg.HeadDim))
	attnOutput, _ := attention.Core(ctx.In("attention"), query, key, value,
		scale, mask, 0, attention.LayoutBHSD, false, false)
	attnOutput = TransposeAllDims(attnOutput, 0, 2, 1, 3)
	attnOutput = Reshape(attnOutput, batchSize, seqLen, cfg.NumHeads*cfg.HeadDim)
	attnOutput = layers.Dense(ctx.In("o_proj"), attnOutput, false, cfg.HiddenSize)
	hidden = Add(residual, attnOutput)

	residual = hidden
	x = layers.RMSNorm(ctx.In("post_attention_norm"), hidden).WithEpsilon(cfg.NormEps).Done()
	gate := activations.Swish(layers.Dense(ctx.In("gate_proj"), x, false, cfg.IntermediateSize))
	up := layers.Dense(ctx.In("up_proj"), x, false, cfg.IntermediateSize)
	mlp := layers.Dense(ctx.In("down_proj"), Mul(gate, up), false, cfg.HiddenSize)
	return Add(residual, mlp)
}
