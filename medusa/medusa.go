// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package medusa implements Medusa-style speculative-decoding heads: a set
// of small residual MLP heads attached to the backbone's final hidden state,
// where head i predicts the token i+1 positions ahead. Training distills
// each head against the correspondingly shifted labels with a geometric
// decay, so nearer predictions weigh more.
package medusa

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/speculative/backbone"
)

// Config assembles a Medusa model.
type Config struct {
	// NumHeads is how many future tokens are drafted per position.
	NumHeads int

	// NumLayersPerHead is the number of residual blocks per head. Defaults
	// to 1.
	NumLayersPerHead int

	// HiddenSize and VocabSize must match the backbone.
	HiddenSize int
	VocabSize  int

	// LossDecay down-weights later heads, defaults to 0.8. HeadCoef scales
	// the summed head loss against the base-model loss, defaults to 0.2.
	LossDecay float64
	HeadCoef  float64

	// FreezeBaseModel trains only the heads: backbone variables are marked
	// non-trainable, gradients into the shared hidden state are stopped, and
	// no base-model loss is added.
	FreezeBaseModel bool
}

// Model attaches Medusa heads to a backbone adapter.
type Model struct {
	Backbone backbone.Adapter
	cfg      Config
}

// Output of one Medusa forward pass.
type Output struct {
	// Loss is the combined training loss; nil when no labels were given.
	Loss *Node

	// Logits are the backbone's [batch, seq, vocab] logits.
	Logits *Node

	// HeadLogits has one [batch, seq, vocab] entry per head.
	HeadLogits []*Node
}

// New validates cfg and returns the assembled model.
func New(cfg Config, bb backbone.Adapter) *Model {
	if cfg.NumHeads <= 0 {
		Panicf("medusa.New: NumHeads must be positive, got %d", cfg.NumHeads)
	}
	if cfg.NumLayersPerHead == 0 {
		cfg.NumLayersPerHead = 1
	}
	if cfg.LossDecay == 0 {
		cfg.LossDecay = 0.8
	}
	if cfg.HeadCoef == 0 {
		cfg.HeadCoef = 0.2
	}
	return &Model{Backbone: bb, cfg: cfg}
}

// Config returns the model configuration after defaults were applied.
func (m *Model) Config() Config { return m.cfg }

// Forward runs the backbone and all Medusa heads.
//
// labels [batch, seq] holds next-token targets: labels[t] is the ground
// truth for the token following position t, so the base model's loss scores
// its logits against the unshifted labels. Negative entries are ignored
// (padding); nil labels means no loss. positionIDs is an optional rank-1
// [seq] batch-uniform position vector, nil means 0..seq-1.
//
// Head i drafts one token further than head i-1, so its loss compares its
// logits at positions [0, seq-i-1) against labels shifted left by i+1,
// weighted by decay^i; the per-head losses are scaled by HeadCoef and,
// unless the backbone is frozen, added to the base-model loss.
func (m *Model) Forward(ctx *context.Context, inputIDs, attentionMask, positionIDs, labels *Node) Output {
	cfg := m.cfg

	backboneCtx := ctx.In("backbone")
	out := m.Backbone.Forward(backboneCtx, inputIDs, attentionMask, positionIDs, true)
	if cfg.FreezeBaseModel {
		m.Backbone.Freeze(backboneCtx)
	}
	hidden := out.HiddenStates[len(out.HiddenStates)-1]
	if cfg.FreezeBaseModel {
		hidden = StopGradient(hidden)
	}

	headsCtx := ctx.In("medusa")
	headLogits := make([]*Node, cfg.NumHeads)
	for head := range cfg.NumHeads {
		headCtx := headsCtx.Inf("head_%d", head)
		x := hidden
		for block := range cfg.NumLayersPerHead {
			x = resBlock(headCtx.Inf("res_%d", block), x, cfg.HiddenSize)
		}
		headLogits[head] = layers.Dense(headCtx.In("lm_head"), x, false, cfg.VocabSize)
	}

	output := Output{Logits: out.Logits, HeadLogits: headLogits}
	if labels == nil {
		return output
	}

	var loss *Node
	for head := range cfg.NumHeads {
		shift := head + 1
		headLoss := shiftedCrossEntropy(headLogits[head], labels, shift)
		headLoss = MulScalar(headLoss, math.Pow(cfg.LossDecay, float64(head)))
		if loss == nil {
			loss = headLoss
		} else {
			loss = Add(loss, headLoss)
		}
	}
	loss = MulScalar(loss, cfg.HeadCoef)
	if !cfg.FreezeBaseModel {
		loss = Add(loss, shiftedCrossEntropy(out.Logits, labels, 0))
	}
	output.Loss = loss
	return output
}

// resBlock is a residual MLP block: x + swish(dense(x)).
func resBlock(ctx *context.Context, x *Node, hiddenSize int) *Node {
	return Add(x, activations.Swish(layers.Dense(ctx.In("dense"), x, true, hiddenSize)))
}

// shiftedCrossEntropy computes the mean cross-entropy of logits at positions
// [0, seq-shift) against labels at positions [shift, seq), skipping negative
// labels. Returns a scalar.
func shiftedCrossEntropy(logits, labels *Node, shift int) *Node {
	g := logits.Graph()
	dtype := logits.DType()
	seqLen := labels.Shape().Dimensions[1]
	if shift >= seqLen {
		Panicf("medusa: shift %d leaves no positions on a length-%d sequence", shift, seqLen)
	}

	predictions := Slice(logits, AxisRange(), AxisRange(0, seqLen-shift), AxisRange())
	targets := Slice(labels, AxisRange(), AxisRange(shift, seqLen))

	valid := GreaterOrEqual(targets, ZerosLike(targets))
	targets = Max(targets, ZerosLike(targets)) // Clamp ignored labels for the one-hot lookup.

	perToken := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{InsertAxes(targets, -1), valid}, []*Node{predictions})
	count := ReduceAllSum(ConvertDType(valid, dtype))
	count = Add(count, Const(g, shapes.CastAsDType(1e-5, dtype)))
	return Div(ReduceAllSum(perToken), count)
}
