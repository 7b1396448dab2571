// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backbone defines the adapter interface through which speculative
// decoding modules consume a pretrained causal-LM backbone, plus a small
// family registry so the backbone is selected by configuration instead of
// being hardwired. A reference llama-style decoder is included, mainly used
// for tests and as a template for wiring real model families.
package backbone

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Output of one backbone forward pass. Immutable during a speculative
// rollout: the rollout reads from it but never writes back.
type Output struct {
	// HiddenStates holds the per-layer hidden states [batch, seq, hidden],
	// embeddings first, in layer order, ending with the final hidden state.
	// Empty unless the forward call asked for hidden states to be collected.
	HiddenStates []*Node

	// Logits [batch, seq, vocab].
	Logits *Node
}

// Adapter is what a backbone family must expose to the speculative modules.
// Implementations build graph nodes; all methods must be called while
// building a single computation graph.
type Adapter interface {
	// Forward runs the backbone. attentionMask is [batch, seq] with 1 on
	// real tokens and 0 on padding, or nil for no padding. positionIDs is an
	// optional rank-1 [seq] vector of token positions shared across the
	// batch (packed or continued sequences start past zero); nil means
	// positions 0..seq-1. collectHidden asks for per-layer hidden states in
	// the output.
	Forward(ctx *context.Context, inputIDs, attentionMask, positionIDs *Node, collectHidden bool) Output

	// EmbedTokens looks up token embeddings [batch, seq] -> [batch, seq, hidden].
	EmbedTokens(ctx *context.Context, inputIDs *Node) *Node

	// NumHiddenLayers reports the backbone depth, used to pick default
	// auxiliary hidden-state layers.
	NumHiddenLayers() int

	// Freeze marks all backbone variables as non-trainable. Callers must
	// still stop gradients on consumed outputs.
	Freeze(ctx *context.Context)
}

// Config describes a backbone architecture to the family builders.
type Config struct {
	HiddenSize       int
	IntermediateSize int
	VocabSize        int
	NumLayers        int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	NormEps          float64
	RopeBase         float64
}

// Builder constructs an Adapter for one backbone family.
type Builder func(cfg Config) (Adapter, error)

var registry = map[string]Builder{}

// Register adds a backbone family builder under the given name. Typically
// called from an init function of the implementing package. Registering the
// same name twice panics.
func Register(family string, builder Builder) {
	if _, found := registry[family]; found {
		panic(errors.Errorf("backbone family %q registered twice", family))
	}
	registry[family] = builder
}

// New builds the adapter for the named family.
func New(family string, cfg Config) (Adapter, error) {
	builder, found := registry[family]
	if !found {
		return nil, errors.Errorf("unknown backbone family %q", family)
	}
	adapter, err := builder(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "building backbone family %q", family)
	}
	return adapter, nil
}
