// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eagle

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/speculative/backbone"
	"github.com/gomlx/speculative/draft"
)

// Mode selects, once per forward call, whether the rollout computes losses.
// It replaces per-step nil checks on optional inputs: the branch is decided
// before the rollout starts and never revisited.
type Mode int

const (
	// ModeInference runs the rollout without targets or losses.
	ModeInference Mode = iota

	// ModeTraining records per-step losses; it requires a loss mask.
	ModeTraining
)

// Config assembles an EAGLE model.
type Config struct {
	// Draft is the draft-network architecture. Its AuxFeatures is overridden
	// to len(AuxLayerIDs).
	Draft draft.Config

	// NumSteps and LossDecay default to DefaultNumSteps and DefaultLossDecay.
	NumSteps  int
	LossDecay float64

	// ClassificationCoef and RegressionCoef are accepted for interface
	// compatibility but are not folded into the accumulated loss: the
	// current policy propagates the decayed classification sum unscaled.
	ClassificationCoef float64
	RegressionCoef     float64

	// FreezeBaseModel marks the backbone non-trainable and stops gradients
	// into its outputs, so only the draft module learns.
	FreezeBaseModel bool

	// AuxLayerIDs indexes into the backbone's collected hidden states
	// (entry 0 is the embedding output). Defaults to DefaultAuxLayerIDs of
	// the backbone depth.
	AuxLayerIDs []int
}

// DefaultAuxLayerIDs returns the conventional auxiliary hidden-state layers
// for a backbone with numLayers decoder layers: an early, a middle and a late
// layer. Only meaningful for numLayers >= 5; shallower backbones must choose
// explicitly.
func DefaultAuxLayerIDs(numLayers int) []int {
	return []int{1, numLayers/2 - 1, numLayers - 4}
}

// Model attaches a draft module and rollout engine to a backbone adapter.
type Model struct {
	Backbone backbone.Adapter
	Module   *draft.Module

	// Hook, if set, observes each rollout step. Diagnostic only.
	Hook func(result StepResult)

	cfg Config
}

// Output of one EAGLE forward pass.
type Output struct {
	// Loss is the decayed classification-loss sum; nil in inference mode.
	Loss *Node

	// StepLosses are the raw per-step classification losses; nil in
	// inference mode.
	StepLosses []*Node

	// Logits are the backbone's [batch, seq, vocab] logits.
	Logits *Node

	// DraftLogits and HiddenStates are the last rollout step's outputs.
	DraftLogits  *Node
	HiddenStates *Node
}

// New validates cfg against the backbone and returns the assembled model.
func New(cfg Config, bb backbone.Adapter) *Model {
	if cfg.NumSteps == 0 {
		cfg.NumSteps = DefaultNumSteps
	}
	if cfg.LossDecay == 0 {
		cfg.LossDecay = DefaultLossDecay
	}
	if len(cfg.AuxLayerIDs) == 0 {
		cfg.AuxLayerIDs = DefaultAuxLayerIDs(bb.NumHiddenLayers())
	}
	numHidden := bb.NumHiddenLayers() + 1 // Embedding output included.
	for _, id := range cfg.AuxLayerIDs {
		if id < 0 || id >= numHidden {
			Panicf("eagle.New: AuxLayerIDs entry %d out of range [0, %d) for a %d-layer backbone",
				id, numHidden, bb.NumHiddenLayers())
		}
	}
	cfg.Draft.AuxFeatures = len(cfg.AuxLayerIDs)
	return &Model{
		Backbone: bb,
		Module:   draft.NewModule(cfg.Draft),
		cfg:      cfg,
	}
}

// Config returns the model configuration after defaults were applied.
func (m *Model) Config() Config { return m.cfg }

// Forward runs the backbone once, then the speculative rollout.
//
// inputIDs is [batch, seq]; attentionMask is an optional [batch, seq]
// padding mask (1 = real token); positionIDs is an optional rank-1 [seq]
// batch-uniform position vector, used both by the backbone and as the base
// each rollout step's cache offset is added to (nil means 0..seq-1);
// lossMask [batch, seq] is required in ModeTraining and ignored in
// ModeInference.
func (m *Model) Forward(ctx *context.Context, inputIDs, attentionMask, positionIDs, lossMask *Node, mode Mode) Output {
	if mode == ModeTraining && lossMask == nil {
		Panicf("eagle.Model.Forward: ModeTraining requires a loss mask")
	}
	g := inputIDs.Graph()
	cfg := m.cfg

	backboneCtx := ctx.In("backbone")
	out := m.Backbone.Forward(backboneCtx, inputIDs, attentionMask, positionIDs, true)
	if len(out.HiddenStates) == 0 {
		Panicf("eagle.Model.Forward: backbone did not collect hidden states")
	}
	if cfg.FreezeBaseModel {
		m.Backbone.Freeze(backboneCtx)
	}

	// Concatenate the selected hidden-state layers and squeeze to hidden size.
	auxParts := make([]*Node, 0, len(cfg.AuxLayerIDs))
	for _, id := range cfg.AuxLayerIDs {
		part := out.HiddenStates[id]
		if cfg.FreezeBaseModel {
			part = StopGradient(part)
		}
		auxParts = append(auxParts, part)
	}
	eagleCtx := ctx.In("eagle")
	projected := m.Module.Project(eagleCtx, Concatenate(auxParts, -1))

	dtype := projected.DType()
	dims := inputIDs.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	mask := backbone.CausalMask(g, dtype, batchSize, seqLen)
	if attentionMask != nil {
		mask = backbone.CombineMasks(mask, backbone.PaddingMask(attentionMask, dtype, seqLen))
	}

	targetHidden := out.HiddenStates[len(out.HiddenStates)-1]
	targetLogits := out.Logits
	if cfg.FreezeBaseModel {
		targetHidden = StopGradient(targetHidden)
		targetLogits = StopGradient(targetLogits)
	}

	state := State{
		HiddenStates:  projected,
		InputIDs:      inputIDs,
		AttentionMask: mask,
	}
	var rolloutTargetHidden *Node
	if mode == ModeTraining {
		state.TargetLogits = targetLogits
		state.LossMask = lossMask
		rolloutTargetHidden = targetHidden
	}

	rollout := &Rollout{
		Module: m.Module,
		Embed: func(inputIDs *Node) *Node {
			return m.Backbone.EmbedTokens(backboneCtx, inputIDs)
		},
		BasePositions: positionIDs,
		NumSteps:      cfg.NumSteps,
		LossDecay:     cfg.LossDecay,
		Hook:          m.Hook,
	}
	result := rollout.Run(eagleCtx, state, rolloutTargetHidden)

	return Output{
		Loss:         result.Loss,
		StepLosses:   result.StepLosses,
		Logits:       out.Logits,
		DraftLogits:  result.DraftLogits,
		HiddenStates: result.HiddenStates,
	}
}
