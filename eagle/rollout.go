// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eagle

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/speculative/draft"
)

const (
	// DefaultNumSteps is the speculative rollout horizon.
	DefaultNumSteps = 4

	// DefaultLossDecay is the geometric decay applied to later steps' losses.
	DefaultLossDecay = 0.8
)

// State is the per-step rollout state. It is passed and returned by value:
// each step consumes one State and produces the next, so the step transition
// is pure except for the cache, which is explicitly owned by the rollout.
type State struct {
	// HiddenStates [batch, seq, hidden] is the draft stream, seeded with the
	// projected backbone features and replaced by the draft module's output
	// each step.
	HiddenStates *Node

	// InputIDs [batch, seq] are the token ids re-embedded every step, shifted
	// left between steps.
	InputIDs *Node

	// AttentionMask [batch, 1, seq, seq] is the additive square mask for the
	// current step. Between steps the consumed diagonal band is blocked; the
	// extension over the cache happens inside the draft module.
	AttentionMask *Node

	// TargetLogits [batch, seq, vocab] are the backbone's logits, shifted
	// left between steps so each step predicts one token further ahead.
	// Nil in inference mode.
	TargetLogits *Node

	// LossMask [batch, seq] marks tokens contributing to the loss, shifted
	// left between steps. Nil in inference mode.
	LossMask *Node
}

// StepResult is handed to the diagnostic Hook after each step.
type StepResult struct {
	Step                       int
	Regression, Classification *Node // Nil in inference mode.
	DraftLogits                *Node
}

// Rollout iterates the draft module over a fixed horizon of speculative
// steps, threading an incremental cache, mutating the attention mask and
// shifting the targets between steps, and accumulating the decayed
// classification loss.
type Rollout struct {
	// Module is the draft network invoked every step.
	Module *draft.Module

	// Embed maps token ids [batch, seq] to embeddings [batch, seq, hidden].
	// It is a closure carrying its own context scope (the backbone's), so the
	// lookup reuses the backbone's table. The result is treated as frozen:
	// gradients are stopped.
	Embed func(inputIDs *Node) *Node

	// BasePositions optionally overrides the rank-1 [seq] position ids of
	// the first step; every step adds the current cache length to it. Nil
	// means positions 0..seq-1.
	BasePositions *Node

	// NumSteps defaults to DefaultNumSteps, LossDecay to DefaultLossDecay.
	NumSteps  int
	LossDecay float64

	// Hook, if set, observes each step's outputs. Diagnostic only.
	Hook func(result StepResult)
}

// Result of a full rollout.
type Result struct {
	// Loss is the decayed sum of per-step classification losses. Nil in
	// inference mode.
	Loss *Node

	// StepLosses are the raw per-step classification losses. Nil in
	// inference mode.
	StepLosses []*Node

	// DraftLogits [batch, seq, vocab] and HiddenStates [batch, seq, hidden]
	// are the last step's draft outputs.
	DraftLogits  *Node
	HiddenStates *Node
}

// Run executes the rollout.
//
// targetHidden [batch, seq, hidden] is the backbone hidden state the draft's
// regression loss is measured against; it may be nil only in inference mode.
// Training mode is signalled by initial.TargetLogits and initial.LossMask
// being set: either both are present (every step records a loss) or both nil
// (no loss, Result.Loss is nil). A partial pair is a contract violation.
//
// The step transition, for step i:
//  1. Positions are offset by the cache length and rotary tensors recomputed.
//  2. Token ids are re-embedded through the frozen embedder.
//  3. The draft module runs, appending this step's keys/values to the cache.
//  4. In training mode the auxiliary losses are computed; only the
//     classification loss enters the accumulator, the regression loss is
//     computed and discarded (current policy, kept deliberately).
//  5. Unless it is the last step, targets shift left by one token with zero
//     padding, and the consumed diagonal band of the mask is blocked.
func (r *Rollout) Run(ctx *context.Context, initial State, targetHidden *Node) Result {
	numSteps := r.NumSteps
	if numSteps == 0 {
		numSteps = DefaultNumSteps
	}
	decay := r.LossDecay
	if decay == 0 {
		decay = DefaultLossDecay
	}
	training := initial.LossMask != nil
	if training != (initial.TargetLogits != nil) {
		Panicf("eagle.Rollout.Run: LossMask and TargetLogits must be both set (training) or both nil (inference)")
	}
	if training && targetHidden == nil {
		Panicf("eagle.Rollout.Run: targetHidden is required in training mode")
	}

	// Steps 1..n revisit the scopes step 0 created variables in.
	ctx = ctx.Checked(false)

	cfg := r.Module.Config
	g := initial.HiddenStates.Graph()
	dtype := initial.HiddenStates.DType()
	seqLen := initial.HiddenStates.Shape().Dimensions[1]

	cache := draft.NewCache(cfg.NumLayers)
	rot := r.Module.Rotary
	state := initial

	var stepLosses []*Node
	var hidden, draftLogits *Node
	for step := range numSteps {
		positions := r.BasePositions
		if positions == nil {
			positions = rot.Positions(g, seqLen, cache.SeqLen())
		} else if offset := cache.SeqLen(); offset != 0 {
			positions = AddScalar(positions, float64(offset))
		}
		cos, sin := rot.CosSin(positions, cfg.HeadDim, dtype)
		embeddings := StopGradient(r.Embed(state.InputIDs))

		_, hidden, draftLogits = r.Module.Forward(ctx, state.HiddenStates, embeddings,
			state.AttentionMask, cos, sin, cache)
		state.HiddenStates = hidden

		result := StepResult{Step: step, DraftLogits: draftLogits}
		if training {
			// Only the classification loss is accumulated; the regression
			// loss is computed and exposed to the hook but discarded.
			regression, classification := Losses(targetHidden, state.TargetLogits, hidden, draftLogits, state.LossMask)
			stepLosses = append(stepLosses, classification)
			result.Regression, result.Classification = regression, classification
		}
		if r.Hook != nil {
			r.Hook(result)
		}
		klog.V(2).Infof("eagle rollout step %d/%d: cache length now %d", step+1, numSteps, cache.SeqLen())

		if step < numSteps-1 {
			if training {
				state.TargetLogits = StopGradient(ShiftLeft(state.TargetLogits))
				state.LossMask = ShiftLeft(state.LossMask)
			}
			state.InputIDs = ShiftLeft(state.InputIDs)
			state.AttentionMask = draft.BlockStepDiagonal(state.AttentionMask, step)
		}
	}

	result := Result{
		DraftLogits:  draftLogits,
		HiddenStates: hidden,
	}
	if training {
		result.StepLosses = stepLosses
		result.Loss = DecayedSum(stepLosses, decay, numSteps)
	}
	return result
}

// ShiftLeft shifts x one position left along the sequence axis (axis 1),
// padding the vacated tail position with zeros. Works on [batch, seq] and
// [batch, seq, features] tensors.
func ShiftLeft(x *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	seqLen := dims[1]
	padDims := append([]int{}, dims...)
	padDims[1] = 1
	pad := Zeros(g, shapes.Make(x.DType(), padDims...))
	var rest *Node
	switch x.Rank() {
	case 2:
		rest = Slice(x, AxisRange(), AxisRange(1, seqLen))
	case 3:
		rest = Slice(x, AxisRange(), AxisRange(1, seqLen), AxisRange())
	default:
		Panicf("eagle.ShiftLeft: expected rank 2 or 3, got shape %s", x.Shape())
	}
	return Concatenate([]*Node{rest, pad}, 1)
}

// DecayedSum combines per-step losses with geometric weights decay^i. It is
// a contract violation to have recorded fewer losses than executed steps;
// missing entries are never zero-filled.
func DecayedSum(stepLosses []*Node, decay float64, numSteps int) *Node {
	if len(stepLosses) < numSteps {
		Panicf("eagle.DecayedSum: %d losses recorded for %d speculative steps", len(stepLosses), numSteps)
	}
	var total *Node
	for i := range numSteps {
		weighted := MulScalar(stepLosses[i], math.Pow(decay, float64(i)))
		if total == nil {
			total = weighted
		} else {
			total = Add(total, weighted)
		}
	}
	return total
}
