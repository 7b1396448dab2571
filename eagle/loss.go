// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package eagle implements EAGLE-style speculative-decoding training: a draft
// module attached to a frozen (or jointly trained) causal-LM backbone is
// rolled forward several speculative steps per backbone forward pass, with a
// geometrically decayed distillation loss accumulated across steps.
package eagle

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// lossMaskEpsilon guards the division by the loss-mask sum when a batch
// masks out every token.
const lossMaskEpsilon = 1e-5

// Losses computes the per-step auxiliary losses between backbone targets and
// draft outputs.
//
// targetHidden and draftHidden are [batch, seq, hidden]; targetLogits and
// draftLogits are [batch, seq, vocab]; lossMask is [batch, seq] with 1 on
// tokens that count and 0 on excluded ones. The backbone targets are treated
// as constants (no gradient flows into them).
//
// The classification loss is a soft cross-entropy: the draft log-probabilities
// scored under the backbone's softened distribution. The regression loss is a
// smooth-L1 distance between the hidden states, averaged over features. Both
// are masked, summed and normalized by sum(lossMask)+1e-5, yielding
// non-negative scalars.
func Losses(targetHidden, targetLogits, draftHidden, draftLogits, lossMask *Node) (regression, classification *Node) {
	if !targetHidden.Shape().Equal(draftHidden.Shape()) {
		Panicf("eagle.Losses: target hidden shape %s does not match draft hidden shape %s",
			targetHidden.Shape(), draftHidden.Shape())
	}
	if !targetLogits.Shape().Equal(draftLogits.Shape()) {
		Panicf("eagle.Losses: target logits shape %s does not match draft logits shape %s",
			targetLogits.Shape(), draftLogits.Shape())
	}
	g := targetLogits.Graph()
	dtype := targetLogits.DType()
	mask := ConvertDType(lossMask, dtype)
	denominator := Add(ReduceAllSum(mask), Const(g, shapes.CastAsDType(lossMaskEpsilon, dtype)))

	// Soft cross-entropy over the vocabulary axis.
	targetProbs := StopGradient(nn.Softmax(targetLogits))
	logProbs := nn.LogSoftmax(draftLogits)
	perToken := Neg(ReduceSum(Mul(targetProbs, logProbs), -1)) // [batch, seq]
	classification = Div(ReduceAllSum(Mul(mask, perToken)), denominator)

	// Smooth-L1 over the feature axis.
	diff := Sub(draftHidden, StopGradient(targetHidden))
	absDiff := Abs(diff)
	smooth := Where(LessThan(absDiff, OnesLike(absDiff)),
		MulScalar(Square(diff), 0.5),
		AddScalar(absDiff, -0.5))
	perToken = ReduceMean(smooth, -1) // [batch, seq]
	regression = Div(ReduceAllSum(Mul(mask, perToken)), denominator)

	return regression, classification
}
