// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// StableSoftmax computes softmax along the given axis, subtracting the maximum
// of the logits along that axis first. The subtraction does not change the
// result (softmax is shift invariant) but keeps the exponentials bounded, so
// the layer is safe on logits that include large mask biases.
//
// The max is wrapped in StopGradient: it is a numerical shift only and must
// not contribute to the gradient. The axis may be negative to count from the
// end. The output has the same shape as the logits and sums to 1 along axis.
func StableSoftmax(logits *Node, axis int) *Node {
	if !logits.DType().IsFloat() {
		Panicf("StableSoftmax requires float logits, got %s", logits.Shape())
	}
	adjusted := adjustAxisToRank(axis, logits.Rank())
	normalizingMax := StopGradient(ReduceAndKeep(logits, ReduceMax, adjusted))
	numerator := Exp(Sub(logits, normalizingMax))
	denominator := ReduceAndKeep(numerator, ReduceSum, adjusted)
	return Div(numerator, denominator)
}

func adjustAxisToRank(axis, rank int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		Panicf("invalid axis %d for rank %d operand", axis, rank)
	}
	return adjusted
}
