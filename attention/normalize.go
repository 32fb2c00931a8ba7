// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ParamNormEpsilon is the context hyperparameter that sets the epsilon added to the
	// variance before taking its square root in Normalize. Default is 1e-5.
	ParamNormEpsilon = "foldattn_norm_epsilon"

	// NormEpsilonDefault is used by layers built without a context.
	NormEpsilonDefault = 1e-5

	// maskBiasValue is added to attention logits at masked positions. Large enough that
	// masked entries underflow to zero after softmax in float32.
	maskBiasValue = -1e9
)

// Normalize applies a parameter-free layer normalization over the given axes:
// the result has zero mean and unit variance along axes, computed independently
// for every other position. If no axes are given it normalizes over the last axis.
//
// Unlike layers.LayerNormalization, there is no learned gain or offset: the folding
// attention layers always follow Normalize with a projection that subsumes them.
func Normalize(x *Node, axes ...int) *Node {
	return normalize(x, NormEpsilonDefault, axes...)
}

func normalize(x *Node, epsilon float64, axes ...int) *Node {
	if x.DType() != dtypes.Float32 && x.DType() != dtypes.Float64 {
		Panicf("Normalize requires a float operand, got %s", x.Shape())
	}
	if len(axes) == 0 {
		axes = []int{-1}
	}
	mean := ReduceAndKeep(x, ReduceMean, axes...)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, axes...)
	return Div(centered, Sqrt(Add(variance, ConstAs(variance, epsilon))))
}

// normEpsilonFor reads ParamNormEpsilon from the context scope of a layer.
func normEpsilonFor(ctx *context.Context) float64 {
	return context.GetParamOr(ctx, ParamNormEpsilon, NormEpsilonDefault)
}

// MaskToBias converts an attention mask into an additive bias over logits:
// valid positions map to 0 and masked ones to a large negative value, so after
// softmax the masked positions get (numerically) zero weight.
//
// The mask is either boolean, with true marking valid positions, or a float
// tensor of 1s (valid) and 0s (masked). The returned bias is float with the
// same shape as the mask; a boolean mask yields a Float32 bias.
func MaskToBias(mask *Node) *Node {
	g := mask.Graph()
	if mask.DType() == dtypes.Bool {
		zero := Scalar(g, dtypes.Float32, 0)
		masked := Scalar(g, dtypes.Float32, maskBiasValue)
		return Where(mask, zero, masked)
	}
	if !mask.DType().IsFloat() {
		Panicf("MaskToBias requires a boolean or float mask, got %s", mask.Shape())
	}
	// (mask-1)*1e9: 1 -> 0, 0 -> -1e9.
	return MulScalar(AddScalar(mask, -1), -maskBiasValue)
}
