// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// MultiHeadedScalingBuilder is a helper to build a per-head elementwise
// affine transform; see MultiHeadedScaling.
type MultiHeadedScalingBuilder struct {
	ctx           *context.Context
	x             *Node
	numHeads      int
	onOutputReady func(*Node) *Node
}

// MultiHeadedScaling applies numHeads independent elementwise scale-and-shift
// transforms to the last axis of x and returns one output per head. It is the
// cheap head-splitting used on recycled embeddings, where a full projection
// per head would be wasted.
//
// x is [batch..., dim]; each returned node has the shape of x. The scales are
// initialized from a small random normal and the shifts at zero.
func MultiHeadedScaling(ctx *context.Context, x *Node, numHeads int) *MultiHeadedScalingBuilder {
	if numHeads < 1 {
		Panicf("MultiHeadedScaling requires numHeads >= 1, got %d", numHeads)
	}
	return &MultiHeadedScalingBuilder{
		ctx:      ctx.In("MultiHeadedScaling"),
		x:        x,
		numHeads: numHeads,
	}
}

// OnOutputReady sets a transform applied to the scaled values before they are
// split per head, e.g. an activation shared by all heads.
func (b *MultiHeadedScalingBuilder) OnOutputReady(fn func(*Node) *Node) *MultiHeadedScalingBuilder {
	b.onOutputReady = fn
	return b
}

// Done builds the transform and returns the per-head outputs, each shaped
// like x.
func (b *MultiHeadedScalingBuilder) Done() []*Node {
	g := b.x.Graph()
	dtype := b.x.DType()
	dim := b.x.Shape().Dim(-1)

	scaleVar := b.ctx.WithInitializer(initializers.RandomNormalFn(b.ctx, 0.02)).
		VariableWithShape("scale", shapes.Make(dtype, b.numHeads, dim)).SetTrainable(true)
	shiftVar := b.ctx.WithInitializer(initializers.Zero).
		VariableWithShape("shift", shapes.Make(dtype, b.numHeads, dim)).SetTrainable(true)

	paramDims := make([]int, 0, b.x.Rank()+1)
	for range b.x.Rank() - 1 {
		paramDims = append(paramDims, 1)
	}
	paramDims = append(paramDims, b.numHeads, dim)
	scale := Reshape(scaleVar.ValueGraph(g), paramDims...)
	shift := Reshape(shiftVar.ValueGraph(g), paramDims...)

	scaled := Add(Mul(InsertAxes(b.x, -2), scale), shift) // [batch..., numHeads, dim]
	if b.onOutputReady != nil {
		scaled = b.onOutputReady(scaled)
	}
	heads := make([]*Node, b.numHeads)
	for head := range heads {
		heads[head] = Squeeze(
			Slice(scaled, AxisRange().Spacer(), AxisElem(head), AxisRange()), -2)
	}
	return heads
}
