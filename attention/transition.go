// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// TransitionBuilder is a helper to build the position-wise transition
// (feed-forward) block; see Transition.
type TransitionBuilder struct {
	ctx        *context.Context
	x          *Node
	multiplier int
	activation func(*Node) *Node
	chunkSize  int
}

// Transition is the position-wise feed-forward block applied after attention:
// normalize, expand the feature axis by multiplier, apply the activation and
// project back to the input dimension. There is no residual connection, the
// caller adds it.
//
// x is [batch..., len, dim]. Because the expanded activations dominate memory
// on pairwise inputs, the block can be evaluated in chunks of the axis before
// last, matching the attention chunking.
func Transition(ctx *context.Context, x *Node, multiplier int) *TransitionBuilder {
	if multiplier < 1 {
		Panicf("Transition requires multiplier >= 1, got %d", multiplier)
	}
	if x.Rank() < 2 {
		Panicf("Transition requires an operand of rank >= 2, got %s", x.Shape())
	}
	// Checked(false) so the Dense layers create variables on the first chunk
	// and reuse them on the following ones.
	return &TransitionBuilder{
		ctx:        ctx.In("Transition").Checked(false),
		x:          x,
		multiplier: multiplier,
	}
}

// Activation sets the nonlinearity between the two projections. It defaults
// to activations.Relu.
func (b *TransitionBuilder) Activation(fn func(*Node) *Node) *TransitionBuilder {
	b.activation = fn
	return b
}

// ChunkSize bounds how many rows of the axis before last are expanded at
// once. Zero (the default) disables chunking.
func (b *TransitionBuilder) ChunkSize(chunkSize int) *TransitionBuilder {
	if chunkSize < 0 {
		Panicf("Transition requires chunkSize >= 0, got %d", chunkSize)
	}
	b.chunkSize = chunkSize
	return b
}

// Done builds the block and returns a node with the shape of x.
func (b *TransitionBuilder) Done() *Node {
	epsilon := normEpsilonFor(b.ctx)
	activation := b.activation
	if activation == nil {
		activation = activations.Relu
	}
	dim := b.x.Shape().Dim(-1)
	numRows := b.x.Shape().Dim(-2)
	rowsAxis := b.x.Rank() - 2
	chunkSize := b.chunkSize
	if chunkSize == 0 {
		chunkSize = numRows
	}

	var parts []*Node
	for start := 0; start < numRows; start += chunkSize {
		end := min(start+chunkSize, numRows)
		chunk := Slice(b.x, AxisRange().Spacer(), AxisRange(start, end), AxisRange())
		hidden := normalize(chunk, epsilon)
		hidden = layers.Dense(b.ctx.In("expand"), hidden, true, b.multiplier*dim)
		hidden = activation(hidden)
		parts = append(parts, layers.Dense(b.ctx.In("project"), hidden, true, dim))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Concatenate(parts, rowsAxis)
}
