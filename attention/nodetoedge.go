// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// NodeToEdgeBuilder is a helper to build the outer-product update of edge
// representations from per-sequence node representations; see NodeToEdge.
type NodeToEdgeBuilder struct {
	ctx             *context.Context
	nodeRepr, mask  *Node
	projDim, outDim int
}

// NodeToEdge summarizes a set of aligned node representations into pairwise
// edge updates with a masked, mean-normalized outer product: for every node
// pair (i, j) it averages, over the sequence axis, the product of a left
// projection at i and a right projection at j.
//
// nodeRepr is [batch..., numSeqs, numNodes, nodeDim] and mask
// [batch..., numSeqs, numNodes] with 1s marking valid positions (nil means
// all valid). The normalization divides by the per-pair count of valid
// sequences, with a small constant added so fully masked pairs yield zero
// instead of NaN. The result is [batch..., numNodes, numNodes, outDim].
func NodeToEdge(ctx *context.Context, nodeRepr, mask *Node, projDim, outDim int) *NodeToEdgeBuilder {
	if projDim < 1 || outDim < 1 {
		Panicf("NodeToEdge requires projDim >= 1 and outDim >= 1, got %d and %d", projDim, outDim)
	}
	if nodeRepr.Rank() < 3 {
		Panicf("NodeToEdge requires nodeRepr of rank >= 3, got %s", nodeRepr.Shape())
	}
	if mask != nil && mask.Rank() != nodeRepr.Rank()-1 {
		Panicf("NodeToEdge requires mask shaped as nodeRepr without the feature axis, got mask %s and nodeRepr %s",
			mask.Shape(), nodeRepr.Shape())
	}
	return &NodeToEdgeBuilder{
		ctx:      ctx.In("NodeToEdge"),
		nodeRepr: nodeRepr,
		mask:     mask,
		projDim:  projDim,
		outDim:   outDim,
	}
}

// Done builds the layer and returns the edge updates, shaped
// [batch..., numNodes, numNodes, outDim].
func (b *NodeToEdgeBuilder) Done() *Node {
	g := b.nodeRepr.Graph()
	dtype := b.nodeRepr.DType()
	epsilon := normEpsilonFor(b.ctx)

	nodes, leadingDims := flattenLeadingAxes(b.nodeRepr, 3)
	var mask *Node
	if b.mask != nil {
		mask, _ = flattenLeadingAxes(b.mask, 2)
		if mask.DType() != dtype {
			mask = ConvertDType(mask, dtype)
		}
	} else {
		mask = Ones(g, shapes.Make(dtype, nodes.Shape().Dimensions[:3]...))
	}

	act := normalize(nodes, epsilon)
	act = layers.Dense(b.ctx.In("input_proj"), act, true, 2*b.projDim)
	act = Mul(act, InsertAxes(mask, -1)) // [batch, seqs, nodes, 2*projDim]
	left := Slice(act, AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(b.projDim))
	right := Slice(act, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(b.projDim))

	outWeightsVar := b.ctx.VariableWithShape("output_weights",
		shapes.Make(dtype, b.projDim, b.projDim, b.outDim)).SetTrainable(true)
	outBiasVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("output_bias",
		shapes.Make(dtype, b.outDim)).SetTrainable(true)

	// Outer product contracted over sequences and both projection axes, in
	// two steps since each contraction takes two operands.
	edges := Einsum("bsid,def->bsief", left, outWeightsVar.ValueGraph(g))
	edges = Einsum("bsief,bsje->bijf", edges, right)
	edges = Add(edges, Reshape(outBiasVar.ValueGraph(g), 1, 1, 1, b.outDim))

	// Per-pair count of valid sequences.
	norm := InsertAxes(Einsum("bsi,bsj->bij", mask, mask), -1)
	edges = Div(edges, AddScalar(norm, 1e-3))
	return unflattenLeadingAxes(edges, leadingDims)
}
