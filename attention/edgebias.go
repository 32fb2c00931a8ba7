// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// EdgeBiasedBuilder is a helper to build a node self-attention layer whose
// logits are biased by a projection of pairwise edge representations. Create
// it with EdgeBiased, configure and call Done.
type EdgeBiasedBuilder struct {
	ctx                *context.Context
	nodeRepr, edgeRepr *Node
	mask               *Node
	numHeads, headDim  int
	outputDim          int
	gating             bool
	chunkSize          int
}

// EdgeBiased performs gated self-attention over node representations, adding
// a learned per-head bias projected from the pairwise edge representations to
// the attention logits. Nodes with aligned pairwise features attend to each
// other more, which is how folding models inject structural information into
// sequence attention.
//
// nodeRepr is [batch..., numNodes, nodeDim] and edgeRepr
// [batch..., numNodes, numNodes, edgeDim], with matching batch axes. Mask is
// [batch..., numNodes] marking valid nodes (see MaskToBias); pass nil when all
// nodes are valid. Both representations are normalized (Normalize) before any
// projection. The output is [batch..., numNodes, outputDim], defaulting to
// nodeDim.
func EdgeBiased(ctx *context.Context, nodeRepr, edgeRepr, mask *Node, numHeads, headDim int) *EdgeBiasedBuilder {
	b := &EdgeBiasedBuilder{
		ctx:      ctx.In("EdgeBiasedAttention"),
		nodeRepr: nodeRepr,
		edgeRepr: edgeRepr,
		mask:     mask,
		numHeads: numHeads,
		headDim:  headDim,
		gating:   true,
	}
	if nodeRepr.Rank() < 2 {
		Panicf("EdgeBiased requires nodeRepr of rank >= 2, got %s", nodeRepr.Shape())
	}
	if edgeRepr.Rank() != nodeRepr.Rank()+1 {
		Panicf("EdgeBiased requires edgeRepr with one axis more than nodeRepr, got %s and %s",
			edgeRepr.Shape(), nodeRepr.Shape())
	}
	numNodes := nodeRepr.Shape().Dim(-2)
	if edgeRepr.Shape().Dim(-2) != numNodes || edgeRepr.Shape().Dim(-3) != numNodes {
		Panicf("EdgeBiased requires edgeRepr pairwise axes of dimension %d, got %s", numNodes, edgeRepr.Shape())
	}
	if mask != nil && mask.Rank() != nodeRepr.Rank()-1 {
		Panicf("EdgeBiased requires mask shaped as nodeRepr without the feature axis, got mask %s and nodeRepr %s",
			mask.Shape(), nodeRepr.Shape())
	}
	return b
}

// Gating toggles the sigmoid gating of the underlying attention. It defaults
// to true.
func (b *EdgeBiasedBuilder) Gating(gating bool) *EdgeBiasedBuilder {
	b.gating = gating
	return b
}

// SetOutputDim sets the output projection dimension; it defaults to the last
// axis of nodeRepr.
func (b *EdgeBiasedBuilder) SetOutputDim(outputDim int) *EdgeBiasedBuilder {
	if outputDim < 1 {
		Panicf("EdgeBiased requires outputDim >= 1, got %d", outputDim)
	}
	b.outputDim = outputDim
	return b
}

// ChunkSize bounds the number of query rows attended at once; see
// ChunkedDotProductAttention. Zero (the default) disables chunking.
func (b *EdgeBiasedBuilder) ChunkSize(chunkSize int) *EdgeBiasedBuilder {
	if chunkSize < 0 {
		Panicf("EdgeBiased requires chunkSize >= 0, got %d", chunkSize)
	}
	b.chunkSize = chunkSize
	return b
}

// Done builds the layer and returns the updated node representations,
// shaped [batch..., numNodes, outputDim].
func (b *EdgeBiasedBuilder) Done() *Node {
	g := b.nodeRepr.Graph()
	dtype := b.nodeRepr.DType()
	epsilon := normEpsilonFor(b.ctx)
	edgeDim := b.edgeRepr.Shape().Dim(-1)

	nodes, leadingDims := flattenLeadingAxes(b.nodeRepr, 2)
	edges, _ := flattenLeadingAxes(b.edgeRepr, 3)
	nodes = normalize(nodes, epsilon)
	edges = normalize(edges, epsilon)

	edgeBiasWeightsVar := b.ctx.VariableWithShape("edge_bias_weights",
		shapes.Make(dtype, edgeDim, b.numHeads)).SetTrainable(true)
	edgeBiasBiasVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("edge_bias_bias",
		shapes.Make(dtype, b.numHeads)).SetTrainable(true)

	// Project edges to one logit bias per head: [batch, heads, queries, keys].
	bias := Einsum("bqkd,dh->bhqk", edges, edgeBiasWeightsVar.ValueGraph(g))
	bias = Add(bias, Reshape(edgeBiasBiasVar.ValueGraph(g), 1, b.numHeads, 1, 1))
	if b.mask != nil {
		mask, _ := flattenLeadingAxes(b.mask, 1)
		bias = Add(bias, InsertAxes(MaskToBias(mask), 1, 1))
	}

	mh := MultiHead(b.ctx, nodes, nodes, b.numHeads, b.headDim).
		WithBias(bias).ChunkSize(b.chunkSize)
	if b.gating {
		mh.WithGating()
	}
	if b.outputDim > 0 {
		mh.SetOutputDim(b.outputDim)
	}
	output := mh.Done()
	return unflattenLeadingAxes(output, leadingDims)
}
