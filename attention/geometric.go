// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// GeometricBuilder is a helper to build the symmetric attention layer over
// pairwise edge representations. Create it with Geometric, configure and
// call Done.
type GeometricBuilder struct {
	ctx               *context.Context
	edgeRepr, mask    *Node
	numHeads, headDim int
	chunkSize         int
}

// Geometric updates pairwise edge representations by attending over them in
// both orientations at once, plus a gated outer-product channel. The edge
// tensor and its transpose are stacked as two attention tracks, so rows
// attend along columns and columns along rows with a single layer call; the
// track outputs are summed with the second track transposed back, keeping the
// update symmetric with respect to orientation. The outer-product channel
// contracts projected edge activations over the shared axis, normalizes the
// result and gates it per pair, the triangular update of folding models.
//
// edgeRepr is [batch..., numNodes, numNodes, edgeDim] and mask
// [batch..., numNodes] marking valid nodes (nil means all valid). The output
// has the shape of edgeRepr. The attention logits bias is a learned per-track,
// per-head projection of the edges themselves, plus the mask bias.
func Geometric(ctx *context.Context, edgeRepr, mask *Node, numHeads, headDim int) *GeometricBuilder {
	b := &GeometricBuilder{
		ctx:      ctx.In("GeometricAttention"),
		edgeRepr: edgeRepr,
		mask:     mask,
		numHeads: numHeads,
		headDim:  headDim,
	}
	if edgeRepr.Rank() < 3 {
		Panicf("Geometric requires edgeRepr of rank >= 3, got %s", edgeRepr.Shape())
	}
	if edgeRepr.Shape().Dim(-2) != edgeRepr.Shape().Dim(-3) {
		Panicf("Geometric requires square pairwise axes, got %s", edgeRepr.Shape())
	}
	if mask != nil && mask.Rank() != edgeRepr.Rank()-2 {
		Panicf("Geometric requires mask shaped [batch..., numNodes], got mask %s and edgeRepr %s",
			mask.Shape(), edgeRepr.Shape())
	}
	return b
}

// ChunkSize bounds the number of query rows attended at once; see
// ChunkedDotProductAttention. Zero (the default) disables chunking.
func (b *GeometricBuilder) ChunkSize(chunkSize int) *GeometricBuilder {
	if chunkSize < 0 {
		Panicf("Geometric requires chunkSize >= 0, got %d", chunkSize)
	}
	b.chunkSize = chunkSize
	return b
}

// Done builds the layer and returns the updated edge representations, with
// the same shape as edgeRepr.
func (b *GeometricBuilder) Done() *Node {
	g := b.edgeRepr.Graph()
	dtype := b.edgeRepr.DType()
	epsilon := normEpsilonFor(b.ctx)
	edgeDim := b.edgeRepr.Shape().Dim(-1)
	const numTracks = 2

	edges, leadingDims := flattenLeadingAxes(b.edgeRepr, 3)
	edges = normalize(edges, epsilon)
	var mask *Node
	if b.mask != nil {
		mask, _ = flattenLeadingAxes(b.mask, 1)
	}

	// Track 0 sees the edges as given (rows attend along columns), track 1
	// sees the transpose: [batch, i, j, edgeDim, tracks].
	tracks := Stack([]*Node{edges, Transpose(edges, 1, 2)}, -1)

	biasWeightsVar := b.ctx.VariableWithShape("bias_weights",
		shapes.Make(dtype, edgeDim, numTracks, b.numHeads)).SetTrainable(true)
	biasBiasVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("bias_bias",
		shapes.Make(dtype, numTracks, b.numHeads)).SetTrainable(true)

	// Logits bias indexed by the attended pair: [batch, tracks, heads, queries, keys].
	// It is shared across the row axis, which joins the attention batch below.
	bias := Einsum("bqkcr,crh->brhqk", tracks, biasWeightsVar.ValueGraph(g))
	bias = Add(bias, Reshape(biasBiasVar.ValueGraph(g), 1, numTracks, b.numHeads, 1, 1))
	if mask != nil {
		bias = Add(bias, InsertAxes(MaskToBias(mask), 1, 1, 1))
	}
	// The attention below runs with leading axes [batch, row]; insert the
	// broadcast row axis.
	bias = InsertAxes(bias, 1)

	attended := MultiHead(b.ctx, tracks, tracks, b.numHeads, b.headDim).
		NumTracks(numTracks).InputsHaveTrackAxis(true).
		WithGating().WithBias(bias).
		SetOutputDim(edgeDim).ChunkSize(b.chunkSize).
		Done() // [batch, i, j, edgeDim, tracks]

	gated := b.outerProductUpdate(g, tracks, mask, epsilon, edgeDim, numTracks)

	// Sum the four update channels, re-transposing the column-oriented ones.
	attended0 := Squeeze(Slice(attended, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(0)), -1)
	attended1 := Squeeze(Slice(attended, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(1)), -1)
	gated0 := Squeeze(Slice(gated, AxisRange(), AxisRange(), AxisRange(), AxisElem(0), AxisRange()), -2)
	gated1 := Squeeze(Slice(gated, AxisRange(), AxisRange(), AxisRange(), AxisElem(1), AxisRange()), -2)
	output := Add(
		Add(attended0, Transpose(attended1, 1, 2)),
		Add(gated0, gated1))
	return unflattenLeadingAxes(output, leadingDims)
}

// outerProductUpdate builds the gated outer-product channel:
// [batch, i, j, tracks, edgeDim].
func (b *GeometricBuilder) outerProductUpdate(g *Graph, tracks, mask *Node, epsilon float64, edgeDim, numTracks int) *Node {
	dtype := tracks.DType()
	actWeightsVar := b.ctx.VariableWithShape("act_weights",
		shapes.Make(dtype, edgeDim, numTracks, 5*edgeDim)).SetTrainable(true)
	actBiasVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("act_bias",
		shapes.Make(dtype, numTracks, 5*edgeDim)).SetTrainable(true)
	outWeightsVar := b.ctx.VariableWithShape("out_proj_weights",
		shapes.Make(dtype, numTracks, edgeDim, edgeDim)).SetTrainable(true)
	outBiasVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("out_proj_bias",
		shapes.Make(dtype, numTracks, edgeDim)).SetTrainable(true)

	// Per-track projection to 5*edgeDim channels: 4*edgeDim for the GLU that
	// feeds the outer product, edgeDim for the final gate.
	act := Einsum("bijdr,drc->bijrc", tracks, actWeightsVar.ValueGraph(g))
	act = Add(act, InsertAxes(actBiasVar.ValueGraph(g), 0, 0, 0))
	glu := Slice(act, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(4*edgeDim))
	finalGate := Slice(act, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(4*edgeDim))

	values := Slice(glu, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(2*edgeDim))
	gates := Slice(glu, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(2*edgeDim))
	act = Mul(values, Sigmoid(gates)) // [batch, i, j, tracks, 2*edgeDim]
	if mask != nil {
		if mask.DType() != dtype {
			mask = ConvertDType(mask, dtype)
		}
		pairMask := Einsum("bi,bj->bij", mask, mask)
		act = Mul(act, InsertAxes(pairMask, -1, -1))
	}

	left := Slice(act, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(edgeDim))
	right := Slice(act, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(edgeDim))
	// Contract the shared axis k of pairs (i,k) and (j,k): [batch, i, j, tracks, edgeDim].
	outer := Einsum("bikrd,bjkrd->bijrd", left, right)
	outer = normalize(outer, epsilon)
	outer = Einsum("bijrd,rdc->bijrc", outer, outWeightsVar.ValueGraph(g))
	outer = Add(outer, InsertAxes(outBiasVar.ValueGraph(g), 0, 0, 0))
	return Mul(outer, Sigmoid(finalGate))
}
