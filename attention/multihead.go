// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// MultiHeadBuilder is a helper to build a multi-track multi-head attention
// layer. Create it with MultiHead, configure with the various methods and
// build the graph nodes with Done or DoneWithWeights.
type MultiHeadBuilder struct {
	ctx                 *context.Context
	qInputs, kvInputs   *Node
	bias                *Node
	numHeads, headDim   int
	numTracks           int
	outputDim           int
	gating              bool
	inputsHaveTrackAxis bool
	chunkSize           int
}

// MultiHead performs multi-head attention of qInputs over kvInputs, with all
// tracks and heads projected in a single fused step.
//
// qInputs is shaped [batch..., numQueries, qDim] and kvInputs
// [batch..., numKeys, kvDim] with matching batch axes; self-attention passes
// the same node for both. Tracks are independent attention instances sharing
// the layer call (a folding model attends the same tensor along different
// axes by permuting it into the track axis): configure more than one with
// NumTracks and InputsHaveTrackAxis. By default there is a single track and
// no track axis on inputs or outputs.
//
// The output is [batch..., numQueries, outputDim] (with a trailing track axis
// when InputsHaveTrackAxis(true)); outputDim defaults to qDim and is changed
// with SetOutputDim. Optional per-head sigmoid gating (WithGating) multiplies
// the attended values by a gate projected from qInputs before the output
// projection. An additive logits bias is set with WithBias, and memory use is
// bounded by ChunkSize.
//
// The projection weights are created in ctx.In("MultiHead"); calling the layer
// twice in the same scope with the same input dimensions shares them, and with
// different dimensions it is an error.
func MultiHead(ctx *context.Context, qInputs, kvInputs *Node, numHeads, headDim int) *MultiHeadBuilder {
	b := &MultiHeadBuilder{
		ctx:       ctx.In("MultiHead"),
		qInputs:   qInputs,
		kvInputs:  kvInputs,
		numHeads:  numHeads,
		headDim:   headDim,
		numTracks: 1,
	}
	if numHeads < 1 || headDim < 1 {
		Panicf("MultiHead requires numHeads >= 1 and headDim >= 1, got %d and %d", numHeads, headDim)
	}
	if qInputs.Rank() < 2 || kvInputs.Rank() != qInputs.Rank() {
		Panicf("MultiHead requires qInputs and kvInputs of equal rank >= 2, got %s and %s",
			qInputs.Shape(), kvInputs.Shape())
	}
	if qInputs.DType() != kvInputs.DType() {
		Panicf("MultiHead requires qInputs and kvInputs of the same dtype, got %s and %s",
			qInputs.Shape(), kvInputs.Shape())
	}
	return b
}

// WithBias adds bias to the attention logits before the softmax. It must be
// broadcastable (axes of dimension 1 or missing leading axes broadcast)
// against [batch..., numTracks, numHeads, numQueries, numKeys] -- the track
// axis is dropped from that target when the inputs carry no track axis.
// Typically built with MaskToBias or projected from edge representations.
func (b *MultiHeadBuilder) WithBias(bias *Node) *MultiHeadBuilder {
	b.bias = bias
	return b
}

// WithGating multiplies the attended values by a sigmoid gate linearly
// projected from qInputs, per track, head and channel, before the output
// projection. The gate bias is initialized to zero, so a freshly initialized
// layer gates at 1/2 everywhere.
func (b *MultiHeadBuilder) WithGating() *MultiHeadBuilder {
	b.gating = true
	return b
}

// NumTracks sets the number of independent attention tracks. It requires
// InputsHaveTrackAxis(true) when numTracks > 1.
func (b *MultiHeadBuilder) NumTracks(numTracks int) *MultiHeadBuilder {
	if numTracks < 1 {
		Panicf("MultiHead requires numTracks >= 1, got %d", numTracks)
	}
	b.numTracks = numTracks
	return b
}

// InputsHaveTrackAxis indicates that qInputs and kvInputs carry an explicit
// trailing track axis, shaped [batch..., len, dim, numTracks]. The output
// then also carries the track axis last. When false (the default), the layer
// behaves exactly as a single-track call with the axis added and removed
// internally.
func (b *MultiHeadBuilder) InputsHaveTrackAxis(hasTrackAxis bool) *MultiHeadBuilder {
	b.inputsHaveTrackAxis = hasTrackAxis
	return b
}

// SetOutputDim sets the dimension of the output projection. It defaults to the
// last axis of qInputs.
func (b *MultiHeadBuilder) SetOutputDim(outputDim int) *MultiHeadBuilder {
	if outputDim < 1 {
		Panicf("MultiHead requires outputDim >= 1, got %d", outputDim)
	}
	b.outputDim = outputDim
	return b
}

// ChunkSize bounds the number of query rows attended at once; see
// ChunkedDotProductAttention. Zero (the default) disables chunking.
func (b *MultiHeadBuilder) ChunkSize(chunkSize int) *MultiHeadBuilder {
	if chunkSize < 0 {
		Panicf("MultiHead requires chunkSize >= 0, got %d", chunkSize)
	}
	b.chunkSize = chunkSize
	return b
}

// Done builds the attention graph and returns the output node.
func (b *MultiHeadBuilder) Done() *Node {
	output, _ := b.DoneWithWeights()
	return output
}

// DoneWithWeights builds the attention graph and returns the output node along
// with the post-softmax attention weights, shaped
// [batch..., numTracks, numHeads, numQueries, numKeys] (the track axis is
// dropped when the inputs carry no track axis).
func (b *MultiHeadBuilder) DoneWithWeights() (output, weights *Node) {
	g := b.qInputs.Graph()
	q, kv, bias := b.qInputs, b.kvInputs, b.bias
	if !b.inputsHaveTrackAxis {
		if b.numTracks != 1 {
			Panicf("MultiHead with %d tracks requires InputsHaveTrackAxis(true)", b.numTracks)
		}
		q = InsertAxes(q, -1)
		kv = InsertAxes(kv, -1)
		if bias != nil && bias.Rank() >= 3 {
			// Align to the [..., tracks, heads, queries, keys] target.
			bias = InsertAxes(bias, bias.Rank()-3)
		}
	}
	if q.Rank() < 3 {
		Panicf("MultiHead requires inputs with a track axis to be rank >= 3, got %s", q.Shape())
	}
	if q.Shape().Dim(-1) != b.numTracks || kv.Shape().Dim(-1) != b.numTracks {
		Panicf("MultiHead inputs' track axis must have dimension %d, got qInputs %s and kvInputs %s",
			b.numTracks, q.Shape(), kv.Shape())
	}
	for axis, dim := range q.Shape().Dimensions[:q.Rank()-3] {
		if kv.Shape().Dimensions[axis] != dim {
			Panicf("MultiHead requires matching batch axes, got qInputs %s and kvInputs %s",
				q.Shape(), kv.Shape())
		}
	}
	dtype := q.DType()
	qDim, kvDim := q.Shape().Dim(-2), kv.Shape().Dim(-2)
	numQueries, numKeys := q.Shape().Dim(-3), kv.Shape().Dim(-3)
	outputDim := b.outputDim
	if outputDim == 0 {
		outputDim = qDim
	}
	numTracks, numHeads, headDim := b.numTracks, b.numHeads, b.headDim

	qProjDim := headDim
	if b.gating {
		qProjDim = 2 * headDim
	}
	qgWeightsVar := b.ctx.VariableWithShape("qg_weights",
		shapes.Make(dtype, qDim, numTracks, numHeads, qProjDim)).SetTrainable(true)
	qgBiasVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("qg_bias",
		shapes.Make(dtype, numTracks, numHeads, 1, qProjDim)).SetTrainable(true)
	kvWeightsVar := b.ctx.VariableWithShape("kv_weights",
		shapes.Make(dtype, kvDim, numTracks, numHeads, 2*headDim)).SetTrainable(true)
	kvBiasVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("kv_bias",
		shapes.Make(dtype, numTracks, numHeads, 1, 2*headDim)).SetTrainable(true)
	outputWeightsVar := b.ctx.VariableWithShape("output_weights",
		shapes.Make(dtype, numTracks, numHeads, headDim, outputDim)).SetTrainable(true)
	outputBiasVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("output_bias",
		shapes.Make(dtype, outputDim, numTracks)).SetTrainable(true)

	q4, leadingDims := flattenLeadingAxes(q, 3)
	kv4, _ := flattenLeadingAxes(kv, 3)

	// Fused projection of all tracks and heads: [batch, tracks, heads, len, channels].
	qg := Einsum("blar,arhc->brhlc", q4, qgWeightsVar.ValueGraph(g))
	qg = Add(qg, InsertAxes(qgBiasVar.ValueGraph(g), 0))
	kvProj := Einsum("blar,arhc->brhlc", kv4, kvWeightsVar.ValueGraph(g))
	kvProj = Add(kvProj, InsertAxes(kvBiasVar.ValueGraph(g), 0))

	qVec := qg
	var gate *Node
	if b.gating {
		qVec = Slice(qg, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(headDim))
		gate = Slice(qg, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(headDim))
	}
	kVec := Slice(kvProj, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(headDim))
	vVec := Slice(kvProj, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(headDim))

	var attnBias *Node
	if bias != nil {
		attnBias = broadcastBiasToTracks(bias, leadingDims, numTracks, numHeads, numQueries, numKeys)
	}
	chunkSize := b.chunkSize
	if chunkSize == 0 {
		chunkSize = numQueries
	}
	scale := 1.0 / math.Sqrt(float64(headDim))
	attnOutput, attnWeights := ChunkedDotProductAttention(qVec, kVec, vVec, scale, attnBias, chunkSize)
	if b.gating {
		attnOutput = Mul(attnOutput, Sigmoid(gate))
	}

	// Per-track output projection, summing over heads: [batch, len, outputDim, tracks].
	output = Einsum("brhlc,rhco->blor", attnOutput, outputWeightsVar.ValueGraph(g))
	output = Add(output, Reshape(outputBiasVar.ValueGraph(g), 1, 1, outputDim, numTracks))

	output = unflattenLeadingAxes(output, leadingDims)
	weights = unflattenLeadingAxes(attnWeights, leadingDims)
	if !b.inputsHaveTrackAxis {
		output = Squeeze(output, -1)
		weights = Squeeze(weights, -4)
	}
	return
}

// broadcastBiasToTracks expands bias to the full
// [batch..., tracks, heads, queries, keys] rank, broadcasts every axis except
// the query one and flattens the leading batch axes, producing the bias layout
// ChunkedDotProductAttention expects for [batch, tracks, heads] operands.
func broadcastBiasToTracks(bias *Node, leadingDims []int, numTracks, numHeads, numQueries, numKeys int) *Node {
	fullRank := len(leadingDims) + 4
	if bias.Rank() > fullRank {
		Panicf("bias of shape %s has higher rank than the attention logits (leading dims %v)",
			bias.Shape(), leadingDims)
	}
	for bias.Rank() < fullRank {
		bias = InsertAxes(bias, 0)
	}
	if got := bias.Shape().Dim(-4); got != numTracks && got != 1 {
		Panicf("bias track axis must have dimension %d or 1, got bias shape %s", numTracks, bias.Shape())
	}
	if got := bias.Shape().Dim(-3); got != numHeads && got != 1 {
		Panicf("bias heads axis must have dimension %d or 1, got bias shape %s", numHeads, bias.Shape())
	}
	if got := bias.Shape().Dim(-1); got != numKeys && got != 1 {
		Panicf("bias key axis must have dimension %d or 1, got bias shape %s", numKeys, bias.Shape())
	}
	biasQueries := bias.Shape().Dim(-2)
	if biasQueries != numQueries && biasQueries != 1 {
		Panicf("bias query axis must be %d or 1, got bias shape %s", numQueries, bias.Shape())
	}
	targetDims := append([]int{}, leadingDims...)
	targetDims = append(targetDims, numTracks, numHeads, biasQueries, numKeys)
	bias = BroadcastToDims(bias, targetDims...)
	flat, _ := flattenLeadingAxes(bias, 4)
	return flat
}
