// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// ChunkedDotProductAttention computes scaled dot-product attention over the
// flattened leading (batch) axes of query, key and value, slicing the query
// axis into chunks of at most chunkSize rows. Each chunk attends over the full
// key axis, so the results are identical to unchunked attention for any chunk
// size; only the largest materialized logits tensor shrinks, to
// [batch..., chunkSize, numKeys].
//
// Shapes: query is [batch..., numQueries, dim], key and value are
// [batch..., numKeys, dim], with identical batch axes. The query is multiplied
// by scale before the logits contraction (pass headDim^-0.5 for the usual
// scaling). Bias, if not nil, is added to the logits; it must have the key
// axis last and otherwise be broadcastable against [batch..., numQueries,
// numKeys] (axes of dimension 1 broadcast, including a missing leading part).
// A bias whose query axis matches numQueries is sliced along with the query.
//
// It returns the attention output [batch..., numQueries, dim] and the
// post-softmax weights [batch..., numQueries, numKeys]. The last chunk may be
// smaller when chunkSize does not divide numQueries.
func ChunkedDotProductAttention(query, key, value *Node, scale float64, bias *Node, chunkSize int) (output, weights *Node) {
	if chunkSize <= 0 {
		Panicf("ChunkedDotProductAttention requires chunkSize > 0, got %d", chunkSize)
	}
	if query.Rank() < 2 || key.Rank() != query.Rank() || value.Rank() != query.Rank() {
		Panicf("ChunkedDotProductAttention requires query, key and value of equal rank >= 2, got %s, %s and %s",
			query.Shape(), key.Shape(), value.Shape())
	}
	if !query.DType().IsFloat() {
		Panicf("ChunkedDotProductAttention requires float operands, got %s", query.Shape())
	}
	batchDims := query.Shape().Dimensions[:query.Rank()-2]
	for axis, dim := range batchDims {
		if key.Shape().Dimensions[axis] != dim || value.Shape().Dimensions[axis] != dim {
			Panicf("ChunkedDotProductAttention requires matching batch axes, got query %s, key %s and value %s",
				query.Shape(), key.Shape(), value.Shape())
		}
	}
	numQueries := query.Shape().Dim(-2)
	numKeys := key.Shape().Dim(-2)
	if key.Shape().Dim(-1) != query.Shape().Dim(-1) {
		Panicf("ChunkedDotProductAttention requires query and key with the same feature dimension, got %s and %s",
			query.Shape(), key.Shape())
	}
	if value.Shape().Dim(-2) != numKeys {
		Panicf("ChunkedDotProductAttention requires key and value with the same number of entries, got %s and %s",
			key.Shape(), value.Shape())
	}

	q3, leadingDims := flattenLeadingAxes(query, 2)
	k3, _ := flattenLeadingAxes(key, 2)
	v3, _ := flattenLeadingAxes(value, 2)
	q3 = MulScalar(q3, scale)

	var bias3 *Node
	if bias != nil {
		bias3 = broadcastBiasToBatch(bias, leadingDims, numQueries, numKeys)
	}

	var outputChunks, weightsChunks []*Node
	for start := 0; start < numQueries; start += chunkSize {
		end := min(start+chunkSize, numQueries)
		qChunk := Slice(q3, AxisRange(), AxisRange(start, end), AxisRange())
		logits := Einsum("bqd,bkd->bqk", qChunk, k3)
		if bias3 != nil {
			biasChunk := bias3
			if bias3.Shape().Dim(-2) == numQueries {
				biasChunk = Slice(bias3, AxisRange(), AxisRange(start, end), AxisRange())
			}
			logits = Add(logits, biasChunk)
		}
		w := StableSoftmax(logits, -1)
		outputChunks = append(outputChunks, Einsum("bqk,bkd->bqd", w, v3))
		weightsChunks = append(weightsChunks, w)
	}
	output = outputChunks[0]
	weights = weightsChunks[0]
	if len(outputChunks) > 1 {
		output = Concatenate(outputChunks, 1)
		weights = Concatenate(weightsChunks, 1)
	}
	output = unflattenLeadingAxes(output, leadingDims)
	weights = unflattenLeadingAxes(weights, leadingDims)
	return
}

// flattenLeadingAxes reshapes x from [leading..., trailing...] to
// [prod(leading), trailing...], keeping the last keepAxes axes. It returns the
// flattened node and the original leading dimensions, for unflattenLeadingAxes.
func flattenLeadingAxes(x *Node, keepAxes int) (flat *Node, leadingDims []int) {
	dims := x.Shape().Dimensions
	leadingDims = append([]int{}, dims[:len(dims)-keepAxes]...)
	batchSize := 1
	for _, dim := range leadingDims {
		batchSize *= dim
	}
	flatDims := make([]int, 0, keepAxes+1)
	flatDims = append(flatDims, batchSize)
	flatDims = append(flatDims, dims[len(dims)-keepAxes:]...)
	return Reshape(x, flatDims...), leadingDims
}

func unflattenLeadingAxes(x *Node, leadingDims []int) *Node {
	dims := append([]int{}, leadingDims...)
	dims = append(dims, x.Shape().Dimensions[1:]...)
	return Reshape(x, dims...)
}

// broadcastBiasToBatch expands bias to rank len(leadingDims)+2, broadcasts the
// leading and key axes to match the attention operands, and flattens the
// leading axes. The query axis (-2) is kept as is, so callers can still tell a
// per-query bias (to be sliced per chunk) from a broadcast one.
func broadcastBiasToBatch(bias *Node, leadingDims []int, numQueries, numKeys int) *Node {
	fullRank := len(leadingDims) + 2
	if bias.Rank() > fullRank {
		Panicf("bias of shape %s has higher rank than the attention operands (leading dims %v)",
			bias.Shape(), leadingDims)
	}
	for bias.Rank() < fullRank {
		bias = InsertAxes(bias, 0)
	}
	biasQueries := bias.Shape().Dim(-2)
	if biasQueries != numQueries && biasQueries != 1 {
		Panicf("bias query axis must be %d or 1, got bias shape %s", numQueries, bias.Shape())
	}
	if k := bias.Shape().Dim(-1); k != numKeys && k != 1 {
		Panicf("bias key axis must be %d or 1, got bias shape %s", numKeys, bias.Shape())
	}
	targetDims := append([]int{}, leadingDims...)
	targetDims = append(targetDims, biasQueries, numKeys)
	bias = BroadcastToDims(bias, targetDims...)
	flat, _ := flattenLeadingAxes(bias, 2)
	return flat
}
