// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeToEdgeTestInput builds a deterministic [2, 3, 4, 6] tensor:
// 2 batches, 3 sequences, 4 nodes, 6 features.
func nodeToEdgeTestInput() [][][][]float32 {
	x := make([][][][]float32, 2)
	for b := range x {
		x[b] = make([][][]float32, 3)
		for s := range x[b] {
			x[b][s] = make([][]float32, 4)
			for i := range x[b][s] {
				x[b][s][i] = make([]float32, 6)
				for d := range x[b][s][i] {
					x[b][s][i][d] = float32(math.Sin(float64(b*37 + s*13 + i*5 + d)))
				}
			}
		}
	}
	return x
}

func TestNodeToEdgeShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.5))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, nodes *Node) *Node {
		return NodeToEdge(ctx, nodes, nil, 5, 7).Done()
	})

	output := exec.MustExec(nodeToEdgeTestInput())[0]
	require.Equal(t, []int{2, 4, 4, 7}, output.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](output) {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestNodeToEdgeAllOnesMask(t *testing.T) {
	// An all-ones mask is the same as no mask.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.5))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, nodes, mask *Node) []*Node {
		ctx = ctx.Checked(false)
		unmasked := NodeToEdge(ctx.In("shared"), nodes, nil, 5, 7).Done()
		masked := NodeToEdge(ctx.In("shared"), nodes, mask, 5, 7).Done()
		return []*Node{unmasked, masked}
	})

	mask := make([][][]float32, 2)
	for b := range mask {
		mask[b] = make([][]float32, 3)
		for s := range mask[b] {
			mask[b][s] = []float32{1, 1, 1, 1}
		}
	}
	outputs := exec.MustExec(nodeToEdgeTestInput(), mask)
	unmasked := tensors.MustCopyFlatData[float32](outputs[0])
	masked := tensors.MustCopyFlatData[float32](outputs[1])
	for i := range unmasked {
		assert.InDelta(t, unmasked[i], masked[i], 1e-5)
	}
}

func TestNodeToEdgeFullyMasked(t *testing.T) {
	// A fully masked input yields zeros, not NaN: the outer product
	// vanishes and the normalization keeps a positive denominator.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.5))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, nodes, mask *Node) *Node {
		return NodeToEdge(ctx, nodes, mask, 5, 7).Done()
	})

	mask := make([][][]float32, 2)
	for b := range mask {
		mask[b] = make([][]float32, 3)
		for s := range mask[b] {
			mask[b][s] = []float32{0, 0, 0, 0}
		}
	}
	output := exec.MustExec(nodeToEdgeTestInput(), mask)[0]
	for _, v := range tensors.MustCopyFlatData[float32](output) {
		require.False(t, math.IsNaN(float64(v)))
	}
}
