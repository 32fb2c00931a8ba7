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

// edgeBiasedTestInputs builds deterministic node [2, 4, 6] and edge
// [2, 4, 4, 3] tensors.
func edgeBiasedTestInputs() (nodes [][][]float32, edges [][][][]float32) {
	nodes = make([][][]float32, 2)
	edges = make([][][][]float32, 2)
	for b := range nodes {
		nodes[b] = make([][]float32, 4)
		edges[b] = make([][][]float32, 4)
		for i := range nodes[b] {
			nodes[b][i] = make([]float32, 6)
			for d := range nodes[b][i] {
				nodes[b][i][d] = float32(math.Sin(float64(b*17 + i*5 + d)))
			}
			edges[b][i] = make([][]float32, 4)
			for j := range edges[b][i] {
				edges[b][i][j] = make([]float32, 3)
				for d := range edges[b][i][j] {
					edges[b][i][j][d] = float32(math.Cos(float64(b*13 + i*7 + j*3 + d)))
				}
			}
		}
	}
	return
}

func TestEdgeBiasedShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.5))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, nodes, edges *Node) []*Node {
		output := EdgeBiased(ctx.In("default"), nodes, edges, nil, 2, 3).Done()
		projected := EdgeBiased(ctx.In("projected"), nodes, edges, nil, 2, 3).
			SetOutputDim(8).Gating(false).Done()
		return []*Node{output, projected}
	})

	nodes, edges := edgeBiasedTestInputs()
	outputs := exec.MustExec(nodes, edges)
	require.Equal(t, []int{2, 4, 6}, outputs[0].Shape().Dimensions)
	require.Equal(t, []int{2, 4, 8}, outputs[1].Shape().Dimensions)
	for _, out := range outputs {
		for _, v := range tensors.MustCopyFlatData[float32](out) {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}
}

func TestEdgeBiasedAllOnesMask(t *testing.T) {
	// A mask of all 1s contributes a zero bias: the output matches the
	// unmasked call with the same weights.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.5))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, nodes, edges, mask *Node) []*Node {
		ctx = ctx.Checked(false)
		unmasked := EdgeBiased(ctx.In("shared"), nodes, edges, nil, 2, 3).Done()
		masked := EdgeBiased(ctx.In("shared"), nodes, edges, mask, 2, 3).Done()
		return []*Node{unmasked, masked}
	})

	nodes, edges := edgeBiasedTestInputs()
	mask := [][]float32{{1, 1, 1, 1}, {1, 1, 1, 1}}
	outputs := exec.MustExec(nodes, edges, mask)
	unmasked := tensors.MustCopyFlatData[float32](outputs[0])
	masked := tensors.MustCopyFlatData[float32](outputs[1])
	for i := range unmasked {
		assert.InDelta(t, unmasked[i], masked[i], 1e-6)
	}
}

func TestEdgeBiasedChunkInvariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.5))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, nodes, edges *Node) []*Node {
		ctx = ctx.Checked(false)
		full := EdgeBiased(ctx.In("shared"), nodes, edges, nil, 2, 3).Done()
		chunked := EdgeBiased(ctx.In("shared"), nodes, edges, nil, 2, 3).ChunkSize(3).Done()
		return []*Node{full, chunked}
	})

	nodes, edges := edgeBiasedTestInputs()
	outputs := exec.MustExec(nodes, edges)
	full := tensors.MustCopyFlatData[float32](outputs[0])
	chunked := tensors.MustCopyFlatData[float32](outputs[1])
	for i := range full {
		assert.InDelta(t, full[i], chunked[i], 1e-5)
	}
}
