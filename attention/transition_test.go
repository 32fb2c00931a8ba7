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

func transitionTestInput() [][][]float32 {
	x := make([][][]float32, 2)
	for b := range x {
		x[b] = make([][]float32, 5)
		for s := range x[b] {
			x[b][s] = make([]float32, 4)
			for d := range x[b][s] {
				x[b][s][d] = float32(math.Sin(float64(b*19 + s*3 + d)))
			}
		}
	}
	return x
}

func TestTransitionShapeAndChunkInvariance(t *testing.T) {
	// Chunking the rows changes only the evaluation order, not the values,
	// including a chunk size that does not divide the number of rows.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.5))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		full := Transition(ctx.In("shared"), x, 4).Done()
		chunked := Transition(ctx.In("shared"), x, 4).ChunkSize(2).Done()
		return []*Node{full, chunked}
	})

	outputs := exec.MustExec(transitionTestInput())
	require.Equal(t, []int{2, 5, 4}, outputs[0].Shape().Dimensions)
	full := tensors.MustCopyFlatData[float32](outputs[0])
	chunked := tensors.MustCopyFlatData[float32](outputs[1])
	for i := range full {
		assert.InDelta(t, full[i], chunked[i], 1e-5)
	}
}

func TestTransitionActivation(t *testing.T) {
	// A zero activation collapses the block to the projection bias, the
	// same at every position.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.5))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Transition(ctx, x, 2).
			Activation(func(x *Node) *Node { return ZerosLike(x) }).
			Done()
	})

	data := exec.MustExec(transitionTestInput())[0].Value().([][][]float32)
	first := data[0][0]
	for b := range data {
		for s := range data[b] {
			for d := range data[b][s] {
				assert.InDelta(t, first[d], data[b][s][d], 1e-6)
			}
		}
	}
}
