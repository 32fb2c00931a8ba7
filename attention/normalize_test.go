// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
		return Normalize(x)
	})

	x := [][]float32{
		{1, 2, 3, 4},
		{-10, 0, 10, 20},
		{5, 5, 5, 5}, // constant row: epsilon keeps it finite
	}
	data := exec.MustExec(x)[0].Value().([][]float32)
	for i, row := range data {
		mean := float32(0)
		for _, v := range row {
			assert.Falsef(t, v != v, "NaN in row %d", i)
			mean += v
		}
		mean /= float32(len(row))
		assert.InDelta(t, 0, mean, 1e-5, "row %d mean", i)
	}
	// Non-constant rows have unit variance.
	for _, i := range []int{0, 1} {
		variance := float32(0)
		for _, v := range data[i] {
			variance += v * v
		}
		variance /= float32(len(data[i]))
		assert.InDelta(t, 1.0, variance, 1e-3, "row %d variance", i)
	}
	// A constant row normalizes to zeros.
	for _, v := range data[2] {
		assert.InDelta(t, 0, v, 1e-5)
	}
}

func TestMaskToBias(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("float", func(t *testing.T) {
		exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, mask *Node) *Node {
			return MaskToBias(mask)
		})
		data := exec.MustExec([]float32{1, 0, 1})[0].Value().([]float32)
		assert.Equal(t, float32(0), data[0])
		assert.Equal(t, float32(-1e9), data[1])
		assert.Equal(t, float32(0), data[2])
	})

	t.Run("bool", func(t *testing.T) {
		exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, mask *Node) *Node {
			return MaskToBias(mask)
		})
		data := exec.MustExec([]bool{true, false})[0].Value().([]float32)
		assert.Equal(t, float32(0), data[0])
		assert.Equal(t, float32(-1e9), data[1])
	})
}
