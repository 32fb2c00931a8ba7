// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

// foldattn-demo runs one folding block (node and edge updates) on random
// inputs, reporting the parameter count, output shapes and timing. It is a
// smoke test for the attention layers and a way to measure how the chunk
// size trades peak memory for speed.
//
// Usage:
//
//	go run ./cmd/foldattn-demo
//	go run ./cmd/foldattn-demo --nodes=128 --chunk=32
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/foldml/foldattn/attention"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagNumNodes   = flag.Int("nodes", 64, "Number of nodes (residues).")
	flagNodeDim    = flag.Int("node-dim", 256, "Node representation dimension.")
	flagEdgeDim    = flag.Int("edge-dim", 128, "Edge representation dimension.")
	flagNumHeads   = flag.Int("heads", 8, "Number of attention heads.")
	flagHeadDim    = flag.Int("head-dim", 32, "Dimension per attention head.")
	flagMultiplier = flag.Int("transition", 4, "Transition expansion multiplier (0 disables).")
	flagChunkSize  = flag.Int("chunk", 0, "Attention chunk size (0 disables chunking).")
	flagSteps      = flag.Int("steps", 3, "Number of timed executions.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := attention.Config{
		NodeDim:              *flagNodeDim,
		EdgeDim:              *flagEdgeDim,
		NumHeads:             *flagNumHeads,
		HeadDim:              *flagHeadDim,
		TransitionMultiplier: *flagMultiplier,
		ChunkSize:            *flagChunkSize,
	}
	must.M(cfg.Validate())

	backend := backends.MustNew()
	fmt.Printf("Backend: %s (%s)\n", backend.Name(), backend.Description())

	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, nodes, edges, mask *Node) []*Node {
		return []*Node{
			cfg.UpdateNodes(ctx, nodes, edges, mask),
			cfg.UpdateEdges(ctx, edges, mask),
		}
	})

	numNodes := *flagNumNodes
	nodes := randomTensor(numNodes, cfg.NodeDim)
	edges := randomPairTensor(numNodes, cfg.EdgeDim)
	mask := make([][]float32, 1)
	mask[0] = make([]float32, numNodes)
	for i := range mask[0] {
		mask[0][i] = 1
	}

	start := time.Now()
	outputs := exec.MustExec(nodes, edges, mask)
	fmt.Printf("Parameters: %s\n", humanize.Comma(int64(ctx.NumParameters())))
	fmt.Printf("Node update: %s, edge update: %s (first run %s, includes compilation)\n",
		outputs[0].Shape(), outputs[1].Shape(), time.Since(start).Round(time.Millisecond))

	for step := range *flagSteps {
		start = time.Now()
		exec.MustExec(nodes, edges, mask)
		fmt.Printf("Step %d: %s\n", step+1, time.Since(start).Round(time.Millisecond))
	}
}

func randomTensor(numNodes, dim int) [][][]float32 {
	t := make([][][]float32, 1)
	t[0] = make([][]float32, numNodes)
	for i := range t[0] {
		t[0][i] = make([]float32, dim)
		for d := range t[0][i] {
			t[0][i][d] = float32(rand.NormFloat64())
		}
	}
	return t
}

func randomPairTensor(numNodes, dim int) [][][][]float32 {
	t := make([][][][]float32, 1)
	t[0] = make([][][]float32, numNodes)
	for i := range t[0] {
		t[0][i] = make([][]float32, numNodes)
		for j := range t[0][i] {
			t[0][i][j] = make([]float32, dim)
			for d := range t[0][i][j] {
				t[0][i][j][d] = float32(rand.NormFloat64())
			}
		}
	}
	return t
}
