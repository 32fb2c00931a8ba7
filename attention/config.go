// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Config bundles the hyperparameters shared by the attention layers of one
// folding block, so models can build the node and edge updates from a single
// place.
type Config struct {
	// NodeDim and EdgeDim are the feature dimensions of the node and edge
	// representations.
	NodeDim, EdgeDim int

	// NumHeads and HeadDim configure every attention layer of the block.
	NumHeads, HeadDim int

	// TransitionMultiplier expands the feature axis in the transition
	// blocks. Zero disables the transitions.
	TransitionMultiplier int

	// ChunkSize bounds attention and transition memory; zero disables
	// chunking.
	ChunkSize int
}

// Validate returns an error if the configuration is inconsistent.
func (c *Config) Validate() error {
	if c.NodeDim < 1 || c.EdgeDim < 1 {
		return errors.Errorf("node and edge dimensions must be positive, got %d and %d", c.NodeDim, c.EdgeDim)
	}
	if c.NumHeads < 1 || c.HeadDim < 1 {
		return errors.Errorf("attention needs numHeads >= 1 and headDim >= 1, got %d and %d", c.NumHeads, c.HeadDim)
	}
	if c.TransitionMultiplier < 0 {
		return errors.Errorf("transition multiplier must be >= 0, got %d", c.TransitionMultiplier)
	}
	if c.ChunkSize < 0 {
		return errors.Errorf("chunk size must be >= 0, got %d", c.ChunkSize)
	}
	return nil
}

// UpdateNodes applies one node update: edge-biased attention over nodeRepr
// plus the transition block, both with residual connections. nodeRepr is
// [batch..., numNodes, NodeDim].
func (c *Config) UpdateNodes(ctx *context.Context, nodeRepr, edgeRepr, mask *Node) *Node {
	out := Add(nodeRepr,
		EdgeBiased(ctx.In("node_attention"), nodeRepr, edgeRepr, mask, c.NumHeads, c.HeadDim).
			ChunkSize(c.ChunkSize).Done())
	if c.TransitionMultiplier > 0 {
		out = Add(out,
			Transition(ctx.In("node_transition"), out, c.TransitionMultiplier).
				ChunkSize(c.ChunkSize).Done())
	}
	return out
}

// UpdateEdges applies one edge update: geometric attention over edgeRepr plus
// the transition block, both with residual connections. edgeRepr is
// [batch..., numNodes, numNodes, EdgeDim].
func (c *Config) UpdateEdges(ctx *context.Context, edgeRepr, mask *Node) *Node {
	out := Add(edgeRepr,
		Geometric(ctx.In("edge_attention"), edgeRepr, mask, c.NumHeads, c.HeadDim).
			ChunkSize(c.ChunkSize).Done())
	if c.TransitionMultiplier > 0 {
		out = Add(out,
			Transition(ctx.In("edge_transition"), out, c.TransitionMultiplier).
				ChunkSize(c.ChunkSize).Done())
	}
	return out
}
