// Copyright 2026 The FoldAttn Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements the attention layers used by protein folding
// models: memory-bounded (chunked) scaled dot-product attention, a gated
// multi-track multi-head attention, node attention biased by pairwise edge
// representations, and the symmetric "geometric" attention over edge
// representations that combines row/column attention with a gated outer
// product update.
//
// All layers are graph-building functions for GoMLX: they take *Node inputs,
// create their variables in a *context.Context and return *Node outputs.
// Layers with parameters follow the configuration pattern common in
// github.com/gomlx/gomlx/pkg/ml/layers: the constructor returns a builder,
// optional methods configure it and Done() builds the graph nodes.
//
// Long sequences are handled by chunking: attention (and the pairwise
// transition) can be computed in fixed-size slices of the query axis, which
// bounds the size of the largest intermediate tensor materialized by the
// backend without changing the results.
package attention
