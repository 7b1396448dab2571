// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package draft

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Cache is the incremental key/value store threaded through the speculative
// steps of one forward call. It holds one (keys, values) pair per decoder
// layer, each shaped [batch, kvHeads, cachedLen, headDim], and grows
// monotonically along the sequence axis as steps append to it.
//
// Unlike an inference-time cache it lives entirely inside a single
// computation graph: entries are graph nodes, not variables, and the cache is
// discarded when the graph is done. It must not be shared across concurrent
// forward calls.
type Cache struct {
	keys, values []*Node
}

// NewCache returns an empty cache for numLayers decoder layers.
func NewCache(numLayers int) *Cache {
	if numLayers <= 0 {
		Panicf("draft.NewCache: numLayers must be positive, got %d", numLayers)
	}
	return &Cache{
		keys:   make([]*Node, numLayers),
		values: make([]*Node, numLayers),
	}
}

// NumLayers returns the number of layers the cache was created for.
func (c *Cache) NumLayers() int { return len(c.keys) }

// SeqLen returns the total sequence length cached so far, before any updates
// of the in-flight step. It is what the tree attention mask is extended by.
func (c *Cache) SeqLen() int {
	if c.keys[0] == nil {
		return 0
	}
	return c.keys[0].Shape().Dimensions[2]
}

// Update appends this step's keys and values for the given layer and returns
// the full cached tensors, shaped [batch, kvHeads, cachedLen+seqLen, headDim].
//
// keys and values must be [batch, kvHeads, seqLen, headDim] and must agree
// with previously cached entries on every axis but the sequence one; a
// mismatch means the cache is being reused across incompatible calls and is a
// precondition violation.
func (c *Cache) Update(layer int, keys, values *Node) (allKeys, allValues *Node) {
	if layer < 0 || layer >= len(c.keys) {
		Panicf("draft.Cache.Update: layer %d out of range [0, %d)", layer, len(c.keys))
	}
	if keys.Rank() != 4 || values.Rank() != 4 {
		Panicf("draft.Cache.Update: keys and values must be rank-4 [batch, kvHeads, seq, headDim], got %s and %s",
			keys.Shape(), values.Shape())
	}
	if !keys.Shape().Equal(values.Shape()) {
		Panicf("draft.Cache.Update: keys shape %s does not match values shape %s", keys.Shape(), values.Shape())
	}

	if prev := c.keys[layer]; prev != nil {
		pd, kd := prev.Shape().Dimensions, keys.Shape().Dimensions
		if pd[0] != kd[0] || pd[1] != kd[1] || pd[3] != kd[3] || prev.DType() != keys.DType() {
			Panicf("draft.Cache.Update: layer %d keys %s incompatible with cached %s", layer, keys.Shape(), prev.Shape())
		}
		keys = Concatenate([]*Node{prev, keys}, 2)
		values = Concatenate([]*Node{c.values[layer], values}, 2)
	}
	c.keys[layer] = keys
	c.values[layer] = values
	return keys, values
}
