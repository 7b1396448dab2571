// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package draft_test

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/speculative/draft"
)

func TestCacheGrowth(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "cache")

	cache := draft.NewCache(2)
	require.Equal(t, 2, cache.NumLayers())
	require.Equal(t, 0, cache.SeqLen())

	newKV := func() *Node { return Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 4, 8)) }

	// First step: both layers cache 4 positions.
	for layer := range 2 {
		keys, values := cache.Update(layer, newKV(), newKV())
		assert.Equal(t, []int{1, 2, 4, 8}, keys.Shape().Dimensions)
		assert.Equal(t, []int{1, 2, 4, 8}, values.Shape().Dimensions)
	}
	assert.Equal(t, 4, cache.SeqLen())

	// Second step grows monotonically to 2x the sequence length.
	for layer := range 2 {
		keys, _ := cache.Update(layer, newKV(), newKV())
		assert.Equal(t, []int{1, 2, 8, 8}, keys.Shape().Dimensions)
	}
	assert.Equal(t, 8, cache.SeqLen())
}

func TestCachePreconditions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "cache-preconditions")

	cache := draft.NewCache(1)
	kv := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 4, 8))

	assert.Panics(t, func() { cache.Update(1, kv, kv) }, "layer out of range")
	assert.Panics(t, func() {
		cache.Update(0, kv, Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 4, 4)))
	}, "keys/values shape mismatch")

	cache.Update(0, kv, kv)
	assert.Panics(t, func() {
		other := Zeros(g, shapes.Make(dtypes.Float32, 2, 2, 4, 8))
		cache.Update(0, other, other)
	}, "batch size mismatch with cached entries")

	assert.Panics(t, func() { draft.NewCache(0) }, "empty cache")
}
