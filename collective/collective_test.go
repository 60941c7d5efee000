// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective_test

import (
	"context"
	"testing"

	"github.com/grailbio/base/traverse"
	"github.com/gridforge/shardopt/collective"
	"github.com/gridforge/shardopt/simgroup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastFromRoot(t *testing.T) {
	const world = 4
	const root = 2
	w := simgroup.NewWorld(world)
	dsts := make([][]float32, world)

	require.NoError(t, traverse.Each(world, func(rank int) error {
		dst := make([]float32, 3)
		if rank == root {
			dst[0], dst[1], dst[2] = 7, 8, 9
		}
		dsts[rank] = dst
		return collective.Broadcast(context.Background(), w.Group(rank), dst, root)
	}))

	for rank := 0; rank < world; rank++ {
		assert.Equal(t, []float32{7, 8, 9}, dsts[rank], "rank %d", rank)
	}
}

func TestBroadcastSingleRankIsNoOp(t *testing.T) {
	w := simgroup.NewWorld(1)
	dst := []float32{1, 2, 3}
	require.NoError(t, collective.Broadcast(context.Background(), w.Group(0), dst, 0))
	assert.Equal(t, []float32{1, 2, 3}, dst)
}
