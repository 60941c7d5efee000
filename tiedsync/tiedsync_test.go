package tiedsync

import (
	"context"
	"testing"

	"github.com/grailbio/base/traverse"
	"github.com/gridforge/shardopt/simgroup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncAllReducesSubgroupOnly(t *testing.T) {
	const world = 3
	w := simgroup.NewWorld(world)
	results := make([][]float32, world)
	outside := make([][]float32, world)
	err := traverse.Each(world, func(rank int) error {
		grad := []float32{float32(rank + 1)}
		other := []float32{float32(rank + 1)}
		tied := []TiedParam{
			{Name: "embed", Grad: grad, InSubgroup: true},
			{Name: "pos", Grad: other, InSubgroup: false},
		}
		if err := Sync(context.Background(), w.Group(rank), tied); err != nil {
			return err
		}
		results[rank] = grad
		outside[rank] = other
		return nil
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, float32(6), r[0]) // 1+2+3
	}
	// A parameter whose subgroup this rank is not in is left untouched.
	for rank, o := range outside {
		assert.Equal(t, float32(rank+1), o[0])
	}
}

func TestSyncNoOpForSingleRankGroup(t *testing.T) {
	w := simgroup.NewWorld(1)
	grad := []float32{42}
	err := Sync(context.Background(), w.Group(0), []TiedParam{{Grad: grad, InSubgroup: true}})
	require.NoError(t, err)
	assert.Equal(t, float32(42), grad[0])
}

func TestSyncNilGroupIsNoOp(t *testing.T) {
	err := Sync(context.Background(), nil, []TiedParam{{Grad: []float32{1}, InSubgroup: true}})
	require.NoError(t, err)
}
