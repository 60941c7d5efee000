package copyio

import (
	"testing"

	"github.com/gridforge/shardopt/dpmodel"
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/gbuf"
	"github.com/gridforge/shardopt/inneropt"
	"github.com/gridforge/shardopt/master"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroAndCopyModelGradsToBuffers(t *testing.T) {
	model, params := dpmodel.NewSyntheticModel(dtype.F32, []dpmodel.LayerSpec{
		{Name: "a", NumElements: 4},
	})
	replica := model.Replicas[0]
	copy(replica.ParamGrad[params[0]], []float32{1, 2, 3, 4})

	ZeroGradBuffers(replica)
	require.NoError(t, CopyModelGradsToBuffers(replica))
	assert.Equal(t, []float32{1, 2, 3, 4}, replica.GradBuffers[dtype.F32].Data)

	// Accumulates on a second call rather than overwriting.
	require.NoError(t, CopyModelGradsToBuffers(replica))
	assert.Equal(t, []float32{2, 4, 6, 8}, replica.GradBuffers[dtype.F32].Data)
}

func TestFullCopyInReduceCopyOutRoundTrip(t *testing.T) {
	model, params := dpmodel.NewSyntheticModel(dtype.F32, []dpmodel.LayerSpec{
		{Name: "a", NumElements: 8},
	})
	replica := model.Replicas[0]
	for i := range replica.ParamGrad[params[0]] {
		replica.ParamGrad[params[0]][i] = 1
	}
	ZeroGradBuffers(replica)
	require.NoError(t, CopyModelGradsToBuffers(replica))

	const world = 2
	plan := dpmodel.ComputeShardPlan(model, world, 0)
	rec := plan.ByReplica[0][dtype.F32]

	buf := replica.GradBuffers[dtype.F32]
	// Simulate a ReduceScatter across 2 identical ranks: each element's
	// reduced value is 1+1=2 (both ranks contributed the same grad).
	localReduced := make([]float32, rec.Local.Size())
	for i, v := range buf.View(rec.World) {
		localReduced[i] = v + v
	}

	groups := []inneropt.ParamGroup{{Params: params, LR: 0.5}}
	allocOut, err := master.Allocator{}.Allocate(groups, []map[dtype.Kind]*gbuf.ShardRecord{{dtype.F32: rec}})
	require.NoError(t, err)
	require.Len(t, allocOut, 1)

	require.NoError(t, CopyReducedGradToMaster(allocOut, 0, dtype.F32, localReduced))
	for _, g := range allocOut[0].MasterGrad {
		assert.Equal(t, float32(2), g)
	}

	// Pretend a step ran: param <- lr - grad (arbitrary, just something
	// deterministic and distinct from the inputs above).
	lr := float32(allocOut[0].LR)
	for i := range allocOut[0].MasterParam {
		allocOut[0].MasterParam[i] = lr - allocOut[0].MasterGrad[i]
	}

	require.NoError(t, CopyMasterParamToBuffer(allocOut, 0, dtype.F32, buf))
	require.NoError(t, CopyBufferToParamData(replica, buf))
	// No all-gather ran, so only rank 0's owned half of the parameter holds
	// updated values; the other half still holds the un-reduced grad of 1.
	owned := rec.ParamMap[params[0]].Param
	data := replica.ParamData[params[0]]
	for _, v := range data[owned.Start:owned.End] {
		assert.InDelta(t, float64(lr-2), float64(v), 1e-5)
	}
	for _, v := range data[owned.End:] {
		assert.Equal(t, float32(1), v)
	}
}
