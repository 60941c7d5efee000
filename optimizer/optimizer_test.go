package optimizer

import (
	"context"
	"math"
	"testing"

	"github.com/grailbio/base/traverse"
	"github.com/gridforge/shardopt/dpmodel"
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/inneropt"
	"github.com/gridforge/shardopt/lossscale"
	"github.com/gridforge/shardopt/simgroup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributedStepSingleRank(t *testing.T) {
	model, _ := dpmodel.NewSyntheticModel(dtype.F32, []dpmodel.LayerSpec{{Name: "w", NumElements: 8}})
	params := model.Replicas[0].Params

	w := simgroup.NewWorld(1)
	groups := []inneropt.ParamGroup{{Params: params, LR: 0.5}}
	opt, err := NewDistributedOptimizer(context.Background(), model, groups, &inneropt.SGD{}, lossscale.Static{}, w.Group(0), nil, 0)
	require.NoError(t, err)

	opt.ZeroGrad()
	for i := range model.Replicas[0].ParamGrad[params[0]] {
		model.Replicas[0].ParamGrad[params[0]][i] = 2
	}
	res, err := opt.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, Ready, opt.State())
	for _, v := range model.Replicas[0].ParamData[params[0]] {
		assert.InDelta(t, -1.0, float64(v), 1e-4) // 0 - 0.5*2
	}
}

func TestDistributedStepOverflowSkipsUpdate(t *testing.T) {
	model, _ := dpmodel.NewSyntheticModel(dtype.F16, []dpmodel.LayerSpec{{Name: "w", NumElements: 8}})
	params := model.Replicas[0].Params
	for i := range model.Replicas[0].ParamData[params[0]] {
		model.Replicas[0].ParamData[params[0]][i] = 5
	}

	w := simgroup.NewWorld(1)
	groups := []inneropt.ParamGroup{{Params: params, LR: 0.1}}
	opt, err := NewDistributedOptimizer(context.Background(), model, groups, &inneropt.SGD{},
		lossscale.NewDynamic(lossscale.Config{InitialScale: 1024}), w.Group(0), nil, 0)
	require.NoError(t, err)
	opt.ZeroGrad()
	for i := range model.Replicas[0].ParamGrad[params[0]] {
		model.Replicas[0].ParamGrad[params[0]][i] = float32(math.Inf(1))
	}

	res, err := opt.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, Overflow, res.State)
	// Parameters must be untouched by a skipped step.
	for _, v := range model.Replicas[0].ParamData[params[0]] {
		assert.Equal(t, float32(5), v)
	}
}

func TestDistributedStepMultiRankShardsAndGathers(t *testing.T) {
	const world = 4
	opts := make([]*DistributedOptimizer, world)
	models := make([]*dpmodel.Model, world)
	w := simgroup.NewWorld(world)

	require.NoError(t, traverse.Each(world, func(rank int) error {
		model, params := dpmodel.NewSyntheticModel(dtype.F32, []dpmodel.LayerSpec{{Name: "w", NumElements: 37}})
		groups := []inneropt.ParamGroup{{Params: params, LR: 0.1}}
		opt, err := NewDistributedOptimizer(context.Background(), model, groups, &inneropt.SGD{}, lossscale.Static{}, w.Group(rank), nil, 0)
		if err != nil {
			return err
		}
		models[rank] = model
		opts[rank] = opt
		return nil
	}))

	require.NoError(t, traverse.Each(world, func(rank int) error {
		opts[rank].ZeroGrad()
		params := models[rank].Replicas[0].Params
		for i := range models[rank].Replicas[0].ParamGrad[params[0]] {
			models[rank].Replicas[0].ParamGrad[params[0]][i] = 1 // identical grad on every rank
		}
		res, err := opts[rank].Step(context.Background())
		if err != nil {
			return err
		}
		if !res.Success {
			t.Errorf("rank %d: step did not succeed", rank)
		}
		return nil
	}))

	// Every rank sees the same updated param after gather: grad per rank
	// was 1, summed over 4 ranks = 4, lr=0.1 -> param = 0 - 0.1*4 = -0.4.
	for rank := 0; rank < world; rank++ {
		params := models[rank].Replicas[0].Params
		for _, v := range models[rank].Replicas[0].ParamData[params[0]] {
			assert.InDelta(t, -0.4, float64(v), 1e-4, "rank %d", rank)
		}
	}
}

func TestNewDistributedOptimizerRejectsDivergentPlan(t *testing.T) {
	const world = 2
	w := simgroup.NewWorld(world)
	errs := make([]error, world)

	require.NoError(t, traverse.Each(world, func(rank int) error {
		// Rank 1 builds a model with an extra parameter, so its ShardPlan
		// necessarily disagrees with rank 0's.
		specs := []dpmodel.LayerSpec{{Name: "w", NumElements: 16}}
		if rank == 1 {
			specs = append(specs, dpmodel.LayerSpec{Name: "extra", NumElements: 8})
		}
		model, params := dpmodel.NewSyntheticModel(dtype.F32, specs)
		groups := []inneropt.ParamGroup{{Params: params, LR: 0.1}}
		_, err := NewDistributedOptimizer(context.Background(), model, groups, &inneropt.SGD{}, lossscale.Static{}, w.Group(rank), nil, 0)
		errs[rank] = err
		return nil
	}))

	assert.True(t, errs[0] != nil || errs[1] != nil, "at least one rank must detect plan divergence")
}

func TestReloadModelParamsThenGatherParamsRoundTrips(t *testing.T) {
	const world = 3
	w := simgroup.NewWorld(world)
	opts := make([]*DistributedOptimizer, world)
	models := make([]*dpmodel.Model, world)
	before := make([][]float32, world)

	require.NoError(t, traverse.Each(world, func(rank int) error {
		// Every rank's replica starts with identical weights, as a real
		// data-parallel job would (each process holds the same model).
		model, params := dpmodel.NewSyntheticModel(dtype.F32, []dpmodel.LayerSpec{{Name: "w", NumElements: 37}})
		for i := range model.Replicas[0].ParamData[params[0]] {
			model.Replicas[0].ParamData[params[0]][i] = float32(i) * 1.5
		}
		models[rank] = model
		before[rank] = append([]float32(nil), model.Replicas[0].ParamData[params[0]]...)

		groups := []inneropt.ParamGroup{{Params: params, LR: 0.1}}
		opt, err := NewDistributedOptimizer(context.Background(), model, groups, &inneropt.SGD{}, lossscale.Static{}, w.Group(rank), nil, 0)
		opts[rank] = opt
		return err
	}))

	require.NoError(t, traverse.Each(world, func(rank int) error {
		if err := opts[rank].ReloadModelParams(); err != nil {
			return err
		}
		return opts[rank].GatherParams(context.Background())
	}))

	for rank := 0; rank < world; rank++ {
		params := models[rank].Replicas[0].Params
		assert.Equal(t, before[rank], models[rank].Replicas[0].ParamData[params[0]], "rank %d", rank)
	}
}

func TestGetLossScaleAndScaleLoss(t *testing.T) {
	model, params := dpmodel.NewSyntheticModel(dtype.F32, []dpmodel.LayerSpec{{Name: "w", NumElements: 4}})
	w := simgroup.NewWorld(1)
	groups := []inneropt.ParamGroup{{Params: params, LR: 0.1}}
	opt, err := NewDistributedOptimizer(context.Background(), model, groups, &inneropt.SGD{},
		lossscale.NewDynamic(lossscale.Config{InitialScale: 8}), w.Group(0), nil, 0)
	require.NoError(t, err)

	assert.Equal(t, 8.0, opt.GetLossScale())
	assert.Equal(t, 16.0, opt.ScaleLoss(2))
	assert.True(t, opt.HasLossScale())
}

func TestReplicatedStepMatchesAcrossRanks(t *testing.T) {
	const world = 2
	opts := make([]*ReplicatedOptimizer, world)
	models := make([]*dpmodel.Model, world)
	w := simgroup.NewWorld(world)

	require.NoError(t, traverse.Each(world, func(rank int) error {
		model, params := dpmodel.NewSyntheticModel(dtype.F32, []dpmodel.LayerSpec{{Name: "w", NumElements: 6}})
		groups := []inneropt.ParamGroup{{Params: params, LR: 0.5}}
		opt, err := NewReplicatedOptimizer(context.Background(), model, groups, &inneropt.SGD{}, lossscale.Static{}, w.Group(rank), nil, 0)
		if err != nil {
			return err
		}
		models[rank] = model
		opts[rank] = opt
		return nil
	}))

	require.NoError(t, traverse.Each(world, func(rank int) error {
		opts[rank].ZeroGrad()
		params := models[rank].Replicas[0].Params
		for i := range models[rank].Replicas[0].ParamGrad[params[0]] {
			models[rank].Replicas[0].ParamGrad[params[0]][i] = float32(rank + 1)
		}
		_, err := opts[rank].Step(context.Background())
		return err
	}))

	// rank0 contributes 1, rank1 contributes 2 -> summed grad 3 on every
	// rank's replicated (non-sharded) master copy; param = 0 - 0.5*3.
	for rank := 0; rank < world; rank++ {
		params := models[rank].Replicas[0].Params
		for _, v := range models[rank].Replicas[0].ParamData[params[0]] {
			assert.InDelta(t, -1.5, float64(v), 1e-4, "rank %d", rank)
		}
	}
}
