// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package optimizer implements the step orchestrator (spec component I):
// the state machine that drives one optimizer step end to end, from
// tied-weight sync through reduce, unscale/overflow-check, clip, the
// inner optimizer's Step, and copy-out/gather. DistributedOptimizer
// shards master state across the data-parallel group (spec §1's primary
// subject); ReplicatedOptimizer keeps a full redundant copy on every rank
// and is provided so the equivalence property between the two strategies
// (spec §8 item 4) is testable rather than merely asserted.
package optimizer

import (
	"context"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/gridforge/shardopt/collective"
	"github.com/gridforge/shardopt/copyio"
	"github.com/gridforge/shardopt/dpmodel"
	"github.com/gridforge/shardopt/gbuf"
	"github.com/gridforge/shardopt/inneropt"
	"github.com/gridforge/shardopt/lossscale"
	"github.com/gridforge/shardopt/master"
	"github.com/gridforge/shardopt/tiedsync"
)

// StepResult reports the outcome of one Step call. Success is false
// exactly when a non-finite gradient was detected (spec §7: numerical
// non-finite is a control signal, never an error); in that case no
// parameter update happened and GradNorm/NumZeros are zero.
type StepResult struct {
	Success  bool
	GradNorm float64
	NumZeros int64
	State    State
}

// core holds the pipeline shared by DistributedOptimizer and
// ReplicatedOptimizer; the two exported types differ only in whether
// sharded is set and in how the master-state allocation plan was built.
type core struct {
	model   *dpmodel.Model
	inner   inneropt.Optimizer
	scale   lossscale.Controller
	pg      collective.ProcessGroup
	tied    []tiedsync.TiedParam
	maxNorm float64

	sharded bool
	plan    *dpmodel.ShardPlan
	groups  []*master.Group
	state   State
}

func newCore(ctx context.Context, model *dpmodel.Model, paramGroups []inneropt.ParamGroup, inner inneropt.Optimizer,
	scale lossscale.Controller, pg collective.ProcessGroup, tied []tiedsync.TiedParam,
	maxNorm float64, sharded bool) (*core, error) {

	for _, replica := range model.Replicas {
		for dt := range replica.GradBuffers {
			if !dt.Valid() {
				return nil, errors.E(errors.Invalid, "optimizer: unsupported grad buffer dtype", dt.String())
			}
			if err := lossscale.RequireScaler(dt, scale); err != nil {
				return nil, err
			}
		}
	}

	world, rank := 1, 0
	if sharded {
		world, rank = pg.Size(), pg.Rank()
	}
	plan := dpmodel.ComputeShardPlan(model, world, rank)
	if sharded {
		// This rank's own plan depends on its rank, so the check hashes the
		// world-size-1 plan instead: it covers every buffer's full layout
		// and is the same on every rank that built the same model.
		if err := checkPlanConsensus(ctx, pg, dpmodel.ComputeShardPlan(model, 1, 0)); err != nil {
			return nil, err
		}
	}

	groups, err := master.Allocator{}.Allocate(paramGroups, plan.ByReplica)
	if err != nil {
		return nil, err
	}
	paramDataByReplica := make([]map[*gbuf.Param][]float32, len(model.Replicas))
	for i, replica := range model.Replicas {
		paramDataByReplica[i] = replica.ParamData
	}
	if err := master.InitFromModel(groups, paramDataByReplica); err != nil {
		return nil, err
	}

	return &core{
		model: model, inner: inner, scale: scale, pg: pg, tied: tied, maxNorm: maxNorm,
		sharded: sharded, plan: plan, groups: groups, state: Ready,
	}, nil
}

// checkPlanConsensus verifies that plan, which every rank must compute the
// same way, has the same shape on every rank before any collective touches
// real gradients. The plan's
// dpmodel.PlanFingerprint is a 64-bit farm hash; the collective channel
// only carries float32, which cannot represent a uint64 exactly, so the
// low 24 bits (the largest integer range float32 represents exactly) are
// compared via a Max-reduce. That is enough to catch the overwhelming
// majority of accidental divergence (e.g. parameters registered in a
// different order on one rank) without needing a wider collective.
func checkPlanConsensus(ctx context.Context, pg collective.ProcessGroup, plan *dpmodel.ShardPlan) error {
	if pg.Size() <= 1 {
		return nil
	}
	local := dpmodel.PlanFingerprint(plan) & 0xFFFFFF
	buf := []float32{float32(local)}
	if err := pg.AllReduce(ctx, buf, collective.Max); err != nil {
		return errors.E(errors.Unavailable, err)
	}
	if int64(buf[0]) != int64(local) {
		return errors.E(errors.Invalid, "optimizer: shard plan diverges across ranks")
	}
	return nil
}

// ZeroGrad clears every replica's grad buffers, matching zero_grad's
// buffer-clearing half. Callers populate replica.ParamGrad (e.g. from a
// backward pass) between ZeroGrad and Step.
func (c *core) ZeroGrad() {
	for _, replica := range c.model.Replicas {
		copyio.ZeroGradBuffers(replica)
	}
}

// ReloadModelParams re-seeds every master group's parameter shard from the
// model's current live weights, the same seeding newCore performs at
// construction. Paired with GatherParams and no intervening Step, this is
// the round-trip property of spec testable property 3: every model
// parameter must come back bit-identical.
func (c *core) ReloadModelParams() error {
	paramDataByReplica := make([]map[*gbuf.Param][]float32, len(c.model.Replicas))
	for i, replica := range c.model.Replicas {
		paramDataByReplica[i] = replica.ParamData
	}
	return master.InitFromModel(c.groups, paramDataByReplica)
}

// GatherParams writes the master parameter shards back into each model
// replica's grad buffer and all-gathers/copies them out to ParamData, the
// same copy-out/gather Step performs after the inner optimizer runs. It is
// a no-op collective-wise when not sharded, since nothing was partitioned.
func (c *core) GatherParams(ctx context.Context) error {
	for i := range c.model.Replicas {
		for dt := range c.plan.ByReplica[i] {
			if err := copyio.CopyMasterParamToBuffer(c.groups, i, dt, c.model.Replicas[i].GradBuffers[dt]); err != nil {
				return errors.E(errors.Precondition, err)
			}
		}
	}
	if err := c.gather(ctx); err != nil {
		return errors.E(errors.Unavailable, err)
	}
	for _, replica := range c.model.Replicas {
		for _, buf := range replica.GradBuffers {
			if err := copyio.CopyBufferToParamData(replica, buf); err != nil {
				return errors.E(errors.Precondition, err)
			}
		}
	}
	return nil
}

// GetLossScale returns the loss-scale controller's current scale.
func (c *core) GetLossScale() float64 { return float64(c.scale.Scale()) }

// ScaleLoss multiplies loss by the controller's current scale, the
// pre-backward scaling step spec §4.F describes as outside the
// orchestrator's own reduce/step pipeline.
func (c *core) ScaleLoss(loss float64) float64 { return loss * float64(c.scale.Scale()) }

// HasLossScale reports whether this optimizer was configured with a real
// (Dynamic) loss scaler, as opposed to the Static no-op -- package ckpt
// uses this to decide whether a checkpoint's loss_scale presence matches
// what this instance expects.
func (c *core) HasLossScale() bool {
	_, static := c.scale.(lossscale.Static)
	return !static
}

func (c *core) Step(ctx context.Context) (StepResult, error) {
	c.state = Ready

	if err := tiedsync.Sync(ctx, c.pg, c.tied); err != nil {
		return StepResult{}, errors.E(errors.Unavailable, err)
	}
	c.state = TiedReduced

	for _, replica := range c.model.Replicas {
		if err := copyio.CopyModelGradsToBuffers(replica); err != nil {
			return StepResult{}, errors.E(errors.Precondition, err)
		}
	}

	if err := c.reduce(ctx); err != nil {
		return StepResult{}, errors.E(errors.Unavailable, err)
	}
	c.state = Scattered

	for i, replica := range c.model.Replicas {
		for dt, rec := range c.plan.ByReplica[i] {
			local := replica.GradBuffers[dt].View(rec.Local)
			if err := copyio.CopyReducedGradToMaster(c.groups, i, dt, local); err != nil {
				return StepResult{}, errors.E(errors.Precondition, err)
			}
		}
	}
	c.state = GradsCopied

	allGrads := make([][]float32, len(c.groups))
	for i, g := range c.groups {
		allGrads[i] = g.MasterGrad
	}
	foundInf := c.scale.UnscaleAndCheckFinite(allGrads)
	foundInf, err := c.allReduceFoundInf(ctx, foundInf)
	if err != nil {
		return StepResult{}, errors.E(errors.Unavailable, err)
	}
	c.scale.Update(foundInf)
	if foundInf {
		c.state = Overflow
		log.Debug.Printf("optimizer: step skipped, non-finite gradient (scale now %v)", c.scale.Scale())
		return StepResult{Success: false, State: Overflow}, nil
	}
	c.state = Scaled

	gradNorm, numZeros, err := c.clipAndMeasure(ctx)
	if err != nil {
		return StepResult{}, errors.E(errors.Unavailable, err)
	}
	c.state = Clipped

	groupStates := make([]*inneropt.GroupState, len(c.groups))
	for i, g := range c.groups {
		groupStates[i] = &inneropt.GroupState{Param: g.MasterParam, Grad: g.MasterGrad, LR: g.LR}
	}
	if err := c.inner.Step(groupStates); err != nil {
		return StepResult{}, errors.E(errors.Precondition, err)
	}
	c.state = Stepped

	for i := range c.model.Replicas {
		for dt := range c.plan.ByReplica[i] {
			if err := copyio.CopyMasterParamToBuffer(c.groups, i, dt, c.model.Replicas[i].GradBuffers[dt]); err != nil {
				return StepResult{}, errors.E(errors.Precondition, err)
			}
		}
	}
	c.state = ParamsCopied

	if err := c.gather(ctx); err != nil {
		return StepResult{}, errors.E(errors.Unavailable, err)
	}
	for _, replica := range c.model.Replicas {
		for _, buf := range replica.GradBuffers {
			if err := copyio.CopyBufferToParamData(replica, buf); err != nil {
				return StepResult{}, errors.E(errors.Precondition, err)
			}
		}
	}
	c.state = Gathered

	result := StepResult{Success: true, GradNorm: gradNorm, NumZeros: numZeros, State: Gathered}
	c.state = Ready
	return result, nil
}

// reduce combines every replica's grad buffer across the data-parallel
// group: a real ReduceScatter when sharded (each rank keeps only its
// owned shard), a dense AllReduce otherwise (every rank keeps the full,
// now-identical buffer).
func (c *core) reduce(ctx context.Context) error {
	for i, replica := range c.model.Replicas {
		for dt, buf := range replica.GradBuffers {
			if !c.sharded {
				if err := c.pg.AllReduce(ctx, buf.Data, collective.Sum); err != nil {
					return err
				}
				continue
			}
			rec := c.plan.ByReplica[i][dt]
			chunks := make([][]float32, len(rec.WorldAll))
			for r, wr := range rec.WorldAll {
				chunks[r] = buf.Data[wr.Start:wr.End]
			}
			out := make([]float32, rec.Local.Size())
			if err := c.pg.ReduceScatter(ctx, chunks, out, collective.Sum); err != nil {
				return err
			}
			copy(buf.View(rec.Local), out)
		}
	}
	return nil
}

// gather restores every rank's full grad buffer after the step, so
// CopyBufferToParamData sees every parameter's updated value, not just
// the locally-owned shard. A no-op when not sharded: the buffer was never
// partitioned in the first place.
func (c *core) gather(ctx context.Context) error {
	if !c.sharded {
		return nil
	}
	for i, replica := range c.model.Replicas {
		for dt, buf := range replica.GradBuffers {
			rec := c.plan.ByReplica[i][dt]
			chunk := buf.View(rec.World)
			if err := c.pg.AllGather(ctx, chunk, buf.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *core) allReduceFoundInf(ctx context.Context, local bool) (bool, error) {
	if !c.sharded {
		// Every rank's grad buffer was already densely AllReduced, so
		// finiteness is already identical across ranks.
		return local, nil
	}
	buf := []float32{0}
	if local {
		buf[0] = 1
	}
	// Open Question resolution: found_inf is reduced across the full
	// data-parallel group, not a model-parallel subgroup (see DESIGN.md).
	if err := c.pg.AllReduce(ctx, buf, collective.Max); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// clipAndMeasure computes the global gradient L2 norm and zero count
// across every master group, applying global-norm clipping in place when
// maxNorm is positive and exceeded.
func (c *core) clipAndMeasure(ctx context.Context) (float64, int64, error) {
	var sumSq float64
	var zeros int64
	for _, g := range c.groups {
		for _, v := range g.MasterGrad {
			sumSq += float64(v) * float64(v)
			if v == 0 {
				zeros++
			}
		}
	}
	if c.sharded {
		buf := []float32{float32(sumSq)}
		if err := c.pg.AllReduce(ctx, buf, collective.Sum); err != nil {
			return 0, 0, err
		}
		sumSq = float64(buf[0])

		zbuf := []float32{float32(zeros)}
		if err := c.pg.AllReduce(ctx, zbuf, collective.Sum); err != nil {
			return 0, 0, err
		}
		zeros = int64(zbuf[0])
	}
	norm := math.Sqrt(sumSq)
	if c.maxNorm > 0 && norm > c.maxNorm {
		coef := float32(c.maxNorm / (norm + 1e-6))
		for _, g := range c.groups {
			for i := range g.MasterGrad {
				g.MasterGrad[i] *= coef
			}
		}
	}
	return norm, zeros, nil
}

// StateDict returns the round-trippable optimizer state: the inner
// optimizer's own state plus the loss-scale controller's scale. Master
// tensors themselves are the checkpoint adapter's (package ckpt)
// responsibility, since they need world-size-aware gather/scatter.
func (c *core) StateDict() (map[string]interface{}, error) {
	inner, err := c.inner.StateDict()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"inner_optimizer": inner,
		"loss_scale":      c.scale.Scale(),
	}, nil
}

func (c *core) LoadStateDict(state map[string]interface{}) error {
	if inner, ok := state["inner_optimizer"].(map[string]interface{}); ok {
		if err := c.inner.LoadStateDict(inner); err != nil {
			return err
		}
	}
	return nil
}

// DistributedOptimizer shards master parameter/gradient state across the
// data-parallel group (spec §1): each rank owns one contiguous slice of
// every grad buffer, and all-gather reconstructs the full parameter after
// each step.
type DistributedOptimizer struct{ c *core }

// NewDistributedOptimizer constructs a DistributedOptimizer. maxNorm <= 0
// disables gradient clipping.
func NewDistributedOptimizer(ctx context.Context, model *dpmodel.Model, paramGroups []inneropt.ParamGroup, inner inneropt.Optimizer,
	scale lossscale.Controller, pg collective.ProcessGroup, tied []tiedsync.TiedParam, maxNorm float64) (*DistributedOptimizer, error) {
	c, err := newCore(ctx, model, paramGroups, inner, scale, pg, tied, maxNorm, true)
	if err != nil {
		return nil, err
	}
	return &DistributedOptimizer{c: c}, nil
}

func (o *DistributedOptimizer) ZeroGrad()                     { o.c.ZeroGrad() }
func (o *DistributedOptimizer) State() State                  { return o.c.state }
func (o *DistributedOptimizer) Groups() []*master.Group       { return o.c.groups }
func (o *DistributedOptimizer) Step(ctx context.Context) (StepResult, error) {
	return o.c.Step(ctx)
}
func (o *DistributedOptimizer) StateDict() (map[string]interface{}, error) { return o.c.StateDict() }
func (o *DistributedOptimizer) LoadStateDict(s map[string]interface{}) error {
	return o.c.LoadStateDict(s)
}
func (o *DistributedOptimizer) ReloadModelParams() error               { return o.c.ReloadModelParams() }
func (o *DistributedOptimizer) GatherParams(ctx context.Context) error { return o.c.GatherParams(ctx) }
func (o *DistributedOptimizer) GetLossScale() float64                  { return o.c.GetLossScale() }
func (o *DistributedOptimizer) ScaleLoss(loss float64) float64         { return o.c.ScaleLoss(loss) }
func (o *DistributedOptimizer) HasLossScale() bool                     { return o.c.HasLossScale() }

// MasterParamShards returns this rank's local master parameter shard for
// every group, satisfying ckpt.MasterState.
func (o *DistributedOptimizer) MasterParamShards() [][]float32 {
	out := make([][]float32, len(o.c.groups))
	for i, g := range o.c.groups {
		out[i] = g.MasterParam
	}
	return out
}

// RestoreMasterParamShards overwrites every group's master parameter
// shard from shards, which must have one entry per group in the same
// order Allocate produced them and matching sizes -- both guaranteed when
// shards came from a checkpoint saved at the same world size (see
// package ckpt's world-size check).
func (o *DistributedOptimizer) RestoreMasterParamShards(shards [][]float32) error {
	if len(shards) != len(o.c.groups) {
		return errors.E(errors.Invalid, "optimizer: checkpoint group count mismatch")
	}
	for i, g := range o.c.groups {
		if len(shards[i]) != len(g.MasterParam) {
			return errors.E(errors.Invalid, "optimizer: checkpoint group size mismatch")
		}
		copy(g.MasterParam, shards[i])
	}
	return nil
}

// ReplicatedOptimizer keeps a full, redundant copy of master state on
// every rank, reducing gradients with a dense AllReduce instead of
// sharding them. It exists to make the sharded/replicated equivalence
// property (spec §8 item 4) testable: given the same per-rank gradients,
// both optimizers must reach the same parameter values.
type ReplicatedOptimizer struct{ c *core }

// NewReplicatedOptimizer constructs a ReplicatedOptimizer. pg may still
// have more than one rank (that determines the AllReduce group size); the
// master state itself is never partitioned.
func NewReplicatedOptimizer(ctx context.Context, model *dpmodel.Model, paramGroups []inneropt.ParamGroup, inner inneropt.Optimizer,
	scale lossscale.Controller, pg collective.ProcessGroup, tied []tiedsync.TiedParam, maxNorm float64) (*ReplicatedOptimizer, error) {
	c, err := newCore(ctx, model, paramGroups, inner, scale, pg, tied, maxNorm, false)
	if err != nil {
		return nil, err
	}
	return &ReplicatedOptimizer{c: c}, nil
}

func (o *ReplicatedOptimizer) ZeroGrad()               { o.c.ZeroGrad() }
func (o *ReplicatedOptimizer) State() State            { return o.c.state }
func (o *ReplicatedOptimizer) Groups() []*master.Group { return o.c.groups }
func (o *ReplicatedOptimizer) Step(ctx context.Context) (StepResult, error) {
	return o.c.Step(ctx)
}
func (o *ReplicatedOptimizer) StateDict() (map[string]interface{}, error) { return o.c.StateDict() }
func (o *ReplicatedOptimizer) LoadStateDict(s map[string]interface{}) error {
	return o.c.LoadStateDict(s)
}
func (o *ReplicatedOptimizer) ReloadModelParams() error              { return o.c.ReloadModelParams() }
func (o *ReplicatedOptimizer) GatherParams(ctx context.Context) error { return o.c.GatherParams(ctx) }
func (o *ReplicatedOptimizer) GetLossScale() float64                 { return o.c.GetLossScale() }
func (o *ReplicatedOptimizer) ScaleLoss(loss float64) float64        { return o.c.ScaleLoss(loss) }
func (o *ReplicatedOptimizer) HasLossScale() bool                    { return o.c.HasLossScale() }
