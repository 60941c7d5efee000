// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command shardopt-demo runs a few steps of a synthetic sharded-optimizer
// training loop over an in-process simulated process group, to exercise
// the whole pipeline end to end outside of a test binary.
package main

import (
	"context"
	"flag"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/vcontext"
	"github.com/gridforge/shardopt/dpmodel"
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/inneropt"
	"github.com/gridforge/shardopt/lossscale"
	"github.com/gridforge/shardopt/optimizer"
	"github.com/gridforge/shardopt/simgroup"
)

func main() {
	world := flag.Int("world-size", 4, "number of simulated data-parallel ranks")
	steps := flag.Int("steps", 5, "number of optimizer steps to run")
	lr := flag.Float64("lr", 0.01, "learning rate")
	dtypeFlag := flag.String("dtype", "f16", "storage dtype: f16, bf16, or f32")
	embedSize := flag.Int("embed-size", 1024, "element count of the (tied) embedding parameter")
	layerSize := flag.Int("layer-size", 4096, "element count of each hidden-layer parameter")
	numLayers := flag.Int("num-layers", 3, "number of hidden-layer parameters")

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	dt, err := parseDtype(*dtypeFlag)
	if err != nil {
		log.Fatal(err)
	}

	specs := []dpmodel.LayerSpec{{Name: "embedding", NumElements: *embedSize, Shared: true}}
	for i := 0; i < *numLayers; i++ {
		specs = append(specs, dpmodel.LayerSpec{Name: "layer", NumElements: *layerSize})
	}

	w := simgroup.NewWorld(*world)
	var scale lossscale.Controller
	if dt.RequiresScaler() {
		scale = lossscale.NewDynamic(lossscale.DefaultConfig())
	} else {
		scale = lossscale.Static{}
	}

	err = traverse.Each(*world, func(rank int) error {
		return runRank(ctx, rank, w, dt, specs, *lr, *steps, scale)
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("shardopt-demo: completed %d steps across %d ranks", *steps, *world)
}

func runRank(ctx context.Context, rank int, w *simgroup.World, dt dtype.Kind, specs []dpmodel.LayerSpec,
	lr float64, steps int, scale lossscale.Controller) error {

	model, params := dpmodel.NewSyntheticModel(dt, specs)
	groups := []inneropt.ParamGroup{{Params: params, LR: lr}}
	opt, err := optimizer.NewDistributedOptimizer(ctx, model, groups, &inneropt.Adam{}, scale, w.Group(rank), nil, 1.0)
	if err != nil {
		return errors.E(err, "rank", rank, "construct optimizer")
	}

	replica := model.Replicas[0]
	for step := 0; step < steps; step++ {
		opt.ZeroGrad()
		for _, p := range params {
			fillSyntheticGradient(replica.ParamGrad[p], rank, step)
		}
		res, err := opt.Step(ctx)
		if err != nil {
			return errors.E(err, "rank", rank, "step", step)
		}
		if rank == 0 {
			log.Printf("step %d: success=%v state=%v gradNorm=%.4f numZeros=%d",
				step, res.Success, res.State, res.GradNorm, res.NumZeros)
		}
	}
	return nil
}

// fillSyntheticGradient deterministically fills buf with small, rank-
// and step-varying values so every demo run is reproducible without an
// actual forward/backward pass.
func fillSyntheticGradient(buf []float32, rank, step int) {
	for i := range buf {
		buf[i] = 0.001 * float32((i+rank+step)%7-3)
	}
}

func parseDtype(s string) (dtype.Kind, error) {
	switch s {
	case "f16":
		return dtype.F16, nil
	case "bf16":
		return dtype.BF16, nil
	case "f32":
		return dtype.F32, nil
	default:
		return 0, errors.E(errors.Invalid, "shardopt-demo: unknown dtype", s)
	}
}
