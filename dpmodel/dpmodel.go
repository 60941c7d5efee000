// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dpmodel stands in for the data-parallel-wrapped model that spec
// §1 treats as an external collaborator: it owns the per-parameter live
// weight and gradient tensors, and the contiguous per-dtype grad buffers
// the rest of this module partitions and reduces. A real integration
// would plug an existing training framework's parameter list in here;
// this package exists so the optimizer pipeline is runnable end to end.
package dpmodel

import (
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/gbuf"
)

// Replica is one data-parallel model replica: its parameters, the grad
// buffers they are packed into (keyed by storage dtype), and the
// per-parameter dense tensors a real autograd engine would own.
type Replica struct {
	Params      []*gbuf.Param
	GradBuffers map[dtype.Kind]*gbuf.Buffer

	// ParamGrad holds each parameter's dense gradient, as produced by a
	// backward pass, full NumElements length. NewReplica allocates it
	// zeroed; a caller (e.g. a training loop, or a test/demo stand-in)
	// fills it in.
	ParamGrad map[*gbuf.Param][]float32

	// ParamData holds each parameter's live weight values, full
	// NumElements length. Param copy-out (package copyio) writes the
	// post-step values here once gather completes.
	ParamData map[*gbuf.Param][]float32
}

// NewReplica builds a Replica with one grad buffer per dtype present in
// paramsByDtype, allocating (but not populating) ParamGrad/ParamData for
// every parameter.
func NewReplica(paramsByDtype map[dtype.Kind][]*gbuf.Param) *Replica {
	r := &Replica{
		GradBuffers: make(map[dtype.Kind]*gbuf.Buffer),
		ParamGrad:   make(map[*gbuf.Param][]float32),
		ParamData:   make(map[*gbuf.Param][]float32),
	}
	for dt, params := range paramsByDtype {
		r.GradBuffers[dt] = gbuf.NewBuffer(dt, params)
		r.Params = append(r.Params, params...)
	}
	for _, p := range r.Params {
		r.ParamGrad[p] = make([]float32, p.NumElements)
		r.ParamData[p] = make([]float32, p.NumElements)
	}
	return r
}

// Model is the full set of data-parallel replicas participating in one
// optimizer instance (more than one replica models pipeline-parallel
// virtual stages; a single-replica Model is the common case).
type Model struct {
	Replicas []*Replica
}

// ShardPlan is the per-rank partition of every replica's grad buffers,
// computed once per (world, rank) pair and reused across steps as long as
// the model's parameter layout does not change.
type ShardPlan struct {
	ByReplica []map[dtype.Kind]*gbuf.ShardRecord
}

// ComputeShardPlan partitions every replica's grad buffers for the given
// world size and rank.
func ComputeShardPlan(m *Model, world, rank int) *ShardPlan {
	plan := &ShardPlan{ByReplica: make([]map[dtype.Kind]*gbuf.ShardRecord, len(m.Replicas))}
	for i, replica := range m.Replicas {
		byDtype := make(map[dtype.Kind]*gbuf.ShardRecord, len(replica.GradBuffers))
		for dt, buf := range replica.GradBuffers {
			byDtype[dt] = gbuf.ComputeShard(buf, world, rank)
		}
		plan.ByReplica[i] = byDtype
	}
	return plan
}
