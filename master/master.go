// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package master implements the master-state allocator (spec component
// C): given the pre-sharding optimizer parameter groups and each model
// replica's per-dtype shard records, it builds one flat float32 master
// parameter/gradient tensor pair per group, populated from this rank's
// owned shard of every parameter in that group. This is the Go analogue
// of Float16DistributedOptimizer.allocate_main_param_shards in the
// original implementation this module is derived from.
package master

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/gbuf"
	"github.com/gridforge/shardopt/inneropt"
	"github.com/gridforge/shardopt/shard"
)

// orderedDtypes fixes an iteration order over dtype.Kind so allocation is
// deterministic across ranks even though a model's shard records are
// stored in a map keyed by dtype.
var orderedDtypes = []dtype.Kind{dtype.F16, dtype.BF16, dtype.F32}

// Member locates one parameter's owned shard within a Group's flat master
// tensors, and back into the originating model's grad buffer.
type Member struct {
	Param      *gbuf.Param
	ModelIndex int
	Dtype      dtype.Kind
	MasterSpan shard.Range // this parameter's range within Group's tensors
	GbufShard  gbuf.ParamShard
}

// Group is one parameter group's master-state allocation: a single flat
// (param, grad) tensor pair sized to the total number of elements this
// rank owns across every parameter in the group, plus the per-member
// layout needed to copy to/from each model's grad buffer.
type Group struct {
	Index       int // position in the ParamGroup slice the allocator was given
	LR          float64
	MasterParam []float32
	MasterGrad  []float32
	Members     []Member
}

// Size returns the number of float32 elements in the group's flat tensors.
func (g *Group) Size() int { return len(g.MasterParam) }

// Allocator builds master Groups from param groups and per-replica shard
// records.
type Allocator struct{}

// Allocate builds one Group per non-empty entry of groups, in order,
// dropping any group whose flat size would be zero (spec §4.C "Allocation
// skips empty groups"). modelShards has one entry per model replica,
// mapping dtype to that replica's ShardRecord for the current rank.
func (Allocator) Allocate(groups []inneropt.ParamGroup, modelShards []map[dtype.Kind]*gbuf.ShardRecord) ([]*Group, error) {
	out := make([]*Group, 0, len(groups))
	for gi, pg := range groups {
		owned := make(map[*gbuf.Param]bool, len(pg.Params))
		for _, p := range pg.Params {
			owned[p] = true
		}

		group := &Group{Index: gi, LR: pg.LR}
		offset := 0
		for modelIndex, byDtype := range modelShards {
			for _, dt := range orderedDtypes {
				rec, ok := byDtype[dt]
				if !ok {
					continue
				}
				for _, p := range rec.ParamOrder {
					if !owned[p] {
						continue
					}
					ps, ok := rec.ParamMap[p]
					if !ok {
						continue
					}
					n := ps.GbufLocal.Size()
					if n == 0 {
						continue
					}
					span := shard.Range{Start: offset, End: offset + n}
					group.Members = append(group.Members, Member{
						Param:      p,
						ModelIndex: modelIndex,
						Dtype:      dt,
						MasterSpan: span,
						GbufShard:  ps,
					})
					offset = span.End
				}
			}
		}

		if offset == 0 {
			log.Debug.Printf("master: dropping empty group %d", gi)
			continue
		}
		group.MasterParam = make([]float32, offset)
		group.MasterGrad = make([]float32, offset)
		out = append(out, group)
	}
	return out, nil
}

// InitFromModel copies each member's currently owned sub-range of the
// model's live parameter weights (replica.ParamData, not the grad buffer --
// a fresh grad buffer is always zero) into the group's MasterParam,
// matching Float16DistributedOptimizer's initial-state construction where
// the master copy is seeded from the live model weights rather than
// zeroed. The coordinates used here (Member.GbufShard.Param) are the same
// per-parameter sub-range CopyBufferToParamData writes back into, so
// init and copy-out agree on what this rank owns.
func InitFromModel(groups []*Group, modelParamData []map[*gbuf.Param][]float32) error {
	for _, g := range groups {
		for _, m := range g.Members {
			paramData, ok := indexParamData(modelParamData, m.ModelIndex)
			if !ok {
				return errors.E(errors.Invalid, "master: model index out of range")
			}
			full, ok := paramData[m.Param]
			if !ok {
				return errors.E(errors.Invalid, "master: no ParamData for member")
			}
			ps := m.GbufShard.Param
			if ps.End > len(full) {
				return errors.E(errors.Invalid, "master: param shard out of range")
			}
			src := full[ps.Start:ps.End]
			dst := g.MasterParam[m.MasterSpan.Start:m.MasterSpan.End]
			copy(dst, src)
		}
	}
	return nil
}

func indexParamData(modelParamData []map[*gbuf.Param][]float32, i int) (map[*gbuf.Param][]float32, bool) {
	if i < 0 || i >= len(modelParamData) {
		return nil, false
	}
	return modelParamData[i], true
}
