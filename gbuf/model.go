// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gbuf

import (
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/shard"
)

// NewBuffer lays params out contiguously, in the given order, into a
// single flat buffer of accumulation precision (float32) and returns the
// Buffer. This is the Go analogue of the DP wrapper's
// _grad_buffers/_grad_buffer_param_index_map construction, which spec §1
// treats as an external collaborator; NewBuffer exists so this module's
// own tests and demo command can build one directly.
func NewBuffer(dt dtype.Kind, params []*Param) *Buffer {
	buf := &Buffer{Dtype: dt}
	offset := 0
	for _, p := range params {
		end := offset + p.NumElements
		buf.Params = append(buf.Params, Placement{
			Param: p,
			World: shard.Range{Start: offset, End: end},
		})
		offset = end
	}
	buf.Data = make([]float32, offset)
	return buf
}

// ModelLocation identifies which (model replica, dtype) buffer a parameter
// was placed into; this is the inverse index copy-in/copy-out use to find
// the buffer backing a given master-side parameter (spec §3 "Param ->
// (model_index, dtype) map").
type ModelLocation struct {
	ModelIndex int
	Dtype      dtype.Kind
}

// BuildParamLocationMap builds the inverse (parameter -> model/dtype)
// index across every replica's shard records, mirroring
// Float16DistributedOptimizer.get_param_gbuf_map in the source this module
// is derived from.
func BuildParamLocationMap(modelShards []map[dtype.Kind]*ShardRecord) map[*Param]ModelLocation {
	out := make(map[*Param]ModelLocation)
	for modelIndex, byDtype := range modelShards {
		for dt, rec := range byDtype {
			for _, p := range rec.ParamOrder {
				out[p] = ModelLocation{ModelIndex: modelIndex, Dtype: dt}
			}
		}
	}
	return out
}
