// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gbuf implements the gradient-buffer partitioner (spec component
// B): given a flat per-dtype grad buffer and the world size, it computes
// the W-way world partition and the per-parameter intersection with the
// local rank's shard. This is the Go analogue of
// Float16DistributedOptimizer.get_model_gbuf_shard in the original
// implementation this module is derived from.
package gbuf

import (
	"math"

	"github.com/grailbio/base/log"
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/shard"
)

// Param identifies a single model parameter for the purposes of grad-buffer
// placement and sharding. Pointer identity is the key used throughout this
// module; every rank in a run must construct an identical sequence of Param
// values in the same order (stable iteration order is part of the
// partitioner's contract, since it defines the master-group layout).
type Param struct {
	Name                 string
	NumElements          int
	TensorModelParallel  bool
	Shared               bool
}

// Placement records where a Param's world-coordinate range sits within the
// flat per-dtype buffer it belongs to.
type Placement struct {
	Param *Param
	World shard.Range
}

// Buffer is a flat, contiguous per-dtype grad buffer together with the
// ordered placement of every participating parameter within it. The union
// of Placement.World ranges must be a disjoint partition of [0,N) or a
// prefix of it (spec §3 invariant).
type Buffer struct {
	Dtype  dtype.Kind
	Data   []float32
	Params []Placement
}

// View returns the sub-slice of b.Data covered by r. Mutations through the
// returned slice are visible in b.Data, since no copy is made; this is how
// component E (param copy-out) stages updated parameters directly into the
// buffer that is about to be all-gathered.
func (b *Buffer) View(r shard.Range) []float32 {
	return b.Data[r.Start:r.End]
}

// ParamShard is the three-way range map a parameter's world range
// decomposes into once intersected with a local world shard (spec §3).
// GbufWorld, GbufLocal and Param always have equal Size(); GbufWorld and
// GbufLocal are coordinates into the grad buffer (world- and
// local-relative respectively), Param is relative to the parameter itself.
type ParamShard struct {
	GbufWorld shard.Range
	GbufLocal shard.Range
	Param     shard.Range
}

// ShardRecord is the output of partitioning one (model, dtype) buffer for
// one rank: the local and world shard ranges, every rank's world shard (so
// reduce-scatter/all-gather can address peer ranges), and the per-parameter
// shard map restricted to parameters this rank owns any bytes of.
type ShardRecord struct {
	Dtype     dtype.Kind
	Local     shard.Range
	World     shard.Range
	WorldAll  []shard.Range
	ParamMap  map[*Param]ParamShard
	// ParamOrder preserves the buffer's original parameter order, filtered
	// to the parameters present in ParamMap. Master-group layout (spec
	// §4.C) is defined by iterating in this order, so it must be identical
	// on every rank.
	ParamOrder []*Param
}

// ComputeWorldShards divides [0,n) into world shards of size
// ceil(n/world), the last of which may be shorter (possibly empty on the
// tail only). This is the formula of spec §3 "World partition" and §4.B
// step 1, factored out for direct testing of S1/S2.
func ComputeWorldShards(n, world int) []shard.Range {
	if world <= 0 {
		log.Panicf("gbuf: world size must be positive, got %d", world)
	}
	chunk := int(math.Ceil(float64(n) / float64(world)))
	if chunk == 0 {
		chunk = 1
	}
	shards := make([]shard.Range, world)
	for r := 0; r < world; r++ {
		start := r * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start > n {
			start = n
		}
		shards[r] = shard.Range{Start: start, End: end}
	}
	return shards
}

// ComputeShard partitions buf for the given world size and local rank,
// implementing spec §4.B's algorithm exactly: compute the world shards,
// select this rank's, then for every parameter placement intersect its
// world range with the local world shard and retain the intersection only
// when non-empty.
func ComputeShard(buf *Buffer, world, rank int) *ShardRecord {
	if rank < 0 || rank >= world {
		log.Panicf("gbuf: rank %d out of range for world size %d", rank, world)
	}
	worldAll := ComputeWorldShards(len(buf.Data), world)
	worldShard := worldAll[rank]
	localShard := worldShard.Normalize(0)

	rec := &ShardRecord{
		Dtype:    buf.Dtype,
		Local:    localShard,
		World:    worldShard,
		WorldAll: worldAll,
		ParamMap: make(map[*Param]ParamShard),
	}

	for _, placement := range buf.Params {
		p0, p1 := placement.World.Start, placement.World.End
		localStart := max(0, p0-worldShard.Start)
		localEnd := min(worldShard.Size(), p1-worldShard.Start)
		if localEnd <= localStart {
			// No owned bytes: the parameter simply does not appear in this
			// rank's param map (spec §4.B tie-break note).
			continue
		}
		localRange := shard.Range{Start: localStart, End: localEnd}
		worldRange := localRange.Normalize(localStart + worldShard.Start)
		subParamStart := max(0, worldShard.Start-p0)
		subParamRange := localRange.Normalize(subParamStart)

		rec.ParamMap[placement.Param] = ParamShard{
			GbufWorld: worldRange,
			GbufLocal: localRange,
			Param:     subParamRange,
		}
		rec.ParamOrder = append(rec.ParamOrder, placement.Param)
	}
	return rec
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
