// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dpmodel

import (
	"encoding/binary"

	farm "github.com/dgryski/go-farm"
	"github.com/gridforge/shardopt/dtype"
)

// orderedDtypes fixes map iteration order so the fingerprint is stable
// across calls, not just across ranks.
var orderedDtypes = []dtype.Kind{dtype.F16, dtype.BF16, dtype.F32}

// PlanFingerprint hashes the shape of a ShardPlan -- every replica's
// per-dtype local/world ranges and parameter order -- the same way
// fusion/kmer_index.go farm-hashes a kmer to pick its shard. Every rank
// must compute an identical plan for a given (world, rank) input; this
// fingerprint lets the step orchestrator catch a divergent plan (e.g. from
// replicas built with parameters registered in a different order on one
// rank) as a clean construction-time error instead of a silent wrong
// reduction later.
func PlanFingerprint(plan *ShardPlan) uint64 {
	var buf []byte
	var scratch [8]byte
	putInt := func(v int) {
		binary.LittleEndian.PutUint64(scratch[:], uint64(v))
		buf = append(buf, scratch[:]...)
	}
	for _, byDtype := range plan.ByReplica {
		for _, dt := range orderedDtypes {
			rec, ok := byDtype[dt]
			if !ok {
				continue
			}
			putInt(int(dt))
			putInt(rec.Local.Start)
			putInt(rec.Local.End)
			putInt(rec.World.Start)
			putInt(rec.World.End)
			for _, p := range rec.ParamOrder {
				buf = append(buf, []byte(p.Name)...)
				putInt(p.NumElements)
			}
		}
	}
	return farm.Hash64(buf)
}
