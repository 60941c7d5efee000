// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collective defines the collective driver (spec component H) as
// an external interface: the rest of this module only ever calls through
// ProcessGroup, never a concrete transport. Package simgroup provides an
// in-process implementation for tests and the demo command; a production
// binary would instead wire in an NCCL/Gloo-backed implementation.
package collective

import "context"

// ReduceOp names the reduction applied by AllReduce.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Max
)

// ProcessGroup is the collective driver external interface (spec §1, §4.H):
// every rank in a run must construct ProcessGroups of the same Size(), and
// every collective call must be issued by every rank in the same order, or
// the underlying transport will mismatch messages across ranks.
type ProcessGroup interface {
	// Rank returns this process's position in [0, Size()).
	Rank() int
	// Size returns the number of ranks participating in the group.
	Size() int
	// AllReduce combines buf across all ranks in place using op.
	AllReduce(ctx context.Context, buf []float32, op ReduceOp) error
	// ReduceScatter reduces the concatenation of chunks (one per rank,
	// chunks[r] must be the same length on every rank for a given r) and
	// writes rank r's reduced chunk into out. len(out) must equal
	// len(chunks[Rank()]).
	ReduceScatter(ctx context.Context, chunks [][]float32, out []float32, op ReduceOp) error
	// AllGather gathers each rank's contribution (chunk) into out, laid
	// out rank-major. Chunks may differ in length across ranks; out must
	// have length equal to the sum of every rank's chunk length.
	AllGather(ctx context.Context, chunk []float32, out []float32) error
	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error
}

// Broadcast copies the root rank's dst into every rank's dst, implemented
// in terms of AllReduce with Sum since ProcessGroup does not require a
// dedicated broadcast primitive. Non-root ranks' dst is zeroed before the
// reduce, so its contents are ignored; it must have the same length as the
// root's.
func Broadcast(ctx context.Context, pg ProcessGroup, dst []float32, root int) error {
	if pg.Rank() != root {
		for i := range dst {
			dst[i] = 0
		}
	}
	return pg.AllReduce(ctx, dst, Sum)
}
