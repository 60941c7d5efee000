// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package simgroup implements collective.ProcessGroup as an in-process
// rendezvous among goroutines, one per simulated rank. It exists so this
// module's tests (and the demo command) can exercise the full reduce
// /gather pipeline without a real NCCL or Gloo transport; production use
// would wire collective.ProcessGroup to one of those instead. The fan-out
// pattern (one goroutine per rank, driven by traverse.Each) follows
// pileup/snp's worker pool in the source this package is modeled on.
package simgroup

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/gridforge/shardopt/collective"
	"v.io/x/lib/vlog"
)

// World is the shared rendezvous point for a fixed number of simulated
// ranks. Every Group derived from the same World must have its collective
// methods called in the same relative order by every rank, exactly as a
// real transport would require.
type World struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     int

	arSlots [][]float32
	arOp    collective.ReduceOp

	rsChunks [][][]float32
	rsOut    [][]float32

	agIn  [][]float32
	agOut [][]float32
}

// NewWorld creates a World simulating size ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		panic(errors.E(errors.Invalid, "simgroup: world size must be positive"))
	}
	w := &World{size: size}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Group returns the collective.ProcessGroup handle for one simulated rank.
// Callers typically fan out with traverse.Each(world.Size(), ...), each
// goroutine calling Group(i) for its own i.
func (w *World) Group(rank int) collective.ProcessGroup {
	if rank < 0 || rank >= w.size {
		panic(errors.E(errors.Invalid, "simgroup: rank out of range"))
	}
	return &group{w: w, rank: rank}
}

type group struct {
	w    *World
	rank int
}

func (g *group) Rank() int { return g.rank }
func (g *group) Size() int { return g.w.size }

// barrier blocks the caller until every rank has called barrier for the
// current generation, running finish exactly once (by whichever caller
// happens to be last to arrive) before releasing everyone.
func (w *World) barrier(finish func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.arrived++
	gen := w.gen
	if w.arrived == w.size {
		finish()
		w.arrived = 0
		w.gen++
		w.cond.Broadcast()
		return
	}
	for gen == w.gen {
		w.cond.Wait()
	}
}

func (g *group) AllReduce(ctx context.Context, buf []float32, op collective.ReduceOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := g.w
	w.mu.Lock()
	if w.arSlots == nil {
		w.arSlots = make([][]float32, w.size)
	}
	w.arSlots[g.rank] = buf
	w.arOp = op
	w.mu.Unlock()

	w.barrier(func() {
		n := len(w.arSlots[0])
		for r := 1; r < w.size; r++ {
			// A length mismatch means two ranks disagree on what they
			// are reducing -- a caller bug, not a recoverable runtime
			// condition, so this is fatal rather than a returned error.
			if len(w.arSlots[r]) != n {
				vlog.Fatalf("simgroup: AllReduce buffer length mismatch: rank 0 has %d, rank %d has %d", n, r, len(w.arSlots[r]))
			}
		}
		for i := 0; i < n; i++ {
			acc := w.arSlots[0][i]
			for r := 1; r < w.size; r++ {
				v := w.arSlots[r][i]
				if w.arOp == collective.Max {
					if v > acc {
						acc = v
					}
				} else {
					acc += v
				}
			}
			for r := 0; r < w.size; r++ {
				w.arSlots[r][i] = acc
			}
		}
		w.arSlots = nil
	})
	return nil
}

func (g *group) ReduceScatter(ctx context.Context, chunks [][]float32, out []float32, op collective.ReduceOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunks) != g.w.size {
		return errors.E(errors.Invalid, "simgroup: ReduceScatter needs one chunk per rank")
	}
	if len(out) != len(chunks[g.rank]) {
		return errors.E(errors.Invalid, "simgroup: ReduceScatter out length mismatch")
	}
	w := g.w
	w.mu.Lock()
	if w.rsChunks == nil {
		w.rsChunks = make([][][]float32, w.size)
		w.rsOut = make([][]float32, w.size)
	}
	w.rsChunks[g.rank] = chunks
	w.rsOut[g.rank] = out
	w.mu.Unlock()

	w.barrier(func() {
		for owner := 0; owner < w.size; owner++ {
			dst := w.rsOut[owner]
			for i := range dst {
				acc := w.rsChunks[0][owner][i]
				for r := 1; r < w.size; r++ {
					v := w.rsChunks[r][owner][i]
					if op == collective.Max {
						if v > acc {
							acc = v
						}
					} else {
						acc += v
					}
				}
				dst[i] = acc
			}
		}
		w.rsChunks = nil
		w.rsOut = nil
	})
	return nil
}

func (g *group) AllGather(ctx context.Context, chunk []float32, out []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := g.w
	w.mu.Lock()
	if w.agIn == nil {
		w.agIn = make([][]float32, w.size)
		w.agOut = make([][]float32, w.size)
	}
	w.agIn[g.rank] = chunk
	w.agOut[g.rank] = out
	w.mu.Unlock()

	var rangeErr error
	w.barrier(func() {
		offsets := make([]int, w.size+1)
		for r := 0; r < w.size; r++ {
			offsets[r+1] = offsets[r] + len(w.agIn[r])
		}
		total := offsets[w.size]
		for r := 0; r < w.size; r++ {
			if len(w.agOut[r]) != total {
				rangeErr = errors.E(errors.Invalid, "simgroup: AllGather out length mismatch")
				continue
			}
			copy(w.agOut[r], concatInto(w.agIn, offsets, total))
		}
		w.agIn = nil
		w.agOut = nil
	})
	return rangeErr
}

func concatInto(chunks [][]float32, offsets []int, total int) []float32 {
	out := make([]float32, total)
	for r, chunk := range chunks {
		copy(out[offsets[r]:offsets[r+1]], chunk)
	}
	return out
}

func (g *group) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.w.barrier(func() {})
	return nil
}
