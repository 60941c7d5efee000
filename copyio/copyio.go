// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package copyio implements grad copy-in (spec component D) and param
// copy-out (spec component E): the conversions that move gradients from
// a model's dense per-parameter tensors into the shared reduction
// buffers and master tensors, and move updated parameters back out the
// other way. This is the Go analogue of
// Float16DistributedOptimizer._copy_model_grads_to_main_grads and
// _copy_main_params_to_model_params in the source this module is derived
// from.
package copyio

import (
	"github.com/grailbio/base/errors"
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/dpmodel"
	"github.com/gridforge/shardopt/gbuf"
	"github.com/gridforge/shardopt/master"
)

// quantize round-trips v through dt's storage precision, simulating the
// truncation a real packed fp16/bf16 buffer would impose even though this
// module keeps every buffer's backing array as float32 (see DESIGN.md's
// note on uniform float32 storage).
func quantize(dt dtype.Kind, v float32) float32 {
	switch dt {
	case dtype.F16:
		return dtype.Float16ToFloat32(dtype.Float32ToFloat16(v))
	case dtype.BF16:
		return dtype.BFloat16ToFloat32(dtype.Float32ToBFloat16(v))
	default:
		return v
	}
}

// ZeroGradBuffers zeroes every grad buffer in the replica, matching
// zero_grad's buffer-clearing half (the other half -- discarding
// model.grad -- is the backward pass's responsibility, outside this
// module).
func ZeroGradBuffers(replica *dpmodel.Replica) {
	for _, buf := range replica.GradBuffers {
		for i := range buf.Data {
			buf.Data[i] = 0
		}
	}
}

// CopyModelGradsToBuffers accumulates each parameter's dense gradient
// (replica.ParamGrad) into its placement within the owning grad buffer,
// quantizing to the buffer's storage dtype first. Buffers must already be
// zeroed (see ZeroGradBuffers) for "accumulate" to mean "set" on the first
// micro-batch of a step.
func CopyModelGradsToBuffers(replica *dpmodel.Replica) error {
	for dt, buf := range replica.GradBuffers {
		for _, placement := range buf.Params {
			grad, ok := replica.ParamGrad[placement.Param]
			if !ok {
				return errors.E(errors.Invalid, "copyio: missing ParamGrad for placement")
			}
			dst := buf.View(placement.World)
			if len(dst) != len(grad) {
				return errors.E(errors.Invalid, "copyio: grad/placement length mismatch")
			}
			for i, g := range grad {
				dst[i] += quantize(dt, g)
			}
		}
	}
	return nil
}

// CopyReducedGradToMaster copies a just-reduced local shard (rec.Local
// coordinates, as produced by a ReduceScatter over the buffer for
// (modelIndex, dt)) into every master Group member that draws from that
// (modelIndex, dt) pair.
func CopyReducedGradToMaster(groups []*master.Group, modelIndex int, dt dtype.Kind, localReduced []float32) error {
	for _, g := range groups {
		for _, m := range g.Members {
			if m.ModelIndex != modelIndex || m.Dtype != dt {
				continue
			}
			src := m.GbufShard.GbufLocal
			if src.End > len(localReduced) {
				return errors.E(errors.Invalid, "copyio: reduced shard out of range")
			}
			copy(g.MasterGrad[m.MasterSpan.Start:m.MasterSpan.End], localReduced[src.Start:src.End])
		}
	}
	return nil
}

// CopyMasterParamToBuffer writes each master Group member's
// (modelIndex, dt) post-step parameter values, quantized to dt, into the
// shared buffer's world-coordinate placement. This is the "reuse the grad
// buffer as scratch for the about-to-be-gathered parameter" step: buf is
// the same Buffer grads were reduced out of.
func CopyMasterParamToBuffer(groups []*master.Group, modelIndex int, dt dtype.Kind, buf *gbuf.Buffer) error {
	for _, g := range groups {
		for _, m := range g.Members {
			if m.ModelIndex != modelIndex || m.Dtype != dt {
				continue
			}
			dst := buf.Data[m.GbufShard.GbufWorld.Start:m.GbufShard.GbufWorld.End]
			src := g.MasterParam[m.MasterSpan.Start:m.MasterSpan.End]
			if len(dst) != len(src) {
				return errors.E(errors.Invalid, "copyio: master span/world shard length mismatch")
			}
			for i, v := range src {
				dst[i] = quantize(dt, v)
			}
		}
	}
	return nil
}

// CopyBufferToParamData copies every parameter's current values out of
// buf -- which must already reflect a completed all-gather, so every
// rank's contribution is present, not just the local shard -- into the
// replica's live ParamData tensors.
func CopyBufferToParamData(replica *dpmodel.Replica, buf *gbuf.Buffer) error {
	for _, placement := range buf.Params {
		dst, ok := replica.ParamData[placement.Param]
		if !ok {
			return errors.E(errors.Invalid, "copyio: missing ParamData for placement")
		}
		src := buf.View(placement.World)
		if len(dst) != len(src) {
			return errors.E(errors.Invalid, "copyio: param/placement length mismatch")
		}
		for i, v := range src {
			dst[i] = quantize(buf.Dtype, v)
		}
	}
	return nil
}
