// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lossscale implements the loss-scale controller (spec component
// F): dynamic scale management for fp16 training, where a non-finite
// gradient is a control signal to back the scale off and retry rather
// than an error, plus a static no-op controller for bf16/fp32 training
// where no scaling is needed. Grounded on the generic-kernel-over-slice
// idiom of biosimd's *_generic.go files in the source this module is
// derived from, applied here to a whole-slice finiteness scan instead of
// a SIMD op.
package lossscale

import (
	"math"

	"github.com/grailbio/base/errors"
	"github.com/gridforge/shardopt/dtype"
)

// Controller is the external interface the step orchestrator drives loss
// scaling through: Scale for pre-backward scaling (outside this module's
// scope), UnscaleAndCheckFinite for the post-reduce unscale-and-detect
// step, and Update for the backoff/growth policy between steps.
type Controller interface {
	Scale() float32
	UnscaleAndCheckFinite(grads [][]float32) bool
	Update(foundInf bool)
}

// Config parameterizes a dynamic Controller, mirroring the constants a
// training framework's "DynamicLossScaler" typically exposes.
type Config struct {
	InitialScale   float32
	MinScale       float32
	GrowthFactor   float32
	BackoffFactor  float32
	GrowthInterval int
	Hysteresis     int
}

// DefaultConfig returns commonly used dynamic loss-scale parameters.
func DefaultConfig() Config {
	return Config{
		InitialScale:   float32(1 << 16),
		MinScale:       1,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 1000,
		Hysteresis:     2,
	}
}

// Dynamic is a dynamic-scale Controller: it grows the scale by
// GrowthFactor after GrowthInterval consecutive finite steps, and backs
// off by BackoffFactor once Hysteresis consecutive non-finite gradients
// have been seen.
type Dynamic struct {
	cfg Config

	scale     float32
	goodSteps int
	// hysteresis counts down on consecutive overflows before the scale
	// actually backs off, and resets to cfg.Hysteresis on any finite step.
	// This absorbs an isolated overflow without a full backoff, the same
	// tolerance Megatron's DynamicGradScaler applies.
	hysteresis int
}

var _ Controller = (*Dynamic)(nil)

// NewDynamic constructs a Dynamic controller from cfg, filling in
// DefaultConfig's values for any zero field.
func NewDynamic(cfg Config) *Dynamic {
	def := DefaultConfig()
	if cfg.InitialScale == 0 {
		cfg.InitialScale = def.InitialScale
	}
	if cfg.MinScale == 0 {
		cfg.MinScale = def.MinScale
	}
	if cfg.GrowthFactor == 0 {
		cfg.GrowthFactor = def.GrowthFactor
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.GrowthInterval == 0 {
		cfg.GrowthInterval = def.GrowthInterval
	}
	if cfg.Hysteresis == 0 {
		cfg.Hysteresis = def.Hysteresis
	}
	return &Dynamic{cfg: cfg, scale: cfg.InitialScale, hysteresis: cfg.Hysteresis}
}

func (d *Dynamic) Scale() float32 { return d.scale }

// UnscaleAndCheckFinite divides every gradient element by the current
// scale in place and reports whether any element was non-finite *before*
// division (an overflowed fp16 gradient manifests as Inf/NaN after
// reduction, at which point dividing by scale cannot recover it).
func (d *Dynamic) UnscaleAndCheckFinite(grads [][]float32) bool {
	foundInf := false
	inv := 1 / d.scale
	for _, g := range grads {
		for i, v := range g {
			if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
				foundInf = true
				continue
			}
			g[i] = v * inv
		}
	}
	return foundInf
}

// Update applies the backoff/growth/hysteresis policy: on overflow the
// good-step counter resets and the hysteresis counter ticks down; the
// scale only backs off once hysteresis is exhausted, so an isolated
// overflow among otherwise-healthy steps doesn't necessarily cost a
// backoff. Any finite step resets hysteresis to full and advances the
// good-step counter, growing the scale once it reaches GrowthInterval.
func (d *Dynamic) Update(foundInf bool) {
	if foundInf {
		d.goodSteps = 0
		d.hysteresis--
		if d.hysteresis <= 0 {
			d.scale = max32(d.cfg.MinScale, d.scale*d.cfg.BackoffFactor)
			d.hysteresis = d.cfg.Hysteresis
		}
		return
	}
	d.hysteresis = d.cfg.Hysteresis
	d.goodSteps++
	if d.goodSteps >= d.cfg.GrowthInterval {
		d.scale *= d.cfg.GrowthFactor
		d.goodSteps = 0
	}
}

// Static is a no-op Controller for bf16/fp32 training, where gradients
// need neither scaling nor overflow-driven retry.
type Static struct {
	Value float32
}

var _ Controller = Static{}

func (s Static) Scale() float32 {
	if s.Value == 0 {
		return 1
	}
	return s.Value
}

func (s Static) UnscaleAndCheckFinite([][]float32) bool { return false }
func (s Static) Update(bool)                            {}

// RequireScaler validates the Configuration invariant that fp16 training
// cannot proceed without a real scaler (spec §4.F precondition): bf16 and
// fp32 are exempt since they carry enough dynamic range on their own.
func RequireScaler(dt dtype.Kind, c Controller) error {
	if !dt.RequiresScaler() {
		return nil
	}
	if _, ok := c.(Static); ok {
		return errors.E(errors.Invalid, "lossscale: fp16 training requires a dynamic loss scaler, not Static")
	}
	return nil
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
