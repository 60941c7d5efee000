// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package inneropt provides the "unsharded numerical optimizer" spec §1
// names as an out-of-scope external collaborator, consumed only through a
// Step() call over one flat tensor per parameter group. Concrete SGD and
// Adam implementations are included so the rest of this module is
// runnable and testable without depending on an external training
// framework.
package inneropt

import (
	"github.com/grailbio/base/errors"
	"github.com/gridforge/shardopt/gbuf"
)

// ParamGroup is the original (pre-sharding) optimizer's view of a group of
// parameters, before the master-state allocator (package master) replaces
// it with a single flat tensor pair. LR is the only per-group
// hyperparameter, matching the "adjust the learning rate per group" use
// case spec §9's design note calls out; Adam's Beta1/Beta2/Eps are fields
// of the Adam value and apply to every group.
type ParamGroup struct {
	Params []*gbuf.Param
	LR     float64
}

// GroupState is the flat-tensor view an Optimizer's Step operates over:
// exactly the "single parameter group of flat tensors" spec §1 describes.
// Param and Grad must be the same length.
type GroupState struct {
	Param []float32
	Grad  []float32
	LR    float64
}

// Optimizer is the external interface consumed from the inner optimizer
// (spec §6): state is round-tripped via StateDict/LoadStateDict, and
// Step advances state exactly once per successful outer step.
type Optimizer interface {
	Step(groups []*GroupState) error
	StateDict() (map[string]interface{}, error)
	LoadStateDict(state map[string]interface{}) error
}

// NewGroupState builds an initial GroupState from a ParamGroup-width flat
// master tensor pair; group-level hyperparameters default to the
// ParamGroup's, letting per-group LR overrides flow through unchanged.
func NewGroupState(g ParamGroup, param, grad []float32) *GroupState {
	if len(param) != len(grad) {
		panic(errors.E(errors.Invalid, "inneropt: param/grad length mismatch"))
	}
	return &GroupState{Param: param, Grad: grad, LR: g.LR}
}
