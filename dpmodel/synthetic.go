// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dpmodel

import (
	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/gbuf"
)

// LayerSpec describes one synthetic parameter for NewSyntheticModel.
type LayerSpec struct {
	Name        string
	NumElements int
	Shared      bool
}

// NewSyntheticModel builds a single-replica Model whose parameters are
// all stored in dt, for use by tests and the demo command: this module
// has no training framework of its own to source a model from.
func NewSyntheticModel(dt dtype.Kind, specs []LayerSpec) (*Model, []*gbuf.Param) {
	params := make([]*gbuf.Param, len(specs))
	for i, s := range specs {
		params[i] = &gbuf.Param{Name: s.Name, NumElements: s.NumElements, Shared: s.Shared}
	}
	replica := NewReplica(map[dtype.Kind][]*gbuf.Param{dt: params})
	return &Model{Replicas: []*Replica{replica}}, params
}
