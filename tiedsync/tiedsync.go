// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tiedsync implements the tied-weight synchronizer: before the
// per-rank reduce-scatter, parameters shared across pipeline-parallel
// stages (most commonly a tied input/output embedding) must be
// all-reduced within their sharing subgroup so every stage's copy of the
// shared gradient agrees.
package tiedsync

import (
	"context"

	"github.com/gridforge/shardopt/collective"
)

// TiedParam is one parameter shared across pipeline stages: Grad is the
// dense gradient tensor to reduce in place, and InSubgroup reports
// whether the local rank is one of the stages holding a live copy of it.
type TiedParam struct {
	Name       string
	Grad       []float32
	InSubgroup bool
}

// Sync all-reduces every tied parameter's gradient within its embedding
// subgroup. A rank not participating in a given parameter's subgroup
// (InSubgroup false) skips that parameter entirely: it issues no
// collective call for it, so group must only contain ranks for which
// InSubgroup is true across the whole run, or the ranks that do call in
// will deadlock against ranks that don't.
func Sync(ctx context.Context, group collective.ProcessGroup, tied []TiedParam) error {
	if group == nil || group.Size() <= 1 {
		return nil
	}
	for _, tp := range tied {
		if !tp.InSubgroup {
			continue
		}
		if err := group.AllReduce(ctx, tp.Grad, collective.Sum); err != nil {
			return err
		}
	}
	return nil
}
