// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package inneropt

import "math"

// Adam is a minimal Adam Optimizer (Kingma & Ba 2014). Moment buffers and
// step counts are keyed by group position, with the same same-slice-shape
// contract as SGD.
type Adam struct {
	Beta1, Beta2 float64
	Eps          float64

	m, v [][]float32
	step []int
}

var _ Optimizer = (*Adam)(nil)

func (a *Adam) defaults() {
	if a.Beta1 == 0 {
		a.Beta1 = 0.9
	}
	if a.Beta2 == 0 {
		a.Beta2 = 0.999
	}
	if a.Eps == 0 {
		a.Eps = 1e-8
	}
}

func (a *Adam) Step(groups []*GroupState) error {
	a.defaults()
	if a.m == nil {
		a.m = make([][]float32, len(groups))
		a.v = make([][]float32, len(groups))
		a.step = make([]int, len(groups))
	}
	for i, g := range groups {
		if len(g.Param) != len(g.Grad) {
			return errMismatch(i, len(g.Param), len(g.Grad))
		}
		if a.m[i] == nil {
			a.m[i] = make([]float32, len(g.Grad))
			a.v[i] = make([]float32, len(g.Grad))
		}
		a.step[i]++
		t := float64(a.step[i])
		biasC1 := 1 - math.Pow(a.Beta1, t)
		biasC2 := 1 - math.Pow(a.Beta2, t)
		b1, b2 := float32(a.Beta1), float32(a.Beta2)
		lr := g.LR
		eps := float32(a.Eps)
		m, v := a.m[i], a.v[i]
		for j := range g.Grad {
			grad := g.Grad[j]
			m[j] = b1*m[j] + (1-b1)*grad
			v[j] = b2*v[j] + (1-b2)*grad*grad
			mHat := float64(m[j]) / biasC1
			vHat := float64(v[j]) / biasC2
			update := lr * mHat / (math.Sqrt(vHat) + float64(eps))
			g.Param[j] -= float32(update)
		}
	}
	return nil
}

func (a *Adam) StateDict() (map[string]interface{}, error) {
	return map[string]interface{}{
		"beta1": a.Beta1,
		"beta2": a.Beta2,
		"eps":   a.Eps,
		"m":     a.m,
		"v":     a.v,
		"step":  a.step,
	}, nil
}

func (a *Adam) LoadStateDict(state map[string]interface{}) error {
	if b1, ok := state["beta1"].(float64); ok {
		a.Beta1 = b1
	}
	if b2, ok := state["beta2"].(float64); ok {
		a.Beta2 = b2
	}
	if eps, ok := state["eps"].(float64); ok {
		a.Eps = eps
	}
	if m, ok := state["m"].([][]float32); ok {
		a.m = m
	}
	if v, ok := state["v"].([][]float32); ok {
		a.v = v
	}
	if step, ok := state["step"].([]int); ok {
		a.step = step
	}
	return nil
}
