// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package inneropt

// SGD is a minimal momentum-SGD Optimizer. Momentum buffers are keyed by
// group position, so callers must pass the same []*GroupState slice (same
// length, same order) to every Step call for the lifetime of one SGD value.
type SGD struct {
	Momentum float64

	momentum [][]float32
}

var _ Optimizer = (*SGD)(nil)

func (s *SGD) Step(groups []*GroupState) error {
	if s.Momentum != 0 && s.momentum == nil {
		s.momentum = make([][]float32, len(groups))
	}
	for i, g := range groups {
		if len(g.Param) != len(g.Grad) {
			return errMismatch(i, len(g.Param), len(g.Grad))
		}
		lr := float32(g.LR)
		if s.Momentum == 0 {
			for j := range g.Grad {
				g.Param[j] -= lr * g.Grad[j]
			}
			continue
		}
		buf := s.momentum[i]
		if buf == nil {
			buf = make([]float32, len(g.Grad))
			s.momentum[i] = buf
		}
		mom := float32(s.Momentum)
		for j := range g.Grad {
			buf[j] = mom*buf[j] + g.Grad[j]
			g.Param[j] -= lr * buf[j]
		}
	}
	return nil
}

func (s *SGD) StateDict() (map[string]interface{}, error) {
	return map[string]interface{}{
		"momentum":      s.Momentum,
		"momentum_bufs": s.momentum,
	}, nil
}

func (s *SGD) LoadStateDict(state map[string]interface{}) error {
	if m, ok := state["momentum"].(float64); ok {
		s.Momentum = m
	}
	if bufs, ok := state["momentum_bufs"].([][]float32); ok {
		s.momentum = bufs
	}
	return nil
}
