// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package optimizer

// State is a step's position in the orchestrator's state machine (spec
// §4.I): READY -> TIED_REDUCED -> SCATTERED -> GRADS_COPIED ->
// {OVERFLOW | SCALED -> CLIPPED -> STEPPED -> PARAMS_COPIED -> GATHERED}
// -> READY.
type State int

const (
	Ready State = iota
	TiedReduced
	Scattered
	GradsCopied
	Overflow
	Scaled
	Clipped
	Stepped
	ParamsCopied
	Gathered
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case TiedReduced:
		return "TIED_REDUCED"
	case Scattered:
		return "SCATTERED"
	case GradsCopied:
		return "GRADS_COPIED"
	case Overflow:
		return "OVERFLOW"
	case Scaled:
		return "SCALED"
	case Clipped:
		return "CLIPPED"
	case Stepped:
		return "STEPPED"
	case ParamsCopied:
		return "PARAMS_COPIED"
	case Gathered:
		return "GATHERED"
	default:
		return "UNKNOWN"
	}
}
