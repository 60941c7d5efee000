// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shard implements half-open integer range arithmetic used
// throughout the distributed optimizer to describe byte ranges of flat
// buffers: gradient-buffer world shards, per-parameter intersections, and
// master-group param ranges all reduce to the same Range type.
package shard

import "fmt"

// Range is a half-open interval [Start, End) into some flat buffer. The
// buffer it indexes into is implicit from context; Range carries no
// reference to it.
type Range struct {
	Start int
	End   int
}

// Size returns End-Start. A Range with End < Start is invalid; callers
// that build Ranges from arithmetic (not literals) should use Empty to
// test for a degenerate result rather than relying on a negative Size.
func (r Range) Size() int {
	return r.End - r.Start
}

// Empty reports whether the range contains no elements.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Normalize returns a Range of the same Size with Start relocated to base.
func (r Range) Normalize(base int) Range {
	return Range{Start: base, End: base + r.Size()}
}

// Intersect returns the overlap of r and o. The result is Empty (and its
// Start/End are meaningless beyond that) when r and o do not overlap.
func (r Range) Intersect(o Range) Range {
	start := max(r.Start, o.Start)
	end := min(r.End, o.End)
	return Range{Start: start, End: end}
}

// Contains reports whether r fully contains o.
func (r Range) Contains(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)[%d]", r.Start, r.End, r.Size())
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
