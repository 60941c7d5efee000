package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeSize(t *testing.T) {
	r := Range{Start: 10, End: 26}
	assert.Equal(t, 16, r.Size())
	assert.False(t, r.Empty())
}

func TestRangeEmpty(t *testing.T) {
	assert.True(t, Range{Start: 5, End: 5}.Empty())
	assert.True(t, Range{Start: 5, End: 3}.Empty())
	assert.False(t, Range{Start: 5, End: 6}.Empty())
}

func TestRangeNormalize(t *testing.T) {
	r := Range{Start: 18, End: 36}
	n := r.Normalize(0)
	assert.Equal(t, Range{Start: 0, End: 18}, n)
	assert.Equal(t, r.Size(), n.Size())
}

func TestRangeIntersect(t *testing.T) {
	cases := []struct {
		a, b, want Range
	}{
		{Range{0, 10}, Range{5, 15}, Range{5, 10}},
		{Range{0, 7}, Range{0, 5}, Range{0, 5}},
		{Range{7, 10}, Range{0, 3}, Range{7, 3}}, // disjoint: Empty
	}
	for _, c := range cases {
		got := c.a.Intersect(c.b)
		if c.want.Empty() {
			assert.True(t, got.Empty())
			continue
		}
		assert.Equal(t, c.want, got)
	}
}

func TestRangeContains(t *testing.T) {
	outer := Range{0, 100}
	assert.True(t, outer.Contains(Range{10, 20}))
	assert.False(t, outer.Contains(Range{90, 110}))
}
