package gbuf

import (
	"testing"

	"github.com/gridforge/shardopt/dtype"
	"github.com/gridforge/shardopt/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeWorldShardsEqualSplit(t *testing.T) {
	// S1: W=4, N=64 -> four equal shards of 16.
	shards := ComputeWorldShards(64, 4)
	require.Len(t, shards, 4)
	want := []shard.Range{{0, 16}, {16, 32}, {32, 48}, {48, 64}}
	assert.Equal(t, want, shards)
}

func TestComputeWorldShardsUnequalTail(t *testing.T) {
	// S2: W=4, N=70 -> chunk=ceil(70/4)=18, last shard shorter.
	shards := ComputeWorldShards(70, 4)
	want := []shard.Range{{0, 18}, {18, 36}, {36, 54}, {54, 70}}
	assert.Equal(t, want, shards)
	assert.Equal(t, 16, shards[3].Size())
	for i := 0; i < 3; i++ {
		assert.Equal(t, 18, shards[i].Size())
	}
}

func TestComputeWorldShardsUnion(t *testing.T) {
	for _, tc := range []struct{ n, w int }{{64, 4}, {70, 4}, {1, 1}, {3, 5}} {
		shards := ComputeWorldShards(tc.n, tc.w)
		total := 0
		for i, s := range shards {
			if i > 0 {
				assert.Equal(t, shards[i-1].End, s.Start, "shards must be contiguous")
			}
			total += s.Size()
		}
		assert.Equal(t, tc.n, total)
		assert.Equal(t, 0, shards[0].Start)
		assert.Equal(t, tc.n, shards[len(shards)-1].End)
	}
}

func TestComputeShardEqualSplit(t *testing.T) {
	// S1: one parameter of shape [64].
	p := &Param{Name: "w", NumElements: 64}
	buf := NewBuffer(dtype.F32, []*Param{p})

	for rank := 0; rank < 4; rank++ {
		rec := ComputeShard(buf, 4, rank)
		ps, ok := rec.ParamMap[p]
		require.True(t, ok)
		want := shard.Range{Start: rank * 16, End: (rank + 1) * 16}
		assert.Equal(t, want, ps.GbufWorld)
		assert.Equal(t, want, ps.Param)
		assert.Equal(t, ps.GbufWorld.Size(), ps.GbufLocal.Size())
		assert.Equal(t, ps.GbufWorld.Size(), ps.Param.Size())
	}
}

func TestComputeShardCrossBoundaryParameter(t *testing.T) {
	// S3: W=2, N=10, params of shape [7] and [3].
	p0 := &Param{Name: "p0", NumElements: 7}
	p1 := &Param{Name: "p1", NumElements: 3}
	buf := NewBuffer(dtype.F32, []*Param{p0, p1})
	require.Equal(t, 10, len(buf.Data))

	rec0 := ComputeShard(buf, 2, 0)
	require.Len(t, rec0.ParamMap, 1)
	ps0 := rec0.ParamMap[p0]
	assert.Equal(t, shard.Range{Start: 0, End: 5}, ps0.Param)
	_, ok := rec0.ParamMap[p1]
	assert.False(t, ok)

	rec1 := ComputeShard(buf, 2, 1)
	require.Len(t, rec1.ParamMap, 2)
	ps0b := rec1.ParamMap[p0]
	assert.Equal(t, shard.Range{Start: 5, End: 7}, ps0b.Param)
	ps1 := rec1.ParamMap[p1]
	assert.Equal(t, shard.Range{Start: 0, End: 3}, ps1.Param)
}

func TestComputeShardInvariants(t *testing.T) {
	p0 := &Param{Name: "a", NumElements: 23}
	p1 := &Param{Name: "b", NumElements: 41}
	buf := NewBuffer(dtype.F32, []*Param{p0, p1})
	const world = 4
	worldAll := ComputeWorldShards(len(buf.Data), world)

	// Union of world shards covers [0, N) disjointly.
	total := 0
	for _, s := range worldAll {
		total += s.Size()
	}
	assert.Equal(t, len(buf.Data), total)

	for rank := 0; rank < world; rank++ {
		rec := ComputeShard(buf, world, rank)
		for _, ps := range rec.ParamMap {
			assert.Equal(t, ps.GbufWorld.Size(), ps.GbufLocal.Size())
			assert.Equal(t, ps.GbufWorld.Size(), ps.Param.Size())
			assert.True(t, ps.GbufWorld.Size() > 0)
		}
	}
}

func TestBuildParamLocationMap(t *testing.T) {
	p0 := &Param{Name: "a", NumElements: 4}
	buf := NewBuffer(dtype.F16, []*Param{p0})
	rec := ComputeShard(buf, 1, 0)
	locMap := BuildParamLocationMap([]map[dtype.Kind]*ShardRecord{
		{dtype.F16: rec},
	})
	loc, ok := locMap[p0]
	require.True(t, ok)
	assert.Equal(t, 0, loc.ModelIndex)
	assert.Equal(t, dtype.F16, loc.Dtype)
}
