package segcache

import (
	"sync"
	"testing"

	"fusionseg/internal/ir"
	"fusionseg/internal/scheduler"
	"fusionseg/internal/segment"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normFusion(t *testing.T) *ir.Fusion {
	t.Helper()
	f := ir.NewFusion("norm")
	x := f.NewTensor("x", 2, ir.Float32)
	require.NoError(t, f.AddInput(x))
	s := f.NewTensor("s", 1, ir.Float32)
	m := f.NewTensor("m", 2, ir.Float32)
	out := f.NewTensor("out", 2, ir.Float32)
	_, err := f.AddOp("sum", ir.Reduction, []*ir.Value{x}, []*ir.Value{s}, 1)
	require.NoError(t, err)
	_, err = f.AddOp("bcast", ir.Broadcast, []*ir.Value{s}, []*ir.Value{m}, 1)
	require.NoError(t, err)
	_, err = f.AddOp("sub", ir.Elementwise, []*ir.Value{x, m}, []*ir.Value{out})
	require.NoError(t, err)
	f.AddOutput(out)
	return f
}

func lookupCount(result string) float64 {
	return testutil.ToFloat64(lookups.WithLabelValues(result))
}

func newCache(t *testing.T, size int) *Cache {
	c, err := New(size, segment.DefaultOptions(), scheduler.NewRegistry(0))
	require.NoError(t, err)
	return c
}

func TestGetCachesResult(t *testing.T) {
	c := newCache(t, 4)
	meta := scheduler.InputMeta{"x": {8, 256}}
	hits, misses := lookupCount("hit"), lookupCount("miss")

	first, hit, err := c.Get(normFusion(t), meta)
	require.NoError(t, err)
	assert.False(t, hit)
	require.Len(t, first.Heuristics.Entries(), 1)
	assert.Equal(t, scheduler.Normalization, first.Heuristics.Entries()[0].Heuristic)
	assert.Equal(t, RunName(first.Key), first.Segmented.Name())

	// An equal fusion built separately hits the same entry.
	second, hit, err := c.Get(normFusion(t), meta)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, first, second)

	_, hit, err = c.Get(normFusion(t), scheduler.InputMeta{"x": {8, 512}})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, hits+1, lookupCount("hit"))
	assert.Equal(t, misses+2, lookupCount("miss"))

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestGetDoesNotCacheFailures(t *testing.T) {
	c := newCache(t, 4)
	failures := lookupCount("error")
	_, _, err := c.Get(normFusion(t), scheduler.InputMeta{})
	assert.ErrorContains(t, err, "no extents given")
	assert.Zero(t, c.Len())
	assert.Equal(t, failures+1, lookupCount("error"))
}

func TestConcurrentGetsShareOneResult(t *testing.T) {
	c := newCache(t, 4)
	f := normFusion(t)
	meta := scheduler.InputMeta{"x": {8, 256}}

	before := lookupCount("hit") + lookupCount("miss") + lookupCount("shared")

	const n = 8
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.Get(f, meta)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, c.Len())
	// Every lookup is counted once, whichever way it was served.
	assert.Equal(t, before+n, lookupCount("hit")+lookupCount("miss")+lookupCount("shared"))
}

func TestKeyAndRunName(t *testing.T) {
	f := normFusion(t)
	meta := scheduler.InputMeta{"x": {8, 256}}
	opts := segment.DefaultOptions()

	key := Key(f, opts, meta)
	require.NoError(t, key.Validate())
	assert.Equal(t, key, Key(normFusion(t), opts, meta))

	opts.RunFinalMerge = false
	assert.NotEqual(t, key, Key(f, opts, meta))

	name := RunName(key)
	id, err := uuid.Parse(name)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())
	assert.Equal(t, name, RunName(key))
}
