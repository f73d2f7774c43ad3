package segment

import (
	"sync"
	"testing"

	"fusionseg/internal/ir"
	"fusionseg/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainFusesIntoOneGroup(t *testing.T) {
	b := newBuilder(t, "chain")
	x := b.input("x", 2)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x})
	bb := b.op("b", ir.Elementwise, 2, vals(a))
	c := b.op("c", ir.Elementwise, 2, vals(bb))
	b.output(c)

	sf := segmentWith(t, b.f, DefaultOptions())
	require.Len(t, sf.Groups(), 1)
	assert.Empty(t, sf.Edges())
	assert.False(t, sf.IsSegmented())

	g := sf.Groups()[0]
	assert.Equal(t, []*ir.Op{a, bb, c}, g.Exprs())
	assert.Equal(t, []*ir.Value{x}, g.Inputs())
	assert.Equal(t, vals(c), g.Outputs())
	assert.True(t, g.IsInputGroup())

	fh, err := sf.BindHeuristics(scheduler.NewRegistry(0), scheduler.InputMeta{"x": {4, 8}})
	require.NoError(t, err)
	require.Len(t, fh.Entries(), 1)
	assert.Equal(t, scheduler.PointWise, fh.Entries()[0].Heuristic)
	assert.Equal(t, scheduler.PointWise, fh.For(g))
}

func TestIncompatibleReductionsStayApart(t *testing.T) {
	b := newBuilder(t, "two_reductions")
	x := b.input("x", 2)
	e := b.op("e", ir.Elementwise, 2, []*ir.Value{x})
	rows := b.op("rows", ir.Reduction, 1, vals(e), 1)
	cols := b.op("cols", ir.Reduction, 1, vals(e), 0)
	b.output(rows, cols)

	sf := segmentWith(t, b.f, DefaultOptions())
	require.GreaterOrEqual(t, len(sf.Groups()), 2)

	home := groupOf(sf, e)
	gRows, gCols := groupOf(sf, rows), groupOf(sf, cols)
	assert.NotSame(t, gRows, gCols)
	for _, g := range []*Group{gRows, gCols} {
		if g == home {
			continue
		}
		carried := false
		for _, edge := range g.ProducerEdges() {
			if edge.Producer() == home && edge.Val == e.Outputs[0] {
				carried = true
			}
		}
		assert.True(t, carried, "g%d should read e from g%d", g.ID(), home.ID())
	}

	fh, err := sf.BindHeuristics(scheduler.NewRegistry(0), scheduler.InputMeta{"x": {16, 32}})
	require.NoError(t, err)
	for _, entry := range fh.Entries() {
		assert.Equal(t, scheduler.Reduction, entry.Heuristic)
	}
}

func TestDiamondFusesIntoOneGroup(t *testing.T) {
	b := newBuilder(t, "diamond")
	x := b.input("x", 2)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x})
	left := b.op("left", ir.Elementwise, 2, vals(a))
	right := b.op("right", ir.Elementwise, 2, vals(a))
	d := b.op("d", ir.Elementwise, 2, vals(left, right))
	b.output(d)

	sf := segmentWith(t, b.f, DefaultOptions())
	require.Len(t, sf.Groups(), 1)
	assert.Equal(t, []*ir.Op{a, left, right, d}, sf.Groups()[0].Exprs())
	assert.Empty(t, sf.Edges())
}

func TestDiamondWithUnmergeableBranches(t *testing.T) {
	b := newBuilder(t, "diamond_reductions")
	x := b.input("x", 2)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x})
	rows := b.op("rows", ir.Reduction, 1, vals(a), 1)
	cols := b.op("cols", ir.Reduction, 1, vals(a), 0)
	d := b.op("d", ir.Elementwise, 1, vals(rows, cols))
	b.output(d)

	sf := segmentWith(t, b.f, DefaultOptions())
	require.NoError(t, Validate(sf))

	gRows, gCols, gD := groupOf(sf, rows), groupOf(sf, cols), groupOf(sf, d)
	assert.NotSame(t, gRows, gCols)
	for _, g := range []*Group{gRows, gCols} {
		assert.True(t, g == gD || reaches(sf, g, gD), "d must run after g%d", g.ID())
	}
}

func TestMultiplyReadScalarIsDuplicated(t *testing.T) {
	b := newBuilder(t, "scalar")
	x := b.input("x", 1)
	alpha := b.scalarInput("alpha")
	p := b.scalarOp("p", alpha)
	g1 := b.op("g1", ir.Elementwise, 1, []*ir.Value{x, p.Outputs[0]})
	g2 := b.op("g2", ir.Elementwise, 1, []*ir.Value{x, p.Outputs[0]})
	b.output(g1, g2)

	sf := segmentWith(t, b.f, noMerges())
	require.Len(t, sf.Groups(), 2)
	assert.Empty(t, sf.Edges())
	assert.True(t, sf.IsDuplicated(p))
	assert.Nil(t, groupOf(sf, p))
	assert.Equal(t, 2, sf.Stats().ScalarDuplicates)

	for _, op := range []*ir.Op{g1, g2} {
		g := groupOf(sf, op)
		require.NotNil(t, g)
		require.Len(t, g.Exprs(), 2)
		clone := g.Exprs()[0]
		assert.True(t, clone.IsClone())
		assert.Same(t, p, clone.Origin())
		assert.ElementsMatch(t, []*ir.Value{x, alpha}, g.Inputs())
	}

	fh, err := sf.BindHeuristics(scheduler.NewRegistry(0), scheduler.InputMeta{"x": {128}})
	require.NoError(t, err)
	assert.Len(t, fh.Entries(), 2)
}

func TestScalarDuplicationClonesScalarProducers(t *testing.T) {
	b := newBuilder(t, "scalar_chain")
	x := b.input("x", 1)
	alpha := b.scalarInput("alpha")
	q := b.scalarOp("q", alpha)
	p := b.scalarOp("p", q.Outputs[0])
	g1 := b.op("g1", ir.Elementwise, 1, []*ir.Value{x, p.Outputs[0]})
	g2 := b.op("g2", ir.Elementwise, 1, []*ir.Value{x, p.Outputs[0]})
	b.output(g1, g2)

	sf := segmentWith(t, b.f, noMerges())
	require.Len(t, sf.Groups(), 2)
	assert.Empty(t, sf.Edges())
	assert.Equal(t, 4, sf.Stats().ScalarDuplicates)
	assert.True(t, sf.IsDuplicated(q))

	g := groupOf(sf, g1)
	require.Len(t, g.Exprs(), 3)
	assert.Same(t, q, g.Exprs()[0].Origin())
	assert.Same(t, p, g.Exprs()[1].Origin())
}

func TestScalarEliminationWithMerges(t *testing.T) {
	b := newBuilder(t, "scalar_reductions")
	x := b.input("x", 2)
	alpha := b.scalarInput("alpha")
	p := b.scalarOp("p", alpha)
	m1 := b.op("m1", ir.Elementwise, 2, []*ir.Value{x, p.Outputs[0]})
	m2 := b.op("m2", ir.Elementwise, 2, []*ir.Value{x, p.Outputs[0]})
	rows := b.op("rows", ir.Reduction, 1, vals(m1), 1)
	cols := b.op("cols", ir.Reduction, 1, vals(m2), 0)
	b.output(rows, cols)

	sf := segmentWith(t, b.f, DefaultOptions())
	require.NoError(t, Validate(sf))
	s := p.Outputs[0]
	for _, e := range sf.Edges() {
		assert.NotSame(t, s, e.Val)
	}
	for _, g := range sf.Groups() {
		reads, holds := false, false
		for _, op := range g.Exprs() {
			for _, v := range op.Inputs {
				reads = reads || v == s
			}
			holds = holds || op.Origin() == p
		}
		if reads {
			assert.True(t, holds, "g%d reads %s without computing it", g.ID(), s)
		}
	}
}

func TestDisabledPassesKeepOneGroupPerOp(t *testing.T) {
	b := newBuilder(t, "singletons")
	x := b.input("x", 2)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x, x})
	left := b.op("left", ir.Elementwise, 2, vals(a))
	right := b.op("right", ir.Reduction, 2, vals(a), 1)
	d := b.op("d", ir.Elementwise, 2, vals(left, right, a))
	b.output(d)

	sf := segmentWith(t, b.f, noMerges())
	require.Len(t, sf.Groups(), len(b.f.Ops()))

	type dep struct {
		from, to int
		val      string
	}
	var want []dep
	for _, op := range b.f.Ops() {
		seen := map[*ir.Value]bool{}
		for _, v := range op.Inputs {
			if v.Def() == nil || seen[v] {
				continue
			}
			seen[v] = true
			want = append(want, dep{groupOf(sf, v.Def()).ID(), groupOf(sf, op).ID(), v.Name})
		}
	}
	var got []dep
	for _, e := range sf.Edges() {
		got = append(got, dep{e.Producer().ID(), e.Consumer().ID(), e.Val.Name})
	}
	assert.ElementsMatch(t, want, got)
	assert.Zero(t, sf.Stats().Merges[HerrmannMerge])
}

func TestScalarReadTwiceByOneGroupIsNotDuplicated(t *testing.T) {
	b := newBuilder(t, "scalar_twice")
	x := b.input("x", 2)
	alpha := b.scalarInput("alpha")
	s := b.scalarOp("s", alpha)
	out := b.op("out", ir.Elementwise, 2, []*ir.Value{x, s.Outputs[0], s.Outputs[0]})
	b.output(out)

	sf := segmentWith(t, b.f, noMerges())
	require.Len(t, sf.Groups(), 2)
	require.Len(t, sf.Edges(), 1)
	assert.Equal(t, "s", sf.Edges()[0].Val.Name)
	assert.False(t, sf.IsDuplicated(s))
	assert.Zero(t, sf.Stats().ScalarDuplicates)
	assert.NotSame(t, groupOf(sf, s), groupOf(sf, out))
}

func TestCombineReductionsHorizontal(t *testing.T) {
	b := newBuilder(t, "horizontal")
	x := b.input("x", 2)
	sum := b.op("sum", ir.Reduction, 1, []*ir.Value{x}, 1)
	amax := b.op("amax", ir.Reduction, 1, []*ir.Value{x}, 1)
	b.output(sum, amax)

	sf := segmentWith(t, b.f, only(CombineReductions))
	require.Len(t, sf.Groups(), 1)
	assert.Equal(t, 1, sf.Stats().Merges[CombineReductions])
}

func TestCombineReductionsVertical(t *testing.T) {
	b := newBuilder(t, "layer_norm")
	x := b.input("x", 2)
	sum := b.op("sum", ir.Reduction, 1, []*ir.Value{x}, 1)
	mean := b.op("mean", ir.Broadcast, 2, vals(sum), 1)
	centered := b.op("centered", ir.Elementwise, 2, []*ir.Value{x, mean.Outputs[0]})
	variance := b.op("variance", ir.Reduction, 1, vals(centered), 1)
	b.output(centered, variance)

	sf := segmentWith(t, b.f, only(CombineReductions))
	require.Len(t, sf.Groups(), 1)
	assert.Equal(t, 1, sf.Stats().Merges[CombineReductions])
	assert.ElementsMatch(t, vals(centered, variance), sf.Groups()[0].Outputs())

	fh, err := sf.BindHeuristics(scheduler.NewRegistry(0), scheduler.InputMeta{"x": {64, 512}})
	require.NoError(t, err)
	assert.Equal(t, scheduler.Normalization, fh.Entries()[0].Heuristic)

	_, err = sf.BindHeuristics(scheduler.NewRegistry(1024), scheduler.InputMeta{"x": {64, 512}})
	assert.ErrorContains(t, err, "persistent buffer")
}

func TestFinalMergeIsIdempotent(t *testing.T) {
	b := newBuilder(t, "chain")
	x := b.input("x", 2)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x})
	bb := b.op("b", ir.Elementwise, 2, vals(a))
	c := b.op("c", ir.Elementwise, 2, vals(a, bb))
	b.output(c)

	cf, err := newCandidateFinder(b.f, only(FinalMerge), scheduler.NewRegistry(0))
	require.NoError(t, err)
	cf.initGroups()
	assert.Equal(t, 2, cf.finalMerge())
	assert.Zero(t, cf.finalMerge())
	assert.Len(t, cf.store.LiveGroups(), 1)
}

func TestFinalMergeIsIdempotentAfterAllPasses(t *testing.T) {
	b := newBuilder(t, "diamond_reductions")
	x := b.input("x", 2)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x})
	rows := b.op("rows", ir.Reduction, 1, vals(a), 1)
	cols := b.op("cols", ir.Reduction, 1, vals(a), 0)
	d := b.op("d", ir.Elementwise, 1, vals(rows, cols))
	b.output(d)

	cf, err := newCandidateFinder(b.f, DefaultOptions(), scheduler.NewRegistry(0))
	require.NoError(t, err)
	cf.findSegments()
	assert.Zero(t, cf.finalMerge())
}

func TestFinalMergeRespectsSchedulability(t *testing.T) {
	b := newBuilder(t, "triangle")
	x := b.input("x", 2)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x})
	bb := b.op("b", ir.Elementwise, 2, vals(a))
	c := b.op("c", ir.Elementwise, 2, vals(a, bb))
	b.output(c)

	// At most two ops fit one group: a absorbs b, and a+b cannot take c.
	cf, err := newCandidateFinder(b.f, only(FinalMerge), stubScheduler{maxOps: 2})
	require.NoError(t, err)
	cf.initGroups()
	assert.Equal(t, 1, cf.finalMerge())
	assert.Zero(t, cf.finalMerge())

	sf := cf.finalize("triangle")
	require.Len(t, sf.Groups(), 2)
	assert.Equal(t, []*ir.Op{a, bb}, sf.Groups()[0].Exprs())
	assert.Equal(t, []*ir.Op{c}, sf.Groups()[1].Exprs())
	assert.Len(t, sf.Edges(), 2)
}

func TestSegmentErrors(t *testing.T) {
	b := newBuilder(t, "chain")
	x := b.input("x", 2)
	b.op("a", ir.Elementwise, 2, []*ir.Value{x})

	_, err := Segment(b.f, DefaultOptions(), nil, "run")
	assert.ErrorContains(t, err, "nil scheduler")

	f := ir.NewFusion("cycle")
	p := f.NewTensor("p", 1, ir.Float32)
	q := f.NewTensor("q", 1, ir.Float32)
	_, err = f.AddOp("first", ir.Elementwise, []*ir.Value{q}, []*ir.Value{p})
	require.NoError(t, err)
	_, err = f.AddOp("second", ir.Elementwise, []*ir.Value{p}, []*ir.Value{q})
	require.NoError(t, err)
	_, err = Segment(f, DefaultOptions(), scheduler.NewRegistry(0), "run")
	assert.ErrorContains(t, err, "not a DAG")
}

func TestBindingFailureIsFatal(t *testing.T) {
	b := newBuilder(t, "bad")
	x := b.input("x", 2)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x})
	bad := b.op("bad", ir.Elementwise, 2, vals(a))
	b.output(bad)

	sched := stubScheduler{maxOps: 1, reject: "bad"}
	sf, err := Segment(b.f, DefaultOptions(), sched, "bad")
	require.NoError(t, err)
	require.Len(t, sf.Groups(), 2)

	fh, err := sf.BindHeuristics(sched, scheduler.InputMeta{"x": {2, 2}})
	require.Error(t, err)
	assert.Nil(t, fh)
	assert.ErrorContains(t, err, "group 1 starting at bad#1")
	assert.ErrorIs(t, err, errTestReject)
	for _, g := range sf.Groups() {
		assert.Equal(t, scheduler.None, fh.For(g))
	}
}

func TestBindingLeavesSegmentationUntouched(t *testing.T) {
	sf, _ := splitFusion(t)
	summary := sf.String()

	const n = 8
	bound := make([]*FusionHeuristics, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			meta := scheduler.InputMeta{"x": {int64(4 * (i + 1)), 8}}
			bound[i], errs[i] = sf.BindHeuristics(scheduler.NewRegistry(0), meta)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Len(t, bound[i].Entries(), 2)
		for _, g := range sf.Groups() {
			assert.Equal(t, scheduler.Reduction, bound[i].For(g))
		}
	}
	assert.Equal(t, summary, sf.String())
}

func TestMergeMetrics(t *testing.T) {
	passes := []MergePass{CombineReductions, HerrmannMerge, FinalMerge}
	before := make(map[MergePass]float64)
	for _, p := range passes {
		before[p] = testutil.ToFloat64(mergesTotal.WithLabelValues(p.String()))
	}
	duplicates := testutil.ToFloat64(scalarDuplicatesTotal)

	b := newBuilder(t, "metrics")
	x := b.input("x", 2)
	alpha := b.scalarInput("alpha")
	scale := b.scalarOp("scale", alpha)
	a := b.op("a", ir.Elementwise, 2, []*ir.Value{x, scale.Outputs[0]})
	c := b.op("c", ir.Elementwise, 2, []*ir.Value{x, scale.Outputs[0]})
	rows := b.op("rows", ir.Reduction, 1, vals(a), 1)
	cols := b.op("cols", ir.Reduction, 1, vals(c), 0)
	b.output(rows, cols)

	sf := segmentWith(t, b.f, DefaultOptions())
	total := 0
	for _, p := range passes {
		got := testutil.ToFloat64(mergesTotal.WithLabelValues(p.String())) - before[p]
		assert.Equal(t, float64(sf.Stats().Merges[p]), got, p.String())
		total += sf.Stats().Merges[p]
	}
	assert.Positive(t, total)
	assert.Equal(t, duplicates+float64(sf.Stats().ScalarDuplicates), testutil.ToFloat64(scalarDuplicatesTotal))
}
