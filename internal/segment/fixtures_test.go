package segment

import (
	"testing"

	"fusionseg/internal/ir"
	"fusionseg/internal/scheduler"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var errTestReject = errors.New("rejected by test scheduler")

type builder struct {
	t *testing.T
	f *ir.Fusion
}

func newBuilder(t *testing.T, name string) *builder {
	t.Helper()
	return &builder{t: t, f: ir.NewFusion(name)}
}

func (b *builder) input(name string, rank int) *ir.Value {
	v := b.f.NewTensor(name, rank, ir.Float32)
	require.NoError(b.t, b.f.AddInput(v))
	return v
}

func (b *builder) scalarInput(name string) *ir.Value {
	v := b.f.NewScalar(name, ir.Float32)
	require.NoError(b.t, b.f.AddInput(v))
	return v
}

// op adds an op producing a single new value named after the op.
func (b *builder) op(name string, kind ir.OpKind, rank int, ins []*ir.Value, axes ...int) *ir.Op {
	out := b.f.NewTensor(name, rank, ir.Float32)
	o, err := b.f.AddOp(name, kind, ins, []*ir.Value{out}, axes...)
	require.NoError(b.t, err)
	return o
}

func (b *builder) scalarOp(name string, ins ...*ir.Value) *ir.Op {
	out := b.f.NewScalar(name, ir.Float32)
	o, err := b.f.AddOp(name, ir.Elementwise, ins, []*ir.Value{out})
	require.NoError(b.t, err)
	return o
}

func (b *builder) output(ops ...*ir.Op) {
	for _, o := range ops {
		b.f.AddOutput(o.Outputs[0])
	}
}

func vals(ops ...*ir.Op) []*ir.Value {
	out := make([]*ir.Value, len(ops))
	for i, o := range ops {
		out[i] = o.Outputs[0]
	}
	return out
}

func noMerges() Options {
	return Options{CheckInvariants: true}
}

func only(pass MergePass) Options {
	opts := noMerges()
	switch pass {
	case CombineReductions:
		opts.RunCombineReductions = true
	case HerrmannMerge:
		opts.RunHerrmannMerge = true
	case FinalMerge:
		opts.RunFinalMerge = true
	}
	return opts
}

func segmentWith(t *testing.T, f *ir.Fusion, opts Options) *SegmentedFusion {
	t.Helper()
	sf, err := Segment(f, opts, scheduler.NewRegistry(0), "test")
	require.NoError(t, err)
	return sf
}

// groupOf returns the group holding the original of op, or nil.
func groupOf(sf *SegmentedFusion, op *ir.Op) *Group {
	for _, g := range sf.Groups() {
		for _, e := range g.Exprs() {
			if e == op {
				return g
			}
		}
	}
	return nil
}

// reaches reports whether to is downstream of from in the segment graph.
func reaches(sf *SegmentedFusion, from, to *Group) bool {
	seen := map[*Group]bool{from: true}
	stack := []*Group{from}
	for len(stack) > 0 {
		g := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.ConsumerEdges() {
			next := e.Consumer()
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// stubScheduler accepts sets of at most maxOps ops and fails selection for
// groups holding an op named reject.
type stubScheduler struct {
	maxOps int
	reject string
}

func (s stubScheduler) CanSchedule(ops []*ir.Op) bool {
	return s.maxOps == 0 || len(ops) <= s.maxOps
}

func (s stubScheduler) SelectHeuristic(sub *ir.Fusion, _ scheduler.InputMeta) (scheduler.Heuristic, error) {
	for _, op := range sub.Ops() {
		if op.Name == s.reject {
			return scheduler.None, errTestReject
		}
	}
	return scheduler.PointWise, nil
}
