package ir

import (
	"slices"

	"github.com/pkg/errors"
)

// InferExtents propagates the concrete extents of the fusion inputs through
// every op. Broadcast axes get extent 1 and elementwise outputs take the
// largest extent per axis among their tensor inputs of the same rank.
// Scalars map to a nil slice.
func InferExtents(f *Fusion, inputs map[string][]int64) (map[*Value][]int64, error) {
	gi, err := AnalyzeGraph(f)
	if err != nil {
		return nil, err
	}

	extents := make(map[*Value][]int64, len(f.values))
	for _, v := range f.inputs {
		if v.IsScalar() {
			extents[v] = nil
			continue
		}
		shape, ok := inputs[v.Name]
		if !ok {
			return nil, errors.Errorf("no extents given for input %q", v.Name)
		}
		if len(shape) != v.Rank {
			return nil, errors.Errorf("input %q has rank %d but %d extents were given", v.Name, v.Rank, len(shape))
		}
		extents[v] = slices.Clone(shape)
	}

	for _, op := range gi.TopoOrder {
		for _, out := range op.Outputs {
			if out.IsScalar() {
				extents[out] = nil
				continue
			}
			shape, err := outputExtents(op, out, extents)
			if err != nil {
				return nil, errors.Wrapf(err, "op %s", op)
			}
			extents[out] = shape
		}
	}
	return extents, nil
}

func outputExtents(op *Op, out *Value, extents map[*Value][]int64) ([]int64, error) {
	switch op.Kind {
	case Reduction:
		in := extents[op.Inputs[0]]
		if len(in) == out.Rank {
			// keepdims
			shape := slices.Clone(in)
			for _, a := range op.Axes {
				if a < 0 || a >= len(shape) {
					return nil, errors.Errorf("reduction axis %d out of range", a)
				}
				shape[a] = 1
			}
			return shape, nil
		}
		shape := make([]int64, 0, out.Rank)
		for i, e := range in {
			if !slices.Contains(op.Axes, i) {
				shape = append(shape, e)
			}
		}
		if len(shape) != out.Rank {
			return nil, errors.Errorf("reducing %d axes of a rank %d input cannot produce rank %d", len(op.Axes), len(in), out.Rank)
		}
		return shape, nil

	case Broadcast:
		in := extents[op.Inputs[0]]
		if len(in)+len(op.Axes) != out.Rank {
			return nil, errors.Errorf("broadcasting rank %d by %d axes cannot produce rank %d", len(in), len(op.Axes), out.Rank)
		}
		shape := make([]int64, 0, out.Rank)
		next := 0
		for i := 0; i < out.Rank; i++ {
			if slices.Contains(op.Axes, i) {
				shape = append(shape, 1)
				continue
			}
			shape = append(shape, in[next])
			next++
		}
		return shape, nil
	}

	var shape []int64
	for _, in := range op.Inputs {
		if in.IsScalar() || in.Rank != out.Rank {
			continue
		}
		e, ok := extents[in]
		if !ok {
			continue
		}
		if shape == nil {
			shape = slices.Clone(e)
			continue
		}
		for i := range shape {
			shape[i] = max(shape[i], e[i])
		}
	}
	if shape == nil {
		return nil, errors.Errorf("cannot infer extents of %q from its inputs", out.Name)
	}
	return shape, nil
}
