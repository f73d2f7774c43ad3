package scheduler

import (
	"fusionseg/internal/ir"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "scheduler")

// DefaultMaxPersistentBytes bounds the per-reduction buffer a normalization
// kernel keeps on chip.
const DefaultMaxPersistentBytes = 64 * 1024

// Registry is the built-in scheduler registry. It answers whether a set of
// ops can be compiled as one kernel and which heuristic to compile it with.
type Registry struct {
	MaxPersistentBytes int64
}

func NewRegistry(maxPersistentBytes int64) *Registry {
	if maxPersistentBytes <= 0 {
		maxPersistentBytes = DefaultMaxPersistentBytes
	}
	return &Registry{MaxPersistentBytes: maxPersistentBytes}
}

// Propose picks the heuristic for ops without looking at concrete sizes.
//
//   - no reductions: PointWise
//   - reductions must all share one signature
//   - a broadcast of a reduction result inside the set: Normalization
//   - a reduction of a reduction result without such a broadcast: rejected
//   - otherwise: Reduction
func (r *Registry) Propose(ops []*ir.Op) (Heuristic, bool) {
	signature := ""
	hasReduction := false
	for _, op := range ops {
		if op.Kind != ir.Reduction {
			continue
		}
		sig := op.ReductionSignature()
		if hasReduction && sig != signature {
			return None, false
		}
		hasReduction = true
		signature = sig
	}
	if !hasReduction {
		return PointWise, true
	}

	// Values derived from a reduction result within the set.
	reduced := make(map[*ir.Value]bool)
	for _, op := range ops {
		if op.Kind == ir.Reduction {
			for _, v := range op.Outputs {
				reduced[v] = true
			}
		}
	}
	normalization, chained := false, false
	for changed := true; changed; {
		changed = false
		for _, op := range ops {
			fed := false
			for _, v := range op.Inputs {
				if reduced[v] {
					fed = true
					break
				}
			}
			if !fed {
				continue
			}
			switch op.Kind {
			case ir.Broadcast:
				normalization = true
			case ir.Reduction:
				chained = true
			}
			for _, v := range op.Outputs {
				if !reduced[v] {
					reduced[v] = true
					changed = true
				}
			}
		}
	}

	switch {
	case normalization:
		return Normalization, true
	case chained:
		return None, false
	}
	return Reduction, true
}

// CanSchedule reports whether some heuristic accepts ops.
func (r *Registry) CanSchedule(ops []*ir.Op) bool {
	_, ok := r.Propose(ops)
	return ok
}

// SelectHeuristic proposes a heuristic for a standalone sub-fusion and
// validates it against the concrete extents of the sub-fusion's inputs.
func (r *Registry) SelectHeuristic(sub *ir.Fusion, meta InputMeta) (Heuristic, error) {
	h, ok := r.Propose(sub.Ops())
	if !ok {
		return None, errors.Errorf("no heuristic accepts fusion %q", sub.Name)
	}

	extents, err := ir.InferExtents(sub, meta)
	if err != nil {
		return None, errors.Wrapf(err, "fusion %q", sub.Name)
	}

	if h == Normalization {
		for _, op := range sub.Ops() {
			if op.Kind != ir.Reduction {
				continue
			}
			in := op.Inputs[0]
			buffer := in.DType.Size()
			shape := extents[in]
			for _, a := range op.Axes {
				if a >= 0 && a < len(shape) {
					buffer *= shape[a]
				}
			}
			if buffer > r.MaxPersistentBytes {
				return None, errors.Errorf("normalization of %s needs a %d byte persistent buffer, limit is %d",
					op, buffer, r.MaxPersistentBytes)
			}
		}
	}

	log.Debugf("fusion %q: %s", sub.Name, h)
	return h, nil
}
