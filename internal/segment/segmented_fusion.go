package segment

import (
	"fmt"
	"strings"

	"fusionseg/internal/ir"

	"github.com/pkg/errors"
)

// SegmentedFusion is the result of one segmentation run: the final groups
// ordered by id, which is an execution order, and the edges between them.
// It is read-only once Segment returns.
type SegmentedFusion struct {
	name   string
	fusion *ir.Fusion
	info   *ir.GraphInfo
	store  *Store
	groups []*Group
	edges  []*Edge

	duplicated map[*ir.Op]bool
	stats      Stats
}

func (sf *SegmentedFusion) Name() string { return sf.name }
func (sf *SegmentedFusion) CompleteFusion() *ir.Fusion { return sf.fusion }
func (sf *SegmentedFusion) Groups() []*Group { return sf.groups }
func (sf *SegmentedFusion) Edges() []*Edge { return sf.edges }
func (sf *SegmentedFusion) Inputs() []*ir.Value { return sf.fusion.Inputs() }
func (sf *SegmentedFusion) Outputs() []*ir.Value { return sf.fusion.Outputs() }
func (sf *SegmentedFusion) Stats() Stats { return sf.stats }

// IsSegmented reports whether the fusion was split into more than one group.
func (sf *SegmentedFusion) IsSegmented() bool { return len(sf.groups) > 1 }

// IsDuplicated reports whether op was cloned into another group during scalar
// resolution.
func (sf *SegmentedFusion) IsDuplicated(op *ir.Op) bool { return sf.duplicated[op.Origin()] }

// MakeSubFusion builds a standalone fusion holding copies of the ops of g.
// Values entering g become fusion inputs and values leaving it fusion
// outputs; constants stay constants.
func (sf *SegmentedFusion) MakeSubFusion(g *Group) (*ir.Fusion, error) {
	sub := ir.NewFusion(fmt.Sprintf("%s/g%d", sf.name, g.id))

	produced := make(map[*ir.Value]bool)
	for _, op := range g.exprs {
		for _, v := range op.Outputs {
			produced[v] = true
		}
	}

	mapped := make(map[*ir.Value]*ir.Value)
	clone := func(v *ir.Value) *ir.Value {
		if nv, ok := mapped[v]; ok {
			return nv
		}
		var nv *ir.Value
		if v.IsScalar() {
			nv = sub.NewScalar(v.Name, v.DType)
		} else {
			nv = sub.NewTensor(v.Name, v.Rank, v.DType)
		}
		mapped[v] = nv
		return nv
	}

	for _, op := range g.exprs {
		ins := make([]*ir.Value, len(op.Inputs))
		for i, v := range op.Inputs {
			_, seen := mapped[v]
			ins[i] = clone(v)
			if !seen && !produced[v] && !v.IsConstant() {
				if err := sub.AddInput(ins[i]); err != nil {
					return nil, errors.Wrapf(err, "group %d", g.id)
				}
			}
		}
		outs := make([]*ir.Value, len(op.Outputs))
		for i, v := range op.Outputs {
			outs[i] = clone(v)
		}
		if _, err := sub.AddOp(op.Name, op.Kind, ins, outs, op.Axes...); err != nil {
			return nil, errors.Wrapf(err, "group %d", g.id)
		}
	}

	for _, v := range g.outputVals {
		nv, ok := mapped[v]
		if !ok {
			return nil, errors.Errorf("group %d lists output %q it does not produce", g.id, v.Name)
		}
		sub.AddOutput(nv)
	}
	return sub, nil
}

func (sf *SegmentedFusion) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Segmented fusion %s (%s): %d groups, %d edges\n",
		sf.fusion.Name, sf.name, len(sf.groups), len(sf.edges))
	for _, g := range sf.groups {
		fmt.Fprintf(&b, "  g%d: ops=%v in=%v out=%v\n",
			g.id, g.exprs, g.inputVals, g.outputVals)
	}
	for _, e := range sf.edges {
		fmt.Fprintf(&b, "  g%d -> g%d: %s\n", e.Producer().id, e.Consumer().id, e.Val)
	}
	return b.String()
}
