package segment

import (
	"slices"

	"fusionseg/internal/ir"

	"github.com/pkg/errors"
)

// Validate checks a finalized segmentation: every op is covered, the
// segment graph is acyclic, ids follow the group order, boundaries match the
// edges, no edge is duplicated and no multiply read scalar is still passed
// between groups.
func Validate(sf *SegmentedFusion) error {
	if err := validatePartition(sf); err != nil {
		return err
	}
	for i, g := range sf.groups {
		if g.id != i {
			return errors.Errorf("group at position %d has id %d", i, g.id)
		}
	}
	if err := validateEdges(sf); err != nil {
		return err
	}
	for _, g := range sf.groups {
		if err := validateBoundary(g); err != nil {
			return errors.Wrapf(err, "group %d", g.id)
		}
		if err := validateConvex(sf, g); err != nil {
			return err
		}
	}
	return validateScalars(sf)
}

// validateConvex checks that no path of the complete fusion leaves g and
// comes back into it. Groups touched by scalar duplication are skipped: a
// clone lets such a path close without any edge between the groups.
func validateConvex(sf *SegmentedFusion, g *Group) error {
	for _, op := range g.exprs {
		if sf.duplicated[op.Origin()] {
			return nil
		}
	}
	if !ir.IsTopologicallyValid(sf.info, g.exprs) {
		return errors.Errorf("group %d is not convex in fusion %q", g.id, sf.fusion.Name)
	}
	return nil
}

func validatePartition(sf *SegmentedFusion) error {
	originals := make(map[*ir.Op]int)
	clones := make(map[*ir.Op]int)
	for _, g := range sf.groups {
		if len(g.exprs) == 0 {
			return errors.Errorf("group %d is empty", g.id)
		}
		inGroup := make(map[*ir.Op]bool)
		for _, op := range g.exprs {
			origin := op.Origin()
			if inGroup[origin] {
				return errors.Errorf("group %d holds %s twice", g.id, origin)
			}
			inGroup[origin] = true
			if op.IsClone() {
				clones[origin]++
			} else {
				originals[origin]++
			}
		}
	}

	for _, op := range sf.fusion.Ops() {
		switch {
		case originals[op] > 1:
			return errors.Errorf("op %s is in %d groups", op, originals[op])
		case sf.duplicated[op]:
			if clones[op] == 0 {
				return errors.Errorf("op %s is marked duplicated but has no clone", op)
			}
		case originals[op] == 0:
			return errors.Errorf("op %s is not in any group", op)
		case clones[op] > 0:
			return errors.Errorf("op %s was cloned without being marked duplicated", op)
		}
	}
	return nil
}

// validateEdges checks edge endpoints, uniqueness and that the groups can be
// executed in id order.
func validateEdges(sf *SegmentedFusion) error {
	type key struct {
		from, to int
		val      *ir.Value
	}
	seen := make(map[key]bool)
	for _, e := range sf.edges {
		from, to := e.Producer(), e.Consumer()
		if from == nil || to == nil {
			return errors.Errorf("edge %d carrying %s has a dead endpoint", e.ref, e.Val)
		}
		if from.id >= to.id {
			return errors.Errorf("edge g%d -> g%d carrying %s goes against execution order", from.id, to.id, e.Val)
		}
		k := key{from.id, to.id, e.Val}
		if seen[k] {
			return errors.Errorf("edge g%d -> g%d carrying %s is duplicated", from.id, to.id, e.Val)
		}
		seen[k] = true
		if !slices.ContainsFunc(from.exprs, func(op *ir.Op) bool { return slices.Contains(op.Outputs, e.Val) }) {
			return errors.Errorf("g%d does not produce %s", from.id, e.Val)
		}
	}
	return nil
}

// validateBoundary checks that every value g reads from outside is a fusion
// input, a constant or carried by an edge, and that the recorded inputs and
// outputs are exactly the fusion-level and edge-carried values.
func validateBoundary(g *Group) error {
	sb := ir.GetSubgraphBoundary(g.exprs)
	edgeIn := make(map[*ir.Value]bool)
	for _, e := range g.ProducerEdges() {
		edgeIn[e.Val] = true
	}

	wantIn := make(map[*ir.Value]bool)
	for _, v := range sb.BoundaryInputs {
		if !v.IsFusionInput() && !edgeIn[v] {
			return errors.Errorf("%s is read but no edge carries it", v)
		}
		wantIn[v] = true
	}
	for v := range edgeIn {
		if !wantIn[v] {
			return errors.Errorf("an edge carries %s but nothing reads it", v)
		}
	}

	wantOut := make(map[*ir.Value]bool)
	for _, e := range g.ConsumerEdges() {
		if !sb.Produced[e.Val] {
			return errors.Errorf("an edge carries %s out but it is not produced here", e.Val)
		}
		wantOut[e.Val] = true
	}
	for _, op := range g.exprs {
		if op.IsClone() {
			continue
		}
		for _, v := range op.Outputs {
			if v.IsFusionOutput() {
				wantOut[v] = true
			}
		}
	}

	if err := sameValues("inputs", g.inputVals, wantIn); err != nil {
		return err
	}
	return sameValues("outputs", g.outputVals, wantOut)
}

func sameValues(what string, got []*ir.Value, want map[*ir.Value]bool) error {
	if len(got) != len(want) {
		return errors.Errorf("%s %v, expected %d values", what, got, len(want))
	}
	for _, v := range got {
		if !want[v] {
			return errors.Errorf("%s %v include unexpected %s", what, got, v)
		}
	}
	return nil
}

// validateScalars checks that a scalar computed by scalar ops reaches at most
// one other group through edges, and none if it is also used at home.
func validateScalars(sf *SegmentedFusion) error {
	readers := make(map[*ir.Value]map[int]bool)
	for _, e := range sf.edges {
		def := e.Val.Def()
		if !e.Val.IsScalar() || def == nil || !def.IsScalarOp() {
			continue
		}
		if readers[e.Val] == nil {
			readers[e.Val] = make(map[int]bool)
			from := e.Producer()
			for _, op := range from.exprs {
				if slices.Contains(op.Inputs, e.Val) {
					readers[e.Val][from.id] = true
					break
				}
			}
		}
		readers[e.Val][e.Consumer().id] = true
	}
	for v, groups := range readers {
		if len(groups) > 1 {
			return errors.Errorf("scalar %s is passed between groups but read by %d", v, len(groups))
		}
	}
	return nil
}
