package segment

import (
	"slices"

	"fusionseg/internal/ir"
)

// groupHas reports whether ref holds op or a clone of it.
func (s *Store) groupHas(ref GroupRef, op *ir.Op) bool {
	for _, e := range s.groups[ref].exprs {
		if e.Origin() == op.Origin() {
			return true
		}
	}
	return false
}

// groupReads reports whether an op of ref other than skip consumes v.
func (s *Store) groupReads(ref GroupRef, v *ir.Value, skip *ir.Op) bool {
	for _, e := range s.groups[ref].exprs {
		if e != skip && slices.Contains(e.Inputs, v) {
			return true
		}
	}
	return false
}

func (s *Store) groupProduces(ref GroupRef, v *ir.Value) bool {
	for _, e := range s.groups[ref].exprs {
		if slices.Contains(e.Outputs, v) {
			return true
		}
	}
	return false
}

func (s *Store) hasEdge(from, to GroupRef, v *ir.Value) bool {
	for _, er := range s.groups[to].producerEdges {
		e := s.edges[er]
		if e.From == from && e.Val == v {
			return true
		}
	}
	return false
}

// resolveScalars duplicates every scalar op whose result is read by more than
// one group into each reading group and drops the edges that carried it.
// It returns the number of clones made.
func (cf *candidateFinder) resolveScalars() int {
	s := cf.store
	opGroup := make(map[*ir.Op]GroupRef)
	for _, ref := range s.LiveGroups() {
		for _, op := range s.groups[ref].exprs {
			if !op.IsClone() {
				opGroup[op] = ref
			}
		}
	}

	before := cf.stats.ScalarDuplicates
	for _, op := range cf.info.TopoOrder {
		if !op.IsScalarOp() {
			continue
		}
		src, ok := opGroup[op]
		if !ok {
			continue
		}
		for _, v := range op.Outputs {
			var carrying []EdgeRef
			readers := make(map[GroupRef]bool)
			for _, er := range s.groups[src].consumerEdges {
				if e := s.edges[er]; e.Val == v {
					carrying = append(carrying, er)
					readers[e.To] = true
				}
			}
			if s.groupReads(src, v, op) {
				readers[src] = true
			}
			if len(readers) < 2 {
				continue
			}
			for _, er := range carrying {
				to := s.edges[er].To
				s.RemoveEdge(er)
				cf.materialize(to, op, opGroup)
			}
		}
	}
	cf.pruneDuplicated(opGroup)
	return cf.stats.ScalarDuplicates - before
}

// materialize clones op into ref unless ref already holds it. Scalar ops the
// clone depends on are cloned along; other producers are reached by an edge.
func (cf *candidateFinder) materialize(ref GroupRef, op *ir.Op, opGroup map[*ir.Op]GroupRef) {
	s := cf.store
	if s.groupHas(ref, op) {
		return
	}
	g := s.groups[ref]
	g.exprs = append(g.exprs, op.Clone())
	cf.duplicated[op.Origin()] = true
	cf.stats.ScalarDuplicates++

	for _, in := range op.Inputs {
		switch {
		case in.IsFusionInput():
			g.inputVals = appendUniqueVals(g.inputVals, in)
		case in.IsConstant():
		case s.groupProduces(ref, in):
		case in.Def().IsScalarOp():
			cf.materialize(ref, in.Def(), opGroup)
		default:
			from := opGroup[in.Def()]
			if !s.hasEdge(from, ref, in) {
				s.NewEdge(from, ref, in)
			}
		}
	}
}

// pruneDuplicated drops edges that became redundant and original scalar ops
// whose results are no longer used, until nothing changes. Groups left empty
// are removed.
func (cf *candidateFinder) pruneDuplicated(opGroup map[*ir.Op]GroupRef) {
	s := cf.store
	for changed := true; changed; {
		changed = cf.pruneEdges()
		for op, ref := range opGroup {
			if !cf.duplicated[op] || cf.isUsed(ref, op) {
				continue
			}
			g := s.groups[ref]
			g.exprs = slices.DeleteFunc(g.exprs, func(e *ir.Op) bool { return e == op })
			delete(opGroup, op)
			changed = true
			if len(g.exprs) == 0 {
				s.RemoveGroup(ref)
			}
		}
	}
}

// isUsed reports whether an output of op is a fusion output, read inside its
// group or carried out of it.
func (cf *candidateFinder) isUsed(ref GroupRef, op *ir.Op) bool {
	s := cf.store
	for _, v := range op.Outputs {
		if v.IsFusionOutput() || s.groupReads(ref, v, op) {
			return true
		}
		for _, er := range s.groups[ref].consumerEdges {
			if s.edges[er].Val == v {
				return true
			}
		}
	}
	return false
}

// pruneEdges removes edges whose consumer no longer reads the value or now
// produces it itself.
func (cf *candidateFinder) pruneEdges() bool {
	s := cf.store
	removed := false
	for _, er := range s.LiveEdges() {
		e := s.edges[er]
		if !s.groupReads(e.To, e.Val, nil) || s.groupProduces(e.To, e.Val) {
			s.RemoveEdge(er)
			removed = true
		}
	}
	return removed
}
