package segment

import (
	"sort"

	"fusionseg/internal/ir"

	"github.com/pkg/errors"
)

// finalize resolves scalars, numbers the groups in execution order, fixes
// their boundaries and freezes the store.
func (cf *candidateFinder) finalize(name string) *SegmentedFusion {
	if n := cf.resolveScalars(); n > 0 {
		log.Debugf("duplicated %d scalar ops", n)
	}

	s := cf.store
	for _, ref := range s.LiveGroups() {
		s.dedupeEdges(ref)
	}

	order := s.mustTopoOrder()
	for i, ref := range order {
		g := s.groups[ref]
		g.setID(i)
		g.exprs = ir.SortOpsTopologically(cf.info, g.exprs)
		s.setBoundary(g)
	}
	s.CleanUnused()

	sf := &SegmentedFusion{
		name:       name,
		fusion:     cf.fusion,
		info:       cf.info,
		store:      s,
		duplicated: cf.duplicated,
	}
	for _, ref := range order {
		sf.groups = append(sf.groups, s.groups[ref])
	}
	for _, er := range s.LiveEdges() {
		sf.edges = append(sf.edges, s.edges[er])
	}
	sort.SliceStable(sf.edges, func(i, j int) bool {
		a, b := sf.edges[i], sf.edges[j]
		if a.Producer().id != b.Producer().id {
			return a.Producer().id < b.Producer().id
		}
		if a.Consumer().id != b.Consumer().id {
			return a.Consumer().id < b.Consumer().id
		}
		return a.Val.ID < b.Val.ID
	})

	if cf.opts.CheckInvariants {
		if err := Validate(sf); err != nil {
			panic(errors.Wrap(err, "segmentation invariant violated"))
		}
	}
	return sf
}

// setBoundary recomputes the values crossing the boundary of g: fusion
// inputs it reads and fusion outputs it produces, plus every value carried by
// one of its edges.
func (s *Store) setBoundary(g *Group) {
	g.inputVals, g.outputVals = nil, nil
	for _, op := range g.exprs {
		for _, v := range op.Inputs {
			if v.IsFusionInput() {
				g.inputVals = appendUniqueVals(g.inputVals, v)
			}
		}
		if op.IsClone() {
			continue
		}
		for _, v := range op.Outputs {
			if v.IsFusionOutput() {
				g.outputVals = appendUniqueVals(g.outputVals, v)
			}
		}
	}
	for _, er := range g.producerEdges {
		g.inputVals = appendUniqueVals(g.inputVals, s.edges[er].Val)
	}
	for _, er := range g.consumerEdges {
		g.outputVals = appendUniqueVals(g.outputVals, s.edges[er].Val)
	}
}
