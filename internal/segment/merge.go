package segment

import (
	"slices"

	"fusionseg/internal/ir"

	"github.com/pkg/errors"
)

// mergeInto moves the ops of absorbed into survivor. Edges between the two
// are deleted, all other edges of absorbed are re-pointed to survivor, and
// duplicate edges of survivor are collapsed. absorbed is dead afterwards.
func (s *Store) mergeInto(survivor, absorbed GroupRef) {
	s.mustBeMutable()
	if survivor == absorbed {
		panic(errors.Errorf("cannot merge group %d with itself", survivor))
	}
	sg, ag := s.mustGroup(survivor), s.mustGroup(absorbed)

	sg.exprs = append(sg.exprs, ag.exprs...)
	sg.inputVals = appendUniqueVals(sg.inputVals, ag.inputVals...)
	sg.outputVals = appendUniqueVals(sg.outputVals, ag.outputVals...)

	for _, ref := range slices.Clone(ag.producerEdges) {
		e := s.edges[ref]
		if e.From == survivor {
			s.RemoveEdge(ref)
			continue
		}
		e.To = survivor
		sg.producerEdges = append(sg.producerEdges, ref)
	}
	for _, ref := range slices.Clone(ag.consumerEdges) {
		e := s.edges[ref]
		if e.To == survivor {
			s.RemoveEdge(ref)
			continue
		}
		e.From = survivor
		sg.consumerEdges = append(sg.consumerEdges, ref)
	}

	ag.exprs, ag.inputVals, ag.outputVals = nil, nil, nil
	ag.producerEdges, ag.consumerEdges = nil, nil
	s.deadGroups[absorbed] = struct{}{}

	s.dedupeEdges(survivor)
}

// mergeAll merges every group of refs into refs[0] and returns it.
// The caller must have checked that the merged set keeps the graph a DAG.
func (s *Store) mergeAll(refs []GroupRef) GroupRef {
	survivor := refs[0]
	for _, ref := range refs[1:] {
		s.mergeInto(survivor, ref)
	}
	return survivor
}

type edgeKey struct {
	peer GroupRef
	val  *ir.Value
}

// dedupeEdges collapses edges carrying the same value between the same pair
// of groups into the first one.
func (s *Store) dedupeEdges(ref GroupRef) {
	g := s.mustGroup(ref)

	seen := make(map[edgeKey]bool)
	for _, er := range slices.Clone(g.producerEdges) {
		e := s.edges[er]
		key := edgeKey{peer: e.From, val: e.Val}
		if seen[key] {
			s.RemoveEdge(er)
			continue
		}
		seen[key] = true
	}

	clear(seen)
	for _, er := range slices.Clone(g.consumerEdges) {
		e := s.edges[er]
		key := edgeKey{peer: e.To, val: e.Val}
		if seen[key] {
			s.RemoveEdge(er)
			continue
		}
		seen[key] = true
	}
}

// topoOrder sorts live groups with Kahn's algorithm, ties broken by handle.
// ok is false if the segment graph has a cycle.
func (s *Store) topoOrder() (order []GroupRef, ok bool) {
	live := s.LiveGroups()
	inDegree := make(map[GroupRef]int, len(live))
	dependents := make(map[GroupRef][]GroupRef, len(live))

	for _, ref := range live {
		seen := make(map[GroupRef]bool)
		for _, er := range s.groups[ref].producerEdges {
			from := s.edges[er].From
			if seen[from] {
				continue
			}
			seen[from] = true
			inDegree[ref]++
			dependents[from] = append(dependents[from], ref)
		}
	}

	queue := make([]GroupRef, 0)
	for _, ref := range live {
		if inDegree[ref] == 0 {
			queue = append(queue, ref)
		}
	}

	order = make([]GroupRef, 0, len(live))
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		order = append(order, ref)
		for _, dep := range dependents[ref] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return order, len(order) == len(live)
}

// computeLevels sets every live group's level to its longest path distance
// from a group without producers.
func (s *Store) computeLevels() {
	order := s.mustTopoOrder()
	for _, ref := range order {
		g := s.groups[ref]
		g.level = 0
		for _, er := range g.producerEdges {
			g.level = max(g.level, s.groups[s.edges[er].From].level+1)
		}
	}
}

func (s *Store) mustTopoOrder() []GroupRef {
	order, ok := s.topoOrder()
	if !ok {
		panic(errors.Errorf("segment graph has a cycle: only %d of %d groups are orderable",
			len(order), len(s.LiveGroups())))
	}
	return order
}

func (s *Store) assertAcyclic() {
	s.mustTopoOrder()
}
