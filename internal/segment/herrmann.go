package segment

import (
	"sort"
)

// Merge-candidate search from Herrmann et al., "Multilevel Algorithms for
// Acyclic Partitioning of Directed Acyclic Graphs" (SIAM J. Sci. Comput.
// 41(4), 2019). Merging two groups connected by an edge whose levels differ
// by at most one cannot create a cycle (Theorem 4.2); the merged markers
// below keep several such merges in one pass from interfering.

// traversal is the workspace of one search pass.
type traversal struct {
	visited      map[GroupRef]bool
	merged       map[GroupRef]bool
	mergeWith    map[GroupRef][]GroupRef
	mergeThrough map[GroupRef]EdgeRef
}

func newTraversal() *traversal {
	return &traversal{
		visited:      make(map[GroupRef]bool),
		merged:       make(map[GroupRef]bool),
		mergeWith:    make(map[GroupRef][]GroupRef),
		mergeThrough: make(map[GroupRef]EdgeRef),
	}
}

// neighborGroup is a group connected to another by one or more edges.
type neighborGroup struct {
	group GroupRef
	edge  EdgeRef // first connecting edge
	// number of connecting edges
	connections int
	// whether a connecting edge carries a fusion output, which has to be
	// written out anyway
	carriesOutput bool
}

// neighborGroups returns the groups connected to ref, producers first, in
// edge order.
func (s *Store) neighborGroups(ref GroupRef) []neighborGroup {
	g := s.mustGroup(ref)
	index := make(map[GroupRef]int)
	var neighbors []neighborGroup

	visit := func(peer GroupRef, er EdgeRef) {
		e := s.edges[er]
		i, ok := index[peer]
		if !ok {
			index[peer] = len(neighbors)
			neighbors = append(neighbors, neighborGroup{group: peer, edge: er})
			i = len(neighbors) - 1
		}
		neighbors[i].connections++
		if e.Val.IsFusionOutput() {
			neighbors[i].carriesOutput = true
		}
	}
	for _, er := range g.producerEdges {
		visit(s.edges[er].From, er)
	}
	for _, er := range g.consumerEdges {
		visit(s.edges[er].To, er)
	}
	return neighbors
}

func (s *Store) neighbors(ref GroupRef) []GroupRef {
	ns := s.neighborGroups(ref)
	refs := make([]GroupRef, len(ns))
	for i, n := range ns {
		refs[i] = n.group
	}
	return refs
}

func levelGap(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// mergedWithin reports whether ref was merged this pass and it or one of its
// partners sits within one level of level. Partners may already be dead; their
// levels are still those computed at the start of the pass.
func (cf *candidateFinder) mergedWithin(ws *traversal, ref GroupRef, level int) bool {
	if !ws.merged[ref] {
		return false
	}
	if levelGap(cf.store.raw(ref).level, level) <= 1 {
		return true
	}
	for _, partner := range ws.mergeWith[ref] {
		if levelGap(cf.store.raw(partner).level, level) <= 1 {
			return true
		}
	}
	return false
}

// mergeCandidates returns the neighbors ref could merge with this pass,
// ordered by preference.
func (cf *candidateFinder) mergeCandidates(ws *traversal, ref GroupRef) []neighborGroup {
	if ws.merged[ref] {
		return nil
	}
	s := cf.store
	level := s.groups[ref].level
	neighbors := s.neighborGroups(ref)

	// A neighbor merged this pass within one level blocks this group.
	for _, n := range neighbors {
		if cf.mergedWithin(ws, n.group, level) {
			return nil
		}
	}

	var candidates []neighborGroup
	for _, n := range neighbors {
		nLevel := s.groups[n.group].level
		if levelGap(nLevel, level) > 1 {
			continue
		}
		ok := true
		for _, nn := range s.neighbors(n.group) {
			if nn == ref {
				continue
			}
			if cf.mergedWithin(ws, nn, level) || cf.mergedWithin(ws, nn, nLevel) {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, n)
		}
	}

	// Prefer heavier connections, then connections that are not fusion
	// outputs, then closer levels, then older groups.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.connections != b.connections {
			return a.connections > b.connections
		}
		if a.carriesOutput != b.carriesOutput {
			return !a.carriesOutput
		}
		ga, gb := levelGap(s.groups[a.group].level, level), levelGap(s.groups[b.group].level, level)
		if ga != gb {
			return ga < gb
		}
		return a.group < b.group
	})
	return candidates
}

// herrmannPass runs one search pass over all live groups and returns the
// number of merges applied. Levels are recomputed once at the start.
func (cf *candidateFinder) herrmannPass() int {
	s := cf.store
	s.computeLevels()
	dep := newGroupDependency(s)
	ws := newTraversal()

	merges := 0
	toVisit := s.LiveGroups()
	for len(toVisit) > 0 {
		ref := toVisit[0]
		toVisit = toVisit[1:]
		if s.IsDead(ref) || ws.visited[ref] || ws.merged[ref] {
			continue
		}
		ws.visited[ref] = true

		chosen := []GroupRef{ref}
		through := NoEdge
		for _, c := range cf.mergeCandidates(ws, ref) {
			set := append(chosen[:len(chosen):len(chosen)], c.group)
			if !dep.safeToMerge(set) {
				cf.reject(HerrmannMerge, "cycle")
				continue
			}
			if !cf.canSchedule(set) {
				cf.reject(HerrmannMerge, "unschedulable")
				continue
			}
			chosen = set
			if through == NoEdge {
				through = c.edge
			}
		}
		if len(chosen) == 1 {
			continue
		}

		for _, m := range chosen {
			ws.merged[m] = true
			ws.mergeThrough[m] = through
			for _, other := range chosen {
				if other != m {
					ws.mergeWith[m] = append(ws.mergeWith[m], other)
				}
			}
		}
		cf.merge(chosen, dep, HerrmannMerge)
		merges++
		log.Debugf("herrmann_merge: g%d absorbed %d groups through %s",
			ref, len(chosen)-1, s.edges[ws.mergeThrough[ref]].Val)
	}
	return merges
}
