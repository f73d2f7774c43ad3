package segment

import "slices"

type groupSet map[GroupRef]struct{}

func (gs groupSet) has(ref GroupRef) bool {
	_, ok := gs[ref]
	return ok
}

// groupDependency tracks, for every live group, the set of groups it
// transitively consumes from. It is built once per pass and kept current
// across merges with merge.
type groupDependency struct {
	store     *Store
	producers map[GroupRef]groupSet
}

func newGroupDependency(s *Store) *groupDependency {
	d := &groupDependency{store: s, producers: make(map[GroupRef]groupSet)}
	for _, ref := range s.mustTopoOrder() {
		all := make(groupSet)
		for _, er := range s.groups[ref].producerEdges {
			from := s.edges[er].From
			all[from] = struct{}{}
			for p := range d.producers[from] {
				all[p] = struct{}{}
			}
		}
		d.producers[ref] = all
	}
	return d
}

// isProducerOf reports whether a reaches b through at least one edge.
func (d *groupDependency) isProducerOf(a, b GroupRef) bool {
	return d.producers[b].has(a)
}

// isConsumerOfAny reports whether g transitively consumes from any group in
// others other than itself.
func (d *groupDependency) isConsumerOfAny(g GroupRef, others []GroupRef) bool {
	for _, o := range others {
		if o != g && d.isProducerOf(o, g) {
			return true
		}
	}
	return false
}

// safeToMerge reports whether merging set keeps the segment graph acyclic:
// no group outside the set may be reachable from one member and reach
// another.
func (d *groupDependency) safeToMerge(set []GroupRef) bool {
	for _, x := range d.store.LiveGroups() {
		if slices.Contains(set, x) {
			continue
		}
		fromSet, toSet := false, false
		for _, m := range set {
			if d.isProducerOf(m, x) {
				fromSet = true
			}
			if d.isProducerOf(x, m) {
				toSet = true
			}
		}
		if fromSet && toSet {
			return false
		}
	}
	return true
}

// groupsBetween returns the groups on some path from a to b, excluding both.
func (d *groupDependency) groupsBetween(a, b GroupRef) []GroupRef {
	var between []GroupRef
	for _, x := range d.store.LiveGroups() {
		if x != a && x != b && d.isProducerOf(a, x) && d.isProducerOf(x, b) {
			between = append(between, x)
		}
	}
	return between
}

// merge updates the analysis after absorbed groups were merged into survivor.
func (d *groupDependency) merge(survivor GroupRef, absorbed []GroupRef) {
	members := append([]GroupRef{survivor}, absorbed...)

	merged := make(groupSet)
	for _, m := range members {
		for p := range d.producers[m] {
			merged[p] = struct{}{}
		}
	}
	for _, m := range members {
		delete(merged, m)
	}
	for _, m := range absorbed {
		delete(d.producers, m)
	}
	d.producers[survivor] = merged

	// Anything downstream of a member now sees every producer of the merged
	// group, including paths that only exist through the merge.
	for ref, producers := range d.producers {
		if ref == survivor {
			continue
		}
		downstream := false
		for _, m := range members {
			if producers.has(m) {
				downstream = true
				delete(producers, m)
			}
		}
		if !downstream {
			continue
		}
		producers[survivor] = struct{}{}
		for p := range merged {
			producers[p] = struct{}{}
		}
	}
}
