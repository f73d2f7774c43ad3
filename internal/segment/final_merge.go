package segment

// consumersOf returns the distinct groups reading from ref, in edge order.
func (s *Store) consumersOf(ref GroupRef) []GroupRef {
	var consumers []GroupRef
	seen := make(map[GroupRef]bool)
	for _, er := range s.groups[ref].consumerEdges {
		to := s.edges[er].To
		if !seen[to] {
			seen[to] = true
			consumers = append(consumers, to)
		}
	}
	return consumers
}

// finalMerge merges producer/consumer pairs that the level rule missed.
// A producer p and consumer c can merge when no other consumer of p is
// upstream of c (Herrmann et al., Theorem 4.1). After every merge the sweep
// restarts from the first group in topological order. Running it again on
// its own result merges nothing.
func (cf *candidateFinder) finalMerge() int {
	total := 0
	tried := make(map[[2]GroupRef]bool)
	for {
		if !cf.finalMergeOnce(tried) {
			return total
		}
		total++
	}
}

func (cf *candidateFinder) finalMergeOnce(tried map[[2]GroupRef]bool) bool {
	s := cf.store
	dep := newGroupDependency(s)
	for _, p := range s.mustTopoOrder() {
		consumers := s.consumersOf(p)
		for _, c := range consumers {
			if dep.isConsumerOfAny(c, consumers) {
				continue
			}
			key := [2]GroupRef{p, c}
			if tried[key] {
				continue
			}
			if _, ok := cf.tryMerge([]GroupRef{p, c}, dep, FinalMerge); ok {
				// p changed; pairs it was rejected in get another chance.
				for k := range tried {
					if k[0] == p || k[1] == p {
						delete(tried, k)
					}
				}
				return true
			}
			tried[key] = true
		}
	}
	return false
}
