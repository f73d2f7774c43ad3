package segment

import (
	"sort"

	"fusionseg/internal/ir"
)

// reductionSignature returns the common signature of the reductions in a
// group, or "" if it has none or they disagree.
func reductionSignature(g *Group) string {
	sig := ""
	for _, op := range g.exprs {
		if op.Kind != ir.Reduction {
			continue
		}
		s := op.ReductionSignature()
		if sig != "" && s != sig {
			return ""
		}
		sig = s
	}
	return sig
}

func (cf *candidateFinder) reductionGroups() map[string][]GroupRef {
	bySig := make(map[string][]GroupRef)
	for _, ref := range cf.store.LiveGroups() {
		if sig := reductionSignature(cf.store.groups[ref]); sig != "" {
			bySig[sig] = append(bySig[sig], ref)
		}
	}
	return bySig
}

// combineReductionsShouldRun reports whether two groups share a reduction
// signature.
func (cf *candidateFinder) combineReductionsShouldRun() bool {
	for _, refs := range cf.reductionGroups() {
		if len(refs) > 1 {
			return true
		}
	}
	return false
}

// sharesProducer reports whether a and b read a common producer group or a
// common fusion input.
func (cf *candidateFinder) sharesProducer(a, b GroupRef) bool {
	s := cf.store
	producers := make(map[GroupRef]bool)
	for _, er := range s.groups[a].producerEdges {
		producers[s.edges[er].From] = true
	}
	for _, er := range s.groups[b].producerEdges {
		if producers[s.edges[er].From] {
			return true
		}
	}
	for _, v := range s.groups[a].inputVals {
		for _, w := range s.groups[b].inputVals {
			if v == w {
				return true
			}
		}
	}
	return false
}

type reductionCandidate struct {
	set      []GroupRef
	vertical bool
}

// reductionCandidates pairs groups with equal reduction signatures. A pair
// where one group feeds the other becomes the pair plus every group on a path
// between them; that set is convex and always safe to merge. Independent
// pairs qualify only when they read a common producer.
func (cf *candidateFinder) reductionCandidates(dep *groupDependency) []reductionCandidate {
	var candidates []reductionCandidate
	bySig := cf.reductionGroups()

	sigs := make([]string, 0, len(bySig))
	for sig := range bySig {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	for _, sig := range sigs {
		refs := bySig[sig]
		for i := 0; i < len(refs); i++ {
			for j := i + 1; j < len(refs); j++ {
				a, b := refs[i], refs[j]
				switch {
				case dep.isProducerOf(a, b):
					set := append([]GroupRef{a}, dep.groupsBetween(a, b)...)
					candidates = append(candidates, reductionCandidate{set: append(set, b), vertical: true})
				case dep.isProducerOf(b, a):
					set := append([]GroupRef{b}, dep.groupsBetween(b, a)...)
					candidates = append(candidates, reductionCandidate{set: append(set, a), vertical: true})
				case cf.sharesProducer(a, b):
					candidates = append(candidates, reductionCandidate{set: []GroupRef{a, b}})
				}
			}
		}
	}

	// Smallest merges first; vertical before horizontal on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if len(candidates[i].set) != len(candidates[j].set) {
			return len(candidates[i].set) < len(candidates[j].set)
		}
		return candidates[i].vertical && !candidates[j].vertical
	})
	return candidates
}

// combineReductions merges reduction groups under the reduction-specific
// rule above until no candidate is accepted. The level-based search would
// leave such chains apart because they are not adjacent.
func (cf *candidateFinder) combineReductions() int {
	total := 0
	rejected := make(map[string]bool)
	for {
		dep := newGroupDependency(cf.store)
		merged := false
		for _, c := range cf.reductionCandidates(dep) {
			key := cf.describe(c.set)
			if rejected[key] {
				continue
			}
			if _, ok := cf.tryMerge(c.set, dep, CombineReductions); ok {
				merged = true
				total++
				break
			}
			rejected[key] = true
		}
		if !merged {
			return total
		}
	}
}
