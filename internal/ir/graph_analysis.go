package ir

import (
	"sort"

	"github.com/pkg/errors"
)

// GraphInfo holds precomputed analysis of the DAG
type GraphInfo struct {
	TopoOrder    []*Op
	Position     map[*Op]int
	Dependencies map[*Op][]*Op
	Dependents   map[*Op][]*Op
}

// AnalyzeGraph computes op-level dependencies and a topological order.
// It fails if the fusion is not a DAG.
func AnalyzeGraph(f *Fusion) (*GraphInfo, error) {
	gi := &GraphInfo{
		Position:     make(map[*Op]int),
		Dependencies: make(map[*Op][]*Op),
		Dependents:   make(map[*Op][]*Op),
	}

	for _, op := range f.ops {
		seen := make(map[*Op]bool)
		for _, v := range op.Inputs {
			producer := v.def
			if producer == nil || seen[producer] {
				continue
			}
			seen[producer] = true
			gi.Dependencies[op] = append(gi.Dependencies[op], producer)
			gi.Dependents[producer] = append(gi.Dependents[producer], op)
		}
	}

	gi.TopoOrder = topologicalSort(f, gi)
	if len(gi.TopoOrder) != len(f.ops) {
		return nil, errors.Errorf("fusion %q is not a DAG: %d of %d ops sortable",
			f.Name, len(gi.TopoOrder), len(f.ops))
	}
	for i, op := range gi.TopoOrder {
		gi.Position[op] = i
	}
	return gi, nil
}

// Kahn's algorithm, ties broken by op insertion order.
func topologicalSort(f *Fusion, gi *GraphInfo) []*Op {
	inDegree := make(map[*Op]int, len(f.ops))
	for _, op := range f.ops {
		inDegree[op] = len(gi.Dependencies[op])
	}

	queue := make([]*Op, 0)
	for _, op := range f.ops {
		if inDegree[op] == 0 {
			queue = append(queue, op)
		}
	}

	order := make([]*Op, 0, len(f.ops))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, dep := range gi.Dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return order
}

// SubgraphBoundary computes boundary info for a set of ops
type SubgraphBoundary struct {
	// Values read by the set but produced outside it (fusion inputs and
	// values of other ops). Constants are excluded.
	BoundaryInputs []*Value
	// Values produced by the set that are fusion outputs or read outside it.
	BoundaryOutputs []*Value
	Produced        map[*Value]bool
	Constants       []*Value
}

// GetSubgraphBoundary derives the boundary of ops against the rest of the
// fusion. Clones count as producers of the values their origin produces.
func GetSubgraphBoundary(ops []*Op) *SubgraphBoundary {
	sb := &SubgraphBoundary{Produced: make(map[*Value]bool)}
	inSet := make(map[*Op]bool, len(ops))
	for _, op := range ops {
		inSet[op.Origin()] = true
		for _, v := range op.Outputs {
			sb.Produced[v] = true
		}
	}

	seenIn := make(map[*Value]bool)
	for _, op := range ops {
		for _, v := range op.Inputs {
			if sb.Produced[v] || seenIn[v] {
				continue
			}
			seenIn[v] = true
			if v.IsConstant() {
				sb.Constants = append(sb.Constants, v)
				continue
			}
			sb.BoundaryInputs = append(sb.BoundaryInputs, v)
		}
	}

	for _, op := range ops {
		for _, v := range op.Outputs {
			if v.isOutput {
				sb.BoundaryOutputs = appendUnique(sb.BoundaryOutputs, v)
				continue
			}
			for _, use := range v.uses {
				if !inSet[use] {
					sb.BoundaryOutputs = appendUnique(sb.BoundaryOutputs, v)
					break
				}
			}
		}
	}
	return sb
}

// AllAncestorOps returns all ops that must execute before op (transitively)
func AllAncestorOps(gi *GraphInfo, op *Op) map[*Op]bool {
	ancestors := make(map[*Op]bool)
	var dfs func(*Op)
	dfs = func(o *Op) {
		for _, dep := range gi.Dependencies[o] {
			if !ancestors[dep] {
				ancestors[dep] = true
				dfs(dep)
			}
		}
	}
	dfs(op)
	return ancestors
}

// IsTopologicallyValid reports whether ops can form one subgraph without a
// path leaving the set and re-entering it.
func IsTopologicallyValid(gi *GraphInfo, ops []*Op) bool {
	opSet := make(map[*Op]bool)
	for _, op := range ops {
		opSet[op.Origin()] = true
	}

	for op := range opSet {
		for _, dep := range gi.Dependencies[op] {
			if opSet[dep] {
				continue
			}
			depAncestors := AllAncestorOps(gi, dep)
			for other := range opSet {
				if depAncestors[other] {
					return false
				}
			}
		}
	}
	return true
}

// SortOpsTopologically sorts ops according to the global topological order.
// Clones sort at the position of their origin.
func SortOpsTopologically(gi *GraphInfo, ops []*Op) []*Op {
	sorted := make([]*Op, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return gi.Position[sorted[i].Origin()] < gi.Position[sorted[j].Origin()]
	})
	return sorted
}

func appendUnique(vals []*Value, v *Value) []*Value {
	for _, existing := range vals {
		if existing == v {
			return vals
		}
	}
	return append(vals, v)
}
