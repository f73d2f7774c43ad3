package segment

import (
	"slices"

	"fusionseg/internal/ir"

	"github.com/pkg/errors"
)

// GroupRef and EdgeRef are stable handles into a Store. They are never reused
// within one run, so a handle to a merged-away entry can always be told apart
// from a live one.
type (
	GroupRef int
	EdgeRef  int
)

const (
	NoGroup GroupRef = -1
	NoEdge  EdgeRef  = -1
)

// Edge is a value flowing from one group to another.
type Edge struct {
	ref   EdgeRef
	store *Store

	From GroupRef
	To   GroupRef
	Val  *ir.Value
}

func (e *Edge) Ref() EdgeRef { return e.ref }

// Producer returns the group e leaves.
func (e *Edge) Producer() *Group { return e.store.Group(e.From) }

// Consumer returns the group e enters.
func (e *Edge) Consumer() *Group { return e.store.Group(e.To) }

// Group is a set of ops compiled together as one kernel.
type Group struct {
	ref   GroupRef
	store *Store

	id            int
	exprs         []*ir.Op
	producerEdges []EdgeRef
	consumerEdges []EdgeRef
	inputVals     []*ir.Value
	outputVals    []*ir.Value
	level         int
}

func (g *Group) Ref() GroupRef { return g.ref }

// ID returns the id assigned at finalization, or -1.
func (g *Group) ID() int { return g.id }

func (g *Group) Exprs() []*ir.Op { return g.exprs }

// Inputs returns the values entering the group. Before finalization these
// are only fusion inputs; afterwards edge-carried values are included.
func (g *Group) Inputs() []*ir.Value { return g.inputVals }

// Outputs returns the values leaving the group, see Inputs.
func (g *Group) Outputs() []*ir.Value { return g.outputVals }

// Level is only meaningful during candidate search.
func (g *Group) Level() int { return g.level }

func (g *Group) ProducerEdges() []*Edge { return g.store.resolveEdges(g.producerEdges) }
func (g *Group) ConsumerEdges() []*Edge { return g.store.resolveEdges(g.consumerEdges) }

// IsInputGroup reports whether the group reads a fusion input.
func (g *Group) IsInputGroup() bool {
	for _, v := range g.inputVals {
		if v.IsFusionInput() {
			return true
		}
	}
	return false
}

func (g *Group) setID(id int) {
	if g.id != -1 {
		panic(errors.Errorf("group %d already has id %d", g.ref, g.id))
	}
	g.id = id
}

// Store exclusively owns every Group and Edge of one segmentation run.
// Removed entries stay in the dead sets until CleanUnused, so handles held by
// in-flight worklists can be checked instead of resolved.
type Store struct {
	groups     []*Group
	edges      []*Edge
	deadGroups map[GroupRef]struct{}
	deadEdges  map[EdgeRef]struct{}
	purged     bool
}

func NewStore() *Store {
	return &Store{
		deadGroups: make(map[GroupRef]struct{}),
		deadEdges:  make(map[EdgeRef]struct{}),
	}
}

// NewGroup registers an empty group.
func (s *Store) NewGroup() GroupRef {
	s.mustBeMutable()
	ref := GroupRef(len(s.groups))
	s.groups = append(s.groups, &Group{ref: ref, store: s, id: -1, level: -1})
	return ref
}

// NewGroupWith registers a singleton group holding op.
func (s *Store) NewGroupWith(op *ir.Op) GroupRef {
	ref := s.NewGroup()
	s.groups[ref].exprs = []*ir.Op{op}
	return ref
}

// NewEdge registers an edge and appends it to both endpoints. Duplicates are
// not checked for.
func (s *Store) NewEdge(from, to GroupRef, val *ir.Value) EdgeRef {
	s.mustBeMutable()
	fg, tg := s.mustGroup(from), s.mustGroup(to)
	ref := EdgeRef(len(s.edges))
	s.edges = append(s.edges, &Edge{ref: ref, store: s, From: from, To: to, Val: val})
	fg.consumerEdges = append(fg.consumerEdges, ref)
	tg.producerEdges = append(tg.producerEdges, ref)
	return ref
}

// Group resolves a handle. Dead, purged or unknown handles resolve to nil.
func (s *Store) Group(ref GroupRef) *Group {
	if ref < 0 || int(ref) >= len(s.groups) {
		return nil
	}
	if _, dead := s.deadGroups[ref]; dead {
		return nil
	}
	return s.groups[ref]
}

// Edge resolves a handle like Group.
func (s *Store) Edge(ref EdgeRef) *Edge {
	if ref < 0 || int(ref) >= len(s.edges) {
		return nil
	}
	if _, dead := s.deadEdges[ref]; dead {
		return nil
	}
	return s.edges[ref]
}

// IsDead reports whether ref names a group removed by a merge.
func (s *Store) IsDead(ref GroupRef) bool {
	_, dead := s.deadGroups[ref]
	return dead
}

// LiveGroups returns the handles of all live groups in creation order.
func (s *Store) LiveGroups() []GroupRef {
	refs := make([]GroupRef, 0, len(s.groups)-len(s.deadGroups))
	for i, g := range s.groups {
		if g == nil {
			continue
		}
		if _, dead := s.deadGroups[GroupRef(i)]; !dead {
			refs = append(refs, GroupRef(i))
		}
	}
	return refs
}

// LiveEdges returns the handles of all live edges in creation order.
func (s *Store) LiveEdges() []EdgeRef {
	refs := make([]EdgeRef, 0, len(s.edges)-len(s.deadEdges))
	for i, e := range s.edges {
		if e == nil {
			continue
		}
		if _, dead := s.deadEdges[EdgeRef(i)]; !dead {
			refs = append(refs, EdgeRef(i))
		}
	}
	return refs
}

// RemoveEdge detaches an edge from both endpoints and marks it dead.
func (s *Store) RemoveEdge(ref EdgeRef) {
	s.mustBeMutable()
	e := s.Edge(ref)
	if e == nil {
		return
	}
	if from := s.groups[e.From]; from != nil {
		from.consumerEdges = removeRef(from.consumerEdges, ref)
	}
	if to := s.groups[e.To]; to != nil {
		to.producerEdges = removeRef(to.producerEdges, ref)
	}
	s.deadEdges[ref] = struct{}{}
}

// RemoveGroup detaches every remaining edge of a group and marks it dead.
func (s *Store) RemoveGroup(ref GroupRef) {
	s.mustBeMutable()
	g := s.Group(ref)
	if g == nil {
		return
	}
	for _, e := range slices.Clone(g.producerEdges) {
		s.RemoveEdge(e)
	}
	for _, e := range slices.Clone(g.consumerEdges) {
		s.RemoveEdge(e)
	}
	s.deadGroups[ref] = struct{}{}
}

// CleanUnused purges dead groups and edges. It must be called exactly once,
// after the last merge; the store is frozen afterwards.
func (s *Store) CleanUnused() {
	s.mustBeMutable()
	for ref := range s.deadGroups {
		s.groups[ref] = nil
	}
	for ref := range s.deadEdges {
		s.edges[ref] = nil
	}
	s.purged = true
}

func (s *Store) mustBeMutable() {
	if s.purged {
		panic(errors.New("segment store is frozen: CleanUnused already ran"))
	}
}

func (s *Store) mustGroup(ref GroupRef) *Group {
	g := s.Group(ref)
	if g == nil {
		panic(errors.Errorf("group handle %d is dead or unknown", ref))
	}
	return g
}

// raw returns an entry even if it is dead, for reading levels of groups
// merged away earlier in the same pass.
func (s *Store) raw(ref GroupRef) *Group {
	if ref < 0 || int(ref) >= len(s.groups) {
		return nil
	}
	return s.groups[ref]
}

func (s *Store) resolveEdges(refs []EdgeRef) []*Edge {
	edges := make([]*Edge, 0, len(refs))
	for _, r := range refs {
		if e := s.Edge(r); e != nil {
			edges = append(edges, e)
		}
	}
	return edges
}

func removeRef(refs []EdgeRef, ref EdgeRef) []EdgeRef {
	if i := slices.Index(refs, ref); i >= 0 {
		return slices.Delete(refs, i, i+1)
	}
	return refs
}

func appendUniqueVals(vals []*ir.Value, more ...*ir.Value) []*ir.Value {
	for _, v := range more {
		if !slices.Contains(vals, v) {
			vals = append(vals, v)
		}
	}
	return vals
}
