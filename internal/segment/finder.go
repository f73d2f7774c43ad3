package segment

import (
	"fmt"
	"strings"
	"time"

	"fusionseg/internal/ir"
	"fusionseg/internal/scheduler"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "segmenter")

// Scheduler is the capability the segmenter needs from the code generator:
// whether a set of ops can be compiled as one kernel, and which heuristic a
// finalized segment compiles with.
type Scheduler interface {
	CanSchedule(ops []*ir.Op) bool
	SelectHeuristic(sub *ir.Fusion, meta scheduler.InputMeta) (scheduler.Heuristic, error)
}

// Options configure the candidate finder. Disabling all three merge passes
// leaves one segment per op.
type Options struct {
	RunCombineReductions bool `yaml:"run_combine_reductions"`
	RunHerrmannMerge     bool `yaml:"run_herrmann_merge"`
	RunFinalMerge        bool `yaml:"run_final_merge"`

	// CheckInvariants re-checks acyclicity after every merge and validates
	// the finalized segmentation.
	CheckInvariants bool `yaml:"check_invariants"`
}

func DefaultOptions() Options {
	return Options{
		RunCombineReductions: true,
		RunHerrmannMerge:     true,
		RunFinalMerge:        true,
		CheckInvariants:      true,
	}
}

func (o Options) String() string {
	return fmt.Sprintf("combine_reductions=%t herrmann_merge=%t final_merge=%t check_invariants=%t",
		o.RunCombineReductions, o.RunHerrmannMerge, o.RunFinalMerge, o.CheckInvariants)
}

// MergePass is one of the merge strategies, run in declaration order.
type MergePass int

const (
	CombineReductions MergePass = iota
	HerrmannMerge
	FinalMerge
)

func (p MergePass) String() string {
	switch p {
	case CombineReductions:
		return "combine_reductions"
	case HerrmannMerge:
		return "herrmann_merge"
	case FinalMerge:
		return "final_merge"
	}
	return "unknown"
}

// Passes lists the enabled passes in execution order.
func (o Options) Passes() []MergePass {
	var passes []MergePass
	if o.RunCombineReductions {
		passes = append(passes, CombineReductions)
	}
	if o.RunHerrmannMerge {
		passes = append(passes, HerrmannMerge)
	}
	if o.RunFinalMerge {
		passes = append(passes, FinalMerge)
	}
	return passes
}

// Stats counts what the passes of one run did.
type Stats struct {
	InitialGroups    int
	Merges           map[MergePass]int
	Rejected         map[MergePass]int
	ScalarDuplicates int
	Duration         time.Duration
}

type candidateFinder struct {
	fusion *ir.Fusion
	info   *ir.GraphInfo
	opts   Options
	sched  Scheduler
	store  *Store

	// original scalar ops cloned into at least one consumer group
	duplicated map[*ir.Op]bool
	stats      Stats
}

// Segment partitions f into mutually acyclic segments that sched can compile.
// name identifies the run; callers derive it from the fusion's content.
// Malformed fusions are reported as errors. A broken internal invariant
// panics.
func Segment(f *ir.Fusion, opts Options, sched Scheduler, name string) (*SegmentedFusion, error) {
	if sched == nil {
		return nil, errors.New("segment: nil scheduler")
	}
	start := time.Now()

	cf, err := newCandidateFinder(f, opts, sched)
	if err != nil {
		return nil, err
	}
	cf.findSegments()
	sf := cf.finalize(name)

	cf.stats.Duration = time.Since(start)
	sf.stats = cf.stats
	observeRun(sf)

	log.WithFields(logrus.Fields{
		"run":      name,
		"fusion":   f.Name,
		"ops":      len(f.Ops()),
		"segments": len(sf.groups),
		"edges":    len(sf.edges),
	}).Infof("segmented in %s", cf.stats.Duration)
	return sf, nil
}

func newCandidateFinder(f *ir.Fusion, opts Options, sched Scheduler) (*candidateFinder, error) {
	info, err := ir.AnalyzeGraph(f)
	if err != nil {
		return nil, errors.Wrap(err, "segment")
	}
	return &candidateFinder{
		fusion:     f,
		info:       info,
		opts:       opts,
		sched:      sched,
		store:      NewStore(),
		duplicated: make(map[*ir.Op]bool),
		stats: Stats{
			Merges:   make(map[MergePass]int),
			Rejected: make(map[MergePass]int),
		},
	}, nil
}

func (cf *candidateFinder) findSegments() {
	cf.initGroups()
	log.Debugf("options: %s", cf.opts)
	for _, pass := range cf.opts.Passes() {
		n := cf.runPass(pass)
		log.Debugf("%s: %d merges, %d groups left", pass, n, len(cf.store.LiveGroups()))
	}
}

// initGroups builds one group per op and one edge per producer/consumer
// value use crossing two groups.
func (cf *candidateFinder) initGroups() {
	s := cf.store
	groupOf := make(map[*ir.Op]GroupRef, len(cf.fusion.Ops()))
	for _, op := range cf.fusion.Ops() {
		groupOf[op] = s.NewGroupWith(op)
	}

	for _, op := range cf.fusion.Ops() {
		ref := groupOf[op]
		g := s.groups[ref]
		for _, in := range op.Inputs {
			if in.IsFusionInput() {
				g.inputVals = appendUniqueVals(g.inputVals, in)
				continue
			}
			def := in.Def()
			if def == nil {
				continue // constant
			}
			s.NewEdge(groupOf[def], ref, in)
		}
		for _, out := range op.Outputs {
			if out.IsFusionOutput() {
				g.outputVals = appendUniqueVals(g.outputVals, out)
			}
		}
	}
	cf.stats.InitialGroups = len(cf.fusion.Ops())
}

// runPass runs one merge strategy to its fixpoint and returns the number of
// merges it applied.
func (cf *candidateFinder) runPass(pass MergePass) int {
	switch pass {
	case CombineReductions:
		if !cf.combineReductionsShouldRun() {
			return 0
		}
		return cf.combineReductions()
	case HerrmannMerge:
		total := 0
		for {
			n := cf.herrmannPass()
			if n == 0 {
				return total
			}
			total += n
		}
	case FinalMerge:
		return cf.finalMerge()
	}
	panic(errors.Errorf("unknown merge pass %d", pass))
}

// opsOf collects the ops of all groups in set.
func (cf *candidateFinder) opsOf(set []GroupRef) []*ir.Op {
	var ops []*ir.Op
	for _, ref := range set {
		ops = append(ops, cf.store.mustGroup(ref).exprs...)
	}
	return ops
}

func (cf *candidateFinder) canSchedule(set []GroupRef) bool {
	return cf.sched.CanSchedule(cf.opsOf(set))
}

// tryMerge applies the DAG test and the schedulability test to set and
// merges it when both pass.
func (cf *candidateFinder) tryMerge(set []GroupRef, dep *groupDependency, pass MergePass) (GroupRef, bool) {
	if !dep.safeToMerge(set) {
		cf.reject(pass, "cycle")
		return NoGroup, false
	}
	if !cf.canSchedule(set) {
		cf.reject(pass, "unschedulable")
		return NoGroup, false
	}
	return cf.merge(set, dep, pass), true
}

func (cf *candidateFinder) merge(set []GroupRef, dep *groupDependency, pass MergePass) GroupRef {
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		log.Debugf("%s: merging %s", pass, cf.describe(set))
	}
	survivor := cf.store.mergeAll(set)
	dep.merge(survivor, set[1:])
	if cf.opts.CheckInvariants {
		cf.store.assertAcyclic()
	}
	cf.stats.Merges[pass]++
	mergesTotal.WithLabelValues(pass.String()).Inc()
	return survivor
}

func (cf *candidateFinder) reject(pass MergePass, reason string) {
	cf.stats.Rejected[pass]++
	rejectedTotal.WithLabelValues(pass.String(), reason).Inc()
}

func (cf *candidateFinder) describe(set []GroupRef) string {
	parts := make([]string, 0, len(set))
	for _, ref := range set {
		parts = append(parts, fmt.Sprintf("g%d%v", ref, cf.store.mustGroup(ref).exprs))
	}
	return strings.Join(parts, " + ")
}
