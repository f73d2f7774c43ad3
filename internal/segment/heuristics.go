package segment

import (
	"fusionseg/internal/ir"
	"fusionseg/internal/scheduler"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// HeuristicEntry binds one final group to the heuristic it compiles with.
type HeuristicEntry struct {
	GroupID   int
	Heuristic scheduler.Heuristic
	Fusion    *ir.Fusion
}

// FusionHeuristics holds one entry per final group, ordered by group id.
type FusionHeuristics struct {
	entries []HeuristicEntry
}

func (fh *FusionHeuristics) Entries() []HeuristicEntry { return fh.entries }

// For returns the heuristic bound to g, or None.
func (fh *FusionHeuristics) For(g *Group) scheduler.Heuristic {
	if fh == nil || g.id < 0 || g.id >= len(fh.entries) {
		return scheduler.None
	}
	return fh.entries[g.id].Heuristic
}

// BindHeuristics asks sched for the heuristic of every final group, given the
// extents of the complete fusion's inputs. A group no heuristic accepts
// fails the whole segmentation. sf is not modified, so one segmentation may
// be bound by several callers at once.
func (sf *SegmentedFusion) BindHeuristics(sched Scheduler, meta scheduler.InputMeta) (*FusionHeuristics, error) {
	extents, err := ir.InferExtents(sf.fusion, meta)
	if err != nil {
		return nil, errors.Wrapf(err, "fusion %q", sf.fusion.Name)
	}

	fh := &FusionHeuristics{}
	for _, g := range sf.groups {
		sub, err := sf.MakeSubFusion(g)
		if err != nil {
			return nil, err
		}

		subMeta := make(scheduler.InputMeta, len(sub.Inputs()))
		for _, in := range sub.Inputs() {
			if v := sf.fusion.Value(in.Name); v != nil && !v.IsScalar() {
				subMeta[in.Name] = extents[v]
			}
		}

		h, err := sched.SelectHeuristic(sub, subMeta)
		if err == nil && h == scheduler.None {
			err = errors.New("no heuristic selected")
		}
		if err != nil {
			return nil, errors.Wrapf(err, "group %d starting at %s cannot be scheduled", g.id, g.exprs[0])
		}
		fh.entries = append(fh.entries, HeuristicEntry{GroupID: g.id, Heuristic: h, Fusion: sub})
		log.WithFields(logrus.Fields{
			"run":       sf.name,
			"group":     g.id,
			"heuristic": h,
		}).Debugf("bound %d ops", len(g.exprs))
	}
	return fh, nil
}
