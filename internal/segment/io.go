package segment

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Output file format of a segmentation.

type GroupJSON struct {
	ID        int      `json:"id"`
	Heuristic string   `json:"heuristic"`
	Ops       []string `json:"ops"`
	Inputs    []string `json:"inputs"`
	Outputs   []string `json:"outputs"`
}

type EdgeJSON struct {
	From  int    `json:"from"`
	To    int    `json:"to"`
	Value string `json:"value"`
}

type ResultJSON struct {
	Run              string      `json:"run"`
	Fusion           string      `json:"fusion"`
	Groups           []GroupJSON `json:"groups"`
	Edges            []EdgeJSON  `json:"edges"`
	ScalarDuplicates int         `json:"scalar_duplicates"`
}

// ToJSON converts the segmentation into its file representation, with the
// heuristics of fh if it is not nil. Cloned ops are listed with a trailing
// quote.
func (sf *SegmentedFusion) ToJSON(fh *FusionHeuristics) *ResultJSON {
	rj := &ResultJSON{
		Run:              sf.name,
		Fusion:           sf.fusion.Name,
		Groups:           make([]GroupJSON, len(sf.groups)),
		Edges:            make([]EdgeJSON, len(sf.edges)),
		ScalarDuplicates: sf.stats.ScalarDuplicates,
	}
	for i, g := range sf.groups {
		gj := GroupJSON{
			ID:        g.id,
			Heuristic: fh.For(g).String(),
			Ops:       make([]string, len(g.exprs)),
			Inputs:    []string{},
			Outputs:   []string{},
		}
		for j, op := range g.exprs {
			gj.Ops[j] = op.Name
			if op.IsClone() {
				gj.Ops[j] += "'"
			}
		}
		for _, v := range g.inputVals {
			gj.Inputs = append(gj.Inputs, v.Name)
		}
		for _, v := range g.outputVals {
			gj.Outputs = append(gj.Outputs, v.Name)
		}
		rj.Groups[i] = gj
	}
	for i, e := range sf.edges {
		rj.Edges[i] = EdgeJSON{From: e.Producer().id, To: e.Consumer().id, Value: e.Val.Name}
	}
	return rj
}

// WriteResult writes the segmentation and its heuristics as indented JSON.
func WriteResult(filename string, sf *SegmentedFusion, fh *FusionHeuristics) error {
	data, err := json.MarshalIndent(sf.ToJSON(fh), "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling segmentation")
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.Wrap(err, "writing segmentation")
	}
	return nil
}
