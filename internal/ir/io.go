package ir

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Raw JSON structures matching the file format

type ValueJSON struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`  // "tensor" or "scalar"
	DType string `json:"dtype"` // defaults to float32
	Rank  int    `json:"rank"`
}

type OpJSON struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"` // "elementwise", "reduction" or "broadcast"
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
	Axes    []int    `json:"axes,omitempty"`
}

type FusionJSON struct {
	Name        string             `json:"name"`
	Values      []ValueJSON        `json:"values"`
	Inputs      []string           `json:"inputs"`
	Outputs     []string           `json:"outputs"`
	Ops         []OpJSON           `json:"ops"`
	InputShapes map[string][]int64 `json:"input_shapes,omitempty"`
}

// ReadFusion loads a fusion and the concrete extents of its inputs.
func ReadFusion(filename string) (*Fusion, map[string][]int64, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading fusion file")
	}

	var fj FusionJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return nil, nil, errors.Wrap(err, "parsing fusion JSON")
	}

	f, err := BuildFusion(&fj)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "building fusion from %s", filename)
	}
	return f, fj.InputShapes, nil
}

// BuildFusion converts the file representation into a validated Fusion.
func BuildFusion(fj *FusionJSON) (*Fusion, error) {
	name := fj.Name
	if name == "" {
		name = "fusion"
	}
	f := NewFusion(name)

	for _, vj := range fj.Values {
		if vj.Name == "" {
			return nil, errors.New("value without a name")
		}
		if f.byName[vj.Name] != nil {
			return nil, errors.Errorf("duplicate value %q", vj.Name)
		}
		dt := DataType(strings.ToLower(vj.DType))
		if dt == "" {
			dt = Float32
		}
		switch strings.ToLower(vj.Kind) {
		case "scalar":
			f.NewScalar(vj.Name, dt)
		case "", "tensor":
			if vj.Rank < 0 {
				return nil, errors.Errorf("value %q has negative rank", vj.Name)
			}
			f.NewTensor(vj.Name, vj.Rank, dt)
		default:
			return nil, errors.Errorf("value %q has unknown kind %q", vj.Name, vj.Kind)
		}
	}

	lookup := func(names []string) ([]*Value, error) {
		vals := make([]*Value, 0, len(names))
		for _, n := range names {
			v := f.byName[n]
			if v == nil {
				return nil, errors.Errorf("unknown value %q", n)
			}
			vals = append(vals, v)
		}
		return vals, nil
	}

	inputs, err := lookup(fj.Inputs)
	if err != nil {
		return nil, errors.Wrap(err, "fusion inputs")
	}
	for _, v := range inputs {
		if err := f.AddInput(v); err != nil {
			return nil, err
		}
	}

	for i, oj := range fj.Ops {
		kind, err := parseOpKind(oj.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "op %d (%s)", i, oj.Name)
		}
		ins, err := lookup(oj.Inputs)
		if err != nil {
			return nil, errors.Wrapf(err, "op %d (%s) inputs", i, oj.Name)
		}
		outs, err := lookup(oj.Outputs)
		if err != nil {
			return nil, errors.Wrapf(err, "op %d (%s) outputs", i, oj.Name)
		}
		if _, err := f.AddOp(oj.Name, kind, ins, outs, oj.Axes...); err != nil {
			return nil, err
		}
	}

	outputs, err := lookup(fj.Outputs)
	if err != nil {
		return nil, errors.Wrap(err, "fusion outputs")
	}
	for _, v := range outputs {
		f.AddOutput(v)
	}

	if _, err := AnalyzeGraph(f); err != nil {
		return nil, err
	}
	return f, nil
}

func parseOpKind(s string) (OpKind, error) {
	switch strings.ToLower(s) {
	case "", "elementwise", "pointwise", "unary", "binary", "ternary":
		return Elementwise, nil
	case "reduction", "reduce":
		return Reduction, nil
	case "broadcast":
		return Broadcast, nil
	}
	return Elementwise, errors.Errorf("unknown op kind %q", s)
}

// ToJSON converts a fusion back into its file representation.
func (f *Fusion) ToJSON() *FusionJSON {
	fj := &FusionJSON{Name: f.Name}
	for _, v := range f.values {
		fj.Values = append(fj.Values, ValueJSON{
			Name:  v.Name,
			Kind:  v.Kind.String(),
			DType: string(v.DType),
			Rank:  v.Rank,
		})
	}
	for _, v := range f.inputs {
		fj.Inputs = append(fj.Inputs, v.Name)
	}
	for _, v := range f.outputs {
		fj.Outputs = append(fj.Outputs, v.Name)
	}
	for _, op := range f.ops {
		oj := OpJSON{Name: op.Name, Kind: op.Kind.String(), Axes: op.Axes}
		for _, v := range op.Inputs {
			oj.Inputs = append(oj.Inputs, v.Name)
		}
		for _, v := range op.Outputs {
			oj.Outputs = append(oj.Outputs, v.Name)
		}
		fj.Ops = append(fj.Ops, oj)
	}
	return fj
}
