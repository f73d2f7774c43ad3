package ir

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// ValueKind distinguishes tensors from scalars.
type ValueKind int

const (
	Tensor ValueKind = iota
	Scalar
)

func (k ValueKind) String() string {
	if k == Scalar {
		return "scalar"
	}
	return "tensor"
}

// DataType is the element type of a value.
type DataType string

const (
	Float32 DataType = "float32"
	Float16 DataType = "float16"
	Int64   DataType = "int64"
	Int32   DataType = "int32"
	Bool    DataType = "bool"
)

// Size returns the element size in bytes.
func (d DataType) Size() int64 {
	switch d {
	case Float16:
		return 2
	case Int64:
		return 8
	case Bool:
		return 1
	default:
		return 4
	}
}

// OpKind is the broad category of an operation, which is all the
// segmenter and the scheduler registry need to know about it.
type OpKind int

const (
	Elementwise OpKind = iota
	Reduction
	Broadcast
)

func (k OpKind) String() string {
	switch k {
	case Reduction:
		return "reduction"
	case Broadcast:
		return "broadcast"
	default:
		return "elementwise"
	}
}

// Value is a typed edge of the graph. A value has at most one defining op.
// Values without a definition are either fusion inputs or constants.
type Value struct {
	ID    int
	Name  string
	Kind  ValueKind
	DType DataType
	Rank  int // 0 for scalars

	def  *Op
	uses []*Op

	isInput  bool
	isOutput bool
}

// Def returns the op producing v, or nil.
func (v *Value) Def() *Op { return v.def }

// Uses returns the ops consuming v, in insertion order. An op consuming v
// twice is listed once.
func (v *Value) Uses() []*Op { return v.uses }

func (v *Value) IsFusionInput() bool { return v.isInput }
func (v *Value) IsFusionOutput() bool { return v.isOutput }

// IsConstant reports whether v has no producer and is not a fusion input.
func (v *Value) IsConstant() bool { return v.def == nil && !v.isInput }

func (v *Value) IsScalar() bool { return v.Kind == Scalar }

func (v *Value) String() string { return v.Name }

// Op is one operation of the DAG.
// For Reduction, Axes are the reduced axes of Inputs[0].
// For Broadcast, Axes are the axes inserted into the output.
type Op struct {
	ID      int
	Name    string
	Kind    OpKind
	Inputs  []*Value
	Outputs []*Value
	Axes    []int

	origin *Op
}

// Origin returns the op this one was cloned from, or the op itself.
func (o *Op) Origin() *Op {
	if o.origin != nil {
		return o.origin
	}
	return o
}

// IsClone reports whether o was produced by Clone.
func (o *Op) IsClone() bool { return o.origin != nil }

// IsScalarOp reports whether every input and output of o is a scalar.
func (o *Op) IsScalarOp() bool {
	if len(o.Outputs) == 0 {
		return false
	}
	for _, v := range o.Inputs {
		if !v.IsScalar() {
			return false
		}
	}
	for _, v := range o.Outputs {
		if !v.IsScalar() {
			return false
		}
	}
	return true
}

// Clone returns a copy of o that reads and writes the same values. The copy
// is not registered in any fusion; its Origin is o's origin.
func (o *Op) Clone() *Op {
	return &Op{
		ID:      o.ID,
		Name:    o.Name,
		Kind:    o.Kind,
		Inputs:  slices.Clone(o.Inputs),
		Outputs: slices.Clone(o.Outputs),
		Axes:    slices.Clone(o.Axes),
		origin:  o.Origin(),
	}
}

func (o *Op) String() string {
	if o.origin != nil {
		return fmt.Sprintf("%s#%d'", o.Name, o.ID)
	}
	return fmt.Sprintf("%s#%d", o.Name, o.ID)
}

// Fusion is the full operator graph handed to the segmenter.
type Fusion struct {
	Name string

	ops     []*Op
	values  []*Value
	byName  map[string]*Value
	inputs  []*Value
	outputs []*Value
}

func NewFusion(name string) *Fusion {
	return &Fusion{Name: name, byName: make(map[string]*Value)}
}

func (f *Fusion) Ops() []*Op { return f.ops }
func (f *Fusion) Values() []*Value { return f.values }
func (f *Fusion) Inputs() []*Value { return f.inputs }
func (f *Fusion) Outputs() []*Value { return f.outputs }
func (f *Fusion) Value(name string) *Value { return f.byName[name] }

// NewTensor registers a tensor value of the given rank.
func (f *Fusion) NewTensor(name string, rank int, dt DataType) *Value {
	return f.newValue(name, Tensor, rank, dt)
}

// NewScalar registers a scalar value.
func (f *Fusion) NewScalar(name string, dt DataType) *Value {
	return f.newValue(name, Scalar, 0, dt)
}

func (f *Fusion) newValue(name string, kind ValueKind, rank int, dt DataType) *Value {
	if name == "" {
		name = fmt.Sprintf("v%d", len(f.values))
	}
	v := &Value{ID: len(f.values), Name: name, Kind: kind, Rank: rank, DType: dt}
	f.values = append(f.values, v)
	f.byName[name] = v
	return v
}

// AddInput marks v as a fusion input. Inputs cannot have a definition.
func (f *Fusion) AddInput(v *Value) error {
	if v.def != nil {
		return errors.Errorf("value %q is produced by %s and cannot be a fusion input", v.Name, v.def)
	}
	if !v.isInput {
		v.isInput = true
		f.inputs = append(f.inputs, v)
	}
	return nil
}

// AddOutput marks v as a fusion output.
func (f *Fusion) AddOutput(v *Value) {
	if !v.isOutput {
		v.isOutput = true
		f.outputs = append(f.outputs, v)
	}
}

// AddOp registers an op and wires def/use links. Each output must not already
// have a producer and must not be a fusion input. Reductions and broadcasts
// take exactly one tensor input.
func (f *Fusion) AddOp(name string, kind OpKind, inputs, outputs []*Value, axes ...int) (*Op, error) {
	if len(outputs) == 0 {
		return nil, errors.Errorf("op %q has no outputs", name)
	}
	if kind == Reduction || kind == Broadcast {
		if len(inputs) != 1 || inputs[0].IsScalar() {
			return nil, errors.Errorf("%s op %q needs exactly one tensor input, got %d inputs", kind, name, len(inputs))
		}
	}
	for _, out := range outputs {
		if out.def != nil {
			return nil, errors.Errorf("value %q already produced by %s", out.Name, out.def)
		}
		if out.isInput {
			return nil, errors.Errorf("op %q cannot produce fusion input %q", name, out.Name)
		}
	}
	op := &Op{
		ID:      len(f.ops),
		Name:    name,
		Kind:    kind,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
		Axes:    slices.Clone(axes),
	}
	for _, out := range outputs {
		out.def = op
	}
	for _, in := range inputs {
		if !slices.Contains(in.uses, op) {
			in.uses = append(in.uses, op)
		}
	}
	f.ops = append(f.ops, op)
	return op, nil
}

// ReductionSignature identifies the iteration structure of a reduction: the
// rank of its input and the reduced axes. Reductions with equal signatures can
// share one reduction kernel.
func (o *Op) ReductionSignature() string {
	if o.Kind != Reduction || len(o.Inputs) == 0 {
		return ""
	}
	axes := slices.Clone(o.Axes)
	slices.Sort(axes)
	return fmt.Sprintf("r%d%v", o.Inputs[0].Rank, axes)
}
