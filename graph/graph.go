// Package graph is the logical computation graph handed to an execution runtime.
//
// A Graph is an append-only DAG: every builder method infers and checks the output shape,
// appends one Layer and returns its output Tensor. Layers reference weights by key only;
// no weight data is stored in the graph.
package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knights-analytics/yolograph/weights"
)

// Kind is the operation a layer performs.
type Kind int

const (
	KindInput Kind = iota
	KindConv
	KindBatchNormFuse
	KindActivation
	KindElementWise
	KindPool
	KindConcat
	KindResize
	KindSlice
	KindReshape
	KindSoftmax
	KindDeconv
	KindDecodePlugin
)

var KindStrings = []string{
	KindInput:         "Input",
	KindConv:          "Conv",
	KindBatchNormFuse: "BatchNormFuse",
	KindActivation:    "Activation",
	KindElementWise:   "ElementWise",
	KindPool:          "Pool",
	KindConcat:        "Concat",
	KindResize:        "Resize",
	KindSlice:         "Slice",
	KindReshape:       "Reshape",
	KindSoftmax:       "Softmax",
	KindDeconv:        "Deconv",
	KindDecodePlugin:  "DecodePlugin",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(KindStrings) {
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
	return KindStrings[k]
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(text []byte) error {
	for i, s := range KindStrings {
		if s == string(text) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown layer kind %q", text)
}

// Dims is a tensor shape without the batch dimension: (C, H, W) for feature maps and
// (rows, locations) for flattened head outputs.
type Dims []int

// Elements is the product of all dimensions.
func (d Dims) Elements() int {
	n := 1
	for _, v := range d {
		n *= v
	}
	return n
}

func (d Dims) Equal(o Dims) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

func (d Dims) String() string {
	parts := make([]string, len(d))
	for i, v := range d {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "x")
}

func (d Dims) clone() Dims {
	out := make(Dims, len(d))
	copy(out, d)
	return out
}

// Tensor is a handle on a layer output. It is never mutated after creation.
type Tensor struct {
	Name     string
	Dims     Dims
	Producer *Layer
}

// Channels is the leading dimension.
func (t *Tensor) Channels() int { return t.Dims[0] }

// Height of a (C, H, W) tensor.
func (t *Tensor) Height() int { return t.Dims[1] }

// Width of a (C, H, W) tensor.
func (t *Tensor) Width() int { return t.Dims[2] }

// ActivationKind of an Activation layer. The zero value marks layers without one.
type ActivationKind int

const (
	ActivationNone ActivationKind = iota
	ActivationSigmoid
)

var activationStrings = []string{ActivationNone: "", ActivationSigmoid: "Sigmoid"}

func (a ActivationKind) String() string {
	if int(a) < 0 || int(a) >= len(activationStrings) {
		return "ActivationKind(" + strconv.Itoa(int(a)) + ")"
	}
	return activationStrings[a]
}

func (a ActivationKind) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *ActivationKind) UnmarshalText(text []byte) error {
	i, err := parseName(activationStrings, text, "activation")
	*a = ActivationKind(i)
	return err
}

// ElementWiseOp of an ElementWise layer. The zero value marks layers without one.
type ElementWiseOp int

const (
	ElementWiseNone ElementWiseOp = iota
	ElementWiseSum
	ElementWiseProd
)

var elementWiseStrings = []string{ElementWiseNone: "", ElementWiseSum: "Sum", ElementWiseProd: "Prod"}

func (e ElementWiseOp) String() string {
	if int(e) < 0 || int(e) >= len(elementWiseStrings) {
		return "ElementWiseOp(" + strconv.Itoa(int(e)) + ")"
	}
	return elementWiseStrings[e]
}

func (e ElementWiseOp) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *ElementWiseOp) UnmarshalText(text []byte) error {
	i, err := parseName(elementWiseStrings, text, "element-wise op")
	*e = ElementWiseOp(i)
	return err
}

func parseName(names []string, text []byte, what string) (int, error) {
	for i, s := range names {
		if s == string(text) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", what, text)
}

// Params are the static parameters of a layer; only the fields relevant to its Kind are set.
type Params struct {
	OutChannels int            `json:"out_channels,omitempty"`
	Kernel      int            `json:"kernel,omitempty"`
	Stride      int            `json:"stride,omitempty"`
	Padding     int            `json:"padding,omitempty"`
	Groups      int            `json:"groups,omitempty"`
	Epsilon     float32        `json:"epsilon,omitempty"`
	Activation  ActivationKind `json:"activation,omitempty"`
	Op          ElementWiseOp  `json:"op,omitempty"`
	Axis        int            `json:"axis,omitempty"`
	Start       []int          `json:"start,omitempty"`
	Size        []int          `json:"size,omitempty"`
	Shape       []int          `json:"shape,omitempty"`
	Permutation []int          `json:"permutation,omitempty"`
	Scale       int            `json:"scale,omitempty"`
	Strides     []int          `json:"strides,omitempty"`
	NumClasses  int            `json:"num_classes,omitempty"`
	MaskRows    int            `json:"mask_rows,omitempty"`
}

// WeightRef names a weight consumed by a layer.
type WeightRef struct {
	Slot  string      `json:"slot"`
	Key   weights.Key `json:"-"`
	Count int         `json:"count"`
}

// Layer is one immutable node of the graph.
type Layer struct {
	Index   int
	Name    string
	Kind    Kind
	Inputs  []*Tensor
	Output  *Tensor
	Params  Params
	Weights []WeightRef
}

// Binding is a named graph output.
type Binding struct {
	Name   string
	Tensor *Tensor
}

// ShapeError is a layer whose inputs or parameters are inconsistent. It always indicates a
// programming or configuration mistake and is raised while the graph is being built.
type ShapeError struct {
	Layer  string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("layer %s: %s", e.Layer, e.Reason)
}

// Graph is an append-only DAG of layers in topological order.
type Graph struct {
	Name    string
	inputs  []*Tensor
	layers  []*Layer
	outputs []Binding
	names   map[string]*Tensor
	frozen  bool
}

func New(name string) *Graph {
	return &Graph{Name: name, names: map[string]*Tensor{}}
}

// Layers in insertion (topological) order.
func (g *Graph) Layers() []*Layer {
	out := make([]*Layer, len(g.layers))
	copy(out, g.layers)
	return out
}

func (g *Graph) Inputs() []*Tensor {
	out := make([]*Tensor, len(g.inputs))
	copy(out, g.inputs)
	return out
}

func (g *Graph) Outputs() []Binding {
	out := make([]Binding, len(g.outputs))
	copy(out, g.outputs)
	return out
}

// Output returns the output bound to name.
func (g *Graph) Output(name string) (*Tensor, bool) {
	for _, b := range g.outputs {
		if b.Name == name {
			return b.Tensor, true
		}
	}
	return nil, false
}

// Tensor looks up a tensor by name.
func (g *Graph) Tensor(name string) (*Tensor, bool) {
	t, ok := g.names[name]
	return t, ok
}

// CountKind is the number of layers of kind k.
func (g *Graph) CountKind(k Kind) int {
	n := 0
	for _, l := range g.layers {
		if l.Kind == k {
			n++
		}
	}
	return n
}

// WeightRefs lists every distinct weight reference in layer order.
func (g *Graph) WeightRefs() []WeightRef {
	seen := map[string]bool{}
	var out []WeightRef
	for _, l := range g.layers {
		for _, w := range l.Weights {
			path := w.Key.Path()
			if seen[path] {
				continue
			}
			seen[path] = true
			out = append(out, w)
		}
	}
	return out
}

// Frozen reports whether Freeze was called.
func (g *Graph) Frozen() bool { return g.frozen }

// Freeze forbids any further mutation. The graph must have at least one output.
func (g *Graph) Freeze() error {
	if len(g.outputs) == 0 {
		return fmt.Errorf("graph %s has no outputs", g.Name)
	}
	g.frozen = true
	return nil
}

// MarkOutput binds t as a graph output called name.
func (g *Graph) MarkOutput(name string, t *Tensor) error {
	if g.frozen {
		return fmt.Errorf("graph %s is frozen, cannot mark output %s", g.Name, name)
	}
	if owned, ok := g.names[t.Name]; !ok || owned != t {
		return fmt.Errorf("tensor %s does not belong to graph %s", t.Name, g.Name)
	}
	if _, dup := g.Output(name); dup {
		return fmt.Errorf("output %s already marked", name)
	}
	g.outputs = append(g.outputs, Binding{Name: name, Tensor: t})
	return nil
}

func (g *Graph) checkInputs(name string, inputs []*Tensor) error {
	for _, in := range inputs {
		if in == nil {
			return &ShapeError{Layer: name, Reason: "nil input tensor"}
		}
		if owned, ok := g.names[in.Name]; !ok || owned != in {
			return &ShapeError{Layer: name, Reason: fmt.Sprintf("input %s does not belong to graph %s", in.Name, g.Name)}
		}
	}
	return nil
}

func (g *Graph) add(name string, kind Kind, inputs []*Tensor, dims Dims, params Params, refs []WeightRef) (*Tensor, error) {
	if g.frozen {
		return nil, fmt.Errorf("graph %s is frozen, cannot add %s", g.Name, name)
	}
	if _, dup := g.names[name]; dup {
		return nil, &ShapeError{Layer: name, Reason: "duplicate layer name"}
	}
	if err := g.checkInputs(name, inputs); err != nil {
		return nil, err
	}
	for _, d := range dims {
		if d <= 0 {
			return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("output %s is empty", dims)}
		}
	}
	layer := &Layer{
		Index:   len(g.layers),
		Name:    name,
		Kind:    kind,
		Inputs:  inputs,
		Params:  params,
		Weights: refs,
	}
	out := &Tensor{Name: name, Dims: dims, Producer: layer}
	layer.Output = out
	g.layers = append(g.layers, layer)
	g.names[name] = out
	return out, nil
}
