package graph

import (
	"fmt"
	"slices"
)

// Input declares a network input of the given dims.
func (g *Graph) Input(name string, dims Dims) (*Tensor, error) {
	if len(dims) != 3 {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("input must be (C, H, W), got %s", dims)}
	}
	t, err := g.add(name, KindInput, nil, dims.clone(), Params{}, nil)
	if err != nil {
		return nil, err
	}
	g.inputs = append(g.inputs, t)
	return t, nil
}

// ConvParams describe a 2-D convolution.
type ConvParams struct {
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	Groups      int
}

func spatial(size, kernel, stride, padding int) int {
	return (size+2*padding-kernel)/stride + 1
}

func featureMap(name string, in *Tensor) error {
	if in == nil {
		return &ShapeError{Layer: name, Reason: "nil input tensor"}
	}
	if len(in.Dims) != 3 {
		return &ShapeError{Layer: name, Reason: fmt.Sprintf("input %s must be (C, H, W), got %s", in.Name, in.Dims)}
	}
	return nil
}

// Conv adds a 2-D convolution.
func (g *Graph) Conv(name string, in *Tensor, p ConvParams, refs ...WeightRef) (*Tensor, error) {
	if err := featureMap(name, in); err != nil {
		return nil, err
	}
	if p.Groups == 0 {
		p.Groups = 1
	}
	switch {
	case p.OutChannels <= 0 || p.Kernel <= 0 || p.Stride <= 0 || p.Padding < 0:
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("invalid convolution %+v", p)}
	case in.Channels()%p.Groups != 0 || p.OutChannels%p.Groups != 0:
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("channels %d->%d not divisible into %d groups", in.Channels(), p.OutChannels, p.Groups)}
	}
	dims := Dims{
		p.OutChannels,
		spatial(in.Height(), p.Kernel, p.Stride, p.Padding),
		spatial(in.Width(), p.Kernel, p.Stride, p.Padding),
	}
	params := Params{OutChannels: p.OutChannels, Kernel: p.Kernel, Stride: p.Stride, Padding: p.Padding, Groups: p.Groups}
	return g.add(name, KindConv, []*Tensor{in}, dims, params, refs)
}

// Deconv adds a transposed convolution without padding.
func (g *Graph) Deconv(name string, in *Tensor, outChannels, kernel, stride int, refs ...WeightRef) (*Tensor, error) {
	if err := featureMap(name, in); err != nil {
		return nil, err
	}
	if outChannels <= 0 || kernel <= 0 || stride <= 0 {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("invalid deconvolution out=%d k=%d s=%d", outChannels, kernel, stride)}
	}
	dims := Dims{
		outChannels,
		(in.Height()-1)*stride + kernel,
		(in.Width()-1)*stride + kernel,
	}
	params := Params{OutChannels: outChannels, Kernel: kernel, Stride: stride, Groups: 1}
	return g.add(name, KindDeconv, []*Tensor{in}, dims, params, refs)
}

// BatchNorm adds an inference-time batch normalization, fused to a per-channel scale and shift.
func (g *Graph) BatchNorm(name string, in *Tensor, eps float32, refs ...WeightRef) (*Tensor, error) {
	if err := featureMap(name, in); err != nil {
		return nil, err
	}
	if eps <= 0 {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("epsilon %g must be positive", eps)}
	}
	return g.add(name, KindBatchNormFuse, []*Tensor{in}, in.Dims.clone(), Params{Epsilon: eps}, refs)
}

// Activation adds an element-wise activation.
func (g *Graph) Activation(name string, in *Tensor, kind ActivationKind) (*Tensor, error) {
	if in == nil {
		return nil, &ShapeError{Layer: name, Reason: "nil input tensor"}
	}
	if kind <= ActivationNone || kind > ActivationSigmoid {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("unsupported activation %s", kind)}
	}
	return g.add(name, KindActivation, []*Tensor{in}, in.Dims.clone(), Params{Activation: kind}, nil)
}

// ElementWise combines two tensors of identical shape.
func (g *Graph) ElementWise(name string, a, b *Tensor, op ElementWiseOp) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, &ShapeError{Layer: name, Reason: "nil input tensor"}
	}
	if op <= ElementWiseNone || op > ElementWiseProd {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("unsupported element-wise op %s", op)}
	}
	if !a.Dims.Equal(b.Dims) {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("operand shapes differ: %s vs %s", a.Dims, b.Dims)}
	}
	return g.add(name, KindElementWise, []*Tensor{a, b}, a.Dims.clone(), Params{Op: op}, nil)
}

// MaxPool adds a max pooling layer.
func (g *Graph) MaxPool(name string, in *Tensor, kernel, stride, padding int) (*Tensor, error) {
	if err := featureMap(name, in); err != nil {
		return nil, err
	}
	if kernel <= 0 || stride <= 0 || padding < 0 || 2*padding > kernel {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("invalid pooling k=%d s=%d p=%d", kernel, stride, padding)}
	}
	dims := Dims{
		in.Channels(),
		spatial(in.Height(), kernel, stride, padding),
		spatial(in.Width(), kernel, stride, padding),
	}
	return g.add(name, KindPool, []*Tensor{in}, dims, Params{Kernel: kernel, Stride: stride, Padding: padding}, nil)
}

// Concat joins tensors along axis. All other dimensions must agree.
func (g *Graph) Concat(name string, axis int, ins ...*Tensor) (*Tensor, error) {
	if len(ins) < 2 {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("concat needs at least two inputs, got %d", len(ins))}
	}
	for _, in := range ins {
		if in == nil {
			return nil, &ShapeError{Layer: name, Reason: "nil input tensor"}
		}
	}
	first := ins[0].Dims
	if axis < 0 || axis >= len(first) {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("axis %d out of range for %s", axis, first)}
	}
	dims := first.clone()
	for _, in := range ins[1:] {
		if len(in.Dims) != len(first) {
			return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("rank mismatch: %s vs %s", first, in.Dims)}
		}
		for i := range first {
			if i != axis && in.Dims[i] != first[i] {
				return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("dimension %d differs: %s vs %s", i, first, in.Dims)}
			}
		}
		dims[axis] += in.Dims[axis]
	}
	return g.add(name, KindConcat, slices.Clone(ins), dims, Params{Axis: axis}, nil)
}

// Resize adds a nearest-neighbour spatial upsample by an integer factor.
func (g *Graph) Resize(name string, in *Tensor, scale int) (*Tensor, error) {
	if err := featureMap(name, in); err != nil {
		return nil, err
	}
	if scale <= 0 {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("scale %d must be positive", scale)}
	}
	dims := Dims{in.Channels(), in.Height() * scale, in.Width() * scale}
	return g.add(name, KindResize, []*Tensor{in}, dims, Params{Scale: scale}, nil)
}

// Slice extracts the window [start, start+size) of every dimension.
func (g *Graph) Slice(name string, in *Tensor, start, size []int) (*Tensor, error) {
	if in == nil {
		return nil, &ShapeError{Layer: name, Reason: "nil input tensor"}
	}
	if len(start) != len(in.Dims) || len(size) != len(in.Dims) {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("slice rank %d/%d does not match %s", len(start), len(size), in.Dims)}
	}
	for i := range start {
		if start[i] < 0 || size[i] <= 0 || start[i]+size[i] > in.Dims[i] {
			return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("window %v+%v exceeds %s", start, size, in.Dims)}
		}
	}
	params := Params{Start: slices.Clone(start), Size: slices.Clone(size)}
	return g.add(name, KindSlice, []*Tensor{in}, Dims(slices.Clone(size)), params, nil)
}

// Reshape reinterprets in as shape, then optionally transposes it by permutation.
func (g *Graph) Reshape(name string, in *Tensor, shape []int, permutation []int) (*Tensor, error) {
	if in == nil {
		return nil, &ShapeError{Layer: name, Reason: "nil input tensor"}
	}
	if Dims(shape).Elements() != in.Dims.Elements() {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("cannot reshape %s to %s", in.Dims, Dims(shape))}
	}
	dims := Dims(slices.Clone(shape))
	if permutation != nil {
		if len(permutation) != len(shape) {
			return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("permutation %v does not match %s", permutation, dims)}
		}
		seen := make([]bool, len(shape))
		permuted := make(Dims, len(shape))
		for i, p := range permutation {
			if p < 0 || p >= len(shape) || seen[p] {
				return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("invalid permutation %v", permutation)}
			}
			seen[p] = true
			permuted[i] = shape[p]
		}
		dims = permuted
	}
	params := Params{Shape: slices.Clone(shape), Permutation: slices.Clone(permutation)}
	return g.add(name, KindReshape, []*Tensor{in}, dims, params, nil)
}

// Softmax normalizes along axis.
func (g *Graph) Softmax(name string, in *Tensor, axis int) (*Tensor, error) {
	if in == nil {
		return nil, &ShapeError{Layer: name, Reason: "nil input tensor"}
	}
	if axis < 0 || axis >= len(in.Dims) {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("axis %d out of range for %s", axis, in.Dims)}
	}
	return g.add(name, KindSoftmax, []*Tensor{in}, in.Dims.clone(), Params{Axis: axis}, nil)
}

// DecodeParams configure the decode plugin node.
type DecodeParams struct {
	Strides    []int
	NumClasses int
	MaskRows   int
}

// Decode adds the plugin that turns per-scale (4+nc[+masks], N_i) tensors into one
// (4+nc[+masks], ΣN_i) tensor. Inputs must be ordered by ascending stride.
func (g *Graph) Decode(name string, p DecodeParams, ins ...*Tensor) (*Tensor, error) {
	if len(ins) == 0 || len(ins) != len(p.Strides) {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("%d inputs for %d strides", len(ins), len(p.Strides))}
	}
	if p.NumClasses <= 0 || p.MaskRows < 0 {
		return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("invalid decode classes=%d masks=%d", p.NumClasses, p.MaskRows)}
	}
	rows := 4 + p.NumClasses + p.MaskRows
	total := 0
	for i, in := range ins {
		if in == nil {
			return nil, &ShapeError{Layer: name, Reason: "nil input tensor"}
		}
		if len(in.Dims) != 2 || in.Dims[0] != rows {
			return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("input %s must be (%d, N), got %s", in.Name, rows, in.Dims)}
		}
		if i > 0 && p.Strides[i] <= p.Strides[i-1] {
			return nil, &ShapeError{Layer: name, Reason: fmt.Sprintf("strides %v are not ascending", p.Strides)}
		}
		total += in.Dims[1]
	}
	params := Params{Strides: slices.Clone(p.Strides), NumClasses: p.NumClasses, MaskRows: p.MaskRows}
	return g.add(name, KindDecodePlugin, slices.Clone(ins), Dims{rows, total}, params, nil)
}
