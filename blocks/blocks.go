// Package blocks builds the reusable YOLOv8 building blocks on top of a graph.
//
// Every builder declares the weights it consumes through the factory's weights.Source, so
// the same code either records a plan (weights.Manifest) or claims a loaded weights.Table.
package blocks

import (
	"fmt"

	"github.com/knights-analytics/yolograph/graph"
	"github.com/knights-analytics/yolograph/weights"
)

// BatchNormEpsilon is the epsilon every batch normalization was trained with.
const BatchNormEpsilon = 1e-3

// DistributionBins is the number of discrete bins per box side.
const DistributionBins = 16

// BoxSides is the number of distances predicted per location (left, top, right, bottom).
const BoxSides = 4

// MaskCoefficientCount is the number of prototype mask coefficients per location.
const MaskCoefficientCount = 32

// Factory appends blocks to Graph, drawing weights from Weights.
type Factory struct {
	Graph   *graph.Graph
	Weights weights.Source
}

func New(g *graph.Graph, source weights.Source) *Factory {
	return &Factory{Graph: g, Weights: source}
}

func (f *Factory) weight(prefix weights.Prefix, role weights.Role, slot string, count int) (graph.WeightRef, error) {
	key := prefix.Key(role)
	if err := f.Weights.Require(key, count); err != nil {
		return graph.WeightRef{}, err
	}
	return graph.WeightRef{Slot: slot, Key: key, Count: count}, nil
}

func (f *Factory) weightRefs(prefix weights.Prefix, specs ...refSpec) ([]graph.WeightRef, error) {
	refs := make([]graph.WeightRef, 0, len(specs))
	for _, s := range specs {
		ref, err := f.weight(prefix, s.role, s.slot, s.count)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

type refSpec struct {
	role  weights.Role
	slot  string
	count int
}

// ConvAct is Conv (no bias, padding k/2) followed by a fused batch normalization and SiLU,
// expressed as x * sigmoid(x).
func (f *Factory) ConvAct(in *graph.Tensor, outChannels, kernel, stride, groups int, prefix weights.Prefix) (*graph.Tensor, error) {
	if groups <= 0 {
		groups = 1
	}
	if in == nil || len(in.Dims) != 3 {
		return nil, fmt.Errorf("%s: ConvAct needs a (C, H, W) input", prefix)
	}
	name := prefix.String()
	convRefs, err := f.weightRefs(prefix, refSpec{weights.RoleConvWeight, "kernel", outChannels * in.Channels() / groups * kernel * kernel})
	if err != nil {
		return nil, err
	}
	conv, err := f.Graph.Conv(name+".conv", in, graph.ConvParams{
		OutChannels: outChannels,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     kernel / 2,
		Groups:      groups,
	}, convRefs...)
	if err != nil {
		return nil, err
	}
	bnRefs, err := f.weightRefs(prefix,
		refSpec{weights.RoleBNWeight, "gamma", outChannels},
		refSpec{weights.RoleBNBias, "beta", outChannels},
		refSpec{weights.RoleBNMean, "mean", outChannels},
		refSpec{weights.RoleBNVar, "variance", outChannels},
	)
	if err != nil {
		return nil, err
	}
	bn, err := f.Graph.BatchNorm(name+".bn", conv, BatchNormEpsilon, bnRefs...)
	if err != nil {
		return nil, err
	}
	return f.silu(name, bn)
}

func (f *Factory) silu(name string, in *graph.Tensor) (*graph.Tensor, error) {
	sig, err := f.Graph.Activation(name+".sigmoid", in, graph.ActivationSigmoid)
	if err != nil {
		return nil, err
	}
	return f.Graph.ElementWise(name+".silu", in, sig, graph.ElementWiseProd)
}

// Conv is a plain 1x1 convolution with bias, used by the output head.
func (f *Factory) Conv(in *graph.Tensor, outChannels int, prefix weights.Prefix) (*graph.Tensor, error) {
	if in == nil || len(in.Dims) != 3 {
		return nil, fmt.Errorf("%s: Conv needs a (C, H, W) input", prefix)
	}
	refs, err := f.weightRefs(prefix,
		refSpec{weights.RoleWeight, "kernel", outChannels * in.Channels()},
		refSpec{weights.RoleBias, "bias", outChannels},
	)
	if err != nil {
		return nil, err
	}
	return f.Graph.Conv(prefix.String(), in, graph.ConvParams{OutChannels: outChannels, Kernel: 1, Stride: 1}, refs...)
}

// Bottleneck is two 3x3 ConvActs at outChannels; the input is added back only when
// shortcut is set and the channel counts agree.
func (f *Factory) Bottleneck(in *graph.Tensor, outChannels int, shortcut bool, prefix weights.Prefix) (*graph.Tensor, error) {
	cv1, err := f.ConvAct(in, outChannels, 3, 1, 1, prefix.Child("cv1"))
	if err != nil {
		return nil, err
	}
	cv2, err := f.ConvAct(cv1, outChannels, 3, 1, 1, prefix.Child("cv2"))
	if err != nil {
		return nil, err
	}
	if shortcut && in.Channels() == outChannels {
		return f.Graph.ElementWise(prefix.String()+".add", in, cv2, graph.ElementWiseSum)
	}
	return cv2, nil
}

// Aggregation is the C2f block: a 1x1 ConvAct to twice the hidden width, split in halves,
// n bottlenecks chained on the second half, everything concatenated and fused by a 1x1
// ConvAct.
func (f *Factory) Aggregation(in *graph.Tensor, outChannels, n int, shortcut bool, prefix weights.Prefix) (*graph.Tensor, error) {
	if n < 1 {
		return nil, fmt.Errorf("%s: aggregation needs at least one bottleneck, got %d", prefix, n)
	}
	hidden := outChannels / 2
	cv1, err := f.ConvAct(in, 2*hidden, 1, 1, 1, prefix.Child("cv1"))
	if err != nil {
		return nil, err
	}
	h, w := cv1.Height(), cv1.Width()
	name := prefix.String()
	first, err := f.Graph.Slice(name+".split.0", cv1, []int{0, 0, 0}, []int{hidden, h, w})
	if err != nil {
		return nil, err
	}
	second, err := f.Graph.Slice(name+".split.1", cv1, []int{hidden, 0, 0}, []int{hidden, h, w})
	if err != nil {
		return nil, err
	}
	parts := []*graph.Tensor{first, second}
	current := second
	for i := 0; i < n; i++ {
		current, err = f.Bottleneck(current, hidden, shortcut, prefix.Child("m", i))
		if err != nil {
			return nil, err
		}
		parts = append(parts, current)
	}
	cat, err := f.Graph.Concat(name+".cat", 0, parts...)
	if err != nil {
		return nil, err
	}
	return f.ConvAct(cat, outChannels, 1, 1, 1, prefix.Child("cv2"))
}

// PyramidPool is the SPPF block.
func (f *Factory) PyramidPool(in *graph.Tensor, outChannels int, prefix weights.Prefix) (*graph.Tensor, error) {
	cv1, err := f.ConvAct(in, in.Channels()/2, 1, 1, 1, prefix.Child("cv1"))
	if err != nil {
		return nil, err
	}
	name := prefix.String()
	parts := []*graph.Tensor{cv1}
	current := cv1
	for i := 0; i < 3; i++ {
		current, err = f.Graph.MaxPool(fmt.Sprintf("%s.m.%d", name, i), current, 5, 1, 2)
		if err != nil {
			return nil, err
		}
		parts = append(parts, current)
	}
	cat, err := f.Graph.Concat(name+".cat", 0, parts...)
	if err != nil {
		return nil, err
	}
	return f.ConvAct(cat, outChannels, 1, 1, 1, prefix.Child("cv2"))
}

// DistributionDecode is the DFL block: it turns (4*16, N) bin logits into (4, N) expected
// distances with a softmax over bins and a fixed 1x1 convolution weighted 0..15.
// The weight at prefix is shared, so name distinguishes the per-scale layers.
func (f *Factory) DistributionDecode(in *graph.Tensor, locations int, name string, prefix weights.Prefix) (*graph.Tensor, error) {
	if in == nil || len(in.Dims) != 2 || in.Dims[0] != BoxSides*DistributionBins {
		return nil, fmt.Errorf("%s: distribution decode needs a (%d, N) input", name, BoxSides*DistributionBins)
	}
	bins, err := f.Graph.Reshape(name+".bins", in, []int{BoxSides, DistributionBins, locations}, []int{1, 0, 2})
	if err != nil {
		return nil, err
	}
	soft, err := f.Graph.Softmax(name+".softmax", bins, 0)
	if err != nil {
		return nil, err
	}
	ref, err := f.weight(prefix, weights.RoleConvWeight, "kernel", DistributionBins)
	if err != nil {
		return nil, err
	}
	expect, err := f.Graph.Conv(name+".conv", soft, graph.ConvParams{OutChannels: 1, Kernel: 1, Stride: 1}, ref)
	if err != nil {
		return nil, err
	}
	return f.Graph.Reshape(name+".distances", expect, []int{BoxSides, locations}, nil)
}

// Proto builds the prototype mask branch: a 3x3 ConvAct, a 2x2 stride 2 transposed
// convolution with bias, a 3x3 ConvAct and a 1x1 ConvAct down to the coefficient count.
func (f *Factory) Proto(in *graph.Tensor, midChannels int, prefix weights.Prefix) (*graph.Tensor, error) {
	cv1, err := f.ConvAct(in, midChannels, 3, 1, 1, prefix.Child("cv1"))
	if err != nil {
		return nil, err
	}
	up := prefix.Child("upsample")
	refs, err := f.weightRefs(up,
		refSpec{weights.RoleWeight, "kernel", midChannels * midChannels * 2 * 2},
		refSpec{weights.RoleBias, "bias", midChannels},
	)
	if err != nil {
		return nil, err
	}
	deconv, err := f.Graph.Deconv(up.String(), cv1, midChannels, 2, 2, refs...)
	if err != nil {
		return nil, err
	}
	cv2, err := f.ConvAct(deconv, midChannels, 3, 1, 1, prefix.Child("cv2"))
	if err != nil {
		return nil, err
	}
	return f.ConvAct(cv2, MaskCoefficientCount, 1, 1, 1, prefix.Child("cv3"))
}

// MaskCoefficients is the per-scale coefficient branch: two 3x3 ConvActs, a 1x1 conv with
// bias down to 32 channels and a reshape to (32, locations).
func (f *Factory) MaskCoefficients(in *graph.Tensor, midChannels, locations int, prefix weights.Prefix) (*graph.Tensor, error) {
	cv0, err := f.ConvAct(in, midChannels, 3, 1, 1, prefix.Child(0))
	if err != nil {
		return nil, err
	}
	cv1, err := f.ConvAct(cv0, midChannels, 3, 1, 1, prefix.Child(1))
	if err != nil {
		return nil, err
	}
	cv2, err := f.Conv(cv1, MaskCoefficientCount, prefix.Child(2))
	if err != nil {
		return nil, err
	}
	return f.Graph.Reshape(prefix.String()+".flat", cv2, []int{MaskCoefficientCount, locations}, nil)
}
