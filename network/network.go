// Package network assembles the complete YOLOv8 detection or segmentation graph from the
// stage descriptors, the output head and the decode node.
package network

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/yolograph/blocks"
	"github.com/knights-analytics/yolograph/graph"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/scaling"
	"github.com/knights-analytics/yolograph/weights"
)

// Tensor names of the compiled graph.
const (
	InputName  = "data"
	OutputName = "output"
	ProtoName  = "proto"
)

// ProtoNominalWidth is the nominal width of the prototype mask branch.
const ProtoNominalWidth = 256

// Network is a frozen graph together with handles on its interesting tensors.
type Network struct {
	Graph  *graph.Graph
	Input  *graph.Tensor
	Output *graph.Tensor
	// Proto is nil unless the task is segmentation.
	Proto *graph.Tensor
	// Stages holds the output of each numbered stage, indexed like Architecture.
	Stages []*graph.Tensor
	// Scales are the per-scale tensors fed to the decode node, finest first.
	Scales []*graph.Tensor
}

type builder struct {
	opts    *options.Options
	graph   *graph.Graph
	factory *blocks.Factory
}

// Build appends every layer for opts to a new graph, drawing weights from source, marks
// the outputs and freezes the graph.
func Build(opts *options.Options, source weights.Source) (*Network, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := opts.Clone()
	g := graph.New("yolov8-" + o.Task.String())
	b := &builder{opts: o, graph: g, factory: blocks.New(g, source)}

	input, err := g.Input(InputName, graph.Dims{3, o.InputHeight, o.InputWidth})
	if err != nil {
		return nil, err
	}
	stages, err := b.stages(input)
	if err != nil {
		return nil, err
	}
	scales, err := b.head(stages)
	if err != nil {
		return nil, err
	}

	maskRows := 0
	if o.Task == options.TaskSegment {
		maskRows = options.ProtoChannels
	}
	output, err := g.Decode(fmt.Sprintf("model.%d.decode", HeadStage), graph.DecodeParams{
		Strides:    options.Strides,
		NumClasses: o.NumClasses,
		MaskRows:   maskRows,
	}, scales...)
	if err != nil {
		return nil, err
	}
	if want := (graph.Dims{o.OutputRows(), o.TotalLocations()}); !output.Dims.Equal(want) {
		return nil, fmt.Errorf("decode output is %s, want %s", output.Dims, want)
	}

	var proto *graph.Tensor
	if o.Task == options.TaskSegment {
		width := scaling.ScaledWidth(ProtoNominalWidth, o.WidthMultiple, o.MaxChannels)
		proto, err = b.factory.Proto(stages[OutputStages[0]], width, weights.Stage(HeadStage).Child("proto"))
		if err != nil {
			return nil, err
		}
		if want := (graph.Dims{options.ProtoChannels, o.InputHeight / 4, o.InputWidth / 4}); !proto.Dims.Equal(want) {
			return nil, fmt.Errorf("proto output is %s, want %s", proto.Dims, want)
		}
	}

	// Outputs are only marked once every layer has been built.
	if err = g.MarkOutput(OutputName, output); err != nil {
		return nil, err
	}
	if proto != nil {
		if err = g.MarkOutput(ProtoName, proto); err != nil {
			return nil, err
		}
	}
	if err = g.Freeze(); err != nil {
		return nil, err
	}
	log.Debug().Str("graph", g.Name).Int("layers", len(g.Layers())).Str("output", output.Dims.String()).Msg("graph built")
	return &Network{
		Graph:  g,
		Input:  input,
		Output: output,
		Proto:  proto,
		Stages: stages,
		Scales: scales,
	}, nil
}

func (b *builder) stages(input *graph.Tensor) ([]*graph.Tensor, error) {
	o := b.opts
	outs := make([]*graph.Tensor, len(Architecture))
	for i, st := range Architecture {
		ins := make([]*graph.Tensor, len(st.From))
		for j, from := range st.From {
			switch {
			case from == Previous && i == 0:
				ins[j] = input
			case from == Previous:
				ins[j] = outs[i-1]
			case from >= 0 && from < i:
				ins[j] = outs[from]
			default:
				return nil, fmt.Errorf("stage %d reads from stage %d which is not built yet", i, from)
			}
		}
		prefix := weights.Stage(i)
		width := st.Width(o.WidthMultiple, o.MaxChannels)
		var out *graph.Tensor
		var err error
		switch st.Op {
		case OpConv:
			out, err = b.factory.ConvAct(ins[0], width, 3, st.Stride, 1, prefix)
		case OpAggregation:
			out, err = b.factory.Aggregation(ins[0], width, st.Depth(o.DepthMultiple), st.Shortcut, prefix)
		case OpPyramidPool:
			out, err = b.factory.PyramidPool(ins[0], width, prefix)
		case OpUpsample:
			out, err = b.graph.Resize(prefix.String(), ins[0], st.Stride)
		case OpConcat:
			out, err = b.graph.Concat(prefix.String(), 0, ins...)
		default:
			err = fmt.Errorf("stage %d has unknown op %s", i, st.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, st.Op, err)
		}
		if width > 0 && out.Channels() != width {
			return nil, fmt.Errorf("stage %d (%s) produced %d channels, want %d", i, st.Op, out.Channels(), width)
		}
		outs[i] = out
	}
	return outs, nil
}

func (b *builder) head(stages []*graph.Tensor) ([]*graph.Tensor, error) {
	o := b.opts
	f := b.factory
	head := weights.Stage(HeadStage)
	boxWidth := scaling.BoxBranchWidth(o.WidthMultiple)
	classWidth := scaling.ClassBranchWidth(o.WidthMultiple, o.NumClasses, o.MaxChannels)
	var maskWidth int
	if o.Task == options.TaskSegment {
		w, err := scaling.MaskCoefficientWidth(o.WidthMultiple)
		if err != nil {
			return nil, &options.ConfigurationError{Field: "width_multiple", Reason: err.Error()}
		}
		maskWidth = w
	}
	binRows := blocks.BoxSides * blocks.DistributionBins

	scales := make([]*graph.Tensor, len(OutputStages))
	for i, stage := range OutputStages {
		feature := stages[stage]
		locations := feature.Height() * feature.Width()
		if locations == 0 {
			return nil, &options.ConfigurationError{Field: "input_size", Reason: fmt.Sprintf("stride %d scale has no locations", options.Strides[i])}
		}
		name := fmt.Sprintf("%s.scale.%d", head, i)

		box, err := b.branch(feature, boxWidth, binRows, head.Child("cv2", i))
		if err != nil {
			return nil, err
		}
		cls, err := b.branch(feature, classWidth, o.NumClasses, head.Child("cv3", i))
		if err != nil {
			return nil, err
		}
		cat, err := b.graph.Concat(name+".cat", 0, box, cls)
		if err != nil {
			return nil, err
		}
		flat, err := b.graph.Reshape(name+".flat", cat, []int{binRows + o.NumClasses, locations}, nil)
		if err != nil {
			return nil, err
		}
		bins, err := b.graph.Slice(name+".bins", flat, []int{0, 0}, []int{binRows, locations})
		if err != nil {
			return nil, err
		}
		scores, err := b.graph.Slice(name+".scores", flat, []int{binRows, 0}, []int{o.NumClasses, locations})
		if err != nil {
			return nil, err
		}
		distances, err := f.DistributionDecode(bins, locations, name+".dfl", head.Child("dfl"))
		if err != nil {
			return nil, err
		}
		parts := []*graph.Tensor{distances, scores}
		if o.Task == options.TaskSegment {
			coefficients, err := f.MaskCoefficients(feature, maskWidth, locations, head.Child("cv4", i))
			if err != nil {
				return nil, err
			}
			parts = append(parts, coefficients)
		}
		scales[i], err = b.graph.Concat(name+".out", 0, parts...)
		if err != nil {
			return nil, err
		}
	}
	return scales, nil
}

// branch is two 3x3 ConvActs at width followed by a 1x1 conv with bias to outChannels.
func (b *builder) branch(in *graph.Tensor, width, outChannels int, prefix weights.Prefix) (*graph.Tensor, error) {
	x, err := b.factory.ConvAct(in, width, 3, 1, 1, prefix.Child(0))
	if err != nil {
		return nil, err
	}
	x, err = b.factory.ConvAct(x, width, 3, 1, 1, prefix.Child(1))
	if err != nil {
		return nil, err
	}
	return b.factory.Conv(x, outChannels, prefix.Child(2))
}

// RequiredWeights builds the graph for opts against a recorder and returns every weight
// path it needs with its element count.
func RequiredWeights(opts *options.Options) (*weights.Manifest, error) {
	m := weights.NewManifest()
	if _, err := Build(opts, m); err != nil {
		return nil, err
	}
	if err := m.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Compile validates table against the full requirement set before building anything, so a
// missing or mis-sized weight is reported, together with all others, before any output
// is marked.
func Compile(opts *options.Options, table *weights.Table) (*Network, error) {
	m, err := RequiredWeights(opts)
	if err != nil {
		return nil, err
	}
	if err = table.Validate(m); err != nil {
		return nil, fmt.Errorf("weights do not match the %s graph: %w", opts.Task, err)
	}
	n, err := Build(opts, table)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// IsWeightError reports whether err carries at least one weight contract violation.
func IsWeightError(err error) bool {
	var contract *weights.WeightContractError
	return errors.As(err, &contract)
}
