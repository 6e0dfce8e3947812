package network

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/yolograph/graph"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/weights"
)

func mustOptions(t *testing.T, opts ...options.WithOption) *options.Options {
	t.Helper()
	o, err := options.New(opts...)
	require.NoError(t, err)
	return o
}

func buffersFor(m *weights.Manifest, skip ...string) map[string][]float32 {
	skipped := map[string]bool{}
	for _, s := range skip {
		skipped[s] = true
	}
	out := map[string][]float32{}
	for _, r := range m.Requirements() {
		if !skipped[r.Key.Path()] {
			out[r.Key.Path()] = make([]float32, r.Count)
		}
	}
	return out
}

func TestDetectOutputShape(t *testing.T) {
	o := mustOptions(t)
	n, err := Build(o, weights.NewManifest())
	require.NoError(t, err)

	assert.Equal(t, graph.Dims{84, 8400}, n.Output.Dims)
	assert.Nil(t, n.Proto)
	assert.True(t, n.Graph.Frozen())
	outputs := n.Graph.Outputs()
	require.Len(t, outputs, 1)
	assert.Equal(t, OutputName, outputs[0].Name)
	assert.Equal(t, 1, n.Graph.CountKind(graph.KindDecodePlugin))

	assert.Equal(t, 16, n.Stages[0].Channels())
	assert.Equal(t, graph.Dims{256, 20, 20}, n.Stages[9].Dims)
	assert.Equal(t, graph.Dims{64, 80, 80}, n.Stages[15].Dims)
	assert.Equal(t, graph.Dims{128, 40, 40}, n.Stages[18].Dims)
	assert.Equal(t, graph.Dims{256, 20, 20}, n.Stages[21].Dims)
	for i, s := range n.Scales {
		assert.Equal(t, 84, s.Channels(), "scale %d", i)
	}
}

func TestSegmentOutputShape(t *testing.T) {
	o := mustOptions(t, options.WithTask(options.TaskSegment))
	n, err := Build(o, weights.NewManifest())
	require.NoError(t, err)

	assert.Equal(t, graph.Dims{116, 8400}, n.Output.Dims)
	require.NotNil(t, n.Proto)
	assert.Equal(t, graph.Dims{32, 160, 160}, n.Proto.Dims)
	proto, ok := n.Graph.Output(ProtoName)
	require.True(t, ok)
	assert.Same(t, n.Proto, proto)
}

func TestRectangularInput(t *testing.T) {
	o := mustOptions(t, options.WithInputSize(320, 480))
	n, err := Build(o, weights.NewManifest())
	require.NoError(t, err)
	assert.Equal(t, graph.Dims{84, 40*60 + 20*30 + 10*15}, n.Output.Dims)
}

func TestRequiredWeights(t *testing.T) {
	m, err := RequiredWeights(mustOptions(t))
	require.NoError(t, err)

	counts := map[string]int{}
	for _, r := range m.Requirements() {
		counts[r.Key.Path()] = r.Count
	}
	assert.Equal(t, 16, counts["model.22.dfl.conv.weight"])
	assert.Equal(t, 16*3*3*3, counts["model.0.conv.weight"])
	assert.Equal(t, 16*16*9, counts["model.2.m.0.cv1.conv.weight"])
	assert.NotContains(t, counts, "model.2.m.1.cv1.conv.weight", "depth 3 scales to a single bottleneck")
	assert.Equal(t, 64*64, counts["model.22.cv2.0.2.weight"])
	assert.Equal(t, 80*80, counts["model.22.cv3.0.2.weight"])
	assert.Equal(t, 80, counts["model.22.cv3.2.2.bias"])
	assert.NotContains(t, counts, "model.22.proto.cv1.conv.weight")

	seg, err := RequiredWeights(mustOptions(t, options.WithTask(options.TaskSegment)))
	require.NoError(t, err)
	assert.Greater(t, seg.Len(), m.Len())
}

func TestCompile(t *testing.T) {
	o := mustOptions(t, options.WithTask(options.TaskSegment))
	m, err := RequiredWeights(o)
	require.NoError(t, err)
	table := weights.NewTable(buffersFor(m))
	table.Put("model.23.unused.weight", []float32{1}, 1)

	n, err := Compile(o, table)
	require.NoError(t, err)
	assert.Equal(t, graph.Dims{116, 8400}, n.Output.Dims)
	assert.Equal(t, []string{"model.23.unused.weight"}, table.Unclaimed())
}

func TestCompileMissingWeights(t *testing.T) {
	o := mustOptions(t)
	m, err := RequiredWeights(o)
	require.NoError(t, err)
	buffers := buffersFor(m, "model.22.dfl.conv.weight", "model.4.m.0.cv2.bn.running_var")
	buffers["model.0.conv.weight"] = make([]float32, 5)
	table := weights.NewTable(buffers)

	n, err := Compile(o, table)
	require.Error(t, err)
	assert.Nil(t, n)
	assert.True(t, IsWeightError(err))
	var contract *weights.WeightContractError
	require.ErrorAs(t, err, &contract)
	for _, path := range []string{"model.22.dfl.conv.weight", "model.4.m.0.cv2.bn.running_var", "model.0.conv.weight"} {
		assert.Contains(t, err.Error(), path)
	}
	assert.Len(t, table.Unclaimed(), len(buffers), "nothing is claimed when validation fails")
}

func TestBuildRejectsBadConfiguration(t *testing.T) {
	o := options.Defaults()
	o.InputHeight = 16
	_, err := Build(o, weights.NewManifest())
	var cfg *options.ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "input_height", cfg.Field)

	o = options.Defaults()
	o.Task = options.TaskSegment
	o.WidthMultiple = 0.3
	_, err = Build(o, weights.NewManifest())
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "width_multiple", cfg.Field)
}

func TestBuildRejectsBadScalingBeforeAnyLayer(t *testing.T) {
	for _, mutate := range []func(o *options.Options){
		func(o *options.Options) { o.MaxChannels = 100 },
		func(o *options.Options) { o.MaxChannels = 1 },
		func(o *options.Options) { o.WidthMultiple = math.NaN() },
		func(o *options.Options) { o.WidthMultiple = math.Inf(1) },
		func(o *options.Options) { o.DepthMultiple = math.NaN() },
	} {
		o := options.Defaults()
		mutate(o)
		m := weights.NewManifest()
		n, err := Build(o, m)
		var cfg *options.ConfigurationError
		require.ErrorAs(t, err, &cfg)
		assert.Nil(t, n)
		assert.Zero(t, m.Len(), "no layer may claim a weight")
	}
}

func TestScaledWidthsAreAligned(t *testing.T) {
	n, err := Build(mustOptions(t, options.WithScaling(0.33, 0.25, 48)), weights.NewManifest())
	require.NoError(t, err)
	for _, l := range n.Graph.Layers() {
		if l.Kind == graph.KindBatchNormFuse {
			assert.Zero(t, l.Output.Channels()%8, l.Name)
		}
	}
}

func TestArchitectureReferencesEarlierStages(t *testing.T) {
	for i, st := range Architecture {
		for _, from := range st.From {
			assert.True(t, from == Previous || (from >= 0 && from < i), "stage %d reads %d", i, from)
		}
	}
	assert.Equal(t, "C2f", OpAggregation.String())
	assert.Equal(t, 0, Architecture[10].Width(1, 1024))
	assert.Equal(t, 2, Architecture[4].Depth(0.33))
}
