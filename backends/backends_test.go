package backends

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/yolograph/blocks"
	"github.com/knights-analytics/yolograph/graph"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/weights"
)

// tinyGraph builds a single ConvAct graph against source and freezes it.
func tinyGraph(t *testing.T, source weights.Source) *graph.Graph {
	t.Helper()
	g := graph.New("tiny")
	in, err := g.Input("data", graph.Dims{3, 8, 8})
	require.NoError(t, err)
	out, err := blocks.New(g, source).ConvAct(in, 4, 1, 1, 1, weights.Stage(0))
	require.NoError(t, err)
	require.NoError(t, g.MarkOutput("output", out))
	require.NoError(t, g.Freeze())
	return g
}

func tinyTable(t *testing.T) *weights.Table {
	t.Helper()
	m := weights.NewManifest()
	tinyGraph(t, m)
	return weights.Synthesize(m, func(_ weights.Key, i int) float32 { return float32(i) * 0.5 })
}

func TestManifestBuilderFullPrecision(t *testing.T) {
	table := tinyTable(t)
	g := tinyGraph(t, table)
	b := NewManifestBuilder()

	data, err := b.Build(context.Background(), g, table, BuildConfig{Precision: options.PrecisionFull, BatchSize: 1})
	require.NoError(t, err)
	a, err := ReadArtifact(data)
	require.NoError(t, err)

	assert.Equal(t, "tiny", a.Graph)
	assert.Equal(t, "fp32", a.Precision)
	require.Len(t, a.Outputs, 1)
	assert.Equal(t, []int{4, 8, 8}, a.Outputs[0].Dims)
	assert.Equal(t, graph.KindConv, a.Layers[1].Kind)
	require.Len(t, a.Weights, 5)
	assert.Equal(t, "model.0.conv.weight", a.Weights[0].Path)
	assert.Equal(t, []float32{0, 0.5, 1, 1.5}, a.Weights[0].Values()[:4])

	stats := b.GetStatistics()
	assert.Equal(t, uint64(1), stats.BuildExecutionCount)
	assert.Equal(t, uint64(5), stats.WeightsSerialized)
	assert.Len(t, b.GetStats(), 3)
}

func TestManifestBuilderHalfPrecisionRoundTrip(t *testing.T) {
	table := tinyTable(t)
	g := tinyGraph(t, table)
	data, err := NewManifestBuilder().Build(context.Background(), g, table, BuildConfig{Precision: options.PrecisionHalf, BatchSize: 1})
	require.NoError(t, err)
	a, err := ReadArtifact(data)
	require.NoError(t, err)

	w := a.Weights[0]
	assert.Nil(t, w.Float32)
	require.Len(t, w.Float16, w.Count)
	want, err := table.Values(weights.Stage(0).Key(weights.RoleConvWeight))
	require.NoError(t, err)
	assert.Equal(t, want, w.Values())
}

func TestDescribeWithoutValues(t *testing.T) {
	m := weights.NewManifest()
	g := tinyGraph(t, m)
	data, err := NewManifestBuilder().Build(context.Background(), g, m, BuildConfig{BatchSize: 1})
	require.NoError(t, err)
	a, err := ReadArtifact(data)
	require.NoError(t, err)
	for _, w := range a.Weights {
		assert.Empty(t, w.Values())
		assert.Positive(t, w.Count)
	}
	assert.Equal(t, len(a.Layers), len(Describe(g).Layers))
}

func TestManifestBuilderErrors(t *testing.T) {
	b := NewManifestBuilder()
	g := graph.New("open")
	_, err := g.Input("data", graph.Dims{3, 8, 8})
	require.NoError(t, err)
	_, err = b.Build(context.Background(), g, weights.NewManifest(), BuildConfig{BatchSize: 1})
	var runtimeErr *RuntimeBuildError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, ManifestBackend, runtimeErr.Backend)

	frozen := tinyGraph(t, weights.NewManifest())
	_, err = b.Build(context.Background(), frozen, weights.NewManifest(), BuildConfig{Precision: options.PrecisionInt8, BatchSize: 1})
	var cfg *options.ConfigurationError
	require.ErrorAs(t, err, &cfg)

	_, err = ReadArtifact([]byte(`{"format":"other"}`))
	require.Error(t, err)
}

type fakeCalibrator struct {
	batches [][]float32
	next    int
	cache   []byte
}

func (f *fakeCalibrator) BatchSize() int { return 1 }

func (f *fakeCalibrator) NextBatch(context.Context) ([]float32, bool, error) {
	if f.next >= len(f.batches) {
		return nil, false, nil
	}
	f.next++
	return f.batches[f.next-1], true, nil
}

func (f *fakeCalibrator) ReadCache(context.Context) ([]byte, error) { return f.cache, nil }

func (f *fakeCalibrator) WriteCache(_ context.Context, table []byte) error {
	f.cache = table
	return nil
}

func TestInt8Calibration(t *testing.T) {
	table := tinyTable(t)
	g := tinyGraph(t, table)
	cal := &fakeCalibrator{batches: [][]float32{{0.1, -0.5}, {0.25, 0.127}}}
	b := NewManifestBuilder()
	data, err := b.Build(context.Background(), g, table, BuildConfig{Precision: options.PrecisionInt8, Calibrator: cal, BatchSize: 1})
	require.NoError(t, err)
	a, err := ReadArtifact(data)
	require.NoError(t, err)

	scales, err := ParseCalibrationTable(a.CalibrationTable)
	require.NoError(t, err)
	assert.InDelta(t, 0.5/127, scales["data"], 1e-9)
	assert.Equal(t, a.CalibrationTable, string(cal.cache))
	assert.Equal(t, uint64(2), b.GetStatistics().CalibrationBatches)

	// the cached table is reused without reading any batch
	cal.next = 0
	cal.batches = nil
	data, err = b.Build(context.Background(), g, table, BuildConfig{Precision: options.PrecisionInt8, Calibrator: cal, BatchSize: 1})
	require.NoError(t, err)
	again, err := ReadArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, a.CalibrationTable, again.CalibrationTable)

	_, err = ParseCalibrationTable("garbage")
	require.Error(t, err)
}

func TestDirectoryCalibrator(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"a.png", "b.PNG", "c.png"} {
		img := image.NewRGBA(image.Rect(0, 0, 4+i, 2))
		for x := 0; x < 4+i; x++ {
			img.SetRGBA(x, 0, color.RGBA{R: 255, A: 255})
		}
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600))
	cacheTable := filepath.Join(t.TempDir(), "calibration.table")

	ctx := context.Background()
	c, err := NewDirectoryCalibrator(ctx, dir, cacheTable, 2, 8, 8)
	require.NoError(t, err)
	assert.Len(t, c.Files(), 3)

	batch, ok, err := c.NextBatch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, batch, 2*3*8*8)
	for _, v := range batch {
		assert.True(t, v >= 0 && v <= 1)
	}
	_, ok, err = c.NextBatch(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "partial batch dropped")

	cached, err := c.ReadCache(ctx)
	require.NoError(t, err)
	assert.Nil(t, cached)
	require.NoError(t, c.WriteCache(ctx, []byte("table")))
	cached, err = c.ReadCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, "table", string(cached))

	c.Reset()
	_, ok, err = c.NextBatch(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
