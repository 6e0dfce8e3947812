package yolograph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/yolograph/backends"
	"github.com/knights-analytics/yolograph/graph"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/weights"
)

// smallOptions keep the weight files of these tests small.
func smallOptions(extra ...options.WithOption) []options.WithOption {
	return append([]options.WithOption{
		options.WithScaling(0.33, 0.25, 64),
		options.WithNumClasses(2),
		options.WithInputSize(64, 96),
	}, extra...)
}

type recordingBuilder struct {
	graphs []*graph.Graph
	config backends.BuildConfig
	err    error
}

func (r *recordingBuilder) Name() string { return "recording" }

func (r *recordingBuilder) Build(_ context.Context, g *graph.Graph, _ weights.Source, config backends.BuildConfig) ([]byte, error) {
	r.graphs = append(r.graphs, g)
	r.config = config
	if r.err != nil {
		return nil, &backends.RuntimeBuildError{Backend: r.Name(), Err: r.err}
	}
	return []byte("engine"), nil
}

func writeWTS(t *testing.T, table *weights.Table) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.wts")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, weights.WriteWTS(f, table))
	require.NoError(t, f.Close())
	return path
}

func TestNewSessionRejectsBadOptions(t *testing.T) {
	_, err := NewSession(options.WithInputSize(100, 640))
	var cfg *options.ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "input_height", cfg.Field)

	_, err = NewSessionWithBuilder(nil)
	require.Error(t, err)
}

func TestCompileFromFile(t *testing.T) {
	builder := &recordingBuilder{}
	s, err := NewSessionWithBuilder(builder, smallOptions()...)
	require.NoError(t, err)
	table, err := s.PlaceholderWeights(func(_ weights.Key, i int) float32 { return float32(i%7) - 3 })
	require.NoError(t, err)
	table.Put("model.99.extra.weight", []float32{1, 2}, 2)
	path := writeWTS(t, table)

	compiled, err := s.Compile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("engine"), compiled.Artifact)
	assert.Equal(t, graph.Dims{6, 8*12 + 4*6 + 2*3}, compiled.Network.Output.Dims)
	assert.Equal(t, []string{"model.99.extra.weight"}, compiled.Unclaimed)
	for _, p := range []Phase{PhaseLoad, PhasePlan, PhaseBuild, PhaseBackend} {
		assert.Contains(t, compiled.Timings, p)
	}
	require.Len(t, builder.graphs, 1)
	assert.True(t, builder.graphs[0].Frozen())
	assert.Equal(t, options.PrecisionFull, builder.config.Precision)
	assert.Len(t, s.GetStats(), 5)
}

func TestCompileMissingWeightStopsBeforeBuild(t *testing.T) {
	builder := &recordingBuilder{}
	s, err := NewSessionWithBuilder(builder, smallOptions(options.WithTask(options.TaskSegment))...)
	require.NoError(t, err)
	_, m, err := s.Plan()
	require.NoError(t, err)

	buffers := map[string][]float32{}
	for _, r := range m.Requirements() {
		if r.Key.Path() != "model.22.proto.cv3.bn.running_var" {
			buffers[r.Key.Path()] = make([]float32, r.Count)
		}
	}
	table := weights.NewTable(buffers)
	_, err = s.CompileTable(context.Background(), table)
	var contract *weights.WeightContractError
	require.ErrorAs(t, err, &contract)
	assert.Equal(t, "model.22.proto.cv3.bn.running_var", contract.Path)
	assert.Empty(t, builder.graphs, "the runtime never sees a graph")
	assert.Zero(t, table.Len(), "table released")
}

func TestCompileWithManifestBuilder(t *testing.T) {
	s, err := NewSession(smallOptions(options.WithPrecision(options.PrecisionHalf))...)
	require.NoError(t, err)
	table, err := s.PlaceholderWeights(nil)
	require.NoError(t, err)
	compiled, err := s.CompileTable(context.Background(), table)
	require.NoError(t, err)

	a, err := backends.ReadArtifact(compiled.Artifact)
	require.NoError(t, err)
	assert.Equal(t, "fp16", a.Precision)
	require.Len(t, a.Outputs, 1)
	assert.Equal(t, "output", a.Outputs[0].Name)

	out := filepath.Join(t.TempDir(), "engine.json")
	require.NoError(t, s.WriteArtifact(context.Background(), out, compiled))
	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, compiled.Artifact, written)
}

func TestCompileRuntimeFailure(t *testing.T) {
	builder := &recordingBuilder{err: errors.New("out of workspace")}
	s, err := NewSessionWithBuilder(builder, smallOptions()...)
	require.NoError(t, err)
	table, err := s.PlaceholderWeights(nil)
	require.NoError(t, err)
	_, err = s.CompileTable(context.Background(), table)
	var runtimeErr *backends.RuntimeBuildError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, "recording", runtimeErr.Backend)
}

func TestCompileCancelled(t *testing.T) {
	s, err := NewSessionWithBuilder(&recordingBuilder{}, smallOptions()...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Compile(ctx, "/does/not/matter.wts")
	require.ErrorIs(t, err, context.Canceled)
}
