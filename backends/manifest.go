package backends

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"github.com/x448/float16"

	"github.com/knights-analytics/yolograph/graph"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/weights"
)

// ArtifactFormat identifies manifest artifacts.
const ArtifactFormat = "yolograph-manifest/v1"

// ManifestBackend is the name of the reference builder.
const ManifestBackend = "manifest"

// calibrationHeader is the first line of a calibration cache table.
const calibrationHeader = "yolograph-calibration/v1"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TensorInfo is a named tensor shape.
type TensorInfo struct {
	Name string `json:"name"`
	Dims []int  `json:"dims"`
}

// LayerInfo is the serialized form of a graph layer.
type LayerInfo struct {
	Index   int          `json:"index"`
	Name    string       `json:"name"`
	Kind    graph.Kind   `json:"kind"`
	Inputs  []string     `json:"inputs,omitempty"`
	Output  TensorInfo   `json:"output"`
	Params  graph.Params `json:"params"`
	Weights []string     `json:"weights,omitempty"`
}

// WeightBlob is one weight buffer. Exactly one of Float32 and Float16 is set when the
// builder had access to weight values; both are empty for a description-only artifact.
type WeightBlob struct {
	Path    string    `json:"path"`
	Count   int       `json:"count"`
	Float32 []float32 `json:"float32,omitempty"`
	Float16 []uint16  `json:"float16,omitempty"`
}

// Values decodes the blob to float32, expanding half precision bits.
func (b WeightBlob) Values() []float32 {
	if b.Float16 == nil {
		return b.Float32
	}
	out := make([]float32, len(b.Float16))
	for i, bits := range b.Float16 {
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}

// Artifact is the engine produced by ManifestBuilder.
type Artifact struct {
	Format           string       `json:"format"`
	Graph            string       `json:"graph"`
	Precision        string       `json:"precision"`
	BatchSize        int          `json:"batch_size"`
	WorkspaceBytes   int64        `json:"workspace_bytes"`
	Inputs           []TensorInfo `json:"inputs"`
	Outputs          []TensorInfo `json:"outputs"`
	Layers           []LayerInfo  `json:"layers"`
	Weights          []WeightBlob `json:"weights"`
	CalibrationTable string       `json:"calibration_table,omitempty"`
}

// ReadArtifact parses a serialized manifest artifact.
func ReadArtifact(data []byte) (*Artifact, error) {
	a := &Artifact{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	if a.Format != ArtifactFormat {
		return nil, fmt.Errorf("artifact format %q, want %q", a.Format, ArtifactFormat)
	}
	return a, nil
}

// Describe builds a description-only artifact of g, with layers and weight counts but
// no weight values.
func Describe(g *graph.Graph) *Artifact {
	a := &Artifact{Format: ArtifactFormat, Graph: g.Name}
	fillStructure(a, g)
	for _, ref := range g.WeightRefs() {
		a.Weights = append(a.Weights, WeightBlob{Path: ref.Key.Path(), Count: ref.Count})
	}
	return a
}

func fillStructure(a *Artifact, g *graph.Graph) {
	for _, in := range g.Inputs() {
		a.Inputs = append(a.Inputs, TensorInfo{Name: in.Name, Dims: in.Dims})
	}
	for _, out := range g.Outputs() {
		a.Outputs = append(a.Outputs, TensorInfo{Name: out.Name, Dims: out.Tensor.Dims})
	}
	for _, l := range g.Layers() {
		info := LayerInfo{
			Index:  l.Index,
			Name:   l.Name,
			Kind:   l.Kind,
			Output: TensorInfo{Name: l.Output.Name, Dims: l.Output.Dims},
			Params: l.Params,
		}
		for _, in := range l.Inputs {
			info.Inputs = append(info.Inputs, in.Name)
		}
		for _, w := range l.Weights {
			info.Weights = append(info.Weights, w.Key.Path())
		}
		a.Layers = append(a.Layers, info)
	}
}

// ManifestBuilder is the reference runtime: it serializes the logical graph and the
// consumed weights to a JSON artifact.
type ManifestBuilder struct {
	buildTimings       *timings
	weightsSerialized  uint64
	calibrationBatches uint64
}

func NewManifestBuilder() *ManifestBuilder {
	return &ManifestBuilder{buildTimings: &timings{}}
}

func (b *ManifestBuilder) Name() string { return ManifestBackend }

// Build serializes g. Weight values are read through source when it is a WeightReader.
func (b *ManifestBuilder) Build(ctx context.Context, g *graph.Graph, source weights.Source, config BuildConfig) (artifact []byte, err error) {
	if err = config.Validate(); err != nil {
		return nil, err
	}
	if !g.Frozen() {
		return nil, &RuntimeBuildError{Backend: ManifestBackend, Err: fmt.Errorf("graph %s is not frozen", g.Name)}
	}
	start := time.Now()
	defer b.buildTimings.record(start)

	a := &Artifact{
		Format:         ArtifactFormat,
		Graph:          g.Name,
		Precision:      config.Precision.String(),
		BatchSize:      config.BatchSize,
		WorkspaceBytes: config.WorkspaceBytes,
	}
	fillStructure(a, g)

	reader, hasValues := source.(WeightReader)
	for _, ref := range g.WeightRefs() {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		blob := WeightBlob{Path: ref.Key.Path(), Count: ref.Count}
		if hasValues {
			values, err := reader.Values(ref.Key)
			if err != nil {
				return nil, &RuntimeBuildError{Backend: ManifestBackend, Err: err}
			}
			if len(values) != ref.Count {
				return nil, &RuntimeBuildError{
					Backend: ManifestBackend,
					Err:     &weights.WeightContractError{Path: blob.Path, Want: ref.Count, Got: len(values)},
				}
			}
			if config.Precision == options.PrecisionHalf {
				blob.Float16 = toHalf(values)
			} else {
				blob.Float32 = values
			}
			atomic.AddUint64(&b.weightsSerialized, 1)
		}
		a.Weights = append(a.Weights, blob)
	}

	if config.Precision == options.PrecisionInt8 {
		table, err := b.calibrate(ctx, config.Calibrator)
		if err != nil {
			return nil, &RuntimeBuildError{Backend: ManifestBackend, Err: err}
		}
		a.CalibrationTable = table
	}

	artifact, err = json.Marshal(a)
	if err != nil {
		return nil, &RuntimeBuildError{Backend: ManifestBackend, Err: err}
	}
	log.Info().Str("graph", g.Name).Str("precision", a.Precision).Int("layers", len(a.Layers)).Int("bytes", len(artifact)).Msg("engine serialized")
	return artifact, nil
}

func toHalf(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// calibrate returns the cached table when there is one, otherwise measures the input
// range over every calibration batch and writes a new table.
func (b *ManifestBuilder) calibrate(ctx context.Context, c Calibrator) (string, error) {
	cached, err := c.ReadCache(ctx)
	if err != nil {
		return "", err
	}
	if len(cached) > 0 {
		if _, err = ParseCalibrationTable(string(cached)); err != nil {
			return "", err
		}
		log.Info().Int("bytes", len(cached)).Msg("using cached calibration table")
		return string(cached), nil
	}
	var amax float32
	batches := 0
	for {
		batch, ok, err := c.NextBatch(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		for _, v := range batch {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		batches++
		atomic.AddUint64(&b.calibrationBatches, 1)
	}
	if batches == 0 {
		return "", fmt.Errorf("calibrator produced no batches")
	}
	scales := map[string]float32{"data": amax / 127}
	table := FormatCalibrationTable(scales)
	if err = c.WriteCache(ctx, []byte(table)); err != nil {
		return "", err
	}
	log.Info().Int("batches", batches).Float32("amax", amax).Msg("calibration table written")
	return table, nil
}

// FormatCalibrationTable renders per-tensor int8 scales, one "name: hexbits" line each.
func FormatCalibrationTable(scales map[string]float32) string {
	var sb strings.Builder
	sb.WriteString(calibrationHeader)
	sb.WriteByte('\n')
	names := make([]string, 0, len(scales))
	for name := range scales {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "%s: %08x\n", name, math.Float32bits(scales[name]))
	}
	return sb.String()
}

// ParseCalibrationTable is the inverse of FormatCalibrationTable.
func ParseCalibrationTable(table string) (map[string]float32, error) {
	lines := strings.Split(strings.TrimSpace(table), "\n")
	if len(lines) == 0 || lines[0] != calibrationHeader {
		return nil, fmt.Errorf("calibration table does not start with %q", calibrationHeader)
	}
	scales := map[string]float32{}
	for i, line := range lines[1:] {
		name, hex, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("calibration table line %d: %q", i+2, line)
		}
		bits, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("calibration table line %d: %w", i+2, err)
		}
		scales[name] = math.Float32frombits(uint32(bits))
	}
	return scales, nil
}

// GetStatistics returns the builder's counters.
func (b *ManifestBuilder) GetStatistics() Statistics {
	s := Statistics{
		WeightsSerialized:  atomic.LoadUint64(&b.weightsSerialized),
		CalibrationBatches: atomic.LoadUint64(&b.calibrationBatches),
	}
	s.computeBuildStatistics(b.buildTimings)
	return s
}

// GetStats returns the statistics as printable lines.
func (b *ManifestBuilder) GetStats() []string {
	s := b.GetStatistics()
	return []string{
		fmt.Sprintf("Statistics for backend: %s", ManifestBackend),
		fmt.Sprintf("Build: Total time=%s, Execution count=%d, Average build time=%s",
			s.BuildTotalTime, s.BuildExecutionCount, s.BuildAvgTime),
		fmt.Sprintf("Weights serialized=%d, Calibration batches=%d", s.WeightsSerialized, s.CalibrationBatches),
	}
}
