// Package backends hands a frozen graph and its weights to an execution runtime and
// returns the serialized engine artifact.
package backends

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/yolograph/graph"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/util/safeconv"
	"github.com/knights-analytics/yolograph/weights"
)

// Builder is an execution runtime able to turn a graph into a serialized engine.
type Builder interface {
	Name() string
	Build(ctx context.Context, g *graph.Graph, source weights.Source, config BuildConfig) ([]byte, error)
}

// WeightReader is a weights.Source that also exposes the claimed buffers. Builders given
// a plain Source (such as a weights.Manifest) can only describe the graph.
type WeightReader interface {
	weights.Source
	Values(key weights.Key) ([]float32, error)
}

// Calibrator feeds representative input batches to an int8 build and persists the
// resulting cache table.
type Calibrator interface {
	// BatchSize is the number of images per batch.
	BatchSize() int
	// NextBatch returns the next (BatchSize, 3, H, W) batch, or false once exhausted.
	NextBatch(ctx context.Context) ([]float32, bool, error)
	// ReadCache returns a previously written cache table, or nil when there is none.
	ReadCache(ctx context.Context) ([]byte, error)
	WriteCache(ctx context.Context, table []byte) error
}

// BuildConfig is what a builder needs besides the graph.
type BuildConfig struct {
	Precision      options.Precision
	Calibrator     Calibrator
	BatchSize      int
	WorkspaceBytes int64
}

// Validate checks the runtime-facing configuration.
func (c BuildConfig) Validate() error {
	if c.BatchSize <= 0 {
		return &options.ConfigurationError{Field: "batch_size", Reason: fmt.Sprintf("must be positive, got %d", c.BatchSize)}
	}
	if c.Precision == options.PrecisionInt8 && c.Calibrator == nil {
		return &options.ConfigurationError{Field: "calibration", Reason: "int8 precision needs a calibrator"}
	}
	return nil
}

// RuntimeBuildError wraps a failure reported by the execution runtime.
type RuntimeBuildError struct {
	Backend string
	Err     error
}

func (e *RuntimeBuildError) Error() string {
	return fmt.Sprintf("%s backend: engine build failed: %v", e.Backend, e.Err)
}

func (e *RuntimeBuildError) Unwrap() error { return e.Err }

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *timings) record(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

// Statistics summarize the builds a builder has run.
type Statistics struct {
	BuildTotalTime      time.Duration
	BuildExecutionCount uint64
	BuildAvgTime        time.Duration
	WeightsSerialized   uint64
	CalibrationBatches  uint64
}

func (s *Statistics) computeBuildStatistics(t *timings) {
	total := atomic.LoadUint64(&t.TotalNS)
	calls := atomic.LoadUint64(&t.NumCalls)
	s.BuildTotalTime = safeconv.U64ToDuration(total)
	s.BuildExecutionCount = calls
	s.BuildAvgTime = time.Duration(float64(total) / math.Max(1, float64(calls)))
}
