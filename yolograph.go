package yolograph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/yolograph/backends"
	"github.com/knights-analytics/yolograph/network"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/util/fileutil"
	"github.com/knights-analytics/yolograph/util/safeconv"
	"github.com/knights-analytics/yolograph/weights"
)

// Session compiles YOLOv8 graphs for one configuration and runtime.
type Session struct {
	options *options.Options
	builder backends.Builder
	timings map[Phase]*timings
}

// Phase is one step of a compilation. The context is checked between phases only.
type Phase int

const (
	PhaseLoad Phase = iota
	PhasePlan
	PhaseBuild
	PhaseBackend
)

var phaseStrings = []string{
	PhaseLoad:    "load",
	PhasePlan:    "plan",
	PhaseBuild:   "build",
	PhaseBackend: "backend",
}

func (p Phase) String() string { return phaseStrings[p] }

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *timings) record(d time.Duration) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(d))
}

// NewSession creates a session compiling with the reference manifest builder.
func NewSession(opts ...options.WithOption) (*Session, error) {
	return NewSessionWithBuilder(backends.NewManifestBuilder(), opts...)
}

// NewSessionWithBuilder creates a session handing graphs to builder.
func NewSessionWithBuilder(builder backends.Builder, opts ...options.WithOption) (*Session, error) {
	if builder == nil {
		return nil, errors.New("a session needs a builder")
	}
	parsedOptions, err := options.New(opts...)
	if err != nil {
		return nil, err
	}
	s := &Session{
		options: parsedOptions,
		builder: builder,
		timings: map[Phase]*timings{},
	}
	for p := range phaseStrings {
		s.timings[Phase(p)] = &timings{}
	}
	return s, nil
}

// Options returns a copy of the session configuration.
func (s *Session) Options() *options.Options { return s.options.Clone() }

// Timings is the wall time of each phase of one compilation.
type Timings map[Phase]time.Duration

// Compiled is the result of a successful compilation.
type Compiled struct {
	Network  *network.Network
	Artifact []byte
	// Unclaimed lists weight paths present in the file that no layer used.
	Unclaimed []string
	Timings   Timings
}

func (s *Session) phase(ctx context.Context, p Phase, timed Timings, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("compilation abandoned before %s: %w", p, err)
	}
	start := time.Now()
	err := fn()
	d := time.Since(start)
	s.timings[p].record(d)
	timed[p] = d
	return err
}

// Compile loads a .wts file from a local path or afs URL (e.g. s3://bucket/yolov8n.wts)
// and compiles it.
func (s *Session) Compile(ctx context.Context, weightsURL string) (*Compiled, error) {
	timed := Timings{}
	var table *weights.Table
	err := s.phase(ctx, PhaseLoad, timed, func() (err error) {
		table, err = weights.LoadWTS(ctx, weightsURL)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.compile(ctx, table, timed)
}

// CompileTable compiles against an in-memory weight table. The table is released
// afterwards, whether or not compilation succeeds.
func (s *Session) CompileTable(ctx context.Context, table *weights.Table) (*Compiled, error) {
	return s.compile(ctx, table, Timings{})
}

func (s *Session) compile(ctx context.Context, table *weights.Table, timed Timings) (compiled *Compiled, err error) {
	o := s.options.Clone()
	defer func() {
		unclaimed := table.Release()
		if compiled != nil {
			compiled.Unclaimed = unclaimed
		}
		if err == nil && len(unclaimed) > 0 {
			log.Warn().Int("count", len(unclaimed)).Strs("paths", firstN(unclaimed, 5)).Msg("weights not used by the graph")
		}
	}()

	var manifest *weights.Manifest
	err = s.phase(ctx, PhasePlan, timed, func() error {
		m, err := network.RequiredWeights(o)
		if err != nil {
			return err
		}
		manifest = m
		if err = table.Validate(m); err != nil {
			return fmt.Errorf("weights do not match the %s graph: %w", o.Task, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Int("weights", manifest.Len()).Int("elements", manifest.TotalElements()).Msg("weights validated")

	var net *network.Network
	err = s.phase(ctx, PhaseBuild, timed, func() (err error) {
		net, err = network.Build(o, table)
		return err
	})
	if err != nil {
		return nil, err
	}

	var artifact []byte
	err = s.phase(ctx, PhaseBackend, timed, func() error {
		config, err := s.buildConfig(ctx, o)
		if err != nil {
			return err
		}
		artifact, err = s.builder.Build(ctx, net.Graph, table, config)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("graph", net.Graph.Name).
		Str("backend", s.builder.Name()).
		Dur("load", timed[PhaseLoad]).
		Dur("plan", timed[PhasePlan]).
		Dur("build", timed[PhaseBuild]).
		Dur("backend_build", timed[PhaseBackend]).
		Msg("compiled")
	return &Compiled{Network: net, Artifact: artifact, Timings: timed}, nil
}

func (s *Session) buildConfig(ctx context.Context, o *options.Options) (backends.BuildConfig, error) {
	config := backends.BuildConfig{
		Precision:      o.Precision,
		BatchSize:      o.BatchSize,
		WorkspaceBytes: o.WorkspaceBytes,
	}
	if o.Precision == options.PrecisionInt8 {
		cal, err := backends.NewDirectoryCalibrator(ctx, o.Calibration.ImageDir, o.Calibration.CacheTable,
			o.Calibration.BatchSize, o.InputWidth, o.InputHeight)
		if err != nil {
			return config, err
		}
		config.Calibrator = cal
	}
	return config, nil
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Plan returns the graph and the weight requirements of the session configuration
// without any weights.
func (s *Session) Plan() (*network.Network, *weights.Manifest, error) {
	m := weights.NewManifest()
	net, err := network.Build(s.options, m)
	if err != nil {
		return nil, nil, err
	}
	return net, m, m.Err()
}

// PlaceholderWeights returns a table that satisfies the configuration, each value
// produced by fill (zeros when nil).
func (s *Session) PlaceholderWeights(fill func(key weights.Key, i int) float32) (*weights.Table, error) {
	m, err := network.RequiredWeights(s.options)
	if err != nil {
		return nil, err
	}
	return weights.Synthesize(m, fill), nil
}

// WriteArtifact stores a compiled artifact at a local path or afs URL.
func (s *Session) WriteArtifact(ctx context.Context, url string, compiled *Compiled) error {
	if compiled == nil || len(compiled.Artifact) == 0 {
		return errors.New("nothing to write")
	}
	return fileutil.WriteFileBytes(ctx, url, compiled.Artifact, "application/json")
}

// GetStats returns compile statistics for profiling purposes: per phase the total time,
// the number of calls and the average, followed by the builder's own statistics.
func (s *Session) GetStats() []string {
	stats := []string{"Statistics for session"}
	for p := range phaseStrings {
		t := s.timings[Phase(p)]
		calls := atomic.LoadUint64(&t.NumCalls)
		total := atomic.LoadUint64(&t.TotalNS)
		stats = append(stats, fmt.Sprintf("%s: Total time=%s, Execution count=%d, Average time=%s",
			Phase(p), safeconv.U64ToDuration(total), calls,
			time.Duration(float64(total)/math.Max(1, float64(calls)))))
	}
	if b, ok := s.builder.(interface{ GetStats() []string }); ok {
		stats = append(stats, b.GetStats()...)
	}
	return stats
}
