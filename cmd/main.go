package main

import (
	"context"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/yolograph"
	"github.com/knights-analytics/yolograph/backends"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/util/checks"
	"github.com/knights-analytics/yolograph/util/fileutil"
	"github.com/knights-analytics/yolograph/weights"
)

var configPath string
var variant string
var numClasses int
var inputHeight int
var inputWidth int
var taskName string
var precisionName string
var calibrationDir string
var calibrationTable string
var batchSize int
var workspaceBytes int64
var weightsPath string
var outputPath string
var fillValue float64
var verbose bool

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// configFlags are shared by every command that needs a model configuration.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "YAML configuration file, local path or s3:// URL. Flags override its values",
			Aliases:     []string{"c"},
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "variant",
			Usage:       "Model variant: n, s, m, l or x",
			Aliases:     []string{"v"},
			Destination: &variant,
			Value:       "n",
		},
		&cli.IntFlag{
			Name:        "classes",
			Usage:       "Number of classes",
			Destination: &numClasses,
			Value:       80,
		},
		&cli.IntFlag{
			Name:        "height",
			Usage:       "Input height, a multiple of 32",
			Destination: &inputHeight,
			Value:       640,
		},
		&cli.IntFlag{
			Name:        "width",
			Usage:       "Input width, a multiple of 32",
			Destination: &inputWidth,
			Value:       640,
		},
		&cli.StringFlag{
			Name:        "task",
			Usage:       "detect or segment",
			Aliases:     []string{"t"},
			Destination: &taskName,
			Value:       "detect",
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "fp32, fp16 or int8",
			Destination: &precisionName,
			Value:       "fp32",
		},
		&cli.StringFlag{
			Name:        "calibrationImages",
			Usage:       "Directory of calibration images for int8",
			Destination: &calibrationDir,
		},
		&cli.StringFlag{
			Name:        "calibrationTable",
			Usage:       "Calibration cache table for int8, read if present and written otherwise",
			Destination: &calibrationTable,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Engine batch size",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       1,
		},
		&cli.Int64Flag{
			Name:        "workspace",
			Usage:       "Builder workspace in bytes",
			Destination: &workspaceBytes,
			Value:       16 << 20,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Debug logging",
			Destination: &verbose,
		},
	}
}

func outputFlag(usage string) cli.Flag {
	return &cli.StringFlag{
		Name:        "output",
		Usage:       usage,
		Aliases:     []string{"o"},
		Destination: &outputPath,
	}
}

// sessionOptions turns the flags into options, applied after the configuration file so
// that explicit flags win.
func sessionOptions(ctx *cli.Context) ([]options.WithOption, error) {
	var opts []options.WithOption
	if configPath != "" {
		opts = append(opts, options.WithConfigFile(ctx.Context, configPath))
	}
	if configPath == "" || ctx.IsSet("variant") {
		opts = append(opts, options.WithVariant(variant))
	}
	if configPath == "" || ctx.IsSet("classes") {
		opts = append(opts, options.WithNumClasses(numClasses))
	}
	if configPath == "" || ctx.IsSet("height") {
		opts = append(opts, options.WithInputHeight(inputHeight))
	}
	if configPath == "" || ctx.IsSet("width") {
		opts = append(opts, options.WithInputWidth(inputWidth))
	}
	if configPath == "" || ctx.IsSet("task") {
		task, err := options.ParseTask(taskName)
		if err != nil {
			return nil, err
		}
		opts = append(opts, options.WithTask(task))
	}
	if configPath == "" || ctx.IsSet("precision") {
		precision, err := options.ParsePrecision(precisionName)
		if err != nil {
			return nil, err
		}
		opts = append(opts, options.WithPrecision(precision))
	}
	if ctx.IsSet("calibrationImages") {
		opts = append(opts, options.WithCalibrationImages(calibrationDir))
	}
	if ctx.IsSet("calibrationTable") {
		opts = append(opts, options.WithCalibrationTable(calibrationTable))
	}
	if configPath == "" || ctx.IsSet("batchSize") {
		opts = append(opts, options.WithBatchSize(batchSize))
	}
	if configPath == "" || ctx.IsSet("workspace") {
		opts = append(opts, options.WithWorkspaceBytes(workspaceBytes))
	}
	return opts, nil
}

func newSession(ctx *cli.Context) (*yolograph.Session, error) {
	if verbose {
		log.DefaultLogger.SetLevel(log.DebugLevel)
	}
	opts, err := sessionOptions(ctx)
	if err != nil {
		return nil, err
	}
	return yolograph.NewSession(opts...)
}

// writeOutput writes data to outputPath, or to stdout when no output was given.
func writeOutput(ctx context.Context, data []byte, contentType string) error {
	if outputPath == "" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	return fileutil.WriteFileBytes(ctx, outputPath, data, contentType)
}

var compileCommand = &cli.Command{
	Name:  "compile",
	Usage: "Compile a .wts weight file into an engine artifact",
	Description: `Compile builds the YOLOv8 graph for the configuration, checks every weight it needs against the
				weight file up front, and serializes the engine.
				`,
	Flags: append(configFlags(),
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "Path or s3:// URL of the .wts file",
			Aliases:     []string{"w"},
			Destination: &weightsPath,
			Required:    true,
		},
		outputFlag("Where to write the engine. If omitted, the engine is written to stdout"),
	),
	Action: func(ctx *cli.Context) error {
		session, err := newSession(ctx)
		if err != nil {
			return err
		}
		compiled, err := session.Compile(ctx.Context, weightsPath)
		if err != nil {
			return err
		}
		if err = writeOutput(ctx.Context, compiled.Artifact, "application/json"); err != nil {
			return err
		}
		for _, line := range session.GetStats() {
			log.Debug().Msg(line)
		}
		return nil
	},
}

// description is what describe prints.
type description struct {
	Graph          string                `json:"graph"`
	Inputs         []backends.TensorInfo `json:"inputs"`
	Outputs        []backends.TensorInfo `json:"outputs"`
	Layers         int                   `json:"layers"`
	LayersByKind   map[string]int        `json:"layers_by_kind"`
	Weights        int                   `json:"weights"`
	WeightElements int                   `json:"weight_elements"`
	TotalLocations int                   `json:"total_locations"`
	Artifact       *backends.Artifact    `json:"artifact,omitempty"`
}

var fullDescription bool

var describeCommand = &cli.Command{
	Name:  "describe",
	Usage: "Print the graph and weight requirements of a configuration as JSON",
	Flags: append(configFlags(),
		outputFlag("Where to write the description. If omitted, it is written to stdout"),
		&cli.BoolFlag{
			Name:        "layers",
			Usage:       "Include every layer and weight path",
			Destination: &fullDescription,
		},
	),
	Action: func(ctx *cli.Context) error {
		session, err := newSession(ctx)
		if err != nil {
			return err
		}
		net, manifest, err := session.Plan()
		if err != nil {
			return err
		}
		artifact := backends.Describe(net.Graph)
		d := description{
			Graph:          net.Graph.Name,
			Inputs:         artifact.Inputs,
			Outputs:        artifact.Outputs,
			Layers:         len(artifact.Layers),
			LayersByKind:   map[string]int{},
			Weights:        manifest.Len(),
			WeightElements: manifest.TotalElements(),
			TotalLocations: session.Options().TotalLocations(),
		}
		for _, l := range artifact.Layers {
			d.LayersByKind[l.Kind.String()]++
		}
		if fullDescription {
			d.Artifact = artifact
		}
		data, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return err
		}
		return writeOutput(ctx.Context, data, "application/json")
	},
}

var weightsCommand = &cli.Command{
	Name:  "weights",
	Usage: "Write a placeholder .wts file with every weight the configuration needs",
	Flags: append(configFlags(),
		outputFlag("Where to write the .wts file. If omitted, it is written to stdout"),
		&cli.Float64Flag{
			Name:        "fill",
			Usage:       "Value of every weight",
			Destination: &fillValue,
		},
	),
	Action: func(ctx *cli.Context) error {
		session, err := newSession(ctx)
		if err != nil {
			return err
		}
		fill := float32(fillValue)
		table, err := session.PlaceholderWeights(func(weights.Key, int) float32 { return fill })
		if err != nil {
			return err
		}
		if outputPath == "" {
			return weights.WriteWTS(os.Stdout, table)
		}
		writer, err := fileutil.NewFileWriter(ctx.Context, outputPath, "text/plain")
		if err != nil {
			return err
		}
		if err = weights.WriteWTS(writer, table); err != nil {
			_ = fileutil.CloseFile(writer)
			return err
		}
		if err = fileutil.CloseFile(writer); err != nil {
			return err
		}
		log.Info().Str("path", outputPath).Int("weights", table.Len()).Msg("placeholder weights written")
		return nil
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "yolograph",
		Usage:    "Compile YOLOv8 detection and segmentation graphs from .wts weights",
		Commands: []*cli.Command{compileCommand, describeCommand, weightsCommand},
	}
}

func setupLogging() {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.DefaultLogger = log.Logger{
			Level: log.InfoLevel,
			Writer: &log.ConsoleWriter{
				ColorOutput:    true,
				EndWithMessage: true,
			},
		}
		return
	}
	log.DefaultLogger = log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.IOWriter{Writer: os.Stderr},
	}
}

func main() {
	setupLogging()
	err := newApp().Run(os.Args)
	if err != nil {
		checks.CheckWithMessage(err, fmt.Sprintf("%s failed", os.Args[0]))
	}
}
