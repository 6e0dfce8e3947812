package options

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/yolograph/util/fileutil"
)

// FileConfig is the YAML representation of Options. Zero values keep the defaults.
type FileConfig struct {
	Variant        string   `yaml:"variant"`
	DepthMultiple  float64  `yaml:"depth_multiple"`
	WidthMultiple  float64  `yaml:"width_multiple"`
	MaxChannels    int      `yaml:"max_channels"`
	NumClasses     int      `yaml:"num_classes"`
	InputHeight    int      `yaml:"input_height"`
	InputWidth     int      `yaml:"input_width"`
	Task           string   `yaml:"task"`
	Precision      string   `yaml:"precision"`
	BatchSize      int      `yaml:"batch_size"`
	WorkspaceBytes int64    `yaml:"workspace_bytes"`
	ConfThreshold  *float32 `yaml:"conf_threshold"`
	IouThreshold   *float32 `yaml:"iou_threshold"`
	MaxDetections  int      `yaml:"max_detections"`
	Calibration    struct {
		ImageDir   string `yaml:"image_dir"`
		CacheTable string `yaml:"cache_table"`
		BatchSize  int    `yaml:"batch_size"`
	} `yaml:"calibration"`
}

// ParseYAML decodes a YAML document into a FileConfig.
func ParseYAML(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// WithOptions converts the file into option functions, applied in field order. Explicit
// multiples override the variant.
func (fc *FileConfig) WithOptions() []WithOption {
	var opts []WithOption
	if fc.Variant != "" {
		opts = append(opts, WithVariant(fc.Variant))
	}
	opts = append(opts, func(o *Options) error {
		if fc.DepthMultiple != 0 {
			o.DepthMultiple = fc.DepthMultiple
		}
		if fc.WidthMultiple != 0 {
			o.WidthMultiple = fc.WidthMultiple
		}
		if fc.MaxChannels != 0 {
			o.MaxChannels = fc.MaxChannels
		}
		if fc.NumClasses != 0 {
			o.NumClasses = fc.NumClasses
		}
		if fc.InputHeight != 0 {
			o.InputHeight = fc.InputHeight
		}
		if fc.InputWidth != 0 {
			o.InputWidth = fc.InputWidth
		}
		if fc.Task != "" {
			task, err := ParseTask(fc.Task)
			if err != nil {
				return err
			}
			o.Task = task
		}
		if fc.Precision != "" {
			precision, err := ParsePrecision(fc.Precision)
			if err != nil {
				return err
			}
			o.Precision = precision
		}
		if fc.BatchSize != 0 {
			o.BatchSize = fc.BatchSize
		}
		if fc.WorkspaceBytes != 0 {
			o.WorkspaceBytes = fc.WorkspaceBytes
		}
		if fc.ConfThreshold != nil {
			o.ConfThreshold = *fc.ConfThreshold
		}
		if fc.IouThreshold != nil {
			o.IouThreshold = *fc.IouThreshold
		}
		if fc.MaxDetections != 0 {
			o.MaxDetections = fc.MaxDetections
		}
		if fc.Calibration.ImageDir != "" {
			o.Calibration.ImageDir = fc.Calibration.ImageDir
		}
		if fc.Calibration.CacheTable != "" {
			o.Calibration.CacheTable = fc.Calibration.CacheTable
		}
		if fc.Calibration.BatchSize != 0 {
			o.Calibration.BatchSize = fc.Calibration.BatchSize
		}
		return nil
	})
	return opts
}

// WithConfigFile loads a YAML config (local path or s3:// URL) and applies it.
func WithConfigFile(ctx context.Context, path string) WithOption {
	return func(o *Options) error {
		data, err := fileutil.ReadFileBytes(ctx, path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		fc, err := ParseYAML(data)
		if err != nil {
			return err
		}
		for _, opt := range fc.WithOptions() {
			if err := opt(o); err != nil {
				return err
			}
		}
		return nil
	}
}
