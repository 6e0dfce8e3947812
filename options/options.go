package options

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/knights-analytics/yolograph/scaling"
)

// Task selects the heads that are compiled into the graph.
type Task int

const (
	TaskDetect Task = iota
	TaskSegment
)

var taskStrings = []string{
	TaskDetect:  "detect",
	TaskSegment: "segment",
}

func (t Task) String() string {
	if int(t) < 0 || int(t) >= len(taskStrings) {
		return fmt.Sprintf("Task(%d)", int(t))
	}
	return taskStrings[t]
}

// ParseTask parses "detect" or "segment".
func ParseTask(s string) (Task, error) {
	for i, name := range taskStrings {
		if strings.EqualFold(s, name) {
			return Task(i), nil
		}
	}
	return 0, &ConfigurationError{Field: "task", Reason: fmt.Sprintf("unknown task %q", s)}
}

// Precision is the numeric mode requested from the execution runtime.
type Precision int

const (
	PrecisionFull Precision = iota
	PrecisionHalf
	PrecisionInt8
)

var precisionStrings = []string{
	PrecisionFull: "fp32",
	PrecisionHalf: "fp16",
	PrecisionInt8: "int8",
}

func (p Precision) String() string {
	if int(p) < 0 || int(p) >= len(precisionStrings) {
		return fmt.Sprintf("Precision(%d)", int(p))
	}
	return precisionStrings[p]
}

// ParsePrecision parses "fp32", "fp16" or "int8".
func ParsePrecision(s string) (Precision, error) {
	for i, name := range precisionStrings {
		if strings.EqualFold(s, name) {
			return Precision(i), nil
		}
	}
	return 0, &ConfigurationError{Field: "precision", Reason: fmt.Sprintf("unknown precision %q", s)}
}

// CalibrationOptions locate the int8 calibration data. Only used with PrecisionInt8.
type CalibrationOptions struct {
	ImageDir   string
	CacheTable string
	BatchSize  int
}

// Options is the compile-time configuration. It is copied by the compiler and never
// mutated once compilation starts.
type Options struct {
	WidthMultiple  float64
	DepthMultiple  float64
	MaxChannels    int
	NumClasses     int
	InputHeight    int
	InputWidth     int
	Task           Task
	Precision      Precision
	Calibration    CalibrationOptions
	BatchSize      int
	WorkspaceBytes int64
	// Post-processing defaults used by the decode plugin and by callers of postprocess.
	ConfThreshold float32
	IouThreshold  float32
	MaxDetections int
}

const (
	// InputAlignment is the coarsest stride of the network; input sizes must be a multiple.
	InputAlignment = 32
	// ProtoChannels is the size of the mask basis and of each mask coefficient vector.
	ProtoChannels = 32
	// BoxRows is the number of decoded box rows in the fused output.
	BoxRows = 4
	// MinMaxChannels keeps the halved hidden width of every C2f block non-empty.
	MinMaxChannels = 2 * scaling.ChannelDivisor
)

// Strides of the three output scales, finest first.
var Strides = []int{8, 16, 32}

// Defaults returns the n variant detecting the 80 COCO classes at 640x640.
func Defaults() *Options {
	n, _ := scaling.LookupVariant("n")
	return &Options{
		WidthMultiple:  n.WidthMultiple,
		DepthMultiple:  n.DepthMultiple,
		MaxChannels:    n.MaxChannels,
		NumClasses:     80,
		InputHeight:    640,
		InputWidth:     640,
		Task:           TaskDetect,
		Precision:      PrecisionFull,
		BatchSize:      1,
		WorkspaceBytes: 16 << 20,
		ConfThreshold:  0.5,
		IouThreshold:   0.45,
		MaxDetections:  1000,
		Calibration: CalibrationOptions{
			BatchSize: 1,
		},
	}
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// New applies opts on top of Defaults and validates the result.
func New(opts ...WithOption) (*Options, error) {
	o := Defaults()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// WithVariant sets depth, width and channel cap from a named variant (n, s, m, l, x).
func WithVariant(name string) WithOption {
	return func(o *Options) error {
		v, err := scaling.LookupVariant(name)
		if err != nil {
			return &ConfigurationError{Field: "variant", Reason: err.Error()}
		}
		o.DepthMultiple = v.DepthMultiple
		o.WidthMultiple = v.WidthMultiple
		o.MaxChannels = v.MaxChannels
		return nil
	}
}

// WithScaling sets the three scaling hyperparameters directly.
func WithScaling(depthMultiple, widthMultiple float64, maxChannels int) WithOption {
	return func(o *Options) error {
		o.DepthMultiple = depthMultiple
		o.WidthMultiple = widthMultiple
		o.MaxChannels = maxChannels
		return nil
	}
}

func WithNumClasses(numClasses int) WithOption {
	return func(o *Options) error {
		o.NumClasses = numClasses
		return nil
	}
}

// WithInputSize sets the network input resolution. Both sides must be multiples of 32.
func WithInputSize(height, width int) WithOption {
	return func(o *Options) error {
		o.InputHeight = height
		o.InputWidth = width
		return nil
	}
}

// WithInputHeight overrides only the input height.
func WithInputHeight(height int) WithOption {
	return func(o *Options) error {
		o.InputHeight = height
		return nil
	}
}

func WithInputWidth(width int) WithOption {
	return func(o *Options) error {
		o.InputWidth = width
		return nil
	}
}

func WithTask(task Task) WithOption {
	return func(o *Options) error {
		o.Task = task
		return nil
	}
}

func WithPrecision(precision Precision) WithOption {
	return func(o *Options) error {
		o.Precision = precision
		return nil
	}
}

// WithCalibration sets the representative image directory and cache table used by int8
// builds.
func WithCalibration(imageDir, cacheTable string) WithOption {
	return func(o *Options) error {
		o.Calibration.ImageDir = imageDir
		o.Calibration.CacheTable = cacheTable
		return nil
	}
}

func WithCalibrationImages(imageDir string) WithOption {
	return func(o *Options) error {
		o.Calibration.ImageDir = imageDir
		return nil
	}
}

func WithCalibrationTable(cacheTable string) WithOption {
	return func(o *Options) error {
		o.Calibration.CacheTable = cacheTable
		return nil
	}
}

func WithBatchSize(batchSize int) WithOption {
	return func(o *Options) error {
		o.BatchSize = batchSize
		return nil
	}
}

func WithWorkspaceBytes(bytes int64) WithOption {
	return func(o *Options) error {
		o.WorkspaceBytes = bytes
		return nil
	}
}

// WithThresholds sets the confidence and IoU thresholds used after decoding.
func WithThresholds(conf, iou float32) WithOption {
	return func(o *Options) error {
		o.ConfThreshold = conf
		o.IouThreshold = iou
		return nil
	}
}

func WithMaxDetections(n int) WithOption {
	return func(o *Options) error {
		o.MaxDetections = n
		return nil
	}
}

// Validate reports every configuration problem at once.
func (o *Options) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}
	if !positiveFinite(o.WidthMultiple) {
		bad("width_multiple", "must be a positive finite number, got %g", o.WidthMultiple)
	}
	if !positiveFinite(o.DepthMultiple) {
		bad("depth_multiple", "must be a positive finite number, got %g", o.DepthMultiple)
	}
	switch {
	case o.MaxChannels < MinMaxChannels:
		bad("max_channels", "must be at least %d, got %d", MinMaxChannels, o.MaxChannels)
	case o.MaxChannels%scaling.ChannelDivisor != 0:
		bad("max_channels", "%d is not a multiple of %d", o.MaxChannels, scaling.ChannelDivisor)
	}
	if o.NumClasses <= 0 {
		bad("num_classes", "must be positive, got %d", o.NumClasses)
	}
	for _, side := range []struct {
		field string
		value int
	}{{"input_height", o.InputHeight}, {"input_width", o.InputWidth}} {
		switch {
		case side.value <= 0:
			bad(side.field, "%d leaves the stride %d scale with no locations", side.value, InputAlignment)
		case side.value%InputAlignment != 0:
			bad(side.field, "%d is not divisible by %d", side.value, InputAlignment)
		}
	}
	switch o.Task {
	case TaskDetect:
	case TaskSegment:
		if _, err := scaling.MaskCoefficientWidth(o.WidthMultiple); err != nil {
			bad("width_multiple", "%s", err.Error())
		}
	default:
		bad("task", "unknown task %s", o.Task)
	}
	switch o.Precision {
	case PrecisionFull, PrecisionHalf:
	case PrecisionInt8:
		if o.Calibration.ImageDir == "" || o.Calibration.CacheTable == "" {
			bad("calibration", "int8 precision needs a calibration image directory and cache table")
		}
		if o.Calibration.BatchSize <= 0 {
			bad("calibration.batch_size", "must be positive, got %d", o.Calibration.BatchSize)
		}
	default:
		bad("precision", "unknown precision %s", o.Precision)
	}
	if o.BatchSize <= 0 {
		bad("batch_size", "must be positive, got %d", o.BatchSize)
	}
	if o.WorkspaceBytes < 0 {
		bad("workspace_bytes", "must not be negative, got %d", o.WorkspaceBytes)
	}
	if !unitInterval(o.ConfThreshold) {
		bad("conf_threshold", "must be in [0,1], got %g", o.ConfThreshold)
	}
	if !unitInterval(o.IouThreshold) {
		bad("iou_threshold", "must be in [0,1], got %g", o.IouThreshold)
	}
	if o.MaxDetections <= 0 {
		bad("max_detections", "must be positive, got %d", o.MaxDetections)
	}
	return errors.Join(errs...)
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// NaN fails both comparisons.
func unitInterval(v float32) bool {
	return v >= 0 && v <= 1
}

// Clone returns an independent copy.
func (o *Options) Clone() *Options {
	c := *o
	return &c
}

// Grid returns the feature map size at stride.
func (o *Options) Grid(stride int) (height, width int) {
	return o.InputHeight / stride, o.InputWidth / stride
}

// TotalLocations is the number of anchor-free grid cells over the three scales.
func (o *Options) TotalLocations() int {
	total := 0
	for _, s := range Strides {
		h, w := o.Grid(s)
		total += h * w
	}
	return total
}

// OutputRows is the number of rows of the fused output: 4 box rows, one row per class
// and, when segmenting, the mask coefficients.
func (o *Options) OutputRows() int {
	rows := BoxRows + o.NumClasses
	if o.Task == TaskSegment {
		rows += ProtoChannels
	}
	return rows
}
