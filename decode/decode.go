// Package decode is the numeric side of the output head: distribution decoding, box
// reconstruction, score activation and mask assembly. Every function is pure and safe
// for concurrent use.
package decode

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/util/vectorutil"
)

const (
	// Bins per box side.
	Bins = 16
	// Sides is the number of distances per location.
	Sides = 4
	// BinRows is the number of raw distribution rows per location.
	BinRows = Sides * Bins
)

// ShapeError is a tensor whose shape does not fit the engine's configuration.
type ShapeError struct {
	Tensor string
	Want   []int
	Got    []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("decode: %s has shape %v, want %v", e.Tensor, e.Got, e.Want)
}

// Expectation is the expected bin index under softmax(bins). It is invariant to adding a
// constant to every logit.
func Expectation(bins []float32) float32 {
	var sum float32
	for i, p := range vectorutil.SoftMax(bins) {
		sum += float32(i) * p
	}
	return sum
}

func float32Data(name string, t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("decode: %s is nil", name)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("decode: %s holds %s, want float32", name, t.Dtype())
	}
	return data, nil
}

// distances turns the first BinRows rows of a row-major (rows, n) buffer into a (4, n)
// buffer of expected distances.
func distances(data []float32, n int) []float32 {
	out := make([]float32, Sides*n)
	bins := make([]float32, Bins)
	for side := 0; side < Sides; side++ {
		for loc := 0; loc < n; loc++ {
			for b := 0; b < Bins; b++ {
				bins[b] = data[(side*Bins+b)*n+loc]
			}
			out[side*n+loc] = Expectation(bins)
		}
	}
	return out
}

// DistancesFromLogits maps (64, N) bin logits to (4, N) distances in grid units.
func DistancesFromLogits(raw *tensor.Dense) (*tensor.Dense, error) {
	data, err := float32Data("logits", raw)
	if err != nil {
		return nil, err
	}
	shape := raw.Shape()
	if len(shape) != 2 || shape[0] != BinRows {
		return nil, &ShapeError{Tensor: "logits", Want: []int{BinRows, -1}, Got: []int(shape.Clone())}
	}
	n := shape[1]
	return tensor.New(tensor.WithShape(Sides, n), tensor.WithBacking(distances(data, n))), nil
}

// DecodeBox converts left/top/right/bottom distances at grid cell (col, row) into an
// absolute (x1, y1, x2, y2) box in input pixels.
func DecodeBox(col, row, stride int, d [Sides]float32) [4]float32 {
	s := float32(stride)
	cx := (float32(col) + 0.5) * s
	cy := (float32(row) + 0.5) * s
	return [4]float32{cx - s*d[0], cy - s*d[1], cx + s*d[2], cy + s*d[3]}
}

// ScaleOutput is the raw head output of one scale: (64+nc[+32], Height*Width).
type ScaleOutput struct {
	Stride int
	Height int
	Width  int
	Raw    *tensor.Dense
}

// Detection is one candidate box in input pixel coordinates.
type Detection struct {
	Box        [4]float32
	ClassID    int
	Score      float32
	MaskCoeffs []float32
	// Location is the column of the fused output the detection came from.
	Location int
}

// Engine decodes head outputs for a fixed class count and task.
type Engine struct {
	NumClasses int
	MaskRows   int
}

func NewEngine(numClasses int, withMasks bool) (*Engine, error) {
	if numClasses <= 0 {
		return nil, &options.ConfigurationError{Field: "num_classes", Reason: fmt.Sprintf("must be positive, got %d", numClasses)}
	}
	e := &Engine{NumClasses: numClasses}
	if withMasks {
		e.MaskRows = options.ProtoChannels
	}
	return e, nil
}

// NewEngineFromOptions configures an engine for o.
func NewEngineFromOptions(o *options.Options) (*Engine, error) {
	return NewEngine(o.NumClasses, o.Task == options.TaskSegment)
}

// RawRows is the row count of a per-scale raw output.
func (e *Engine) RawRows() int { return BinRows + e.NumClasses + e.MaskRows }

// FusedRows is the row count of the fused output.
func (e *Engine) FusedRows() int { return Sides + e.NumClasses + e.MaskRows }

// Fuse decodes every scale and concatenates them along locations, finest scale first.
// Rows 0-3 of the result are absolute boxes, then sigmoid class scores, then the mask
// coefficients unchanged.
func (e *Engine) Fuse(scales []ScaleOutput) (*tensor.Dense, error) {
	if len(scales) == 0 {
		return nil, fmt.Errorf("decode: no scales to fuse")
	}
	total := 0
	raws := make([][]float32, len(scales))
	for i, s := range scales {
		n := s.Height * s.Width
		if n <= 0 || s.Stride <= 0 {
			return nil, &options.ConfigurationError{
				Field:  "input_size",
				Reason: fmt.Sprintf("scale %d (stride %d) has %dx%d locations", i, s.Stride, s.Height, s.Width),
			}
		}
		name := fmt.Sprintf("scale %d", i)
		data, err := float32Data(name, s.Raw)
		if err != nil {
			return nil, err
		}
		if shape := s.Raw.Shape(); len(shape) != 2 || shape[0] != e.RawRows() || shape[1] != n {
			return nil, &ShapeError{Tensor: name, Want: []int{e.RawRows(), n}, Got: []int(shape.Clone())}
		}
		raws[i] = data
		total += n
	}

	rows := e.FusedRows()
	out := make([]float32, rows*total)
	offset := 0
	for i, s := range scales {
		n := s.Height * s.Width
		data := raws[i]
		dist := distances(data, n)
		for loc := 0; loc < n; loc++ {
			d := [Sides]float32{dist[loc], dist[n+loc], dist[2*n+loc], dist[3*n+loc]}
			box := DecodeBox(loc%s.Width, loc/s.Width, s.Stride, d)
			for r := 0; r < Sides; r++ {
				out[r*total+offset+loc] = box[r]
			}
			for c := 0; c < e.NumClasses; c++ {
				out[(Sides+c)*total+offset+loc] = vectorutil.SigmoidScalar(data[(BinRows+c)*n+loc])
			}
			for m := 0; m < e.MaskRows; m++ {
				out[(Sides+e.NumClasses+m)*total+offset+loc] = data[(BinRows+e.NumClasses+m)*n+loc]
			}
		}
		offset += n
	}
	return tensor.New(tensor.WithShape(rows, total), tensor.WithBacking(out)), nil
}

// Detections picks the best class of every location and keeps those scoring at least
// confThreshold, in location order.
func (e *Engine) Detections(fused *tensor.Dense, confThreshold float32) ([]Detection, error) {
	data, err := float32Data("fused output", fused)
	if err != nil {
		return nil, err
	}
	shape := fused.Shape()
	if len(shape) != 2 || shape[0] != e.FusedRows() {
		return nil, &ShapeError{Tensor: "fused output", Want: []int{e.FusedRows(), -1}, Got: []int(shape.Clone())}
	}
	total := shape[1]
	scores := make([]float32, e.NumClasses)
	var dets []Detection
	for loc := 0; loc < total; loc++ {
		for c := range scores {
			scores[c] = data[(Sides+c)*total+loc]
		}
		classID, score, err := vectorutil.ArgMax(scores)
		if err != nil {
			return nil, err
		}
		if score < confThreshold {
			continue
		}
		det := Detection{ClassID: classID, Score: score, Location: loc}
		for r := 0; r < Sides; r++ {
			det.Box[r] = data[r*total+loc]
		}
		if e.MaskRows > 0 {
			det.MaskCoeffs = make([]float32, e.MaskRows)
			for m := range det.MaskCoeffs {
				det.MaskCoeffs[m] = data[(Sides+e.NumClasses+m)*total+loc]
			}
		}
		dets = append(dets, det)
	}
	return dets, nil
}
