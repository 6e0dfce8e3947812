// Package postprocess turns decoded candidates into final detections: per-class
// non-maximum suppression, mapping boxes back through the letterbox and binarizing masks.
package postprocess

import (
	"fmt"
	"math"
	"sort"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/yolograph/decode"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/util/imageutil"
	"github.com/knights-analytics/yolograph/util/safeconv"
)

// MaskThreshold is the probability above which a mask pixel belongs to the object.
const MaskThreshold = 0.5

// IoU is the intersection over union of two (x1, y1, x2, y2) boxes.
func IoU(a, b [4]float32) float32 {
	ax1, ay1, ax2, ay2 := a[0], a[1], a[2], a[3]
	bx1, by1, bx2, by2 := b[0], b[1], b[2], b[3]
	interX1 := float32(math.Max(float64(ax1), float64(bx1)))
	interY1 := float32(math.Max(float64(ay1), float64(by1)))
	interX2 := float32(math.Min(float64(ax2), float64(bx2)))
	interY2 := float32(math.Min(float64(ay2), float64(by2)))
	iw := interX2 - interX1
	ih := interY2 - interY1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	areaA := (ax2 - ax1) * (ay2 - ay1)
	areaB := (bx2 - bx1) * (by2 - by1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS keeps the highest scoring detections, suppressing any box overlapping an already
// kept box of the same class by more than iouThreshold. The input slice is not modified.
func NMS(dets []decode.Detection, iouThreshold float32) []decode.Detection {
	sorted := make([]decode.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	var keep []decode.Detection
	for _, d := range sorted {
		suppressed := false
		for _, k := range keep {
			if d.ClassID == k.ClassID && IoU(d.Box, k.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep = append(keep, d)
		}
	}
	return keep
}

// ScaleBox maps a box from network input coordinates back to the source image through
// the inverse letterbox, clamped to the image bounds.
func ScaleBox(box [4]float32, l imageutil.Letterbox) [4]float32 {
	x1, y1 := l.ToSource(box[0], box[1])
	x2, y2 := l.ToSource(box[2], box[3])
	w, h := float32(l.SrcWidth), float32(l.SrcHeight)
	return [4]float32{
		safeconv.Clamp(x1, 0, w),
		safeconv.Clamp(y1, 0, h),
		safeconv.Clamp(x2, 0, w),
		safeconv.Clamp(y2, 0, h),
	}
}

// ThresholdMask binarizes a soft mask: 1 where the probability exceeds threshold.
func ThresholdMask(mask *tensor.Dense, threshold float32) (*tensor.Dense, error) {
	data, ok := mask.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("mask holds %s, want float32", mask.Dtype())
	}
	out := make([]uint8, len(data))
	for i, v := range data {
		if v > threshold {
			out[i] = 1
		}
	}
	return tensor.New(tensor.WithShape(mask.Shape().Clone()...), tensor.WithBacking(out)), nil
}

// Result is a final detection in source image coordinates.
type Result struct {
	Box     [4]float32
	ClassID int
	Score   float32
	// Mask is the binary (H/4, W/4) mask in network input space, nil for detection.
	Mask *tensor.Dense
}

// Pipeline applies the configured thresholds to a fused output.
type Pipeline struct {
	Engine        *decode.Engine
	ConfThreshold float32
	IouThreshold  float32
	MaxDetections int
	InputHeight   int
	InputWidth    int
}

func NewPipeline(o *options.Options) (*Pipeline, error) {
	engine, err := decode.NewEngineFromOptions(o)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Engine:        engine,
		ConfThreshold: o.ConfThreshold,
		IouThreshold:  o.IouThreshold,
		MaxDetections: o.MaxDetections,
		InputHeight:   o.InputHeight,
		InputWidth:    o.InputWidth,
	}, nil
}

// Run selects, suppresses and rescales detections for one image of size srcWidth x
// srcHeight. proto is only read for segmentation engines and may be nil otherwise.
func (p *Pipeline) Run(fused, proto *tensor.Dense, srcWidth, srcHeight int) ([]Result, error) {
	dets, err := p.Engine.Detections(fused, p.ConfThreshold)
	if err != nil {
		return nil, err
	}
	kept := NMS(dets, p.IouThreshold)
	if len(kept) > p.MaxDetections {
		kept = kept[:p.MaxDetections]
	}
	var masks []*tensor.Dense
	if p.Engine.MaskRows > 0 && len(kept) > 0 {
		if masks, err = p.Engine.Masks(proto, kept, p.InputHeight, p.InputWidth); err != nil {
			return nil, err
		}
	}
	l, err := imageutil.NewLetterbox(srcWidth, srcHeight, p.InputWidth, p.InputHeight)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(kept))
	for i, d := range kept {
		results[i] = Result{Box: ScaleBox(d.Box, l), ClassID: d.ClassID, Score: d.Score}
		if masks != nil {
			if results[i].Mask, err = ThresholdMask(masks[i], MaskThreshold); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}
