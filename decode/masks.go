package decode

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/yolograph/util/vectorutil"
)

// Masks assembles one (H/4, W/4) soft mask per detection as sigmoid(coefficients · proto),
// zeroed outside the detection box. proto is the (32, H/4, W/4) prototype tensor and
// inputHeight, inputWidth the network input size the boxes are expressed in.
func (e *Engine) Masks(proto *tensor.Dense, dets []Detection, inputHeight, inputWidth int) ([]*tensor.Dense, error) {
	if e.MaskRows == 0 {
		return nil, fmt.Errorf("decode: masks need a segmentation engine")
	}
	data, err := float32Data("proto", proto)
	if err != nil {
		return nil, err
	}
	shape := proto.Shape()
	if len(shape) != 3 || shape[0] != e.MaskRows || shape[1]*4 != inputHeight || shape[2]*4 != inputWidth {
		return nil, &ShapeError{Tensor: "proto", Want: []int{e.MaskRows, inputHeight / 4, inputWidth / 4}, Got: []int(shape.Clone())}
	}
	mh, mw := shape[1], shape[2]
	plane := mh * mw
	scaleX := float32(mw) / float32(inputWidth)
	scaleY := float32(mh) / float32(inputHeight)

	masks := make([]*tensor.Dense, len(dets))
	coeffs := make([]float32, e.MaskRows)
	for i, det := range dets {
		if len(det.MaskCoeffs) != e.MaskRows {
			return nil, fmt.Errorf("decode: detection %d has %d mask coefficients, want %d", i, len(det.MaskCoeffs), e.MaskRows)
		}
		copy(coeffs, det.MaskCoeffs)
		x1, y1 := det.Box[0]*scaleX, det.Box[1]*scaleY
		x2, y2 := det.Box[2]*scaleX, det.Box[3]*scaleY
		mask := make([]float32, plane)
		for y := 0; y < mh; y++ {
			cy := float32(y) + 0.5
			if cy < y1 || cy > y2 {
				continue
			}
			for x := 0; x < mw; x++ {
				cx := float32(x) + 0.5
				if cx < x1 || cx > x2 {
					continue
				}
				p := y*mw + x
				var sum float32
				for k, c := range coeffs {
					sum += c * data[k*plane+p]
				}
				mask[p] = vectorutil.SigmoidScalar(sum)
			}
		}
		masks[i] = tensor.New(tensor.WithShape(mh, mw), tensor.WithBacking(mask))
	}
	return masks, nil
}
