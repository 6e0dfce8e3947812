package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/yolograph/options"
)

func TestExpectationShiftInvariant(t *testing.T) {
	bins := make([]float32, Bins)
	for i := range bins {
		bins[i] = float32((i*7)%5) - 1.5
	}
	base := Expectation(bins)
	for _, shift := range []float32{-20, -1, 3.5, 40} {
		shifted := make([]float32, Bins)
		for i, v := range bins {
			shifted[i] = v + shift
		}
		assert.InDelta(t, base, Expectation(shifted), 1e-4)
	}

	uniform := make([]float32, Bins)
	assert.InDelta(t, 7.5, Expectation(uniform), 1e-5)

	peaked := make([]float32, Bins)
	peaked[5] = 50
	assert.InDelta(t, 5, Expectation(peaked), 1e-4)
}

func TestDecodeBoxRoundTrip(t *testing.T) {
	d := [Sides]float32{1.5, 2, 0.25, 3}
	for _, stride := range []int{8, 16, 32} {
		box := DecodeBox(3, 7, stride, d)
		s := float32(stride)
		cx, cy := (3+0.5)*s, (7+0.5)*s
		got := [Sides]float32{(cx - box[0]) / s, (cy - box[1]) / s, (box[2] - cx) / s, (box[3] - cy) / s}
		for i := range d {
			assert.InDelta(t, d[i], got[i], 1e-5)
		}
		assert.Less(t, box[0], box[2])
		assert.Less(t, box[1], box[3])
	}
}

// rawScale builds a (64+nc+masks, n) buffer whose distributions all peak at bin 1.
func rawScale(rows, n int) []float32 {
	data := make([]float32, rows*n)
	for side := 0; side < Sides; side++ {
		for loc := 0; loc < n; loc++ {
			data[(side*Bins+1)*n+loc] = 60
		}
	}
	return data
}

func TestDistancesFromLogits(t *testing.T) {
	raw := tensor.New(tensor.WithShape(BinRows, 3), tensor.WithBacking(rawScale(BinRows, 3)))
	out, err := DistancesFromLogits(raw)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{Sides, 3}, out.Shape())
	for _, v := range out.Data().([]float32) {
		assert.InDelta(t, 1, v, 1e-4)
	}

	bad := tensor.New(tensor.WithShape(10, 3), tensor.WithBacking(make([]float32, 30)))
	_, err = DistancesFromLogits(bad)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
}

func TestFuse(t *testing.T) {
	e, err := NewEngine(2, false)
	require.NoError(t, err)
	rows := e.RawRows()
	fine := rawScale(rows, 4)
	fine[(BinRows+1)*4+2] = 5
	coarse := rawScale(rows, 1)

	fused, err := e.Fuse([]ScaleOutput{
		{Stride: 8, Height: 2, Width: 2, Raw: tensor.New(tensor.WithShape(rows, 4), tensor.WithBacking(fine))},
		{Stride: 16, Height: 1, Width: 1, Raw: tensor.New(tensor.WithShape(rows, 1), tensor.WithBacking(coarse))},
	})
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{6, 5}, fused.Shape())

	data := fused.Data().([]float32)
	column := func(loc int) []float32 {
		out := make([]float32, 6)
		for r := range out {
			out[r] = data[r*5+loc]
		}
		return out
	}
	assertBox := func(loc int, want [4]float32) {
		got := column(loc)
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-3, "location %d row %d", loc, i)
		}
	}
	assertBox(0, [4]float32{-4, -4, 12, 12})
	assertBox(3, [4]float32{4, 4, 20, 20})
	assertBox(4, [4]float32{-8, -8, 24, 24})
	assert.InDelta(t, 0.5, column(0)[4], 1e-6)
	assert.InDelta(t, 0.9933, column(2)[5], 1e-3)

	dets, err := e.Detections(fused, 0.9)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].ClassID)
	assert.Equal(t, 2, dets[0].Location)
	assert.Nil(t, dets[0].MaskCoeffs)

	all, err := e.Detections(fused, 0.5)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestFuseRejectsBadScales(t *testing.T) {
	e, err := NewEngine(2, true)
	require.NoError(t, err)
	_, err = e.Fuse([]ScaleOutput{{Stride: 8, Height: 0, Width: 4, Raw: tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]float32{0}))}})
	var cfg *options.ConfigurationError
	require.ErrorAs(t, err, &cfg)

	detectRows := BinRows + 2
	_, err = e.Fuse([]ScaleOutput{{Stride: 8, Height: 1, Width: 1, Raw: tensor.New(tensor.WithShape(detectRows, 1), tensor.WithBacking(make([]float32, detectRows)))}})
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, []int{e.RawRows(), 1}, shapeErr.Want)

	_, err = e.Fuse(nil)
	require.Error(t, err)
	_, err = NewEngine(0, false)
	require.Error(t, err)
}

func TestMasks(t *testing.T) {
	e, err := NewEngineFromOptions(&options.Options{NumClasses: 1, Task: options.TaskSegment})
	require.NoError(t, err)
	require.Equal(t, options.ProtoChannels, e.MaskRows)

	proto := make([]float32, options.ProtoChannels*2*2)
	for p := 0; p < 4; p++ {
		proto[p] = 1
	}
	coeffs := make([]float32, options.ProtoChannels)
	coeffs[0] = 10
	dets := []Detection{{Box: [4]float32{0, 0, 4, 8}, MaskCoeffs: coeffs}}

	masks, err := e.Masks(tensor.New(tensor.WithShape(options.ProtoChannels, 2, 2), tensor.WithBacking(proto)), dets, 8, 8)
	require.NoError(t, err)
	require.Len(t, masks, 1)
	assert.Equal(t, tensor.Shape{2, 2}, masks[0].Shape())
	m := masks[0].Data().([]float32)
	assert.InDelta(t, 1, m[0], 1e-4)
	assert.InDelta(t, 1, m[2], 1e-4)
	assert.Zero(t, m[1], "outside the box")
	assert.Zero(t, m[3], "outside the box")

	_, err = e.Masks(tensor.New(tensor.WithShape(options.ProtoChannels, 2, 2), tensor.WithBacking(proto)), dets, 16, 16)
	require.Error(t, err)

	detect, err := NewEngine(1, false)
	require.NoError(t, err)
	_, err = detect.Masks(nil, dets, 8, 8)
	require.Error(t, err)
}
