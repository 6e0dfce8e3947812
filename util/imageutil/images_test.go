package imageutil

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestLetterboxGeometry(t *testing.T) {
	l, err := NewLetterbox(1280, 720, 640, 640)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, l.Scale, 1e-6)
	assert.Equal(t, 0, l.PadX)
	assert.Equal(t, 140, l.PadY)

	x, y := l.ToSource(l.ToCanvas(300, 400))
	assert.InDelta(t, 300, x, 1e-3)
	assert.InDelta(t, 400, y, 1e-3)

	_, err = NewLetterbox(0, 10, 640, 640)
	require.Error(t, err)
}

func TestLetterboxKeepsThinImagesVisible(t *testing.T) {
	l, err := NewLetterbox(1, 1000, 64, 64)
	require.NoError(t, err)
	assert.Equal(t, 1, l.ResizedWidth, "scaled width is clamped to one column")
	assert.Equal(t, 31, l.PadX)
	assert.Equal(t, 0, l.PadY)
}

func TestLetterboxApplyPads(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	out, err := LetterboxStep(8, 8).Apply(solid(8, 4, red))
	require.NoError(t, err)
	canvas := out.(*image.NRGBA)
	pad := color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255}
	assert.Equal(t, image.Rect(0, 0, 8, 8), canvas.Bounds())
	assert.Equal(t, pad, canvas.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, canvas.NRGBAAt(4, 4))
	assert.Equal(t, pad, canvas.NRGBAAt(7, 7))
}

func TestPreprocessCHW(t *testing.T) {
	img := solid(2, 2, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	out, err := Preprocess(img, nil, RescaleStep())
	require.NoError(t, err)
	require.Len(t, out, 12)
	assert.InDelta(t, 1, out[0], 1e-6)
	assert.InDelta(t, 0, out[4], 1e-6)
	assert.InDelta(t, 0.2, out[8], 1e-6)

	require.Error(t, CHW(img, make([]float32, 3)))
}

func TestLoadImagesFromPaths(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(3, 5, color.RGBA{G: 255, A: 255})))
	path := filepath.Join(t.TempDir(), "green.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	images, err := LoadImagesFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, 3, images[0].Bounds().Dx())
	assert.Equal(t, 5, images[0].Bounds().Dy())

	_, err = LoadImage(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
}
