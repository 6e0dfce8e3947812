package imageutil

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	"github.com/knights-analytics/yolograph/util/fileutil"
	"github.com/knights-analytics/yolograph/util/safeconv"
)

// PadValue is the gray level of letterbox borders.
const PadValue = 128

func LoadImagesFromPaths(ctx context.Context, paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		img, err := LoadImage(ctx, path)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// LoadImage decodes one jpeg or png image from a local path or afs URL.
func LoadImage(ctx context.Context, path string) (image.Image, error) {
	b, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// Letterbox is the geometry of an aspect-preserving resize into a fixed canvas: the
// source is scaled by Scale and centered, leaving PadX columns and PadY rows of border
// on the left and top.
type Letterbox struct {
	SrcWidth  int
	SrcHeight int
	DstWidth  int
	DstHeight int
	Scale     float32
	PadX      int
	PadY      int
	// size of the resized source on the canvas
	ResizedWidth  int
	ResizedHeight int
}

func NewLetterbox(srcWidth, srcHeight, dstWidth, dstHeight int) (Letterbox, error) {
	if srcWidth <= 0 || srcHeight <= 0 || dstWidth <= 0 || dstHeight <= 0 {
		return Letterbox{}, fmt.Errorf("letterbox %dx%d into %dx%d: sizes must be positive", srcWidth, srcHeight, dstWidth, dstHeight)
	}
	scale := min(float32(dstWidth)/float32(srcWidth), float32(dstHeight)/float32(srcHeight))
	w := safeconv.Float32ToIntClamped(float32(srcWidth)*scale, 1, dstWidth)
	h := safeconv.Float32ToIntClamped(float32(srcHeight)*scale, 1, dstHeight)
	return Letterbox{
		SrcWidth:      srcWidth,
		SrcHeight:     srcHeight,
		DstWidth:      dstWidth,
		DstHeight:     dstHeight,
		Scale:         scale,
		PadX:          (dstWidth - w) / 2,
		PadY:          (dstHeight - h) / 2,
		ResizedWidth:  w,
		ResizedHeight: h,
	}, nil
}

// ToSource maps a canvas point back to source image coordinates. The result is not
// clamped.
func (l Letterbox) ToSource(x, y float32) (float32, float32) {
	return (x - float32(l.PadX)) / l.Scale, (y - float32(l.PadY)) / l.Scale
}

// ToCanvas maps a source point onto the canvas.
func (l Letterbox) ToCanvas(x, y float32) (float32, float32) {
	return x*l.Scale + float32(l.PadX), y*l.Scale + float32(l.PadY)
}

// Apply resizes img with nearest neighbour sampling and pastes it into a padded canvas.
func (l Letterbox) Apply(img image.Image) *image.NRGBA {
	resized := imaging.Resize(img, l.ResizedWidth, l.ResizedHeight, imaging.NearestNeighbor)
	canvas := imaging.New(l.DstWidth, l.DstHeight, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	return imaging.Paste(canvas, resized, image.Pt(l.PadX, l.PadY))
}

type LetterboxPreprocessor struct {
	width  int
	height int
}

// LetterboxStep letterboxes every image to width x height.
func LetterboxStep(width, height int) *LetterboxPreprocessor {
	return &LetterboxPreprocessor{width: width, height: height}
}

func (s *LetterboxPreprocessor) Apply(img image.Image) (image.Image, error) {
	b := img.Bounds()
	l, err := NewLetterbox(b.Dx(), b.Dy(), s.width, s.height)
	if err != nil {
		return nil, err
	}
	return l.Apply(img), nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// CHW writes img as planar RGB floats (3, H, W) into dst, applying the normalization steps
// in order. dst must hold 3*H*W values.
func CHW(img image.Image, dst []float32, steps ...NormalizationStep) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	if len(dst) != 3*plane {
		return fmt.Errorf("CHW buffer holds %d values, image needs %d", len(dst), 3*plane)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r16, g16, b16, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			r, g, bl := float32(r16>>8), float32(g16>>8), float32(b16>>8)
			for _, step := range steps {
				r, g, bl = step.Apply(r, g, bl)
			}
			p := y*w + x
			dst[p] = r
			dst[plane+p] = g
			dst[2*plane+p] = bl
		}
	}
	return nil
}

// Preprocess runs the image steps, then converts the result to a CHW buffer.
func Preprocess(img image.Image, steps []PreprocessStep, norms ...NormalizationStep) ([]float32, error) {
	var err error
	for _, step := range steps {
		if img, err = step.Apply(img); err != nil {
			return nil, err
		}
	}
	b := img.Bounds()
	out := make([]float32, 3*b.Dx()*b.Dy())
	if err = CHW(img, out, norms...); err != nil {
		return nil, err
	}
	return out, nil
}
