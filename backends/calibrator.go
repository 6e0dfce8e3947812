package backends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/yolograph/util/fileutil"
	"github.com/knights-analytics/yolograph/util/imageutil"
)

var calibrationExtensions = []string{".jpg", ".jpeg", ".png"}

// DirectoryCalibrator serves letterboxed images from a directory (local or any afs URL)
// as int8 calibration batches.
type DirectoryCalibrator struct {
	dir        string
	cacheTable string
	batchSize  int
	width      int
	height     int
	files      []string
	next       int
}

// NewDirectoryCalibrator lists the images under dir. Images are letterboxed to width x
// height; a trailing partial batch is dropped.
func NewDirectoryCalibrator(ctx context.Context, dir, cacheTable string, batchSize, width, height int) (*DirectoryCalibrator, error) {
	if batchSize <= 0 || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("calibrator batch %d at %dx%d: values must be positive", batchSize, width, height)
	}
	c := &DirectoryCalibrator{
		dir:        dir,
		cacheTable: cacheTable,
		batchSize:  batchSize,
		width:      width,
		height:     height,
	}
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if info.IsDir() {
			return true, nil
		}
		if slices.Contains(calibrationExtensions, strings.ToLower(filepath.Ext(info.Name()))) {
			c.files = append(c.files, fileutil.PathJoinSafe(dir, parent, info.Name()))
		}
		return true, nil
	}
	if err := fileutil.Walk(ctx, dir, walker); err != nil {
		return nil, fmt.Errorf("listing calibration images in %s: %w", dir, err)
	}
	slices.Sort(c.files)
	log.Info().Str("dir", dir).Int("images", len(c.files)).Int("batch_size", batchSize).Msg("calibration images found")
	return c, nil
}

// Files lists the calibration images in serving order.
func (c *DirectoryCalibrator) Files() []string { return slices.Clone(c.files) }

func (c *DirectoryCalibrator) BatchSize() int { return c.batchSize }

func (c *DirectoryCalibrator) NextBatch(ctx context.Context) ([]float32, bool, error) {
	if c.next+c.batchSize > len(c.files) {
		return nil, false, nil
	}
	images, err := imageutil.LoadImagesFromPaths(ctx, c.files[c.next:c.next+c.batchSize])
	if err != nil {
		return nil, false, err
	}
	plane := 3 * c.width * c.height
	batch := make([]float32, 0, c.batchSize*plane)
	steps := []imageutil.PreprocessStep{imageutil.LetterboxStep(c.width, c.height)}
	for _, img := range images {
		chw, err := imageutil.Preprocess(img, steps, imageutil.RescaleStep())
		if err != nil {
			return nil, false, err
		}
		batch = append(batch, chw...)
	}
	c.next += c.batchSize
	return batch, true, nil
}

// Reset rewinds to the first batch.
func (c *DirectoryCalibrator) Reset() { c.next = 0 }

func (c *DirectoryCalibrator) ReadCache(ctx context.Context) ([]byte, error) {
	if c.cacheTable == "" {
		return nil, nil
	}
	exists, err := fileutil.FileExists(ctx, c.cacheTable)
	if err != nil || !exists {
		return nil, err
	}
	return fileutil.ReadFileBytes(ctx, c.cacheTable)
}

func (c *DirectoryCalibrator) WriteCache(ctx context.Context, table []byte) error {
	if c.cacheTable == "" {
		return nil
	}
	return fileutil.WriteFileBytes(ctx, c.cacheTable, table, "text/plain")
}
