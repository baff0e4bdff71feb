package importer

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"microseq/internal/models"

	// Register the stdlib and TIFF decoders with image.Decode.
	_ "golang.org/x/image/tiff"
	_ "image/jpeg"
	_ "image/png"
)

// Streaming conversions check for cancellation every cancelCheckRows rows.
const cancelCheckRows = 255

// thumbnailMax is the largest thumbnail edge in pixels.
const thumbnailMax = 128

// FileImporter reads single-plane image files (JPEG, PNG, TIFF). Each file
// holds exactly one plane at (T=0, Z=0); multi-dimensional acquisitions are
// assembled from many such files by the grouping layer.
type FileImporter struct {
	path    string
	decoded image.Image
	meta    *models.Metadata
	log     zerolog.Logger
}

// NewFileImporter returns an unopened file importer.
func NewFileImporter(log zerolog.Logger) *FileImporter {
	return &FileImporter{log: log}
}

var fileExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// Accept reports whether the path has a supported image extension.
func (f *FileImporter) Accept(path string) bool {
	return fileExtensions[strings.ToLower(filepath.Ext(path))]
}

// Open attaches the importer to an image file. Only the header is read;
// pixel decoding is deferred until the first plane request.
func (f *FileImporter) Open(ctx context.Context, path string, flags OpenFlags) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	cfg, _, err := image.DecodeConfig(fh)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, err)
	}

	channels := 3
	dtype := models.DataTypeUint8
	switch cfg.ColorModel {
	case color.GrayModel:
		channels = 1
	case color.Gray16Model:
		channels = 1
		dtype = models.DataTypeUint16
	case color.RGBA64Model, color.NRGBA64Model:
		dtype = models.DataTypeUint16
	}

	f.path = path
	f.decoded = nil
	f.meta = &models.Metadata{
		SizeX:    cfg.Width,
		SizeY:    cfg.Height,
		SizeZ:    1,
		SizeT:    1,
		SizeC:    channels,
		DataType: dtype,
	}
	f.log.Debug().Str("path", path).
		Int("width", cfg.Width).Int("height", cfg.Height).Int("channels", channels).
		Msg("opened image file")
	return nil
}

// Metadata returns the dimensions of the opened file.
func (f *FileImporter) Metadata(ctx context.Context) (*models.Metadata, error) {
	if f.path == "" {
		return nil, ErrClosed
	}
	return f.meta, nil
}

// Image decodes the plane at the given coordinate. File importers hold a
// single plane, so any coordinate other than (0,0) yields ErrMissingPlane.
func (f *FileImporter) Image(ctx context.Context, series, resolution int, region *models.Region, z, t, channel int) (*models.Plane, error) {
	if f.path == "" {
		return nil, ErrClosed
	}
	if series != 0 || z != 0 || t != 0 {
		return nil, fmt.Errorf("%w: series=%d z=%d t=%d in %s", ErrMissingPlane, series, z, t, f.path)
	}
	if channel >= f.meta.SizeC {
		return nil, fmt.Errorf("%w: channel %d of %d in %s", ErrMissingPlane, channel, f.meta.SizeC, f.path)
	}

	img, err := f.decode()
	if err != nil {
		return nil, err
	}
	plane, err := planeFromImage(ctx, img, f.meta.SizeC, f.meta.DataType)
	if err != nil {
		return nil, err
	}
	if !region.Empty() {
		plane = plane.Crop(*region)
	}
	if resolution > 0 {
		plane = plane.Downsample(resolution)
	}
	if channel >= 0 && plane.Channels > 1 {
		plane = extractChannel(plane, channel)
	}
	return plane, nil
}

// Thumbnail returns the plane downsampled so its largest edge fits
// thumbnailMax pixels.
func (f *FileImporter) Thumbnail(ctx context.Context, series int) (*models.Plane, error) {
	plane, err := f.Image(ctx, series, 0, nil, 0, 0, -1)
	if err != nil {
		return nil, err
	}
	level := 0
	for w, h := plane.Width, plane.Height; w > thumbnailMax || h > thumbnailMax; w, h = w/2, h/2 {
		level++
	}
	if level == 0 {
		return plane, nil
	}
	return plane.Downsample(level), nil
}

// Path returns the opened file path.
func (f *FileImporter) Path() string { return f.path }

// Kind reports that this importer reads a single file.
func (f *FileImporter) Kind() Kind { return KindSingleFile }

// Close releases the decoded image.
func (f *FileImporter) Close() error {
	f.path = ""
	f.decoded = nil
	f.meta = nil
	return nil
}

func (f *FileImporter) decode() (image.Image, error) {
	if f.decoded != nil {
		return f.decoded, nil
	}
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.path, err)
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	f.decoded = img
	return img, nil
}

// planeFromImage converts a decoded image into a normalized sample plane,
// checking for cancellation at a fixed row granularity.
func planeFromImage(ctx context.Context, img image.Image, channels int, dtype models.DataType) (*models.Plane, error) {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	plane := models.NewPlane(w, h, channels, dtype)

	for y := 0; y < h; y++ {
		if y%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			if channels == 1 {
				plane.Set(x, y, 0, float64(r)/65535.0)
				continue
			}
			plane.Set(x, y, 0, float64(r)/65535.0)
			plane.Set(x, y, 1, float64(g)/65535.0)
			plane.Set(x, y, 2, float64(b)/65535.0)
		}
	}
	return plane, nil
}

// extractChannel copies one channel of a multi-channel plane into a
// single-channel plane.
func extractChannel(p *models.Plane, c int) *models.Plane {
	out := models.NewPlane(p.Width, p.Height, 1, p.DataType)
	for i := 0; i < p.Width*p.Height; i++ {
		out.Pix[i] = p.Pix[i*p.Channels+c]
	}
	return out
}
