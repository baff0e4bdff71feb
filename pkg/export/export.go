// Package export saves planes of a loaded sequence back to image files, and
// extracts cross-sections of the 5D container along any spatial axis.
package export

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"microseq/internal/models"
	"microseq/pkg/sequence"
)

// ExtractSlice extracts a 2D cross-section of the sequence at time t along
// the given axis. Axis "z" returns the plane at the given Z position; axes
// "x" and "y" cut through the volume, loading every Z plane on demand.
func ExtractSlice(ctx context.Context, seq *sequence.Sequence, t int, axis string, position int) (*models.Plane, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	switch axis {
	case "z", "Z":
		if position >= seq.SizeZ() {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, seq.SizeZ())
		}
		img, err := seq.GetImage(ctx, t, position, true)
		if err != nil {
			return nil, err
		}
		if img == nil {
			return nil, fmt.Errorf("no plane at (t=%d, z=%d)", t, position)
		}
		return img, nil

	case "x", "X":
		if position >= seq.SizeX() {
			return nil, fmt.Errorf("position %d exceeds width %d", position, seq.SizeX())
		}
		return crossSection(ctx, seq, t, func(img *models.Plane, z int, out *models.Plane) {
			for y := 0; y < img.Height; y++ {
				for c := 0; c < img.Channels; c++ {
					out.Set(z, y, c, img.At(position, y, c))
				}
			}
		}, seq.SizeZ(), seq.SizeY())

	case "y", "Y":
		if position >= seq.SizeY() {
			return nil, fmt.Errorf("position %d exceeds height %d", position, seq.SizeY())
		}
		return crossSection(ctx, seq, t, func(img *models.Plane, z int, out *models.Plane) {
			for x := 0; x < img.Width; x++ {
				for c := 0; c < img.Channels; c++ {
					out.Set(x, z, c, img.At(x, position, c))
				}
			}
		}, seq.SizeX(), seq.SizeZ())

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// crossSection assembles a cut through every Z plane at time t. The two
// cases only differ in how a loaded plane projects into the output.
func crossSection(ctx context.Context, seq *sequence.Sequence, t int, project func(img *models.Plane, z int, out *models.Plane), outW, outH int) (*models.Plane, error) {
	out := models.NewPlane(outW, outH, seq.SizeC(), seq.DataType())
	for z := 0; z < seq.SizeZ(); z++ {
		img, err := seq.GetImage(ctx, t, z, true)
		if err != nil {
			return nil, fmt.Errorf("plane (t=%d, z=%d): %w", t, z, err)
		}
		if img == nil {
			continue
		}
		project(img, z, out)
	}
	return out, nil
}

// SaveSliceSequence saves every cross-section along the axis at time t into
// numbered PNG files under dir.
func SaveSliceSequence(ctx context.Context, seq *sequence.Sequence, t int, axis, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var count int
	switch axis {
	case "x", "X":
		count = seq.SizeX()
	case "y", "Y":
		count = seq.SizeY()
	case "z", "Z":
		count = seq.SizeZ()
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for i := 0; i < count; i++ {
		slice, err := ExtractSlice(ctx, seq, t, axis, i)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("%03d.png", i))
		if err := SavePlanePNG(path, slice); err != nil {
			return err
		}
	}
	return nil
}

// SavePlanePNG writes a plane as a PNG file: 16-bit grayscale for
// single-channel planes, RGBA otherwise.
func SavePlanePNG(path string, p *models.Plane) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, planeToImage(p)); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

// planeToImage converts normalized samples back to an image.
func planeToImage(p *models.Plane) image.Image {
	clamp := func(v float64) uint16 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 65535
		}
		return uint16(v * 65535.0)
	}

	if p.Channels == 1 {
		img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: clamp(p.At(x, y, 0))})
			}
		}
		return img
	}

	img := image.NewRGBA64(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			var rgb [3]uint16
			for c := 0; c < 3 && c < p.Channels; c++ {
				rgb[c] = clamp(p.At(x, y, c))
			}
			img.SetRGBA64(x, y, color.RGBA64{R: rgb[0], G: rgb[1], B: rgb[2], A: 65535})
		}
	}
	return img
}
