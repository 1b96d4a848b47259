package pipeline

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/sentinel-live/internal/types"
)

// Transform maps boxes from the detector's image back to source-frame pixels:
//
//	src = (local + Crop) * Scale + Origin
//
// Crop is the crop offset in the downscaled image, Scale the downscale factor
// and Origin the minimum point of the source bounds.
type Transform struct {
	Crop   image.Point
	Scale  float64
	Origin image.Point
}

// Apply maps one box into source coordinates.
func (t Transform) Apply(b types.BBox) types.BBox {
	scale := t.Scale
	if scale == 0 {
		scale = 1
	}
	mapX := func(x int) int {
		return int(math.Round(float64(x+t.Crop.X)*scale)) + t.Origin.X
	}
	mapY := func(y int) int {
		return int(math.Round(float64(y+t.Crop.Y)*scale)) + t.Origin.Y
	}
	return types.BBox{mapX(b[0]), mapY(b[1]), mapX(b[2]), mapY(b[3])}
}

// CentralRect returns the region left after dropping margin from each side of r.
func CentralRect(r image.Rectangle, margin float64) image.Rectangle {
	mx := int(float64(r.Dx()) * margin)
	my := int(float64(r.Dy()) * margin)
	return image.Rect(r.Min.X+mx, r.Min.Y+my, r.Max.X-mx, r.Max.Y-my)
}

// Prepare produces the image handed to the detector: downscaled first, then
// optionally cropped to the central region. The result is rooted at (0, 0).
func Prepare(src image.Image, cfg Config) (image.Image, Transform) {
	bounds := src.Bounds()
	t := Transform{Scale: 1, Origin: bounds.Min}

	work := src
	workBounds := bounds
	if cfg.Downscale > 1 {
		w := max(1, int(float64(bounds.Dx())/cfg.Downscale))
		h := max(1, int(float64(bounds.Dy())/cfg.Downscale))
		small := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(small, small.Bounds(), src, bounds, draw.Src, nil)
		work = small
		workBounds = small.Bounds()
		t.Scale = cfg.Downscale
	} else if bounds.Min != (image.Point{}) {
		workBounds = image.Rect(0, 0, bounds.Dx(), bounds.Dy())
	}

	if !cfg.CentralOnly || cfg.CropMargin <= 0 {
		return work, t
	}

	crop := CentralRect(workBounds, cfg.CropMargin)
	if crop.Empty() {
		return work, t
	}
	out := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	// work may be the untouched source whose bounds start at Origin.
	srcMin := work.Bounds().Min
	draw.Draw(out, out.Bounds(), work, srcMin.Add(crop.Min), draw.Src)
	t.Crop = crop.Min
	return out, t
}
