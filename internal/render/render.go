// Package render draws detections onto frames and handles the JPEG codec.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/sentinel-live/internal/types"
)

const (
	lineWidth = 2
	// labelGap is the distance between the label baseline and the top of the box.
	labelGap = 10
	// DefaultQuality is the JPEG quality used for published frames.
	DefaultQuality = 85
)

var (
	Known   = color.RGBA{0, 255, 0, 255}
	Unknown = color.RGBA{255, 0, 0, 255}
)

// IsUnknown reports whether label denotes an unresolved face.
func IsUnknown(label string) bool {
	return label == "" || label == "Unknown" || label == "NoFaceDetected"
}

// Decode reads a JPEG (or any registered format) from data.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Encode writes img as JPEG.
func Encode(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Clone copies img into a new RGBA image with the same bounds.
func Clone(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, img, bounds.Min, draw.Src)
	return dst
}

// Annotate returns a copy of img with a box and label per detection.
// Boxes are clipped to the image; a box entirely outside is not drawn.
func Annotate(img image.Image, dets []types.Detection) *image.RGBA {
	dst := Clone(img)
	for _, d := range dets {
		c := Known
		if IsUnknown(d.Label) {
			c = Unknown
		}
		box := d.Box.Clamp(dst.Bounds())
		if box.Empty() {
			continue
		}
		drawBox(dst, box, c)
		drawLabel(dst, box, Label(d), c)
	}
	return dst
}

// Label is the caption drawn above a detection.
func Label(d types.Detection) string {
	if d.Label == "NoFaceDetected" {
		return d.Label
	}
	return fmt.Sprintf("%s %.2f", d.Label, d.Similarity)
}

func drawBox(dst *image.RGBA, b types.BBox, c color.RGBA) {
	for w := range lineWidth {
		hLine(dst, b[0], b[2]-1, b[1]+w, c)
		hLine(dst, b[0], b[2]-1, b[3]-1-w, c)
		vLine(dst, b[1], b[3]-1, b[0]+w, c)
		vLine(dst, b[1], b[3]-1, b[2]-1-w, c)
	}
}

func hLine(dst *image.RGBA, x1, x2, y int, c color.RGBA) {
	for x := x1; x <= x2; x++ {
		if (image.Point{x, y}).In(dst.Rect) {
			dst.SetRGBA(x, y, c)
		}
	}
}

func vLine(dst *image.RGBA, y1, y2, x int, c color.RGBA) {
	for y := y1; y <= y2; y++ {
		if (image.Point{x, y}).In(dst.Rect) {
			dst.SetRGBA(x, y, c)
		}
	}
}

// drawLabel writes text above the box, or just inside it when the box touches the top edge.
func drawLabel(dst *image.RGBA, b types.BBox, text string, c color.RGBA) {
	face := basicfont.Face7x13
	y := b[1] - labelGap
	if y-face.Ascent < dst.Rect.Min.Y {
		y = b[1] + face.Ascent + lineWidth
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(b[0], y),
	}
	d.DrawString(text)
}
