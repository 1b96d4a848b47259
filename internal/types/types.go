package types

import "image"

// FrameTask represents a single encoded frame handed from the capture loop to a stream.
type FrameTask struct {
	Index int
	Data  []byte // JPEG bytes
}

// BBox is a face rectangle in pixel coordinates: x1, y1, x2, y2.
type BBox [4]int

// Rect converts the box into an image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

// Clamp limits the box to the given bounds. The result may be empty.
func (b BBox) Clamp(bounds image.Rectangle) BBox {
	r := b.Rect().Intersect(bounds)
	return BBox{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
}

// Empty reports whether the box has no area.
func (b BBox) Empty() bool {
	return b[2] <= b[0] || b[3] <= b[1]
}

// Face is one detection returned by the embedding capability.
// Boxes are relative to the image the detector was given.
type Face struct {
	Box   BBox      `json:"box"`
	Vec   []float64 `json:"vec"`   // raw embedding, not necessarily normalized
	Score float64   `json:"score"` // detector confidence
}

// Detection is a face after identity resolution, in source-frame coordinates.
type Detection struct {
	Box        BBox    `json:"box"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}
