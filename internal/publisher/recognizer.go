package publisher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/sentinel-live/internal/embedding"
	"github.com/andresmejia3/sentinel-live/internal/gallery"
	"github.com/andresmejia3/sentinel-live/internal/match"
	"github.com/andresmejia3/sentinel-live/internal/render"
	"github.com/andresmejia3/sentinel-live/internal/types"
	"github.com/andresmejia3/sentinel-live/internal/worker"
)

var (
	// ErrNoFaces is returned by AverageEmbedding when no image contained a face.
	ErrNoFaces = errors.New("no faces detected in any of the images")

	// ErrInvalidFrame is returned by Recognize when the frame cannot be decoded.
	ErrInvalidFrame = errors.New("invalid frame")
)

// ThresholdFunc returns the similarity threshold to apply right now.
type ThresholdFunc func() float64

// Recognizer identifies faces inside client-supplied candidate boxes.
// Calls into the detector are serialized.
type Recognizer struct {
	det       worker.Detector
	gallery   *gallery.Gallery
	threshold ThresholdFunc
	log       *slog.Logger

	mu sync.Mutex
}

// NewRecognizer wires a recognizer. A nil threshold uses match.DefaultThreshold.
func NewRecognizer(det worker.Detector, g *gallery.Gallery, threshold ThresholdFunc, log *slog.Logger) *Recognizer {
	if threshold == nil {
		threshold = func() float64 { return match.DefaultThreshold }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recognizer{det: det, gallery: g, threshold: threshold, log: log}
}

// Gallery returns the gallery used for matching.
func (r *Recognizer) Gallery() *gallery.Gallery { return r.gallery }

func (r *Recognizer) detect(img image.Image) ([]types.Face, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.det.Detect(img)
}

// Recognize decodes frame, runs detection inside every candidate box and
// returns metadata whose boxes carry a label and score. A box in which no face
// is found is labelled NoFaceDetected with score 0. A detector failure aborts
// the whole request.
func (r *Recognizer) Recognize(ctx context.Context, frame []byte, meta Metadata) (Metadata, error) {
	img, err := render.Decode(frame)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	threshold := r.threshold()
	bounds := img.Bounds()

	out := Metadata{Extra: meta.Extra, BBoxes: make([]Box, 0, len(meta.BBoxes))}
	for _, b := range meta.BBoxes {
		if err := ctx.Err(); err != nil {
			return Metadata{}, err
		}
		res := Box{Rect: b.Rect, Label: match.NoFaceDetected, Recognized: true}

		region := b.Rect.Clamp(bounds)
		if !region.Empty() {
			faces, err := r.detect(crop(img, region.Rect()))
			if err != nil {
				return Metadata{}, fmt.Errorf("detection failed: %w", err)
			}
			if len(faces) > 0 {
				m := match.Identify(faces[0].Vec, r.gallery, threshold)
				res.Label, res.Score = m.Label, m.Score
			}
		}
		out.BBoxes = append(out.BBoxes, res)
	}
	return out, nil
}

// AverageEmbedding returns the normalized mean of the normalized embeddings of
// the first face in each image, and the number of images that contributed.
// Undecodable images and images without a face are skipped.
func (r *Recognizer) AverageEmbedding(ctx context.Context, images [][]byte) ([]float64, int, error) {
	var vecs [][]float64
	for i, data := range images {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		img, err := render.Decode(data)
		if err != nil {
			r.log.Warn("skipping undecodable image", "index", i, "error", err)
			continue
		}
		faces, err := r.detect(img)
		if err != nil {
			return nil, 0, fmt.Errorf("detection failed: %w", err)
		}
		if len(faces) == 0 {
			r.log.Debug("no face in image", "index", i)
			continue
		}
		vecs = append(vecs, embedding.Normalize(faces[0].Vec))
	}
	if len(vecs) == 0 {
		return nil, 0, ErrNoFaces
	}
	mean := embedding.Mean(vecs)
	if mean == nil {
		return nil, 0, fmt.Errorf("embeddings have inconsistent dimensions")
	}
	return embedding.Normalize(mean), len(vecs), nil
}

// crop copies region out of img into a new image rooted at (0, 0).
func crop(img image.Image, region image.Rectangle) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(dst, dst.Bounds(), img, region.Min, draw.Src)
	return dst
}
