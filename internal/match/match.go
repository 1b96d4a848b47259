// Package match resolves a face embedding to the closest known identity.
package match

import (
	"github.com/andresmejia3/sentinel-live/internal/embedding"
	"github.com/andresmejia3/sentinel-live/internal/gallery"
)

const (
	// Unknown labels a face whose best similarity is below the threshold,
	// or any face when the gallery is empty.
	Unknown = "Unknown"
	// NoFaceDetected labels a candidate region in which the detector found nothing.
	NoFaceDetected = "NoFaceDetected"
	// DefaultThreshold is the cosine similarity needed to accept a match.
	DefaultThreshold = 0.3
)

// Match is the outcome of one identification.
type Match struct {
	Label string
	Score float64 // best cosine similarity, reported even when Label is Unknown
	Index int     // gallery index of the best entry, -1 for an empty gallery
}

// Known reports whether the match resolved to a gallery identity.
func (m Match) Known() bool {
	return m.Index >= 0 && m.Label != Unknown && m.Label != NoFaceDetected
}

// Identify compares vec against every gallery entry by cosine similarity.
// The query is normalized first. On equal scores the earlier entry wins.
func Identify(vec []float64, g *gallery.Gallery, threshold float64) Match {
	if g.Len() == 0 {
		return Match{Label: Unknown, Score: 0, Index: -1}
	}

	q := embedding.Normalize(vec)
	best, bestScore := 0, embedding.Dot(q, g.Embedding(0))
	for i := 1; i < g.Len(); i++ {
		if s := embedding.Dot(q, g.Embedding(i)); s > bestScore {
			best, bestScore = i, s
		}
	}

	m := Match{Label: g.Name(best), Score: bestScore, Index: best}
	if bestScore < threshold {
		m.Label = Unknown
	}
	return m
}

// IdentifyAll runs Identify for every vector, preserving order.
func IdentifyAll(vecs [][]float64, g *gallery.Gallery, threshold float64) []Match {
	out := make([]Match, len(vecs))
	for i, v := range vecs {
		out[i] = Identify(v, g, threshold)
	}
	return out
}
