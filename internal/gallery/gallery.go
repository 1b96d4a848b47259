// Package gallery builds and caches the set of known identities and their
// representative embeddings.
package gallery

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/sentinel-live/internal/embedding"
)

// ErrInvalidGallery is returned when names and embeddings cannot form a gallery.
var ErrInvalidGallery = errors.New("invalid gallery")

// Entry is one known identity.
type Entry struct {
	Name      string
	Embedding []float64
}

// Gallery is an immutable, ordered list of identities with unit-length embeddings.
// A nil or empty Gallery is valid and matches nothing.
type Gallery struct {
	entries []Entry
}

// New validates and normalizes the given parallel slices into a Gallery.
// The input slices are copied.
func New(names []string, embeddings [][]float64) (*Gallery, error) {
	if len(names) != len(embeddings) {
		return nil, fmt.Errorf("%w: %d names but %d embeddings", ErrInvalidGallery, len(names), len(embeddings))
	}

	g := &Gallery{entries: make([]Entry, 0, len(names))}
	seen := make(map[string]bool, len(names))
	dim := -1
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: empty name at index %d", ErrInvalidGallery, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidGallery, name)
		}
		seen[name] = true

		vec := embeddings[i]
		if dim == -1 {
			dim = len(vec)
		}
		if len(vec) == 0 || len(vec) != dim {
			return nil, fmt.Errorf("%w: embedding for %q has dimension %d, want %d", ErrInvalidGallery, name, len(vec), dim)
		}
		if embedding.Norm(vec) == 0 {
			return nil, fmt.Errorf("%w: zero embedding for %q", ErrInvalidGallery, name)
		}
		g.entries = append(g.entries, Entry{Name: name, Embedding: embedding.Normalize(vec)})
	}
	return g, nil
}

// Len returns the number of identities.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Name returns the label at index i.
func (g *Gallery) Name(i int) string {
	return g.entries[i].Name
}

// Embedding returns the unit embedding at index i. Callers must not modify it.
func (g *Gallery) Embedding(i int) []float64 {
	return g.entries[i].Embedding
}

// Names returns the identity labels in gallery order.
func (g *Gallery) Names() []string {
	names := make([]string, g.Len())
	for i := range names {
		names[i] = g.entries[i].Name
	}
	return names
}

// Embeddings returns copies of the embeddings in gallery order.
func (g *Gallery) Embeddings() [][]float64 {
	out := make([][]float64, g.Len())
	for i := range out {
		out[i] = append([]float64(nil), g.entries[i].Embedding...)
	}
	return out
}

// Dim returns the embedding dimension, or 0 for an empty gallery.
func (g *Gallery) Dim() int {
	if g.Len() == 0 {
		return 0
	}
	return len(g.entries[0].Embedding)
}
