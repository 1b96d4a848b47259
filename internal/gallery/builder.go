package gallery

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/sentinel-live/internal/embedding"
	"github.com/andresmejia3/sentinel-live/internal/worker"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// BuildOptions tunes a gallery build.
type BuildOptions struct {
	Logger *slog.Logger
	// OnImage is called once per candidate image, after it has been handled.
	OnImage func(path string)
	// Dim is the required embedding length. Zero accepts the length of the
	// first usable embedding.
	Dim int
}

// BuildReport summarizes a build for operator output.
type BuildReport struct {
	Scanned int
	Used    int
	Skipped int
}

// NameFromFile extracts the identity label: the part of the base name before the
// first underscore ("Alice_01.jpg" -> "Alice"). Names without an underscore use the stem.
func NameFromFile(filename string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.IndexByte(stem, '_'); i >= 0 {
		return stem[:i]
	}
	return stem
}

// ListImages returns the reference images in dir, sorted by name.
// A missing directory yields no images and no error.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read known faces directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// Build scans dir and produces one averaged, normalized embedding per name.
// Images that cannot be read, that contain no face, or that the detector fails
// on are skipped with a warning.
func Build(ctx context.Context, dir string, det worker.Detector, opts BuildOptions) (*Gallery, BuildReport, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var report BuildReport
	paths, err := ListImages(dir)
	if err != nil {
		return nil, report, err
	}
	if len(paths) == 0 {
		log.Warn("no reference images found", "dir", dir)
		return &Gallery{}, report, nil
	}

	var order []string
	raw := make(map[string][][]float64)
	dim := opts.Dim

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		report.Scanned++
		vec, ok := embedFile(path, det, log)
		if opts.OnImage != nil {
			opts.OnImage(path)
		}
		if ok && dim > 0 && len(vec) != dim {
			log.Warn("skipping image, embedding has the wrong dimension", "path", path, "dim", len(vec), "want", dim)
			ok = false
		}
		if !ok {
			report.Skipped++
			continue
		}
		if dim == 0 {
			dim = len(vec)
		}
		name := NameFromFile(path)
		if _, exists := raw[name]; !exists {
			order = append(order, name)
		}
		raw[name] = append(raw[name], vec)
		report.Used++
	}

	names := make([]string, 0, len(order))
	vecs := make([][]float64, 0, len(order))
	for _, name := range order {
		mean := embedding.Mean(raw[name])
		if mean == nil || embedding.Norm(mean) == 0 {
			log.Warn("dropping identity with unusable embeddings", "name", name)
			continue
		}
		names = append(names, name)
		vecs = append(vecs, embedding.Normalize(mean))
	}

	g, err := New(names, vecs)
	if err != nil {
		return nil, report, err
	}
	log.Info("gallery built", "identities", g.Len(), "images", report.Used, "skipped", report.Skipped)
	return g, report, nil
}

// embedFile returns the raw embedding of the first face in path.
func embedFile(path string, det worker.Detector, log *slog.Logger) ([]float64, bool) {
	img, err := decodeFile(path)
	if err != nil {
		log.Warn("skipping unreadable image", "path", path, "error", err)
		return nil, false
	}
	faces, err := det.Detect(img)
	if err != nil {
		log.Warn("skipping image, detection failed", "path", path, "error", err)
		return nil, false
	}
	if len(faces) == 0 {
		log.Warn("no face found, skipping image", "path", path)
		return nil, false
	}
	if len(faces) > 1 {
		log.Debug("multiple faces found, using the first", "path", path, "faces", len(faces))
	}
	if len(faces[0].Vec) == 0 {
		log.Warn("skipping image, empty embedding", "path", path)
		return nil, false
	}
	return faces[0].Vec, true
}
