package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/sentinel-live/internal/worker"
)

// Source tells where a loaded gallery came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceBuild Source = "build"
)

// ErrCacheInvalid is returned for cache files that cannot be trusted.
var ErrCacheInvalid = errors.New("gallery cache invalid")

// cacheFile is the on-disk artifact.
type cacheFile struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
	Names      []string    `json:"names"`
}

// CachePath returns the cache artifact location for a model identifier.
func CachePath(cacheDir, model string) string {
	return filepath.Join(cacheDir, sanitizeModel(model)+"_embeddings.json")
}

func sanitizeModel(model string) string {
	if model == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, model)
}

// LoadCache reads the cache artifact of model. Empty or inconsistent artifacts,
// artifacts written for another model and, when dim is positive, embeddings of
// another length are rejected with ErrCacheInvalid.
func LoadCache(path, model string, dim int) (*Gallery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheInvalid, err)
	}
	if cf.Model != model {
		return nil, fmt.Errorf("%w: written for model %q, want %q", ErrCacheInvalid, cf.Model, model)
	}
	if len(cf.Names) == 0 {
		return nil, fmt.Errorf("%w: no identities", ErrCacheInvalid)
	}
	g, err := New(cf.Names, cf.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheInvalid, err)
	}
	if dim > 0 && g.Dim() != dim {
		return nil, fmt.Errorf("%w: embeddings have dimension %d, want %d", ErrCacheInvalid, g.Dim(), dim)
	}
	return g, nil
}

// SaveCache writes g atomically: a reader never sees a partial file.
func SaveCache(path, model string, g *Gallery) error {
	cf := cacheFile{Model: model, Embeddings: g.Embeddings(), Names: g.Names()}
	data, err := json.Marshal(cf)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gallery-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadOptions configures LoadOrBuild.
type LoadOptions struct {
	CacheDir string
	Model    string
	Dir      string // known faces directory
	Rebuild  bool   // ignore any existing cache
	Build    BuildOptions
}

// LoadOrBuild returns the cached gallery for opts.Model or builds it from opts.Dir.
// A missing or corrupt cache triggers a rebuild. Failing to write the cache is
// logged and does not fail the load.
func LoadOrBuild(ctx context.Context, det worker.Detector, opts LoadOptions) (*Gallery, Source, error) {
	log := opts.Build.Logger
	if log == nil {
		log = slog.Default()
	}

	path := ""
	if opts.CacheDir != "" {
		path = CachePath(opts.CacheDir, opts.Model)
	}

	if path != "" && !opts.Rebuild {
		g, err := LoadCache(path, opts.Model, opts.Build.Dim)
		if err == nil {
			log.Info("gallery loaded from cache", "path", path, "identities", g.Len())
			return g, SourceCache, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no gallery cache, building", "path", path)
		} else {
			log.Warn("gallery cache unusable, rebuilding", "path", path, "error", err)
		}
	}

	g, _, err := Build(ctx, opts.Dir, det, opts.Build)
	if err != nil {
		return nil, "", err
	}

	if path != "" && g.Len() > 0 {
		if err := SaveCache(path, opts.Model, g); err != nil {
			log.Warn("failed to save gallery cache", "path", path, "error", err)
		}
	}
	return g, SourceBuild, nil
}
