package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/sentinel-live/internal/pipeline"
)

type Config struct {
	Model      ModelConfig
	Gallery    GalleryConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Log        LogConfig
	Processing pipeline.Config
}

type ModelConfig struct {
	Name    string // model pack, also the gallery cache key
	Python  string // interpreter for the worker process
	Script  string // worker entry point
	DetSize int    // detector input size
}

type GalleryConfig struct {
	Dir      string // known faces directory
	CacheDir string // embeddings cache directory
}

type ServerConfig struct {
	Addr           string
	RecognitionLog string // JSONL file of finalized upload metadata, empty disables it
	SettingsFile   string // optional YAML processing preset
}

type DatabaseConfig struct {
	URL string // PostgreSQL connection URL, empty disables the database
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// databaseURL prefers DATABASE_URL and falls back to the POSTGRES_* variables.
func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := envString("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Load reads the configuration from the environment. Call godotenv.Load first
// to pick up a .env file.
func Load() *Config {
	processing := pipeline.DefaultConfig()
	processing.Threshold = envFloat("SIM_THRESHOLD", processing.Threshold)
	processing.SkipInterval = envInt("SKIP_INTERVAL", processing.SkipInterval)
	processing.Downscale = envFloat("DOWNSCALE", processing.Downscale)
	processing.CentralOnly = envBool("CENTRAL_ONLY", processing.CentralOnly)
	processing.CropMargin = envFloat("CROP_MARGIN", processing.CropMargin)

	return &Config{
		Model: ModelConfig{
			Name:    envString("SENTINEL_MODEL", "buffalo_l"),
			Python:  envString("SENTINEL_PYTHON", "python3"),
			Script:  envString("SENTINEL_WORKER", "python/worker.py"),
			DetSize: envInt("SENTINEL_DET_SIZE", 640),
		},
		Gallery: GalleryConfig{
			Dir:      envString("KNOWN_FACES_DIR", "known_faces"),
			CacheDir: envString("EMBEDDINGS_CACHE_DIR", "embeddings_cache"),
		},
		Server: ServerConfig{
			Addr:           envString("SENTINEL_ADDR", ":8000"),
			RecognitionLog: envString("RECOGNITION_LOG", "logs.txt"),
			SettingsFile:   os.Getenv("SENTINEL_SETTINGS"),
		},
		Database: DatabaseConfig{
			URL: databaseURL(),
		},
		Log: LogConfig{
			Level:  strings.ToLower(envString("LOG_LEVEL", "info")),
			Format: strings.ToLower(envString("LOG_FORMAT", "text")),
		},
		Processing: processing,
	}
}

// LoadSettingsFile overlays a YAML preset onto base. Keys missing from the
// file keep the value from base. The result is validated.
func LoadSettingsFile(path string, base pipeline.Config) (pipeline.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read settings file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// SaveSettingsFile writes cfg as a YAML preset.
func SaveSettingsFile(path string, cfg pipeline.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
