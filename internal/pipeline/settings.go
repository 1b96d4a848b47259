package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidSettings is returned when an update would leave the processor misconfigured.
var ErrInvalidSettings = errors.New("invalid processing settings")

// DefaultCropMargin is the fraction dropped from each side in central-region mode.
const DefaultCropMargin = 0.2

// Config holds the knobs read by the processor on every frame.
type Config struct {
	Threshold    float64 `yaml:"threshold" json:"threshold"`
	SkipInterval int     `yaml:"skip_interval" json:"skip_interval"`
	Downscale    float64 `yaml:"downscale" json:"downscale"`
	CentralOnly  bool    `yaml:"central_only" json:"central_only"`
	CropMargin   float64 `yaml:"crop_margin" json:"crop_margin"`
}

// DefaultConfig returns full-quality settings: every frame, full resolution, whole frame.
func DefaultConfig() Config {
	return Config{
		Threshold:    0.3,
		SkipInterval: 1,
		Downscale:    1,
		CropMargin:   DefaultCropMargin,
	}
}

// Validate checks the ranges accepted by the processor.
func (c Config) Validate() error {
	switch {
	case c.Threshold < -1 || c.Threshold > 1:
		return fmt.Errorf("%w: threshold %.2f outside [-1, 1]", ErrInvalidSettings, c.Threshold)
	case c.SkipInterval < 1:
		return fmt.Errorf("%w: skip interval must be at least 1, got %d", ErrInvalidSettings, c.SkipInterval)
	case c.Downscale < 1:
		return fmt.Errorf("%w: downscale factor must be at least 1, got %.2f", ErrInvalidSettings, c.Downscale)
	case c.CropMargin < 0 || c.CropMargin >= 0.5:
		return fmt.Errorf("%w: crop margin %.2f outside [0, 0.5)", ErrInvalidSettings, c.CropMargin)
	}
	return nil
}

// Settings is the runtime-adjustable configuration shared between the
// control surface and one or more processors.
type Settings struct {
	mu  sync.RWMutex
	cfg Config
}

// NewSettings validates cfg and wraps it.
func NewSettings(cfg Config) (*Settings, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Settings{cfg: cfg}, nil
}

// Snapshot returns a copy of the current configuration.
func (s *Settings) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update replaces the configuration if cfg is valid.
func (s *Settings) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Modify applies fn to a copy of the current configuration and stores the
// result if it is valid. The read-modify-write is atomic.
func (s *Settings) Modify(fn func(*Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return s.cfg, err
	}
	s.cfg = next
	return next, nil
}
