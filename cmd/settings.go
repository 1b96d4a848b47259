package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/config"
	"github.com/andresmejia3/sentinel-live/internal/pipeline"
)

var processingFlags struct {
	File        string
	Threshold   float64
	Skip        int
	Downscale   float64
	CentralOnly bool
}

func bindProcessingFlags(cmd *cobra.Command) {
	d := pipeline.DefaultConfig()
	cmd.Flags().StringVar(&processingFlags.File, "settings", "", "YAML processing preset (default: SENTINEL_SETTINGS)")
	cmd.Flags().Float64VarP(&processingFlags.Threshold, "threshold", "t", d.Threshold, "Cosine similarity threshold for a known identity")
	cmd.Flags().IntVarP(&processingFlags.Skip, "skip", "n", d.SkipInterval, "Run detection on every nth frame")
	cmd.Flags().Float64Var(&processingFlags.Downscale, "downscale", d.Downscale, "Shrink frames by this factor before detection")
	cmd.Flags().BoolVar(&processingFlags.CentralOnly, "central", d.CentralOnly, "Only detect faces in the central region of the frame")
}

// resolveProcessing layers the processing configuration: environment, then
// the YAML preset, then explicitly set flags.
func resolveProcessing(cmd *cobra.Command, base pipeline.Config, file string) (pipeline.Config, error) {
	pc := base
	if file != "" {
		var err error
		if pc, err = config.LoadSettingsFile(file, pc); err != nil {
			return base, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("threshold") {
		pc.Threshold = processingFlags.Threshold
	}
	if flags.Changed("skip") {
		pc.SkipInterval = processingFlags.Skip
	}
	if flags.Changed("downscale") {
		pc.Downscale = processingFlags.Downscale
	}
	if flags.Changed("central") {
		pc.CentralOnly = processingFlags.CentralOnly
	}
	return pc, pc.Validate()
}

// processingSettings builds the live settings for a command and returns the
// preset path they were read from, if any.
func processingSettings(cmd *cobra.Command) (*pipeline.Settings, string, error) {
	file := processingFlags.File
	if file == "" {
		file = cfg.Server.SettingsFile
	}
	pc, err := resolveProcessing(cmd, cfg.Processing, file)
	if err != nil {
		return nil, "", err
	}
	s, err := pipeline.NewSettings(pc)
	return s, file, err
}

// reloadSettings re-reads the preset at path on top of the current settings.
// Keys missing from the file keep their live value.
func reloadSettings(s *pipeline.Settings, path string) (pipeline.Config, error) {
	pc, err := config.LoadSettingsFile(path, s.Snapshot())
	if err != nil {
		return s.Snapshot(), err
	}
	if err := s.Update(pc); err != nil {
		return s.Snapshot(), err
	}
	return pc, nil
}

// reloadOnHangup reloads the preset whenever the process receives SIGHUP,
// until ctx is done.
func reloadOnHangup(ctx context.Context, s *pipeline.Settings, path string) {
	if path == "" {
		return
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				pc, err := reloadSettings(s, path)
				if err != nil {
					logger.Warn("settings reload failed, keeping current settings", "path", path, "error", err)
					continue
				}
				fmt.Fprintf(os.Stderr, "🔄 Settings reloaded from %s\n", path)
				logger.Info("settings reloaded", "threshold", pc.Threshold, "skip_interval", pc.SkipInterval,
					"downscale", pc.Downscale, "central_only", pc.CentralOnly)
			}
		}
	}()
}
