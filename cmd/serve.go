package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/metrics"
	"github.com/andresmejia3/sentinel-live/internal/pipeline"
	"github.com/andresmejia3/sentinel-live/internal/publisher"
	"github.com/andresmejia3/sentinel-live/internal/utils"
	"github.com/andresmejia3/sentinel-live/internal/web"
)

var serveOpts struct {
	Addr    string
	Gallery galleryOptions
	Record  bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve frame upload, recognition metadata and the MJPEG feed over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		settings, preset, err := processingSettings(cmd)
		if err != nil {
			return err
		}
		reloadOnHangup(cmd.Context(), settings, preset)
		return runServe(cmd.Context(), settings)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.Addr, "addr", "a", "", "Listen address (default: SENTINEL_ADDR or :8000)")
	serveCmd.Flags().BoolVar(&serveOpts.Record, "record", false, "Also store each recognition in PostgreSQL")
	serveOpts.Gallery.bind(serveCmd)
	bindProcessingFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, settings *pipeline.Settings) error {
	addr := serveOpts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	w, err := startWorker(ctx, 0, cfg.Model.Name)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	g, err := loadGallery(ctx, w, cfg.Model.Name, serveOpts.Gallery)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, w.Cmd)
		return err
	}

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	m.SetGallerySize(g.Len())

	logs, closeLogs, err := recognitionLog(ctx, serveOpts.Record)
	if err != nil {
		return err
	}
	defer closeLogs()

	threshold := func() float64 { return settings.Snapshot().Threshold }
	slot := &publisher.Slot{}
	// Uploaded images are matched whole, so only the threshold applies here.
	srv := web.NewServer(addr, web.Deps{
		Recognizer:       publisher.NewRecognizer(w, g, threshold, logger),
		Slot:             slot,
		Streamer:         publisher.NewStreamer(slot, publisher.StreamerOptions{Logger: logger, Metrics: m}),
		Settings:         settings,
		EditableSettings: []string{"threshold"},
		Logs:             logs,
		Metrics:          m,
		Logger:           logger,
	})

	fmt.Fprintf(os.Stderr, "🌐 Listening on %s (upload: /upload, feed: /video_feed)\n", addr)
	return srv.Run(ctx)
}

// recognitionLog opens the configured recognition sinks: the JSONL file and,
// when record is set, the database.
func recognitionLog(ctx context.Context, record bool) (publisher.RecognitionLog, func(), error) {
	var logs publisher.MultiLog
	closeFn := func() {}

	if path := cfg.Server.RecognitionLog; path != "" {
		f, err := publisher.OpenFileLog(path)
		if err != nil {
			return nil, closeFn, err
		}
		logs = append(logs, f)
		closeFn = func() { f.Close() }
	}
	if record {
		s, err := openStore(ctx)
		if err != nil {
			closeFn()
			return nil, func() {}, err
		}
		logs = append(logs, publisher.StoreLog{Store: s})
	}

	if len(logs) == 0 {
		return nil, closeFn, nil
	}
	return logs, closeFn, nil
}
