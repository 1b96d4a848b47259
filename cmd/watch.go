package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/metrics"
	"github.com/andresmejia3/sentinel-live/internal/pipeline"
	"github.com/andresmejia3/sentinel-live/internal/publisher"
	"github.com/andresmejia3/sentinel-live/internal/results"
	"github.com/andresmejia3/sentinel-live/internal/types"
	"github.com/andresmejia3/sentinel-live/internal/utils"
	"github.com/andresmejia3/sentinel-live/internal/web"
	"github.com/andresmejia3/sentinel-live/internal/worker"
)

const megabyte = 1024 * 1024

// consumePollTimeout bounds how long the presentation loop waits for a result.
const consumePollTimeout = time.Second

var watchOpts struct {
	Source       string
	InputFormat  string
	FPS          float64
	CompareModel string
	HTTPAddr     string
	Realtime     bool
	Capacity     int
	Quiet        bool
	Gallery      galleryOptions
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Recognize faces in a camera, file or RTSP stream",
	Long: `Captures frames through ffmpeg and runs detection, matching and annotation on them.
With --compare-model a second model pack processes the same frames independently,
and both streams report their frame rate side by side.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if watchOpts.CompareModel != "" && watchOpts.CompareModel == cfg.Model.Name {
			return fmt.Errorf("--compare-model must differ from the primary model %q", cfg.Model.Name)
		}
		settings, preset, err := processingSettings(cmd)
		if err != nil {
			return err
		}
		reloadOnHangup(cmd.Context(), settings, preset)
		return runWatch(cmd.Context(), settings)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchOpts.Source, "input", "i", "", "Video file, capture device or stream URL")
	watchCmd.Flags().StringVarP(&watchOpts.InputFormat, "format", "f", "", "ffmpeg input format, e.g. v4l2 or avfoundation")
	watchCmd.Flags().Float64Var(&watchOpts.FPS, "fps", 0, "Limit the capture frame rate (0 keeps the source rate)")
	watchCmd.Flags().StringVar(&watchOpts.CompareModel, "compare-model", "", "Second model pack to run on the same frames")
	watchCmd.Flags().StringVar(&watchOpts.HTTPAddr, "http", "", "Serve the annotated primary stream on this address")
	watchCmd.Flags().BoolVar(&watchOpts.Realtime, "realtime", false, "Read file inputs at their native frame rate")
	watchCmd.Flags().IntVar(&watchOpts.Capacity, "buffer", results.DefaultCapacity, "Pending results kept per stream before the oldest is dropped")
	watchCmd.Flags().BoolVarP(&watchOpts.Quiet, "quiet", "q", false, "Do not print per-frame detection tables")
	watchOpts.Gallery.bind(watchCmd)
	bindProcessingFlags(watchCmd)

	watchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(watchCmd)
}

// stream is one independent model pipeline fed from the shared capture.
type stream struct {
	name      string
	worker    *worker.PythonWorker
	processor *pipeline.Processor
	results   *results.Channel[*pipeline.FrameResult]
	frames    chan pipeline.Frame
}

func runWatch(ctx context.Context, settings *pipeline.Settings) error {
	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	var slot *publisher.Slot
	if watchOpts.HTTPAddr != "" {
		slot = &publisher.Slot{}
	}

	models := []string{cfg.Model.Name}
	if watchOpts.CompareModel != "" {
		models = append(models, watchOpts.CompareModel)
	}

	var streams []*stream
	defer func() {
		for _, s := range streams {
			s.worker.Close()
		}
	}()
	for i, name := range models {
		s, err := newStream(ctx, i, name, settings, m, slot)
		if err != nil {
			return err
		}
		streams = append(streams, s)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if slot != nil {
		srv := web.NewServer(watchOpts.HTTPAddr, web.Deps{
			Slot:     slot,
			Streamer: publisher.NewStreamer(slot, publisher.StreamerOptions{Logger: logger, Metrics: m}),
			Settings: settings,
			Metrics:  m,
			Logger:   logger,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("web server stopped", "error", err)
			}
		}()
		fmt.Fprintf(os.Stderr, "🌐 Streaming %s on http://%s/video_feed\n", models[0], watchOpts.HTTPAddr)
	}

	var procWG, consumerWG sync.WaitGroup
	printer := &resultPrinter{w: os.Stdout, quiet: watchOpts.Quiet}
	for _, s := range streams {
		procWG.Add(1)
		go func() {
			defer procWG.Done()
			s.processor.Run(ctx, s.frames)
		}()
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			if err := consume(ctx, s.results, printer.Print); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("result consumer stopped", "stream", s.name, "error", err)
			}
		}()
	}

	captureErr := capture(ctx, streams)

	for _, s := range streams {
		close(s.frames)
	}
	procWG.Wait()
	for _, s := range streams {
		s.results.Close()
	}
	consumerWG.Wait()

	printSummary(os.Stderr, streams)
	if captureErr != nil && !errors.Is(captureErr, context.Canceled) {
		return captureErr
	}
	return nil
}

func newStream(ctx context.Context, id int, name string, settings *pipeline.Settings, m *metrics.Metrics, slot *publisher.Slot) (*stream, error) {
	w, err := startWorker(ctx, id, name)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return nil, err
	}
	g, err := loadGallery(ctx, w, name, watchOpts.Gallery)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, w.Cmd)
		w.Close()
		return nil, err
	}
	if id == 0 {
		m.SetGallerySize(g.Len())
	}

	ch := results.New(watchOpts.Capacity, results.WithOnDrop(func(*pipeline.FrameResult) {
		m.RecordDrop(name)
	}))
	opts := pipeline.Options{
		Name:    name,
		Results: ch,
		Logger:  logger,
		Metrics: m,
	}
	// Only the primary stream is published.
	if id == 0 && slot != nil {
		opts.Publisher = publisher.PipelineSink{Slot: slot}
	}

	return &stream{
		name:      name,
		worker:    w,
		processor: pipeline.NewProcessor(w, g, settings, opts),
		results:   ch,
		frames:    make(chan pipeline.Frame, 1),
	}, nil
}

// capture runs ffmpeg and feeds its frames to every stream until the source
// ends or ctx is cancelled.
func capture(ctx context.Context, streams []*stream) error {
	isFile := utils.IsFileSource(watchOpts.Source)
	ffmpeg := utils.NewFFmpegCaptureCmd(ctx, utils.CaptureConfig{
		Source:      watchOpts.Source,
		InputFormat: watchOpts.InputFormat,
		FPS:         watchOpts.FPS,
		Realtime:    watchOpts.Realtime && isFile,
	})
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	defer out.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, ffmpeg)
		return err
	}

	var bar *progressbar.ProgressBar
	if isFile {
		total := utils.GetTotalFrames(ctx, watchOpts.Source)
		if total <= 0 {
			total = -1 // spinner
		}
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🎞️  Processing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	outs := make([]chan<- pipeline.Frame, len(streams))
	for i, s := range streams {
		outs[i] = s.frames
	}

	fmt.Fprintf(os.Stderr, "🎥 Capturing %s\n", watchOpts.Source)
	n, readErr := readFrames(ctx, out, func(task types.FrameTask) error {
		if bar != nil {
			bar.Add(1)
		}
		// Files are processed completely; live sources skip frames the
		// streams are too busy to take.
		_, err := distribute(ctx, pipeline.Frame{Index: task.Index, Data: task.Data}, outs, isFile)
		return err
	})
	if bar != nil {
		bar.Finish()
	}

	waitErr := ffmpeg.Wait()
	if readErr != nil {
		return readErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		utils.ShowError("FFmpeg execution failed", waitErr, ffmpeg)
		return waitErr
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Capture finished after %d frames.\n", n)
	return nil
}

// readFrames splits r into JPEG frames and calls fn for each, in order.
func readFrames(ctx context.Context, r io.Reader, fn func(types.FrameTask) error) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		// The scanner reuses its buffer.
		if err := fn(types.FrameTask{Index: n, Data: bytes.Clone(scanner.Bytes())}); err != nil {
			return n, err
		}
		n++
	}
	return n, scanner.Err()
}

// distribute hands f to every stream. Unless block is set, a stream that is
// still busy with an earlier frame misses this one.
func distribute(ctx context.Context, f pipeline.Frame, outs []chan<- pipeline.Frame, block bool) (int, error) {
	sent := 0
	for _, out := range outs {
		if block {
			select {
			case out <- f:
				sent++
			case <-ctx.Done():
				return sent, ctx.Err()
			}
			continue
		}
		select {
		case out <- f:
			sent++
		default:
		}
	}
	return sent, nil
}

// consume feeds results to fn until the channel is closed and drained.
func consume(ctx context.Context, ch *results.Channel[*pipeline.FrameResult], fn func(*pipeline.FrameResult)) error {
	for {
		res, err := ch.Pop(ctx, consumePollTimeout)
		switch {
		case err == nil:
			fn(res)
		case errors.Is(err, results.ErrEmpty):
			// No new data yet.
		case errors.Is(err, results.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// resultPrinter serializes the tables of concurrent streams.
type resultPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
}

func (p *resultPrinter) Print(res *pipeline.FrameResult) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	writeResult(p.w, res)
}

func writeResult(out io.Writer, res *pipeline.FrameResult) {
	fmt.Fprintf(out, "\n[%s] frame %d  fps %.1f  faces %d\n", res.Stream, res.Seq, res.FPS, len(res.Detections))
	if len(res.Detections) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "  NAME\tSIMILARITY\tBOX")
	for _, d := range res.Detections {
		fmt.Fprintf(w, "  %s\t%.2f\t%s\n", d.Label, d.Similarity, fmtBox(d.Box))
	}
	w.Flush()
}

func fmtBox(b types.BBox) string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", b[0], b[1], b[2], b[3])
}

func printSummary(out io.Writer, streams []*stream) {
	fmt.Fprintf(out, "\n%s\n📊 STREAM SUMMARY\n%s\n", strings.Repeat("-", 57), strings.Repeat("-", 57))
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STREAM\tRESULTS\tSHOWN\tDROPPED\tLAST FPS")
	for _, s := range streams {
		st := s.results.Stats()
		fps := 0.0
		if last := s.processor.Last(); last != nil {
			fps = last.FPS
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n", s.name, st.Pushed, st.Delivered, st.Dropped, fps)
	}
	w.Flush()
}
