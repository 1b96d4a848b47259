// Package pipeline implements the per-stream frame processor: detection on a
// possibly degraded copy of each frame, identity matching, annotation and
// handoff to the result channel and the streaming publisher.
package pipeline

import (
	"context"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/sentinel-live/internal/gallery"
	"github.com/andresmejia3/sentinel-live/internal/match"
	"github.com/andresmejia3/sentinel-live/internal/metrics"
	"github.com/andresmejia3/sentinel-live/internal/render"
	"github.com/andresmejia3/sentinel-live/internal/types"
	"github.com/andresmejia3/sentinel-live/internal/worker"
)

// State is the processor's position in its per-frame cycle.
type State int32

const (
	StateIdle State = iota
	StateDetecting
	StateAnnotating
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateAnnotating:
		return "annotating"
	case StatePublished:
		return "published"
	}
	return "unknown"
}

// Frame is one input frame. Data is decoded when Image is nil.
type Frame struct {
	Index int
	Data  []byte
	Image image.Image
	Time  time.Time // capture time, zero means "now"
}

// FrameResult is the output of one Process call.
type FrameResult struct {
	Stream     string
	Seq        uint64 // processor frame counter
	Time       time.Time
	FPS        float64
	Detected   bool // false when detection was skipped and the last detections were reused
	Detections []types.Detection
	Image      image.Image // annotated frame
	JPEG       []byte      // annotated frame, encoded
}

// ResultSink receives results that ran detection. Push must not block.
type ResultSink interface {
	Push(*FrameResult)
}

// Publisher receives every emitted result, skipped frames included.
type Publisher interface {
	Publish(*FrameResult)
}

// Options are the optional collaborators of a Processor.
type Options struct {
	Name        string
	Results     ResultSink
	Publisher   Publisher
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
	JPEGQuality int
}

// Processor runs detect, match and annotate for one stream.
// Process must not be called concurrently; use one Processor (and one
// Detector) per stream.
type Processor struct {
	det      worker.Detector
	gallery  *gallery.Gallery
	settings *Settings
	opts     Options
	log      *slog.Logger

	counter  uint64
	fps      *FPSMeter
	lastDets []types.Detection
	last     *FrameResult
	state    atomic.Int32
}

// NewProcessor wires a processor. A nil settings uses DefaultConfig.
func NewProcessor(det worker.Detector, g *gallery.Gallery, settings *Settings, opts Options) *Processor {
	if settings == nil {
		settings = &Settings{cfg: DefaultConfig()}
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		det:      det,
		gallery:  g,
		settings: settings,
		opts:     opts,
		log:      log.With("stream", opts.Name),
		fps:      NewFPSMeter(),
	}
}

// Name returns the stream name.
func (p *Processor) Name() string { return p.opts.Name }

// State returns the current cycle state. Safe for concurrent use.
func (p *Processor) State() State { return State(p.state.Load()) }

func (p *Processor) setState(s State) { p.state.Store(int32(s)) }

// Last returns the most recent result, or nil.
func (p *Processor) Last() *FrameResult { return p.last }

// Process handles one frame and returns the result shown for it. A frame that
// cannot be decoded or detected is dropped and the previous result is returned
// (nil if there is none).
func (p *Processor) Process(f Frame) *FrameResult {
	cfg := p.settings.Snapshot()
	seq := p.counter
	p.counter++

	img := f.Image
	if img == nil {
		decoded, err := render.Decode(f.Data)
		if err != nil {
			p.log.Warn("dropping undecodable frame", "frame", f.Index, "error", err)
			p.opts.Metrics.RecordFailure(p.opts.Name, "decode")
			p.setState(StateIdle)
			return p.last
		}
		img = decoded
	}
	now := f.Time
	if now.IsZero() {
		now = p.opts.Clock()
	}

	if seq%uint64(cfg.SkipInterval) != 0 {
		return p.passThrough(img, seq, now)
	}

	p.setState(StateDetecting)
	prepared, tf := Prepare(img, cfg)
	start := time.Now()
	faces, err := p.det.Detect(prepared)
	p.opts.Metrics.RecordDetect(p.opts.Name, time.Since(start).Seconds())
	if err != nil {
		p.log.Warn("detection failed, keeping last annotation", "frame", f.Index, "error", err)
		p.opts.Metrics.RecordFailure(p.opts.Name, "detect")
		p.setState(StateIdle)
		return p.last
	}

	bounds := img.Bounds()
	dets := make([]types.Detection, 0, len(faces))
	for _, face := range faces {
		box := tf.Apply(face.Box).Clamp(bounds)
		if box.Empty() {
			continue
		}
		m := match.Identify(face.Vec, p.gallery, cfg.Threshold)
		dets = append(dets, types.Detection{Box: box, Label: m.Label, Similarity: m.Score})
		p.opts.Metrics.RecordFace(p.opts.Name, m.Known())
	}

	p.setState(StateAnnotating)
	res := p.annotate(img, dets, seq, now)
	res.Detected = true
	res.FPS = p.fps.Tick(now)
	p.opts.Metrics.SetFPS(p.opts.Name, res.FPS)
	p.opts.Metrics.RecordFrame(p.opts.Name, "detected")

	p.lastDets = dets
	p.last = res
	if p.opts.Results != nil {
		p.opts.Results.Push(res)
	}
	if p.opts.Publisher != nil {
		p.opts.Publisher.Publish(res)
	}
	p.setState(StatePublished)
	return res
}

// passThrough redraws the last detections on a frame that skipped detection.
func (p *Processor) passThrough(img image.Image, seq uint64, now time.Time) *FrameResult {
	res := p.annotate(img, p.lastDets, seq, now)
	res.FPS = p.fps.Value()
	p.opts.Metrics.RecordFrame(p.opts.Name, "skipped")

	p.last = res
	if p.opts.Publisher != nil {
		p.opts.Publisher.Publish(res)
	}
	p.setState(StatePublished)
	return res
}

func (p *Processor) annotate(img image.Image, dets []types.Detection, seq uint64, now time.Time) *FrameResult {
	annotated := render.Annotate(img, dets)
	data, err := render.Encode(annotated, p.opts.JPEGQuality)
	if err != nil {
		p.log.Warn("failed to encode annotated frame", "error", err)
	}
	return &FrameResult{
		Stream:     p.opts.Name,
		Seq:        seq,
		Time:       now,
		Detections: dets,
		Image:      annotated,
		JPEG:       data,
	}
}

// Run processes frames until the channel closes or ctx is cancelled.
func (p *Processor) Run(ctx context.Context, frames <-chan Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			p.Process(f)
		}
	}
}
