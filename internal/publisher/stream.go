package publisher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/sentinel-live/internal/metrics"
	"github.com/andresmejia3/sentinel-live/internal/pipeline"
	"github.com/andresmejia3/sentinel-live/internal/render"
)

const (
	// Boundary separates MJPEG parts.
	Boundary = "frame"
	// ContentType is the response type of an MJPEG stream.
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
	// DefaultPollInterval is how often the slot is checked for a new frame.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultResendInterval re-sends an unchanged frame so clients that only
	// paint a part once the next boundary arrives stay current.
	DefaultResendInterval = time.Second
)

// Streamer turns the slot into an MJPEG stream. One Streamer serves any number
// of clients; the rendered frame is shared while the slot is unchanged.
type Streamer struct {
	slot     *Slot
	interval time.Duration
	resend   time.Duration
	quality  int
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	cachedSeq uint64
	cached    []byte
}

// StreamerOptions tunes a Streamer.
type StreamerOptions struct {
	PollInterval   time.Duration
	ResendInterval time.Duration // negative disables resending
	JPEGQuality    int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// NewStreamer creates a streamer reading from slot.
func NewStreamer(slot *Slot, opts StreamerOptions) *Streamer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ResendInterval == 0 {
		opts.ResendInterval = DefaultResendInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Streamer{
		slot:     slot,
		interval: opts.PollInterval,
		resend:   opts.ResendInterval,
		quality:  opts.JPEGQuality,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Render returns the annotated JPEG for snap, reusing the previous rendering
// when the sequence number has not changed.
func (s *Streamer) Render(snap Snapshot) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cachedSeq == snap.Seq {
		return s.cached, nil
	}

	data := snap.Frame
	if !snap.Annotated {
		img, err := render.Decode(snap.Frame)
		if err != nil {
			return nil, err
		}
		data, err = render.Encode(render.Annotate(img, snap.Meta.Detections()), s.quality)
		if err != nil {
			return nil, err
		}
	}
	s.cachedSeq, s.cached = snap.Seq, data
	return data, nil
}

// Stream writes multipart JPEG parts to w until ctx is done or a write fails.
// Nothing is written until the slot holds a frame, and a part is only sent when
// the slot changed or the resend interval elapsed. flush, if non-nil, is called after every part.
func (s *Streamer) Stream(ctx context.Context, w io.Writer, flush func()) error {
	defer s.metrics.StreamClientConnected()()

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var sent uint64
	var lastWrite time.Time
	for {
		snap, ok := s.slot.Read()
		stale := s.resend > 0 && time.Since(lastWrite) >= s.resend
		if ok && (snap.Seq != sent || stale) {
			data, err := s.Render(snap)
			if err != nil {
				s.log.Warn("skipping unrenderable frame", "seq", snap.Seq, "error", err)
			} else {
				if err := writePart(mw, data); err != nil {
					return err
				}
				if flush != nil {
					flush()
				}
			}
			sent, lastWrite = snap.Seq, time.Now()
		}

		select {
		case <-ctx.Done():
			if sent > 0 {
				// Best effort: the client is usually gone already.
				_ = mw.Close()
			}
			return nil
		case <-ticker.C:
		}
	}
}

func writePart(mw *multipart.Writer, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(data)))
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("write part header: %w", err)
	}
	_, err = part.Write(data)
	return err
}

// PipelineSink publishes processor output into a slot.
type PipelineSink struct {
	Slot *Slot
}

// Publish implements pipeline.Publisher.
func (p PipelineSink) Publish(res *pipeline.FrameResult) {
	if res == nil || res.JPEG == nil {
		return
	}
	meta := FromDetections(res.Detections)
	meta, _ = meta.WithExtra("stream", res.Stream)
	meta, _ = meta.WithExtra("fps", res.FPS)
	p.Slot.WriteAnnotated(res.JPEG, meta)
}
