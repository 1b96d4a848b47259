package pipeline

import (
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/sentinel-live/internal/gallery"
	"github.com/andresmejia3/sentinel-live/internal/match"
	"github.com/andresmejia3/sentinel-live/internal/render"
	"github.com/andresmejia3/sentinel-live/internal/results"
	"github.com/andresmejia3/sentinel-live/internal/types"
)

// fakeDetector returns a fixed set of faces and records what it was given.
type fakeDetector struct {
	faces  []types.Face
	err    error
	calls  int
	bounds []image.Rectangle
}

func (d *fakeDetector) Detect(img image.Image) ([]types.Face, error) {
	d.calls++
	d.bounds = append(d.bounds, img.Bounds())
	if d.err != nil {
		return nil, d.err
	}
	return d.faces, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []*FrameResult
}

func (r *recordingPublisher) Publish(res *FrameResult) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func blank(w, h int) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func newTestProcessor(t *testing.T, det *fakeDetector, cfg Config, opts Options) *Processor {
	t.Helper()
	s, err := NewSettings(cfg)
	require.NoError(t, err)
	g, err := gallery.New([]string{"Alice"}, [][]float64{{1, 0}})
	require.NoError(t, err)
	opts.Logger = quietLogger()
	return NewProcessor(det, g, s, opts)
}

func TestProcess_SkipInterval(t *testing.T) {
	det := &fakeDetector{}
	cfg := DefaultConfig()
	cfg.SkipInterval = 3
	p := newTestProcessor(t, det, cfg, Options{})

	var detected []uint64
	for range 9 {
		res := p.Process(Frame{Image: blank(8, 8)})
		require.NotNil(t, res)
		if res.Detected {
			detected = append(detected, res.Seq)
		}
	}
	assert.Equal(t, 3, det.calls)
	assert.Equal(t, []uint64{0, 3, 6}, detected)
}

func TestProcess_SkippedFramesReuseLastDetections(t *testing.T) {
	det := &fakeDetector{faces: []types.Face{{Box: types.BBox{1, 1, 5, 5}, Vec: []float64{1, 0}}}}
	cfg := DefaultConfig()
	cfg.SkipInterval = 2
	pub := &recordingPublisher{}
	ch := results.New[*FrameResult](results.DefaultCapacity)
	p := newTestProcessor(t, det, cfg, Options{Results: ch, Publisher: pub})

	first := p.Process(Frame{Image: blank(10, 10)})
	second := p.Process(Frame{Image: blank(10, 10)})

	assert.True(t, first.Detected)
	assert.False(t, second.Detected)
	assert.Equal(t, first.Detections, second.Detections)
	assert.NotEmpty(t, second.JPEG)

	// Only frames that ran detection reach the result channel; the slot sees both.
	assert.Equal(t, 1, ch.Len())
	assert.Len(t, pub.got, 2)
}

func TestProcess_BoxRemapping(t *testing.T) {
	tests := []struct {
		name       string
		downscale  float64
		central    bool
		local      types.BBox
		wantBox    types.BBox
		wantBounds image.Rectangle
	}{
		{"Full frame", 1, false, types.BBox{10, 10, 20, 20}, types.BBox{10, 10, 20, 20}, image.Rect(0, 0, 100, 100)},
		{"Central crop", 1, true, types.BBox{0, 0, 10, 10}, types.BBox{20, 20, 30, 30}, image.Rect(0, 0, 60, 60)},
		{"Downscale", 2, false, types.BBox{10, 10, 20, 20}, types.BBox{20, 20, 40, 40}, image.Rect(0, 0, 50, 50)},
		{"Downscale then crop", 2, true, types.BBox{0, 0, 10, 10}, types.BBox{20, 20, 40, 40}, image.Rect(0, 0, 30, 30)},
		{"Crop boundary", 1, true, types.BBox{60, 60, 60, 60}, types.BBox{80, 80, 80, 80}, image.Rect(0, 0, 60, 60)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Downscale = tt.downscale
			cfg.CentralOnly = tt.central

			prepared, tf := Prepare(blank(100, 100), cfg)
			assert.Equal(t, tt.wantBounds, prepared.Bounds())
			assert.Equal(t, tt.wantBox, tf.Apply(tt.local))
		})
	}
}

func TestProcess_CentralCropEndToEnd(t *testing.T) {
	det := &fakeDetector{faces: []types.Face{{Box: types.BBox{0, 0, 10, 10}, Vec: []float64{1, 0}}}}
	cfg := DefaultConfig()
	cfg.CentralOnly = true
	p := newTestProcessor(t, det, cfg, Options{})

	res := p.Process(Frame{Image: blank(100, 100)})
	require.Len(t, res.Detections, 1)
	assert.Equal(t, types.BBox{20, 20, 30, 30}, res.Detections[0].Box)
	assert.Equal(t, "Alice", res.Detections[0].Label)
	assert.Equal(t, image.Rect(0, 0, 60, 60), det.bounds[0])
}

func TestProcess_ClampsBoxes(t *testing.T) {
	det := &fakeDetector{faces: []types.Face{
		{Box: types.BBox{-5, -5, 200, 50}, Vec: []float64{0, 1}},
		{Box: types.BBox{300, 300, 310, 310}, Vec: []float64{1, 0}}, // fully outside
	}}
	p := newTestProcessor(t, det, DefaultConfig(), Options{})

	res := p.Process(Frame{Image: blank(100, 100)})
	require.Len(t, res.Detections, 1)
	assert.Equal(t, types.BBox{0, 0, 100, 50}, res.Detections[0].Box)
	assert.Equal(t, match.Unknown, res.Detections[0].Label)
}

func TestProcess_DetectorFailureKeepsLastResult(t *testing.T) {
	det := &fakeDetector{faces: []types.Face{{Box: types.BBox{1, 1, 5, 5}, Vec: []float64{1, 0}}}}
	ch := results.New[*FrameResult](results.DefaultCapacity)
	p := newTestProcessor(t, det, DefaultConfig(), Options{Results: ch})

	good := p.Process(Frame{Image: blank(10, 10)})
	require.NotNil(t, good)
	assert.Equal(t, StatePublished, p.State())

	det.err = errors.New("backend crashed")
	got := p.Process(Frame{Image: blank(10, 10)})
	assert.Same(t, good, got)
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, 1, ch.Len())

	// The loop recovers once the backend does.
	det.err = nil
	next := p.Process(Frame{Image: blank(10, 10)})
	assert.NotSame(t, good, next)
}

func TestProcess_UndecodableFrame(t *testing.T) {
	det := &fakeDetector{}
	p := newTestProcessor(t, det, DefaultConfig(), Options{})

	assert.Nil(t, p.Process(Frame{Data: []byte("garbage")}))
	assert.Zero(t, det.calls)

	data, err := render.Encode(blank(20, 10), 80)
	require.NoError(t, err)
	res := p.Process(Frame{Data: data})
	require.NotNil(t, res)
	assert.Equal(t, image.Rect(0, 0, 20, 10), res.Image.Bounds())
}

func TestProcess_FPS(t *testing.T) {
	det := &fakeDetector{}
	p := newTestProcessor(t, det, DefaultConfig(), Options{})

	t0 := time.Unix(1000, 0)
	assert.Zero(t, p.Process(Frame{Image: blank(4, 4), Time: t0}).FPS)
	assert.InDelta(t, 10, p.Process(Frame{Image: blank(4, 4), Time: t0.Add(100 * time.Millisecond)}).FPS, 1e-9)
	// Samples 10 and 5 average to 7.5.
	assert.InDelta(t, 7.5, p.Process(Frame{Image: blank(4, 4), Time: t0.Add(300 * time.Millisecond)}).FPS, 1e-9)
}

func TestProcess_SettingsChangeBetweenFrames(t *testing.T) {
	det := &fakeDetector{faces: []types.Face{{Box: types.BBox{1, 1, 5, 5}, Vec: []float64{0.9, 0.43588989435406735}}}}
	s, err := NewSettings(DefaultConfig())
	require.NoError(t, err)
	g, err := gallery.New([]string{"Bob"}, [][]float64{{1, 0}})
	require.NoError(t, err)
	p := NewProcessor(det, g, s, Options{Logger: quietLogger()})

	assert.Equal(t, "Bob", p.Process(Frame{Image: blank(10, 10)}).Detections[0].Label)

	_, err = s.Modify(func(c *Config) { c.Threshold = 0.95 })
	require.NoError(t, err)
	assert.Equal(t, match.Unknown, p.Process(Frame{Image: blank(10, 10)}).Detections[0].Label)
}

func TestFPSMeter_RollingWindow(t *testing.T) {
	m := NewFPSMeter()
	t0 := time.Unix(0, 0)
	m.Tick(t0)
	now := t0
	for range 5 {
		now = now.Add(100 * time.Millisecond)
		m.Tick(now)
	}
	assert.InDelta(t, 10, m.Value(), 1e-9)

	now = now.Add(50 * time.Millisecond)
	assert.InDelta(t, 12, m.Tick(now), 1e-9) // (4*10 + 20) / 5
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Threshold too high", func(c *Config) { c.Threshold = 1.5 }},
		{"Zero skip", func(c *Config) { c.SkipInterval = 0 }},
		{"Upscale", func(c *Config) { c.Downscale = 0.5 }},
		{"Margin too large", func(c *Config) { c.CropMargin = 0.5 }},
		{"Negative margin", func(c *Config) { c.CropMargin = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidSettings)

			s, err := NewSettings(DefaultConfig())
			require.NoError(t, err)
			assert.ErrorIs(t, s.Update(cfg), ErrInvalidSettings)
			assert.Equal(t, DefaultConfig(), s.Snapshot())
		})
	}
}
