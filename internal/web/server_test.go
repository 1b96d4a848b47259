package web

import (
	"context"
	"image"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/sentinel-live/internal/metrics"
	"github.com/andresmejia3/sentinel-live/internal/pipeline"
	"github.com/andresmejia3/sentinel-live/internal/publisher"
	"github.com/andresmejia3/sentinel-live/internal/render"
	"github.com/andresmejia3/sentinel-live/internal/types"
)

type noFaces struct{}

func (noFaces) Detect(image.Image) ([]types.Face, error) { return nil, nil }

func newTestServer(t *testing.T) (*Server, *publisher.Slot) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := metrics.New()
	require.NoError(t, err)
	settings, err := pipeline.NewSettings(pipeline.DefaultConfig())
	require.NoError(t, err)

	slot := &publisher.Slot{}
	srv := NewServer(":0", Deps{
		Recognizer: publisher.NewRecognizer(noFaces{}, nil, nil, log),
		Slot:       slot,
		Streamer:   publisher.NewStreamer(slot, publisher.StreamerOptions{PollInterval: 5 * time.Millisecond, Logger: log}),
		Settings:   settings,
		Metrics:    m,
		Logger:     log,
	})
	return srv, slot
}

func TestRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/v1/health", http.StatusOK},
		{http.MethodGet, "/metadata", http.StatusOK},
		{http.MethodGet, "/api/v1/settings", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/upload", http.StatusMethodNotAllowed},
		{http.MethodOptions, "/upload", http.StatusNoContent},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestVideoFeed(t *testing.T) {
	srv, slot := newTestServer(t)
	frame, err := render.Encode(image.NewRGBA(image.Rect(0, 0, 32, 32)), 80)
	require.NoError(t, err)
	slot.Write(frame, publisher.Metadata{})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/video_feed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, publisher.ContentType, resp.Header.Get("Content-Type"))
	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(resp.Body, buf, len("--frame"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "--frame"))
}

func TestServe_ShutdownClosesVideoFeed(t *testing.T) {
	srv, slot := newTestServer(t)
	frame, err := render.Encode(image.NewRGBA(image.Rect(0, 0, 32, 32)), 80)
	require.NoError(t, err)
	slot.Write(frame, publisher.Metadata{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/video_feed")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := make([]byte, len("--frame"))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)

	// The viewer stays connected while the server stops.
	start := time.Now()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(4 * time.Second):
		t.Fatal("server did not shut down with an open video feed")
	}
}
