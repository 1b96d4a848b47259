package handlers

import (
	"net/http"
	"time"

	"github.com/andresmejia3/sentinel-live/internal/publisher"
)

// StreamHandler serves the MJPEG feed.
type StreamHandler struct {
	streamer *publisher.Streamer
}

func NewStreamHandler(s *publisher.Streamer) *StreamHandler {
	return &StreamHandler{streamer: s}
}

// VideoFeed handles GET /video_feed. The response only ends when the client
// disconnects or the server shuts down.
func (h *StreamHandler) VideoFeed(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The server write timeout would cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", publisher.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	_ = h.streamer.Stream(r.Context(), w, func() { _ = rc.Flush() })
}
