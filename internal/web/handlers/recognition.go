package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/andresmejia3/sentinel-live/internal/metrics"
	"github.com/andresmejia3/sentinel-live/internal/publisher"
)

// RecognitionHandler serves the ingestion side: uploads, embedding averaging
// and the current metadata.
type RecognitionHandler struct {
	recognizer *publisher.Recognizer
	slot       *publisher.Slot
	logs       publisher.RecognitionLog
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// NewRecognitionHandler creates the handler. logs may be nil.
func NewRecognitionHandler(rec *publisher.Recognizer, slot *publisher.Slot, logs publisher.RecognitionLog, m *metrics.Metrics, log *slog.Logger) *RecognitionHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RecognitionHandler{recognizer: rec, slot: slot, logs: logs, metrics: m, log: log}
}

// UploadResponse is the body returned by Upload.
type UploadResponse struct {
	Status string             `json:"status"`
	Meta   publisher.Metadata `json:"meta"`
}

// Upload handles POST /upload: a JPEG "frame" plus a JSON "metadata" field
// listing candidate boxes. The recognized metadata replaces the shared slot.
func (h *RecognitionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		h.metrics.RecordUpload("rejected")
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("frame")
	if err != nil {
		h.metrics.RecordUpload("rejected")
		respondError(w, http.StatusBadRequest, "missing frame")
		return
	}
	frame, err := readAll(file)
	if err != nil {
		h.metrics.RecordUpload("rejected")
		respondError(w, http.StatusBadRequest, "failed to read frame")
		return
	}

	meta, err := publisher.ParseMetadata([]byte(r.FormValue("metadata")))
	if err != nil {
		h.metrics.RecordUpload("rejected")
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.recognizer.Recognize(r.Context(), frame, meta)
	if err != nil {
		if errors.Is(err, publisher.ErrInvalidFrame) {
			h.metrics.RecordUpload("rejected")
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("recognition failed", "error", err)
		h.metrics.RecordUpload("failed")
		respondError(w, http.StatusInternalServerError, "recognition failed")
		return
	}

	h.slot.Write(frame, out)
	if h.logs != nil {
		if err := h.logs.Append(r.Context(), out); err != nil {
			h.log.Warn("failed to append recognition log", "error", err)
		}
	}
	h.metrics.RecordUpload("recognized")
	respondJSON(w, http.StatusOK, UploadResponse{Status: "recognized", Meta: out})
}

// AverageResponse is the success body of AverageEmbedding.
type AverageResponse struct {
	Status    string    `json:"status"`
	Embedding []float64 `json:"embedding"`
	Count     int       `json:"count"`
	Faces     int       `json:"faces"`
}

// AverageEmbedding handles POST /calculate_average_embedding with one or more
// "files" parts and returns the averaged, normalized embedding.
func (h *RecognitionHandler) AverageEmbedding(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		respondError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	images := make([][]byte, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to open "+fh.Filename)
			return
		}
		data, err := readAll(f)
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read "+fh.Filename)
			return
		}
		images = append(images, data)
	}

	vec, faces, err := h.recognizer.AverageEmbedding(r.Context(), images)
	if err != nil {
		if errors.Is(err, publisher.ErrNoFaces) {
			respondError(w, http.StatusOK, err.Error())
			return
		}
		h.log.Error("average embedding failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, AverageResponse{Status: "success", Embedding: vec, Count: len(images), Faces: faces})
}

// Metadata handles GET /metadata. Before the first upload it returns {}.
func (h *RecognitionHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.slot.Read()
	if !ok {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	respondJSON(w, http.StatusOK, snap.Meta)
}

func readAll(f multipart.File) ([]byte, error) {
	defer f.Close()
	return io.ReadAll(f)
}
