package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/sentinel-live/internal/gallery"
	"github.com/andresmejia3/sentinel-live/internal/pipeline"
	"github.com/andresmejia3/sentinel-live/internal/publisher"
	"github.com/andresmejia3/sentinel-live/internal/render"
	"github.com/andresmejia3/sentinel-live/internal/types"
)

type stubDetector struct {
	faces []types.Face
	err   error
}

func (d *stubDetector) Detect(image.Image) ([]types.Face, error) {
	return d.faces, d.err
}

type memoryLog struct {
	lines []publisher.Metadata
}

func (m *memoryLog) Append(_ context.Context, meta publisher.Metadata) error {
	m.lines = append(m.lines, meta)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	data, err := render.Encode(image.NewRGBA(image.Rect(0, 0, 64, 48)), 80)
	require.NoError(t, err)
	return data
}

func newHandler(t *testing.T, det *stubDetector) (*RecognitionHandler, *publisher.Slot, *memoryLog) {
	t.Helper()
	g, err := gallery.New([]string{"Alice"}, [][]float64{{1, 0}})
	require.NoError(t, err)
	slot := &publisher.Slot{}
	logs := &memoryLog{}
	rec := publisher.NewRecognizer(det, g, nil, quietLogger())
	return NewRecognitionHandler(rec, slot, logs, nil, quietLogger()), slot, logs
}

// multipartBody builds a form with the given file parts and text fields.
func multipartBody(t *testing.T, files map[string][][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, contents := range files {
		for i, data := range contents {
			fw, err := mw.CreateFormFile(field, field+string(rune('a'+i))+".jpg")
			require.NoError(t, err)
			_, err = fw.Write(data)
			require.NoError(t, err)
		}
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload_Recognizes(t *testing.T) {
	h, slot, logs := newHandler(t, &stubDetector{faces: []types.Face{{Vec: []float64{1, 0}}}})
	frame := testJPEG(t)
	body, ct := multipartBody(t,
		map[string][][]byte{"frame": {frame}},
		map[string]string{"metadata": `{"bboxes":[[0,0,32,32]],"client":"cam-1"}`})

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"recognized","meta":{"bboxes":[[0,0,32,32,"Alice",1]],"client":"cam-1"}}`, rec.Body.String())

	snap, ok := slot.Read()
	require.True(t, ok)
	assert.Equal(t, frame, snap.Frame)
	assert.Equal(t, "Alice", snap.Meta.BBoxes[0].Label)
	require.Len(t, logs.lines, 1)
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		files  map[string][][]byte
		fields map[string]string
		status int
	}{
		{"Missing frame", nil, map[string]string{"metadata": `{"bboxes":[]}`}, http.StatusBadRequest},
		{"Bad metadata", map[string][][]byte{"frame": {{1}}}, map[string]string{"metadata": `{"bboxes":[[1]]}`}, http.StatusBadRequest},
		{"Undecodable frame", map[string][][]byte{"frame": {[]byte("nope")}}, map[string]string{"metadata": `{}`}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, slot, _ := newHandler(t, &stubDetector{})
			body, ct := multipartBody(t, tt.files, tt.fields)
			req := httptest.NewRequest(http.MethodPost, "/upload", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			h.Upload(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"status":"error"`)
			_, ok := slot.Read()
			assert.False(t, ok, "slot must stay untouched")
		})
	}
}

func TestUpload_DetectorFailureLeavesSlot(t *testing.T) {
	h, slot, logs := newHandler(t, &stubDetector{err: errors.New("worker crashed")})
	body, ct := multipartBody(t,
		map[string][][]byte{"frame": {testJPEG(t)}},
		map[string]string{"metadata": `{"bboxes":[[0,0,10,10]]}`})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	_, ok := slot.Read()
	assert.False(t, ok)
	assert.Empty(t, logs.lines)
}

func TestAverageEmbedding(t *testing.T) {
	h, _, _ := newHandler(t, &stubDetector{faces: []types.Face{{Vec: []float64{0, 3}}}})
	body, ct := multipartBody(t, map[string][][]byte{"files": {testJPEG(t), testJPEG(t)}}, nil)
	req := httptest.NewRequest(http.MethodPost, "/calculate_average_embedding", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.AverageEmbedding(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AverageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 2, resp.Count)
	assert.InDeltaSlice(t, []float64{0, 1}, resp.Embedding, 1e-9)
}

func TestAverageEmbedding_NoFaces(t *testing.T) {
	h, _, _ := newHandler(t, &stubDetector{})
	body, ct := multipartBody(t, map[string][][]byte{"files": {testJPEG(t)}}, nil)
	req := httptest.NewRequest(http.MethodPost, "/calculate_average_embedding", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.AverageEmbedding(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"error","message":"no faces detected in any of the images"}`, rec.Body.String())
}

func TestMetadata(t *testing.T) {
	h, slot, _ := newHandler(t, &stubDetector{})

	rec := httptest.NewRecorder()
	h.Metadata(rec, httptest.NewRequest(http.MethodGet, "/metadata", nil))
	assert.JSONEq(t, `{}`, rec.Body.String())

	slot.Write([]byte{0xFF, 0xD8}, publisher.Metadata{BBoxes: []publisher.Box{{Rect: types.BBox{1, 2, 3, 4}}}})
	rec = httptest.NewRecorder()
	h.Metadata(rec, httptest.NewRequest(http.MethodGet, "/metadata", nil))
	assert.JSONEq(t, `{"bboxes":[[1,2,3,4]]}`, rec.Body.String())
}

func TestSettings(t *testing.T) {
	s, err := pipeline.NewSettings(pipeline.DefaultConfig())
	require.NoError(t, err)
	h := NewSettingsHandler(s)

	rec := httptest.NewRecorder()
	h.Update(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(`{"skip_interval":3,"central_only":true}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := s.Snapshot()
	assert.Equal(t, 3, got.SkipInterval)
	assert.True(t, got.CentralOnly)
	assert.InDelta(t, 0.3, got.Threshold, 1e-9)

	rec = httptest.NewRecorder()
	h.Update(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(`{"downscale":0}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, got, s.Snapshot())

	rec = httptest.NewRecorder()
	h.Update(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(`{nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	var cfg pipeline.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, got, cfg)
}

func TestSettings_EditableFields(t *testing.T) {
	s, err := pipeline.NewSettings(pipeline.DefaultConfig())
	require.NoError(t, err)
	h := NewSettingsHandler(s, "threshold")

	rec := httptest.NewRecorder()
	h.Update(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(`{"threshold":0.55}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := s.Snapshot()
	assert.InDelta(t, 0.55, got.Threshold, 1e-9)

	for _, body := range []string{`{"skip_interval":3}`, `{"threshold":0.6,"central_only":true}`} {
		rec = httptest.NewRecorder()
		h.Update(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(body)))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
		assert.Contains(t, rec.Body.String(), "cannot be changed", body)
		assert.Equal(t, got, s.Snapshot(), body)
	}
}

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
