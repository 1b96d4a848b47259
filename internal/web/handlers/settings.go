package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/andresmejia3/sentinel-live/internal/pipeline"
)

// SettingsHandler exposes the interactive processing controls.
type SettingsHandler struct {
	settings *pipeline.Settings
	editable map[string]bool
}

// NewSettingsHandler serves s. When editable names JSON fields, updates
// touching any other field are rejected.
func NewSettingsHandler(s *pipeline.Settings, editable ...string) *SettingsHandler {
	h := &SettingsHandler{settings: s}
	if len(editable) > 0 {
		h.editable = make(map[string]bool, len(editable))
		for _, f := range editable {
			h.editable[f] = true
		}
	}
	return h
}

// Get returns the current settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.settings.Snapshot())
}

// Update applies a partial JSON document; omitted fields keep their value.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var patch pipeline.Config
	if err := json.Unmarshal(body, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.editable != nil {
		for name := range fields {
			if !h.editable[name] {
				respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("setting %q cannot be changed here", name))
				return
			}
		}
	}

	cfg, err := h.settings.Modify(func(c *pipeline.Config) {
		_ = json.Unmarshal(body, c)
	})
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}
