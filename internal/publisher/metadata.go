package publisher

import (
	"encoding/json"
	"fmt"
	"math"
	"maps"

	"github.com/andresmejia3/sentinel-live/internal/types"
)

// Box is one candidate face region. Before recognition it marshals as
// [x1,y1,x2,y2]; afterwards as [x1,y1,x2,y2,label,score].
type Box struct {
	Rect       types.BBox
	Label      string
	Score      float64
	Recognized bool
}

// MarshalJSON implements json.Marshaler.
func (b Box) MarshalJSON() ([]byte, error) {
	if !b.Recognized {
		return json.Marshal([4]int(b.Rect))
	}
	return json.Marshal([]any{b.Rect[0], b.Rect[1], b.Rect[2], b.Rect[3], b.Label, b.Score})
}

// UnmarshalJSON implements json.Unmarshaler. Coordinates may be sent as floats
// and are rounded to the nearest pixel.
func (b *Box) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("bbox must be an array: %w", err)
	}
	if len(parts) != 4 && len(parts) != 6 {
		return fmt.Errorf("bbox must have 4 or 6 elements, got %d", len(parts))
	}

	var out Box
	for i := range 4 {
		var v float64
		if err := json.Unmarshal(parts[i], &v); err != nil {
			return fmt.Errorf("bbox coordinate %d: %w", i, err)
		}
		out.Rect[i] = int(math.Round(v))
	}
	if len(parts) == 6 {
		if err := json.Unmarshal(parts[4], &out.Label); err != nil {
			return fmt.Errorf("bbox label: %w", err)
		}
		if err := json.Unmarshal(parts[5], &out.Score); err != nil {
			return fmt.Errorf("bbox score: %w", err)
		}
		out.Recognized = true
	}
	*b = out
	return nil
}

// Metadata is the recognition metadata attached to a frame. Fields other than
// bboxes are carried through untouched.
type Metadata struct {
	BBoxes []Box
	Extra  map[string]json.RawMessage
}

// ParseMetadata decodes a client metadata blob. An empty blob yields empty metadata.
func ParseMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata: %w", err)
	}
	return m, nil
}

// MarshalJSON implements json.Marshaler.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+1)
	maps.Copy(out, m.Extra)

	boxes := m.BBoxes
	if boxes == nil {
		boxes = []Box{}
	}
	raw, err := json.Marshal(boxes)
	if err != nil {
		return nil, err
	}
	out["bboxes"] = raw
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var out Metadata
	if raw, ok := fields["bboxes"]; ok {
		if err := json.Unmarshal(raw, &out.BBoxes); err != nil {
			return err
		}
		delete(fields, "bboxes")
	}
	if len(fields) > 0 {
		out.Extra = fields
	}
	*m = out
	return nil
}

// WithExtra returns a copy of m with key set to the JSON encoding of v.
func (m Metadata) WithExtra(key string, v any) (Metadata, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return m, err
	}
	extra := make(map[string]json.RawMessage, len(m.Extra)+1)
	maps.Copy(extra, m.Extra)
	extra[key] = raw
	m.Extra = extra
	return m, nil
}

// Detections converts the boxes for rendering.
func (m Metadata) Detections() []types.Detection {
	dets := make([]types.Detection, len(m.BBoxes))
	for i, b := range m.BBoxes {
		dets[i] = types.Detection{Box: b.Rect, Label: b.Label, Similarity: b.Score}
	}
	return dets
}

// FromDetections builds recognized metadata from processor output.
func FromDetections(dets []types.Detection) Metadata {
	boxes := make([]Box, len(dets))
	for i, d := range dets {
		boxes[i] = Box{Rect: d.Box, Label: d.Label, Score: d.Similarity, Recognized: true}
	}
	return Metadata{BBoxes: boxes}
}
