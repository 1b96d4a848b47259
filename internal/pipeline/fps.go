package pipeline

import "time"

// fpsWindow is the number of instantaneous samples averaged.
const fpsWindow = 5

// FPSMeter smooths the processing rate over a short window of recent samples.
type FPSMeter struct {
	samples []float64
	next    int
	last    time.Time
}

// NewFPSMeter returns an empty meter.
func NewFPSMeter() *FPSMeter {
	return &FPSMeter{samples: make([]float64, 0, fpsWindow)}
}

// Tick records a processed frame at now and returns the smoothed rate.
// The first tick has no previous frame to measure against and reports 0.
func (m *FPSMeter) Tick(now time.Time) float64 {
	prev := m.last
	m.last = now
	if prev.IsZero() {
		return m.Value()
	}
	dt := now.Sub(prev).Seconds()
	if dt <= 0 {
		return m.Value()
	}
	inst := 1 / dt
	if len(m.samples) < fpsWindow {
		m.samples = append(m.samples, inst)
	} else {
		m.samples[m.next] = inst
		m.next = (m.next + 1) % fpsWindow
	}
	return m.Value()
}

// Value returns the rolling mean, or 0 before the first measurement.
func (m *FPSMeter) Value() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	return sum / float64(len(m.samples))
}
