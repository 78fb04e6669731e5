// Package reference compensates for IR LED output drift. A photodiode aimed
// straight at the LED tracks its output over time; dividing the culture
// signals by the smoothed output ratio removes the drift.
package reference

import (
	"github.com/ericogr/odreader-to-mqtt/pkg/stats"
)

// Tracker normalizes raw signals against the reference channel's drift.
type Tracker interface {
	// Update feeds one reading from the reference photodiode.
	Update(referenceReading float64)
	// SetBlank records the dark (LED off) baseline. Only meaningful before
	// the first Update.
	SetBlank(value float64)
	// Apply divides a raw signal by the current smoothed drift factor.
	Apply(rawSignal float64) float64
}

// Null never adjusts; used when no reference channel is configured.
type Null struct{}

func (Null) Update(float64)            {}
func (Null) SetBlank(float64)          {}
func (Null) Apply(raw float64) float64 { return raw }

// baselineSamples is how many initial readings establish the LED's nominal
// output.
const baselineSamples = 10

// Active tracks one reference channel. Under extreme drift the factor can go
// negative or unbounded; that non-physical output is passed through rather
// than clamped, and consumers must tolerate it.
type Active struct {
	initial stats.RunningAverage
	factor  *stats.EMA
	blank   float64
}

// NewActive creates a tracker with the given EMA smoothing factor.
func NewActive(smoothing float64) *Active {
	return &Active{factor: stats.NewEMA(smoothing)}
}

func (a *Active) SetBlank(value float64) {
	if a.initial.Count() == 0 {
		a.blank = value
	}
}

func (a *Active) Update(referenceReading float64) {
	if a.initial.Count() < baselineSamples {
		a.initial.Update(referenceReading)
		return
	}
	initial, _ := a.initial.Value()
	a.factor.Update((referenceReading - a.blank) / (initial - a.blank))
}

func (a *Active) Apply(rawSignal float64) float64 {
	f, ok := a.factor.Value()
	if !ok {
		return rawSignal
	}
	return rawSignal / f
}

// Factor exposes the current smoothed output ratio, if one exists.
func (a *Active) Factor() (float64, bool) {
	return a.factor.Value()
}
