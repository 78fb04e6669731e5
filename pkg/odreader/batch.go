package odreader

import "time"

// Reading is one normalized voltage from one photodiode channel. Immutable
// once produced.
type Reading struct {
	Channel   int       `json:"channel"`
	Angle     string    `json:"angle"`
	Voltage   float64   `json:"voltage"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadingBatch is the set of readings from one acquisition cycle; the unit
// published on od_raw_batched.
type ReadingBatch struct {
	Timestamp time.Time       `json:"timestamp"`
	Readings  map[int]Reading `json:"readings"`
}

// Voltages flattens the batch to its channel -> voltage map.
func (b ReadingBatch) Voltages() map[int]float64 {
	out := make(map[int]float64, len(b.Readings))
	for ch, r := range b.Readings {
		out[ch] = r.Voltage
	}
	return out
}
