package adc

import (
	"fmt"
	"sync"
	"time"
)

// Generator produces the simulated voltage on a channel at elapsed time t.
type Generator func(channel int, t time.Duration) float64

// Fake is a deterministic in-memory ADC for tests and simulation runs. Time
// can be pinned with SetClock so regressions see reproducible sample phases.
type Fake struct {
	mu    sync.Mutex
	gain  Gain
	gen   Generator
	start time.Time
	now   func() time.Time
	reads int
}

func NewFake(gen Generator) *Fake {
	f := &Fake{gain: GainOne, gen: gen, now: time.Now}
	f.start = f.now()
	return f
}

// SetClock replaces the time source. The elapsed origin resets.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.start = now()
	f.mu.Unlock()
}

func (f *Fake) SetGain(g Gain) {
	f.mu.Lock()
	f.gain = g
	f.mu.Unlock()
}

func (f *Fake) Gain() Gain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gain
}

func (f *Fake) ReadVoltage(channel int) (float64, error) {
	if channel < 0 || channel > 3 {
		return 0, fmt.Errorf("invalid channel %d", channel)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	v := f.gen(channel, f.now().Sub(f.start))
	// the amplifier clips at the active range
	if fs := f.gain.FullScaleVolts(); v > fs {
		v = fs
	} else if v < -fs {
		v = -fs
	}
	return v, nil
}

// Reads reports the total conversions performed.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *Fake) Close() error { return nil }
