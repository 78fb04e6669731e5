package sampler

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericogr/odreader-to-mqtt/pkg/adc"
)

// virtualClock only moves when the sampler sleeps, so sample phases are fully
// reproducible.
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Unix(0, 0)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newVirtualSampler(t *testing.T, fake *adc.Fake, cfg Config) (*Sampler, *virtualClock) {
	t.Helper()
	s, err := New(fake, cfg, zerolog.Nop())
	require.NoError(t, err)
	vc := newVirtualClock()
	s.clock = vc.Now
	s.sleep = vc.Advance
	fake.SetClock(vc.Now)
	return s, vc
}

func rippleGenerator(level float64, mainsHz *float64) adc.Generator {
	return func(ch int, t time.Duration) float64 {
		return level + 0.01*math.Sin(2*math.Pi*(*mainsHz)*t.Seconds())
	}
}

func TestTakeReadingRemovesMainsInterference(t *testing.T) {
	mains := 60.0
	fake := adc.NewFake(rippleGenerator(0.2, &mains))
	s, _ := newVirtualSampler(t, fake, Config{Channels: []int{0, 1}})

	require.NoError(t, s.Setup())
	readings, err := s.TakeReading()
	require.NoError(t, err)

	require.Len(t, readings, 2)
	assert.InDelta(t, 0.2, readings[0], 1e-3)
	assert.InDelta(t, 0.2, readings[1], 1e-3)
	assert.Equal(t, 60.0, s.MainsFrequency())
}

func TestMainsFrequencyDetectedOnceAndCached(t *testing.T) {
	mains := 50.0
	fake := adc.NewFake(rippleGenerator(0.2, &mains))
	s, _ := newVirtualSampler(t, fake, Config{Channels: []int{0}})

	require.NoError(t, s.Setup())
	_, err := s.TakeReading()
	require.NoError(t, err)
	assert.Equal(t, 50.0, s.MainsFrequency())

	// the interference moves but the locked frequency must not
	mains = 60.0
	_, err = s.TakeReading()
	require.NoError(t, err)
	assert.Equal(t, 50.0, s.MainsFrequency())
}

func TestMainsOverrideSkipsDetection(t *testing.T) {
	mains := 60.0
	fake := adc.NewFake(rippleGenerator(0.2, &mains))
	s, _ := newVirtualSampler(t, fake, Config{Channels: []int{0}, MainsOverride: 50})

	assert.Equal(t, 50.0, s.MainsFrequency())
	require.NoError(t, s.Setup())
	_, err := s.TakeReading()
	require.NoError(t, err)
	assert.Equal(t, 50.0, s.MainsFrequency())
}

func TestTakeReadingRequiresSetup(t *testing.T) {
	fake := adc.NewFake(func(int, time.Duration) float64 { return 0.1 })
	s, err := New(fake, Config{Channels: []int{0}}, zerolog.Nop())
	require.NoError(t, err)

	_, err = s.TakeReading()
	assert.ErrorIs(t, err, ErrNotSetup)
}

func TestDegenerateSamplesFallBackToMean(t *testing.T) {
	fake := adc.NewFake(func(int, time.Duration) float64 { return 0.2 })
	s, err := New(fake, Config{Channels: []int{0}, MainsOverride: 60}, zerolog.Nop())
	require.NoError(t, err)
	// frozen clock: every sample lands on the same timestamp
	fixed := time.Unix(0, 0)
	s.clock = func() time.Time { return fixed }
	s.sleep = func(time.Duration) {}
	fake.SetClock(s.clock)

	require.NoError(t, s.Setup())
	readings, err := s.TakeReading()
	require.NoError(t, err)
	assert.InDelta(t, 0.2, readings[0], 1e-9)
}

func TestSetupPicksNarrowSafeGain(t *testing.T) {
	fake := adc.NewFake(func(int, time.Duration) float64 { return 0.02 })
	s, _ := newVirtualSampler(t, fake, Config{Channels: []int{0}})

	require.NoError(t, s.Setup())
	assert.Equal(t, adc.GainSixteen, s.Gain())
	assert.Equal(t, adc.GainSixteen, fake.Gain())
}

func TestDynamicGainEscalatesWhenSignalGrows(t *testing.T) {
	level := 0.02
	fake := adc.NewFake(func(int, time.Duration) float64 { return level })
	s, _ := newVirtualSampler(t, fake, Config{Channels: []int{0}, MainsOverride: 60, DynamicGain: true})

	require.NoError(t, s.Setup())
	require.Equal(t, adc.GainSixteen, s.Gain())

	// the signal outgrows the ±0.256 V range; the amplifier clips it there
	// and the first gain review widens the range
	level = 0.3
	readings, err := s.TakeReading()
	require.NoError(t, err)
	assert.InDelta(t, 0.256, readings[0], 1e-3)
	assert.Equal(t, adc.GainEight, s.Gain())

	readings, err = s.TakeReading()
	require.NoError(t, err)
	assert.InDelta(t, 0.3, readings[0], 1e-3)
}

func TestOverVoltageEmergency(t *testing.T) {
	// high enough that setup keeps a wide amplifier range, low enough to pass
	level := 3.0
	fake := adc.NewFake(func(int, time.Duration) float64 { return level })
	s, _ := newVirtualSampler(t, fake, Config{Channels: []int{0}, MainsOverride: 60})

	fatalCalled := false
	s.fatal = func() { fatalCalled = true }
	var hookVoltage float64
	s.SetOverVoltageHook(func(v float64) { hookVoltage = v })

	require.NoError(t, s.Setup())
	require.Equal(t, adc.GainOne, s.Gain())

	level = 3.5
	_, err := s.TakeReading()
	assert.ErrorIs(t, err, ErrOverVoltage)
	assert.True(t, fatalCalled)
	assert.InDelta(t, 3.5, hookVoltage, 1e-9)
}

func TestOverVoltageDuringSetup(t *testing.T) {
	fake := adc.NewFake(func(int, time.Duration) float64 { return 4.0 })
	s, _ := newVirtualSampler(t, fake, Config{Channels: []int{0}})

	fatalCalled := false
	s.fatal = func() { fatalCalled = true }

	err := s.Setup()
	assert.ErrorIs(t, err, ErrOverVoltage)
	assert.True(t, fatalCalled)
}

func TestNilADCRefused(t *testing.T) {
	_, err := New(nil, Config{Channels: []int{0}}, zerolog.Nop())
	assert.ErrorIs(t, err, adc.ErrHardwareNotFound)

	fake := adc.NewFake(func(int, time.Duration) float64 { return 0 })
	_, err = New(fake, Config{}, zerolog.Nop())
	assert.Error(t, err)
}
