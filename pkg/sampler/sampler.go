// Package sampler extracts a clean per-channel voltage from the ADC in the
// presence of mains-frequency interference. Each reading oversamples every
// channel, regresses the samples against a sinusoid at the detected mains
// frequency, and keeps the fitted constant. The sampler also owns the ADC's
// amplifier gain, escalating or de-escalating it as the signal drifts.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ericogr/odreader-to-mqtt/pkg/adc"
	"github.com/ericogr/odreader-to-mqtt/pkg/stats"
)

var ErrNotSetup = errors.New("sampler: Setup must run before TakeReading")

// ErrOverVoltage is reported when a sample nears the amplifier's damage
// threshold. By the time a caller sees it the emergency path has already
// fired.
var ErrOverVoltage = errors.New("sampler: over-voltage")

const (
	// overVoltageThreshold is close to the op-amp's absolute maximum; at or
	// above it the process shuts everything off and terminates.
	overVoltageThreshold = 3.2
	// warnVoltage is well above any normal culture signal.
	warnVoltage = 2.75

	checkGainEvery = 5

	// DefaultReadingDuration is the wall-clock window one oversampled
	// reading occupies; callers must not schedule cycles faster than this.
	DefaultReadingDuration = 800 * time.Millisecond

	emaAlpha = 0.15

	// goldenRatioConjugate drives the low-discrepancy jitter sequence that
	// decorrelates sample phase from the mains period.
	goldenRatioConjugate = 0.6180339887498949
)

type Config struct {
	Channels []int
	// OversamplingCount is samples per channel per reading.
	OversamplingCount int
	// ReadingDuration is the wall-clock window one reading should occupy.
	ReadingDuration time.Duration
	// MainsCandidates are the AC frequencies tried on the first reading.
	MainsCandidates []float64
	// MainsOverride skips detection entirely when > 0.
	MainsOverride float64
	// OutlierTrim is samples discarded from each extreme before the fit.
	OutlierTrim    int
	JitterFraction float64
	DynamicGain    bool
	// PriorWeight scales the ridge pull of the constant toward the previous
	// reading; the effective weight shrinks as oversampling grows.
	PriorWeight float64
}

func (c *Config) withDefaults() {
	if c.OversamplingCount == 0 {
		c.OversamplingCount = 26
	}
	if c.ReadingDuration == 0 {
		c.ReadingDuration = DefaultReadingDuration
	}
	if len(c.MainsCandidates) == 0 {
		c.MainsCandidates = []float64{60, 50}
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = 0.1
	}
	if c.PriorWeight == 0 {
		c.PriorWeight = 0.05
	}
}

type Sampler struct {
	adc adc.ADC
	cfg Config
	log zerolog.Logger

	ready   bool
	counter int
	gain    adc.Gain
	peakEMA *stats.EMA
	// mains is chosen once, on the first reading, and cached for the
	// sampler's lifetime.
	mains  float64
	prior  map[int]float64
	jitter int

	// onOverVoltage runs before terminating, so the orchestrator can force
	// emitters off and announce the failure.
	onOverVoltage func(v float64)
	fatal         func()
	sleep         func(time.Duration)
	clock         func() time.Time
}

// New builds a sampler over a verified ADC. A nil ADC means the companion
// hardware was never found.
func New(a adc.ADC, cfg Config, log zerolog.Logger) (*Sampler, error) {
	if a == nil {
		return nil, adc.ErrHardwareNotFound
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("sampler: no channels configured")
	}
	cfg.withDefaults()
	s := &Sampler{
		adc:     a,
		cfg:     cfg,
		log:     log,
		gain:    adc.GainOne,
		peakEMA: stats.NewEMA(emaAlpha),
		prior:   make(map[int]float64),
		fatal:   func() { os.Exit(1) },
		sleep:   time.Sleep,
		clock:   time.Now,
	}
	if cfg.MainsOverride > 0 {
		s.mains = cfg.MainsOverride
	}
	return s, nil
}

// SetOverVoltageHook installs the emergency callback run before the process
// self-terminates.
func (s *Sampler) SetOverVoltageHook(h func(v float64)) { s.onOverVoltage = h }

// Setup performs one ungained sweep across the channels to pick a starting
// gain. Must precede TakeReading.
func (s *Sampler) Setup() error {
	s.adc.SetGain(adc.GainTwoThirds)
	var maxSignal float64
	for _, ch := range s.cfg.Channels {
		v, err := s.adc.ReadVoltage(ch)
		if err != nil {
			return fmt.Errorf("sampler setup: %w", err)
		}
		if v > maxSignal {
			maxSignal = v
		}
	}
	if maxSignal >= overVoltageThreshold {
		return s.emergency(maxSignal)
	}
	s.gain = adc.GainForVoltage(maxSignal)
	s.adc.SetGain(s.gain)
	s.log.Debug().Stringer("gain", s.gain).Float64("max_signal", maxSignal).Msg("starting gain selected")
	s.ready = true
	return nil
}

// MainsFrequency reports the cached AC interference frequency; 0 until the
// first reading has run.
func (s *Sampler) MainsFrequency() float64 { return s.mains }

// Gain reports the gain the sampler currently wants active.
func (s *Sampler) Gain() adc.Gain { return s.gain }

type sample struct {
	t time.Duration
	v float64
}

// TakeReading oversamples every channel, fits out the mains interference and
// returns the per-channel voltages.
func (s *Sampler) TakeReading() (map[int]float64, error) {
	if !s.ready {
		return nil, ErrNotSetup
	}
	// reconcile the shared gain register; a co-resident reader may have
	// moved it since the last reading
	s.adc.SetGain(s.gain)

	n := s.cfg.OversamplingCount
	slot := s.cfg.ReadingDuration / time.Duration(n)
	samples := make(map[int][]sample, len(s.cfg.Channels))
	start := s.clock()

	s.counter++
	for round := 0; round < n; round++ {
		for _, ch := range s.cfg.Channels {
			v, err := s.adc.ReadVoltage(ch)
			if err != nil {
				return nil, fmt.Errorf("read channel %d: %w", ch, err)
			}
			samples[ch] = append(samples[ch], sample{t: s.clock().Sub(start), v: v})

			if v >= overVoltageThreshold {
				return nil, s.emergency(v)
			}
			if v >= warnVoltage && s.counter%60 == 0 {
				s.log.Warn().Int("channel", ch).Float64("voltage", v).Msg("channel is recording a very high voltage; keep it under 3.2V")
			}
		}
		if round < n-1 {
			// hold the total reading near its window, compensating for the
			// time sampling already consumed, plus a deterministic jitter
			// that decorrelates sample phase from the mains period
			elapsed := s.clock().Sub(start)
			target := slot * time.Duration(round+1)
			jit := time.Duration(float64(slot) * s.cfg.JitterFraction * s.nextJitter())
			if d := target - elapsed + jit; d > 0 {
				s.sleep(d)
			}
		}
	}

	if s.mains == 0 {
		s.mains = s.detectMains(samples[s.cfg.Channels[0]])
		s.log.Info().Float64("frequency_hz", s.mains).Msg("AC interference frequency locked")
	}

	intervalSec := slot.Seconds()
	results := make(map[int]float64, len(samples))
	for ch, ss := range samples {
		ts, ys := splitSamples(ss)
		ts, ys = trimOutliers(ts, ys, s.cfg.OutlierTrim)

		prior, hasPrior := s.prior[ch]
		var ridge float64
		if hasPrior && intervalSec > 0 {
			ridge = s.cfg.PriorWeight / (float64(n) * intervalSec)
		}

		c, _, err := fitFixedFreq(ts, ys, s.mains, prior, ridge)
		if err != nil {
			// degrade instead of crashing: use the plain mean
			s.log.Warn().Int("channel", ch).Msg("singular regression, falling back to mean of samples")
			c = mean(ys)
		}
		if c < 0 {
			c = 0
		}
		results[ch] = c
		s.prior[ch] = c
	}

	if s.cfg.DynamicGain {
		var peak float64
		for _, v := range results {
			if v > peak {
				peak = v
			}
		}
		s.peakEMA.Update(peak)
		if s.counter%checkGainEvery == 1 {
			if v, ok := s.peakEMA.Value(); ok {
				s.reviewGain(v)
			}
		}
	}
	return results, nil
}

func (s *Sampler) reviewGain(smoothedPeak float64) {
	g := adc.GainForVoltage(smoothedPeak)
	if g == s.gain {
		return
	}
	s.gain = g
	s.adc.SetGain(g)
	s.log.Debug().Stringer("gain", g).Float64("smoothed_peak", smoothedPeak).Msg("ADC gain updated")
}

// detectMains fits the regression against each candidate frequency on one
// channel's samples and keeps the one minimizing the AIC score.
func (s *Sampler) detectMains(ss []sample) float64 {
	ts, ys := splitSamples(ss)
	ts, ys = trimOutliers(ts, ys, s.cfg.OutlierTrim)

	best := s.cfg.MainsCandidates[0]
	bestAIC := math.Inf(1)
	for _, f := range s.cfg.MainsCandidates {
		_, aic, err := fitFixedFreq(ts, ys, f, 0, 0)
		if err != nil {
			continue
		}
		if aic < bestAIC {
			bestAIC = aic
			best = f
		}
	}
	return best
}

func (s *Sampler) emergency(v float64) error {
	s.log.Error().Float64("voltage", v).Msg("voltage at the amplifier damage threshold; forcing emitters off and terminating")
	if s.onOverVoltage != nil {
		s.onOverVoltage(v)
	}
	s.fatal()
	return fmt.Errorf("%w: %.2fV", ErrOverVoltage, v)
}

// nextJitter walks the golden-ratio fractional sequence in [0, 1).
func (s *Sampler) nextJitter() float64 {
	s.jitter++
	_, frac := math.Modf(float64(s.jitter) * goldenRatioConjugate)
	return frac
}

func splitSamples(ss []sample) ([]float64, []float64) {
	ts := make([]float64, len(ss))
	ys := make([]float64, len(ss))
	for i, smp := range ss {
		ts[i] = smp.t.Seconds()
		ys[i] = smp.v
	}
	return ts, ys
}
