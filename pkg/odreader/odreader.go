// Package odreader is the acquisition orchestrator: it owns exclusive
// access to the emitters and ADC during a reading, runs the sampler and the
// reference tracker, and publishes each batch over the bus. It embeds the
// job lifecycle, so it pauses on sleeping, resumes on ready, and tears
// everything down on disconnect.
package odreader

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ericogr/odreader-to-mqtt/pkg/adc"
	"github.com/ericogr/odreader-to-mqtt/pkg/config"
	"github.com/ericogr/odreader-to-mqtt/pkg/job"
	"github.com/ericogr/odreader-to-mqtt/pkg/kvstore"
	"github.com/ericogr/odreader-to-mqtt/pkg/leds"
	"github.com/ericogr/odreader-to-mqtt/pkg/pubsub"
	"github.com/ericogr/odreader-to-mqtt/pkg/reference"
	"github.com/ericogr/odreader-to-mqtt/pkg/sampler"
	"github.com/ericogr/odreader-to-mqtt/pkg/timing"
)

const JobName = "od_reading"

// settleDuration lets the photodiode output stabilize after toggling LEDs.
const settleDuration = 100 * time.Millisecond

type Options struct {
	Config config.Config
	Bus    pubsub.Bus
	Store  *kvstore.Store
	Logger zerolog.Logger
	ADC    adc.ADC
	LEDs   *leds.Controller
}

type ODReader struct {
	job     *job.Job
	sampler *sampler.Sampler
	tracker reference.Tracker
	leds    *leds.Controller
	adc     adc.ADC

	irChannel string
	angles    map[int]string
	refCh     int
	hasRef    bool
	interval  time.Duration

	timer *timing.RepeatedTimer

	cycleMu sync.Mutex // serializes on-demand calls against the timer

	mu          sync.Mutex
	irIntensity float64
	latest      *ReadingBatch
	firstObs    bool
	preHooks    []func() error
	postHooks   []func(ReadingBatch)

	batchCh chan ReadingBatch

	sleep func(time.Duration)
	now   func() time.Time
}

// New wires the orchestrator: verifies hardware and configuration, seeds the
// reference tracker's blank with an all-LEDs-off baseline reading, enables
// the IR emitter, and starts periodic acquisition when an interval is
// configured. Construction failures unwind completely before returning.
func New(opts Options) (*ODReader, error) {
	cfg := opts.Config

	if cfg.IRLED.Channel == "" {
		return nil, fmt.Errorf("%w: no IR LED channel configured", config.ErrConfiguration)
	}
	angles := cfg.SignalChannels()
	if len(angles) == 0 {
		return nil, fmt.Errorf("%w: no signal channels configured", config.ErrConfiguration)
	}

	j, err := job.New(job.Options{
		Name:       JobName,
		Namespace:  cfg.Namespace,
		Unit:       cfg.Unit,
		Experiment: cfg.Experiment,
		Bus:        opts.Bus,
		Store:      opts.Store,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	o := &ODReader{
		job:         j,
		leds:        opts.LEDs,
		adc:         opts.ADC,
		irChannel:   cfg.IRLED.Channel,
		irIntensity: cfg.IRLED.Intensity,
		angles:      angles,
		interval:    cfg.Interval(),
		batchCh:     make(chan ReadingBatch, 1),
		sleep:       time.Sleep,
		now:         time.Now,
	}
	o.refCh, o.hasRef = cfg.ReferenceChannel()
	if o.hasRef {
		o.tracker = reference.NewActive(cfg.SmoothingFactor)
	} else {
		o.tracker = reference.Null{}
	}

	// any failure from here on must release everything the job has claimed,
	// including an IR emitter that was already switched on
	fail := func(err error) (*ODReader, error) {
		_ = o.leds.Set(o.irChannel, 0, JobName)
		j.Disconnect()
		return nil, err
	}

	readingDuration := sampler.DefaultReadingDuration
	if cfg.Sampling.ReadingDurationMs > 0 {
		readingDuration = time.Duration(cfg.Sampling.ReadingDurationMs) * time.Millisecond
	}
	o.sampler, err = sampler.New(opts.ADC, sampler.Config{
		Channels:          cfg.AllChannels(),
		OversamplingCount: cfg.Sampling.OversamplingCount,
		ReadingDuration:   readingDuration,
		MainsOverride:     cfg.Sampling.MainsFrequency,
		OutlierTrim:       cfg.Sampling.OutlierTrim,
		JitterFraction:    cfg.Sampling.JitterFraction,
		DynamicGain:       true,
	}, j.Logger)
	if err != nil {
		return fail(err)
	}
	o.sampler.SetOverVoltageHook(func(float64) {
		// the process is about to die; leave the emitters in a safe state
		_ = o.leds.AllOff(JobName)
	})

	if err := o.seedBlank(); err != nil {
		return fail(err)
	}

	// the sampler cannot produce signal without the IR emitter
	if err := o.leds.Set(o.irChannel, o.irIntensity, JobName); err != nil {
		return fail(fmt.Errorf("IR LED could not be started, stopping OD reading: %w", err))
	}
	o.sleep(settleDuration)
	// re-pick the starting gain now that signal is present
	if err := o.sampler.Setup(); err != nil {
		return fail(err)
	}

	if err := o.declareSettings(); err != nil {
		return fail(err)
	}
	o.registerHooks()
	o.postHooks = []func(ReadingBatch){o.publishSingles, o.publishBatch, o.signalBatch}

	if o.interval > 0 {
		minDuration := readingDuration
		if o.interval < minDuration {
			return fail(fmt.Errorf("%w: interval %s is shorter than the minimum oversampling duration %s",
				config.ErrConfiguration, o.interval, minDuration))
		}
		if o.interval < 3*minDuration/2 {
			j.Logger.Warn().Dur("interval", o.interval).Msg("interval is within 1.5x of the oversampling duration; cycles will be back to back")
		}
		o.timer = timing.New(o.interval, o.cycle, false)
		o.timer.Start()
	}

	if err := j.Ready(); err != nil {
		return fail(err)
	}
	return o, nil
}

// seedBlank locks every LED channel, forces them off, and takes one reading
// that becomes the reference tracker's dark baseline.
func (o *ODReader) seedBlank() error {
	var locked []string
	defer func() {
		for _, ch := range locked {
			o.leds.Unlock(ch)
		}
	}()
	for _, ch := range leds.Channels {
		if err := o.leds.Lock(ch); err != nil {
			return fmt.Errorf("seed blank: %w", err)
		}
		locked = append(locked, ch)
	}

	snapshot := o.leds.Snapshot()
	if err := o.leds.AllOff(JobName); err != nil {
		return err
	}
	o.sleep(settleDuration)

	if err := o.sampler.Setup(); err != nil {
		return err
	}
	dark, err := o.sampler.TakeReading()
	if err != nil {
		return fmt.Errorf("blank reading: %w", err)
	}
	if o.hasRef {
		o.tracker.SetBlank(dark[o.refCh])
	}
	return o.leds.Restore(snapshot, JobName)
}

func (o *ODReader) declareSettings() error {
	if err := o.job.DeclareSetting(job.Setting{
		Name:     "interval",
		Datatype: job.Float,
		Settable: false,
		Unit:     "s",
		Persist:  true,
	}, o.interval.Seconds()); err != nil {
		return err
	}
	if err := o.job.DeclareSetting(job.Setting{
		Name:     "ir_led_intensity",
		Datatype: job.Float,
		Settable: true,
		Unit:     "%",
		Set:      o.setIRIntensity,
	}, o.irIntensity); err != nil {
		return err
	}
	// published once, on the first observation
	return o.job.DeclareSetting(job.Setting{
		Name:     "first_od_obs_time",
		Datatype: job.String,
		Settable: false,
		Persist:  true,
	}, nil)
}

func (o *ODReader) setIRIntensity(v any) error {
	f, ok := v.(float64)
	if !ok {
		return fmt.Errorf("ir_led_intensity must be a float, got %T", v)
	}
	if f <= 0 || f > 100 {
		return fmt.Errorf("ir_led_intensity %v out of range (0, 100]", f)
	}
	o.mu.Lock()
	o.irIntensity = f
	o.mu.Unlock()
	if o.job.State() == job.Ready {
		if err := o.leds.Set(o.irChannel, f, JobName); err != nil {
			return err
		}
	}
	o.job.SetValue("ir_led_intensity", f)
	return nil
}

func (o *ODReader) registerHooks() {
	o.job.OnState(job.Sleeping, func() error {
		if o.timer != nil {
			o.timer.Pause()
		}
		return o.leds.Set(o.irChannel, 0, JobName)
	})
	o.job.OnTransition(job.Sleeping, job.Ready, func() error {
		o.mu.Lock()
		intensity := o.irIntensity
		o.mu.Unlock()
		if err := o.leds.Set(o.irChannel, intensity, JobName); err != nil {
			return err
		}
		if o.timer != nil {
			o.timer.Resume()
		}
		return nil
	})
	o.job.OnState(job.Disconnected, func() error {
		if o.timer != nil {
			// a failed cycle disconnects from the timer's own goroutine;
			// waiting for the loop here would deadlock
			o.timer.Stop()
		}
		err := o.leds.Set(o.irChannel, 0, JobName)
		o.mu.Lock()
		o.preHooks = nil
		o.postHooks = nil
		o.mu.Unlock()
		if o.adc != nil {
			if cerr := o.adc.Close(); err == nil {
				err = cerr
			}
		}
		return err
	})
}

// AddPreReadHook registers a best-effort callback run before each cycle.
func (o *ODReader) AddPreReadHook(h func() error) {
	o.mu.Lock()
	o.preHooks = append(o.preHooks, h)
	o.mu.Unlock()
}

// AddPostReadHook registers a best-effort callback run with each batch.
func (o *ODReader) AddPostReadHook(h func(ReadingBatch)) {
	o.mu.Lock()
	o.postHooks = append(o.postHooks, h)
	o.mu.Unlock()
}

// cycle is the timer body; an error escaping a full cycle is fatal to the
// job.
func (o *ODReader) cycle() {
	if o.job.State() != job.Ready {
		return
	}
	if _, err := o.RecordFromADC(); err != nil {
		o.job.FatalError(err)
	}
}

// RecordFromADC runs one full acquisition cycle and returns the batch. Lock
// release and emitter restoration happen on every exit path.
func (o *ODReader) RecordFromADC() (ReadingBatch, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.mu.Lock()
	pre := make([]func() error, len(o.preHooks))
	copy(pre, o.preHooks)
	intensity := o.irIntensity
	o.mu.Unlock()

	for _, h := range pre {
		if err := h(); err != nil {
			o.job.Logger.Debug().Err(err).Msg("pre-read hook failed")
		}
	}

	snapshot := o.leds.Snapshot()
	var locked []string
	defer func() {
		if err := o.leds.Restore(snapshot, JobName); err != nil {
			o.job.Logger.Warn().Err(err).Msg("restoring LED state")
		}
		for _, ch := range locked {
			o.leds.Unlock(ch)
		}
	}()

	for _, ch := range leds.Channels {
		if ch == o.irChannel {
			continue
		}
		if err := o.leds.Lock(ch); err != nil {
			return ReadingBatch{}, fmt.Errorf("locking LED %s: %w", ch, err)
		}
		locked = append(locked, ch)
		if err := o.leds.Set(ch, 0, JobName); err != nil {
			return ReadingBatch{}, err
		}
	}
	if err := o.leds.Set(o.irChannel, intensity, JobName); err != nil {
		return ReadingBatch{}, err
	}
	o.sleep(settleDuration)

	raw, err := o.sampler.TakeReading()
	if err != nil {
		return ReadingBatch{}, err
	}
	ts := o.now().UTC()

	if o.hasRef {
		o.tracker.Update(raw[o.refCh])
	}
	batch := ReadingBatch{Timestamp: ts, Readings: make(map[int]Reading, len(o.angles))}
	for ch, angle := range o.angles {
		batch.Readings[ch] = Reading{
			Channel:   ch,
			Angle:     angle,
			Voltage:   o.tracker.Apply(raw[ch]),
			Timestamp: ts,
		}
	}

	o.mu.Lock()
	o.latest = &batch
	first := !o.firstObs
	o.firstObs = true
	post := make([]func(ReadingBatch), len(o.postHooks))
	copy(post, o.postHooks)
	o.mu.Unlock()

	if first {
		o.job.SetValue("first_od_obs_time", ts.Format(time.RFC3339Nano))
	}
	for _, h := range post {
		h(batch)
	}
	return batch, nil
}

func (o *ODReader) publishSingles(batch ReadingBatch) {
	for ch, r := range batch.Readings {
		o.job.Publish("od_raw/"+strconv.Itoa(ch), r, false)
	}
}

func (o *ODReader) publishBatch(batch ReadingBatch) {
	o.job.Publish("od_raw_batched", batch, false)
}

func (o *ODReader) signalBatch(batch ReadingBatch) {
	// drop the stale batch if nobody consumed it
	select {
	case o.batchCh <- batch:
	default:
		select {
		case <-o.batchCh:
		default:
		}
		select {
		case o.batchCh <- batch:
		default:
		}
	}
}

// Batches yields one batch per completed cycle; receive on it to consume
// readings as a blocking iterator.
func (o *ODReader) Batches() <-chan ReadingBatch { return o.batchCh }

// Latest returns the most recent batch, if any cycle has completed.
func (o *ODReader) Latest() (ReadingBatch, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.latest == nil {
		return ReadingBatch{}, false
	}
	return *o.latest, true
}

// Job exposes the embedded lifecycle for callers that block or disconnect.
func (o *ODReader) Job() *job.Job { return o.job }

// Sampler exposes the underlying sampler (read-only use: cached frequency,
// current gain).
func (o *ODReader) Sampler() *sampler.Sampler { return o.sampler }
