package odreader

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericogr/odreader-to-mqtt/pkg/adc"
	"github.com/ericogr/odreader-to-mqtt/pkg/config"
	"github.com/ericogr/odreader-to-mqtt/pkg/job"
	"github.com/ericogr/odreader-to-mqtt/pkg/kvstore"
	"github.com/ericogr/odreader-to-mqtt/pkg/leds"
	"github.com/ericogr/odreader-to-mqtt/pkg/pubsub"
)

type harness struct {
	bus   *pubsub.Mem
	store *kvstore.Store
	out   *leds.NullOutput
	fake  *adc.Fake
	leds  *leds.Controller
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Namespace = "ns"
	cfg.Unit = "unit1"
	cfg.Experiment = "exp"
	cfg.SensorType = "simulation"
	cfg.Sampling.SamplesPerSecond = 0 // on demand unless a test opts in
	cfg.Sampling.OversamplingCount = 8
	cfg.Sampling.MainsFrequency = 60
	cfg.Sampling.ReadingDurationMs = 40
	return cfg
}

// newHarness wires an in-memory bus, a recording LED output and a fake ADC
// whose photodiodes only see light while the IR LED is driven.
func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	h := &harness{
		bus:   pubsub.NewMem(),
		store: kvstore.New(),
		out:   leds.NewNullOutput(),
	}
	t.Cleanup(func() { h.bus.Close() })
	h.fake = adc.NewFake(func(ch int, _ time.Duration) float64 {
		if h.out.Get(cfg.IRLED.Channel) <= 0 {
			return 0
		}
		if ch == 0 {
			return 0.1 // reference photodiode
		}
		return 0.2
	})
	h.leds = leds.NewController(h.out, h.store, kvstore.NewOwner(), h.bus, "ns/unit1/exp", zerolog.Nop())
	return h
}

func newReader(t *testing.T, cfg config.Config, h *harness) *ODReader {
	t.Helper()
	o, err := New(Options{
		Config: cfg,
		Bus:    h.bus,
		Store:  h.store,
		Logger: zerolog.Nop(),
		ADC:    h.fake,
		LEDs:   h.leds,
	})
	require.NoError(t, err)
	t.Cleanup(o.Job().Disconnect)
	return o
}

// failingADC injects conversion errors on demand, like a flaky I2C bus.
type failingADC struct {
	*adc.Fake
	failWhen func() bool
}

func (f *failingADC) ReadVoltage(ch int) (float64, error) {
	if f.failWhen() {
		return 0, errors.New("i2c read failed")
	}
	return f.Fake.ReadVoltage(ch)
}

func TestCycleErrorDisconnectsCleanly(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling.SamplesPerSecond = 5
	h := newHarness(t, cfg)

	var failing atomic.Bool
	flaky := &failingADC{Fake: h.fake, failWhen: failing.Load}
	o, err := New(Options{
		Config: cfg, Bus: h.bus, Store: h.store,
		Logger: zerolog.Nop(), ADC: flaky, LEDs: h.leds,
	})
	require.NoError(t, err)

	// the ADC starts erroring; the next timed cycle must take the job down
	// completely, not hang it
	failing.Store(true)

	done := make(chan struct{})
	go func() { o.Job().BlockUntilDisconnected(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never disconnected after a failing cycle")
	}

	assert.Equal(t, job.Disconnected, o.Job().State())
	assert.Equal(t, 0.0, h.out.Get(cfg.IRLED.Channel))
	assert.False(t, h.store.IsActive(JobName))
	state, ok := h.bus.Retained("ns/unit1/exp/od_reading/$state")
	require.True(t, ok)
	assert.Equal(t, "disconnected", string(state))
}

func TestConstructionFailureTurnsIROff(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	// reads work in the dark but fail once the IR emitter is driven, so the
	// failure lands after the LED is already on
	bad := &failingADC{Fake: h.fake, failWhen: func() bool {
		return h.out.Get(cfg.IRLED.Channel) > 0
	}}
	_, err := New(Options{
		Config: cfg, Bus: h.bus, Store: h.store,
		Logger: zerolog.Nop(), ADC: bad, LEDs: h.leds,
	})
	require.Error(t, err)

	assert.Equal(t, 0.0, h.out.Get(cfg.IRLED.Channel))
	assert.False(t, h.store.IsActive(JobName))
	state, ok := h.bus.Retained("ns/unit1/exp/od_reading/$state")
	require.True(t, ok)
	assert.Equal(t, "disconnected", string(state))
}

func TestConstructionReachesReady(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	var states []string
	require.NoError(t, h.bus.Subscribe("ns/unit1/exp/od_reading/$state", pubsub.AtMostOnce, true, func(m pubsub.Message) {
		states = append(states, string(m.Payload))
	}))

	o := newReader(t, cfg, h)

	assert.Equal(t, []string{"init", "ready"}, states)
	assert.Equal(t, job.Ready, o.Job().State())
	assert.Equal(t, cfg.IRLED.Intensity, h.out.Get(cfg.IRLED.Channel))

	props, ok := h.bus.Retained("ns/unit1/exp/od_reading/$properties")
	require.True(t, ok)
	assert.Equal(t, "state,interval,ir_led_intensity,first_od_obs_time", string(props))
}

func TestRecordFromADCPublishesAndNormalizes(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	var singles, batches [][]byte
	require.NoError(t, h.bus.Subscribe("ns/unit1/exp/od_reading/od_raw/1", pubsub.AtMostOnce, false, func(m pubsub.Message) {
		singles = append(singles, m.Payload)
	}))
	require.NoError(t, h.bus.Subscribe("ns/unit1/exp/od_reading/od_raw_batched", pubsub.AtMostOnce, false, func(m pubsub.Message) {
		batches = append(batches, m.Payload)
	}))

	o := newReader(t, cfg, h)
	batch, err := o.RecordFromADC()
	require.NoError(t, err)

	require.Contains(t, batch.Readings, 1)
	assert.Equal(t, "135", batch.Readings[1].Angle)
	assert.InDelta(t, 0.2, batch.Readings[1].Voltage, 1e-3)
	assert.NotContains(t, batch.Readings, 0, "the reference channel is not a published signal")

	require.Len(t, singles, 1)
	var r Reading
	require.NoError(t, json.Unmarshal(singles[0], &r))
	assert.Equal(t, 1, r.Channel)
	assert.Equal(t, batch.Readings[1].Voltage, r.Voltage)

	// a consumer decoding od_raw_batched sees exactly what was measured
	require.Len(t, batches, 1)
	var decoded ReadingBatch
	require.NoError(t, json.Unmarshal(batches[0], &decoded))
	assert.Equal(t, batch.Voltages(), decoded.Voltages())

	// the first observation timestamp is published once, retained
	obs, ok := h.bus.Retained("ns/unit1/exp/od_reading/first_od_obs_time")
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, string(obs))
	assert.NoError(t, err)

	latest, ok := o.Latest()
	require.True(t, ok)
	assert.Equal(t, batch.Timestamp, latest.Timestamp)

	select {
	case got := <-o.Batches():
		assert.Equal(t, batch.Voltages(), got.Voltages())
	default:
		t.Fatal("no batch signalled")
	}
}

func TestCycleRestoresLEDStateAndLocks(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	o := newReader(t, cfg, h)

	// an unrelated LED left on by another job must come back after the cycle
	require.NoError(t, h.leds.Set("D", 40, "test"))
	_, err := o.RecordFromADC()
	require.NoError(t, err)

	assert.Equal(t, 40.0, h.out.Get("D"))
	other := kvstore.NewOwner()
	assert.NoError(t, h.store.Lock("led_D", other), "cycle must release its channel locks")
	h.store.Unlock("led_D", other)
}

func TestSleepingPausesAcquisition(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling.SamplesPerSecond = 5 // 200ms cadence
	h := newHarness(t, cfg)
	o := newReader(t, cfg, h)

	var cycles atomic.Int64
	o.AddPostReadHook(func(ReadingBatch) { cycles.Add(1) })

	require.Eventually(t, func() bool { return cycles.Load() > 0 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Job().Transition(job.Sleeping))
	assert.Equal(t, 0.0, h.out.Get(cfg.IRLED.Channel), "IR LED off while sleeping")

	time.Sleep(300 * time.Millisecond) // let any in-flight cycle drain
	before := cycles.Load()
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, before, cycles.Load(), "no acquisition while sleeping")

	require.NoError(t, o.Job().Transition(job.Ready))
	assert.Equal(t, cfg.IRLED.Intensity, h.out.Get(cfg.IRLED.Channel))
	require.Eventually(t, func() bool { return cycles.Load() > before }, 3*time.Second, 10*time.Millisecond)
}

func TestDisconnectIsIdempotentAndCleansUp(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	o := newReader(t, cfg, h)

	o.Job().Disconnect()
	o.Job().Disconnect()

	assert.Equal(t, job.Disconnected, o.Job().State())
	assert.Equal(t, 0.0, h.out.Get(cfg.IRLED.Channel))
	assert.False(t, h.store.IsActive(JobName))

	state, ok := h.bus.Retained("ns/unit1/exp/od_reading/$state")
	require.True(t, ok)
	assert.Equal(t, "disconnected", string(state))

	// persistent settings survive, the rest are wiped
	_, ok = h.bus.Retained("ns/unit1/exp/od_reading/interval")
	assert.True(t, ok)
	_, ok = h.bus.Retained("ns/unit1/exp/od_reading/ir_led_intensity")
	assert.False(t, ok)

	done := make(chan struct{})
	go func() { o.Job().BlockUntilDisconnected(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockUntilDisconnected never returned")
	}
}

func TestRemoteIRIntensityChange(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	o := newReader(t, cfg, h)

	h.bus.Publish("ns/unit1/exp/od_reading/ir_led_intensity/set", "50", false)
	assert.Equal(t, 50.0, h.out.Get(cfg.IRLED.Channel))
	assert.Equal(t, 50.0, o.Job().Value("ir_led_intensity"))

	// out of range: rejected, nothing moves
	h.bus.Publish("ns/unit1/exp/od_reading/ir_led_intensity/set", "150", false)
	assert.Equal(t, 50.0, h.out.Get(cfg.IRLED.Channel))
}

func TestConstructionFailsWhenIRChannelHeldElsewhere(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	other := kvstore.NewOwner()
	require.NoError(t, h.store.Lock("led_"+cfg.IRLED.Channel, other))

	_, err := New(Options{
		Config: cfg, Bus: h.bus, Store: h.store,
		Logger: zerolog.Nop(), ADC: h.fake, LEDs: h.leds,
	})
	require.Error(t, err)

	// the half-built job unwound itself
	state, ok := h.bus.Retained("ns/unit1/exp/od_reading/$state")
	require.True(t, ok)
	assert.Equal(t, "disconnected", string(state))
	assert.False(t, h.store.IsActive(JobName))
}

func TestConfigurationErrors(t *testing.T) {
	noSignal := testConfig()
	noSignal.Channels = []config.ChannelConfig{{Channel: 0, Role: config.RoleReference}}
	h := newHarness(t, noSignal)
	_, err := New(Options{Config: noSignal, Bus: h.bus, Store: h.store, Logger: zerolog.Nop(), ADC: h.fake, LEDs: h.leds})
	assert.ErrorIs(t, err, config.ErrConfiguration)

	tooFast := testConfig()
	tooFast.Sampling.SamplesPerSecond = 100 // 10ms interval, under the 40ms window
	h2 := newHarness(t, tooFast)
	_, err = New(Options{Config: tooFast, Bus: h2.bus, Store: h2.store, Logger: zerolog.Nop(), ADC: h2.fake, LEDs: h2.leds})
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestReaderWithoutReferenceChannel(t *testing.T) {
	cfg := testConfig()
	cfg.Channels = []config.ChannelConfig{{Channel: 1, Role: "135"}, {Channel: 2, Role: "90"}}
	h := newHarness(t, cfg)
	o := newReader(t, cfg, h)

	batch, err := o.RecordFromADC()
	require.NoError(t, err)
	require.Len(t, batch.Readings, 2)
	assert.InDelta(t, 0.2, batch.Readings[1].Voltage, 1e-3)
	assert.InDelta(t, 0.2, batch.Readings[2].Voltage, 1e-3)
}
