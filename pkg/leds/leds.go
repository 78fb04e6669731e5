// Package leds controls the emitter (LED) channels. LED channels are global
// hardware: before mutating one, cooperating jobs check the advisory lock in
// the shared store. Code that skips the check can still flip an LED; the
// isolation is operational, not enforced.
package leds

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ericogr/odreader-to-mqtt/pkg/kvstore"
	"github.com/ericogr/odreader-to-mqtt/pkg/pubsub"
)

// Channels are the four LED driver slots on the HAT.
var Channels = []string{"A", "B", "C", "D"}

var ErrChannelLocked = errors.New("leds: channel is locked by another job")

// Output is the hardware layer that applies a duty cycle to an LED channel.
type Output interface {
	Set(channel string, intensity float64) error
}

type changeEvent struct {
	Channel   string  `json:"channel"`
	Intensity float64 `json:"intensity"`
	Source    string  `json:"source_of_event"`
}

// Controller tracks desired LED intensities, applies them through an Output,
// honours soft locks, and announces changes on the bus.
type Controller struct {
	out   Output
	store *kvstore.Store
	owner kvstore.Owner
	bus   pubsub.Bus
	// topicPrefix is <ns>/<unit>/<experiment>
	topicPrefix string
	log         zerolog.Logger

	mu    sync.Mutex
	state map[string]float64
}

func NewController(out Output, store *kvstore.Store, owner kvstore.Owner, bus pubsub.Bus, topicPrefix string, log zerolog.Logger) *Controller {
	state := make(map[string]float64, len(Channels))
	for _, ch := range Channels {
		state[ch] = 0
	}
	return &Controller{
		out:         out,
		store:       store,
		owner:       owner,
		bus:         bus,
		topicPrefix: topicPrefix,
		log:         log,
		state:       state,
	}
}

func lockKey(channel string) string { return "led_" + channel }

// Lock takes the advisory lock on an LED channel for this controller's owner.
func (c *Controller) Lock(channel string) error {
	return c.store.Lock(lockKey(channel), c.owner)
}

func (c *Controller) Unlock(channel string) {
	c.store.Unlock(lockKey(channel), c.owner)
}

// Set applies intensity (0-100) to a channel. Refused if another owner holds
// the channel's lock.
func (c *Controller) Set(channel string, intensity float64, source string) error {
	if intensity < 0 || intensity > 100 {
		return fmt.Errorf("leds: intensity %v out of range [0, 100]", intensity)
	}
	if c.store.IsLockedByOther(lockKey(channel), c.owner) {
		return fmt.Errorf("%w: %s", ErrChannelLocked, channel)
	}
	if err := c.out.Set(channel, intensity); err != nil {
		return fmt.Errorf("leds: set %s: %w", channel, err)
	}

	c.mu.Lock()
	c.state[channel] = intensity
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(c.topicPrefix+"/leds/intensity/"+channel, intensity, true)
		c.bus.Publish(c.topicPrefix+"/led_change_events", changeEvent{
			Channel: channel, Intensity: intensity, Source: source,
		}, false)
	}
	c.log.Debug().Str("channel", channel).Float64("intensity", intensity).Str("source", source).Msg("led updated")
	return nil
}

func (c *Controller) Intensity(channel string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[channel]
}

// Snapshot captures the current intensities so they can be restored later.
func (c *Controller) Snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.state))
	for ch, v := range c.state {
		out[ch] = v
	}
	return out
}

// Restore re-applies a previously captured snapshot. Errors are aggregated;
// every channel is attempted.
func (c *Controller) Restore(snapshot map[string]float64, source string) error {
	chans := make([]string, 0, len(snapshot))
	for ch := range snapshot {
		chans = append(chans, ch)
	}
	sort.Strings(chans)
	var firstErr error
	for _, ch := range chans {
		if err := c.Set(ch, snapshot[ch], source); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AllOff forces every channel to zero.
func (c *Controller) AllOff(source string) error {
	var firstErr error
	for _, ch := range Channels {
		if err := c.Set(ch, 0, source); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
