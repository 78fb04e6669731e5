package leds

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

// pwmFrequency is well above the ADC sampling band so LED drive ripple does
// not alias into the readings.
const pwmFrequency = 25 * physic.KiloHertz

// GPIOOutput drives LED channels as PWM on GPIO pins.
type GPIOOutput struct {
	pins map[string]gpio.PinIO
}

// NewGPIOOutput resolves pin names (ex: {"A": "GPIO17"}) through periph's
// registry.
func NewGPIOOutput(pinNames map[string]string) (*GPIOOutput, error) {
	pins := make(map[string]gpio.PinIO, len(pinNames))
	for ch, name := range pinNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("leds: gpio pin %q not found for channel %s", name, ch)
		}
		pins[ch] = pin
	}
	return &GPIOOutput{pins: pins}, nil
}

func (g *GPIOOutput) Set(channel string, intensity float64) error {
	pin, ok := g.pins[channel]
	if !ok {
		return fmt.Errorf("leds: no pin mapped for channel %s", channel)
	}
	duty := gpio.Duty(float64(gpio.DutyMax) * intensity / 100.0)
	if err := pin.PWM(duty, pwmFrequency); err != nil {
		return fmt.Errorf("leds: pwm on %s: %w", pin.Name(), err)
	}
	return nil
}

// NullOutput records intensities without touching hardware; used in
// simulation mode and tests.
type NullOutput struct {
	mu    sync.Mutex
	State map[string]float64
}

func NewNullOutput() *NullOutput {
	return &NullOutput{State: make(map[string]float64)}
}

func (n *NullOutput) Set(channel string, intensity float64) error {
	n.mu.Lock()
	n.State[channel] = intensity
	n.mu.Unlock()
	return nil
}

func (n *NullOutput) Get(channel string) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.State[channel]
}
