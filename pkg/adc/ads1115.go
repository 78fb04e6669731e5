package adc

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01
)

// ADS1115 drives the TI ADS1115 over I2C in single-shot mode. The gain is
// written into the config register on every conversion, which doubles as the
// reconciliation against other readers of the same chip.
type ADS1115 struct {
	dev      *i2c.Dev
	bus      i2c.BusCloser
	dataRate int

	mu   sync.Mutex
	gain Gain
}

// NewADS1115 opens the bus and probes the chip. A missing bus or an
// unresponsive chip reports ErrHardwareNotFound.
func NewADS1115(busName string, addr int, dataRate int) (*ADS1115, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: host init: %v", ErrHardwareNotFound, err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("%w: open i2c %s: %v", ErrHardwareNotFound, busName, err)
	}
	dev := &i2c.Dev{Addr: uint16(addr), Bus: bus}

	a := &ADS1115{dev: dev, bus: bus, dataRate: dataRate, gain: GainOne}

	// probe: reading the config register answers whether the chip is there
	probe := make([]byte, 2)
	if err := dev.Tx([]byte{pointerConfig}, probe); err != nil {
		bus.Close()
		return nil, fmt.Errorf("%w: ads1115 not responding at 0x%02x: %v", ErrHardwareNotFound, addr, err)
	}
	return a, nil
}

func (a *ADS1115) SetGain(g Gain) {
	a.mu.Lock()
	a.gain = g
	a.mu.Unlock()
}

func (a *ADS1115) Gain() Gain {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gain
}

func (a *ADS1115) ReadVoltage(channel int) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	msb, lsb, err := a.configForChannel(channel)
	if err != nil {
		return 0, err
	}
	if err := a.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		return 0, fmt.Errorf("write config: %w", err)
	}
	// wait for the conversion to finish (simple sleep)
	delayMs := int(1000.0/float64(a.dataRate)) + 2
	time.Sleep(time.Duration(delayMs) * time.Millisecond)

	readBuf := make([]byte, 2)
	if err := a.dev.Tx([]byte{pointerConv}, readBuf); err != nil {
		return 0, fmt.Errorf("read conv: %w", err)
	}
	raw := int16(readBuf[0])<<8 | int16(readBuf[1])
	return float64(raw) * a.gain.FullScaleVolts() / 32768.0, nil
}

func (a *ADS1115) configForChannel(channel int) (byte, byte, error) {
	var mux uint16
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, fmt.Errorf("invalid channel %d", channel)
	}
	var dr uint16
	switch a.dataRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= mux << 12
	config |= a.gain.pgaBits() << 9
	config |= 1 << 8 // single-shot mode
	config |= dr << 5
	// comparator default: disabled (bits 1:0 = 11)
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}

func (a *ADS1115) Close() error {
	if a.bus != nil {
		return a.bus.Close()
	}
	return nil
}
