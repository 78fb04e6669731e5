package adc

import "errors"

// ErrHardwareNotFound means the ADC chip (or its I2C bus) is absent.
// Construction-time fatal.
var ErrHardwareNotFound = errors.New("adc: hardware not found")

// ADC is a multiplexed converter with a software-selectable amplifier gain.
// The gain register is shared chip state: co-resident readers may move it,
// so callers reconcile it before a burst of reads.
type ADC interface {
	// ReadVoltage performs one conversion on the given input channel (0-3)
	// at the currently configured gain.
	ReadVoltage(channel int) (float64, error)
	SetGain(Gain)
	Gain() Gain
	Close() error
}
