package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericogr/odreader-to-mqtt/pkg/adc"
	"github.com/ericogr/odreader-to-mqtt/pkg/config"
	"github.com/ericogr/odreader-to-mqtt/pkg/leds"
)

func TestBuildHardwareSimulation(t *testing.T) {
	cfg := config.Default()
	cfg.SensorType = "simulation"

	converter, ledOutput, err := buildHardware(cfg)
	require.NoError(t, err)
	defer converter.Close()

	_, ok := converter.(*adc.Fake)
	assert.True(t, ok)
	_, ok = ledOutput.(*leds.NullOutput)
	assert.True(t, ok)

	v, err := converter.ReadVoltage(1)
	require.NoError(t, err)
	assert.InDelta(t, 0.09, v, 0.01)
}

func TestDefaultLEDPinsCoverEveryChannel(t *testing.T) {
	for _, ch := range leds.Channels {
		assert.Contains(t, defaultLEDPins, ch)
	}
}
