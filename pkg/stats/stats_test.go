package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEMAFirstUpdateSetsValue(t *testing.T) {
	e := NewEMA(0.2)
	_, ok := e.Value()
	assert.False(t, ok)

	got := e.Update(1.5)
	assert.Equal(t, 1.5, got)
	v, ok := e.Value()
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)
}

func TestEMASmooths(t *testing.T) {
	e := NewEMA(0.5)
	e.Update(1.0)
	assert.InDelta(t, 1.5, e.Update(2.0), 1e-12)
	assert.InDelta(t, 1.75, e.Update(2.0), 1e-12)
}

func TestEMAReset(t *testing.T) {
	e := NewEMA(0.5)
	e.Update(3.0)
	e.Reset()
	_, ok := e.Value()
	assert.False(t, ok)
	assert.Equal(t, 7.0, e.Update(7.0))
}

func TestRunningAverage(t *testing.T) {
	var r RunningAverage
	_, ok := r.Value()
	assert.False(t, ok)

	r.Update(1)
	r.Update(2)
	got := r.Update(3)
	assert.InDelta(t, 2.0, got, 1e-12)
	assert.Equal(t, 3, r.Count())
}
