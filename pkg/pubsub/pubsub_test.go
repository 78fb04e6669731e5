package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c/d", true},
		{"a/b/c", "a/b", false},
		{"a/b", "a/b/c", false},
		{"+/+/+/od_reading/+/set", "ns/unit1/exp/od_reading/$state/set", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, topicMatches(c.filter, c.topic), "%s vs %s", c.filter, c.topic)
	}
}

func TestEncodePayload(t *testing.T) {
	b, err := encodePayload("ready")
	require.NoError(t, err)
	assert.Equal(t, "ready", string(b))

	b, err = encodePayload(0.25)
	require.NoError(t, err)
	assert.Equal(t, "0.25", string(b))

	b, err = encodePayload(true)
	require.NoError(t, err)
	assert.Equal(t, "true", string(b))

	b, err = encodePayload(map[string]float64{"voltage": 0.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"voltage":0.5}`, string(b))

	b, err = encodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestMemDeliversToSubscribers(t *testing.T) {
	m := NewMem()
	defer m.Close()

	var got []Message
	require.NoError(t, m.Subscribe("a/+/c", AtMostOnce, true, func(msg Message) {
		got = append(got, msg)
	}))

	m.Publish("a/b/c", "hello", false)
	m.Publish("a/x/y", "miss", false)

	require.Len(t, got, 1)
	assert.Equal(t, "hello", string(got[0].Payload))
}

func TestMemRetainedReplay(t *testing.T) {
	m := NewMem()
	defer m.Close()

	m.Publish("state/topic", "ready", true)

	var replayed []Message
	require.NoError(t, m.Subscribe("state/topic", AtMostOnce, true, func(msg Message) {
		replayed = append(replayed, msg)
	}))
	require.Len(t, replayed, 1)
	assert.True(t, replayed[0].Retained)

	// a subscriber refusing retained messages sees nothing
	var fresh []Message
	require.NoError(t, m.Subscribe("state/topic", AtMostOnce, false, func(msg Message) {
		fresh = append(fresh, msg)
	}))
	assert.Empty(t, fresh)
}

func TestMemClearRetained(t *testing.T) {
	m := NewMem()
	defer m.Close()

	m.Publish("x/y", "1", true)
	_, ok := m.Retained("x/y")
	require.True(t, ok)

	m.ClearRetained("x/y")
	_, ok = m.Retained("x/y")
	assert.False(t, ok)
}
