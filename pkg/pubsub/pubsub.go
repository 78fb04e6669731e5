// Package pubsub is the MQTT layer shared by every job. A single broker
// connection carries both directions; outbound messages go through an
// internal queue drained by a dedicated goroutine, so it is always safe to
// publish from inside a subscription callback.
package pubsub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// QOS levels, named to keep call sites readable.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
	ExactlyOnce byte = 2
)

type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type Handler func(Message)

// Bus is the surface jobs program against. Client implements it over MQTT;
// Mem implements it in memory for tests.
type Bus interface {
	// Publish enqueues a message. It never blocks; if the outbound queue is
	// full the message is dropped and counted.
	Publish(topic string, payload any, retain bool)
	PublishQOS(topic string, payload any, qos byte, retain bool)
	// ClearRetained deletes a retained value by publishing a zero-length
	// retained payload.
	ClearRetained(topic string)
	Subscribe(topic string, qos byte, allowRetained bool, h Handler) error
	Close()
}

// encodePayload converts a value into bytes for the wire. Scalars go as
// their string form, everything else as JSON.
func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case bool:
		return []byte(strconv.FormatBool(v)), nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// topicMatches implements MQTT filter matching with + and # wildcards.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
