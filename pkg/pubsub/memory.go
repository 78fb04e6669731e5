package pubsub

import (
	"sync"
)

// Mem is an in-memory Bus with broker-like retained-message semantics. It is
// what package tests run against. Delivery is synchronous: Publish invokes
// matching handlers before returning, which keeps tests deterministic.
type Mem struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     []memSub
	closed   bool
}

type memSub struct {
	filter        string
	allowRetained bool
	h             Handler
}

func NewMem() *Mem {
	return &Mem{retained: make(map[string][]byte)}
}

func (m *Mem) Publish(topic string, payload any, retain bool) {
	m.PublishQOS(topic, payload, AtMostOnce, retain)
}

func (m *Mem) PublishQOS(topic string, payload any, _ byte, retain bool) {
	b, err := encodePayload(payload)
	if err != nil {
		return
	}
	m.deliver(topic, b, retain)
}

func (m *Mem) ClearRetained(topic string) {
	m.deliver(topic, nil, true)
}

func (m *Mem) deliver(topic string, payload []byte, retain bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if retain {
		if len(payload) == 0 {
			delete(m.retained, topic)
		} else {
			m.retained[topic] = payload
		}
	}
	subs := make([]memSub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		if topicMatches(s.filter, topic) {
			// live delivery: the retained flag is only set on replay
			s.h(Message{Topic: topic, Payload: payload})
		}
	}
}

func (m *Mem) Subscribe(filter string, _ byte, allowRetained bool, h Handler) error {
	m.mu.Lock()
	m.subs = append(m.subs, memSub{filter: filter, allowRetained: allowRetained, h: h})
	var replay []Message
	if allowRetained {
		for topic, payload := range m.retained {
			if topicMatches(filter, topic) {
				replay = append(replay, Message{Topic: topic, Payload: payload, Retained: true})
			}
		}
	}
	m.mu.Unlock()

	for _, msg := range replay {
		h(msg)
	}
	return nil
}

// Retained returns the retained payload for a topic, if any.
func (m *Mem) Retained(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.retained[topic]
	return b, ok
}

// RetainedTopics lists every topic currently holding a retained value.
func (m *Mem) RetainedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.retained))
	for t := range m.retained {
		out = append(out, t)
	}
	return out
}

func (m *Mem) Close() {
	m.mu.Lock()
	m.closed = true
	m.subs = nil
	m.mu.Unlock()
}
