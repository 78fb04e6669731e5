package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 256

// Will is the broker-side last-will message, fired if the connection dies
// without a clean disconnect.
type Will struct {
	Topic   string
	Payload string
	QOS     byte
	Retain  bool
}

type Options struct {
	Server   string
	Username string
	Password string
	ClientID string
	Will     *Will
	// QueueSize bounds the outbound queue; defaults to 256.
	QueueSize int
	Logger    zerolog.Logger
}

type outbound struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Client is a Bus over a single paho MQTT connection.
type Client struct {
	mqtt    mqtt.Client
	log     zerolog.Logger
	queue   chan outbound
	done    chan struct{}
	drained sync.WaitGroup
	dropped atomic.Int64
	closed  atomic.Bool
}

// Dial connects to the broker, retrying with exponential backoff for a short
// while before giving up.
func Dial(opts Options) (*Client, error) {
	mopts := mqtt.NewClientOptions().AddBroker(opts.Server).SetClientID(opts.ClientID)
	if opts.Username != "" {
		mopts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		mopts.SetPassword(opts.Password)
	}
	mopts.SetAutoReconnect(true)
	mopts.SetOrderMatters(false)
	if opts.Will != nil {
		mopts.SetWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QOS, opts.Will.Retain)
	}

	client := mqtt.NewClient(mopts)

	connect := func() error {
		token := client.Connect()
		if token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	c := &Client{
		mqtt:  client,
		log:   opts.Logger,
		queue: make(chan outbound, size),
		done:  make(chan struct{}),
	}
	c.drained.Add(1)
	go c.drain()
	return c, nil
}

func (c *Client) drain() {
	defer c.drained.Done()
	for {
		select {
		case m := <-c.queue:
			c.send(m)
		case <-c.done:
			// flush whatever is still queued
			for {
				select {
				case m := <-c.queue:
					c.send(m)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) send(m outbound) {
	token := c.mqtt.Publish(m.topic, m.qos, m.retain, m.payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Warn().Err(err).Str("topic", m.topic).Msg("mqtt publish failed")
	}
}

func (c *Client) enqueue(m outbound) {
	select {
	case c.queue <- m:
	default:
		if n := c.dropped.Add(1); n%100 == 1 {
			c.log.Warn().Int64("dropped", n).Str("topic", m.topic).Msg("outbound queue full, dropping message")
		}
	}
}

func (c *Client) Publish(topic string, payload any, retain bool) {
	c.PublishQOS(topic, payload, AtMostOnce, retain)
}

func (c *Client) PublishQOS(topic string, payload any, qos byte, retain bool) {
	b, err := encodePayload(payload)
	if err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("unpublishable payload")
		return
	}
	c.enqueue(outbound{topic: topic, payload: b, qos: qos, retain: retain})
}

func (c *Client) ClearRetained(topic string) {
	c.enqueue(outbound{topic: topic, qos: AtLeastOnce, retain: true})
}

func (c *Client) Subscribe(topic string, qos byte, allowRetained bool, h Handler) error {
	cb := func(_ mqtt.Client, m mqtt.Message) {
		if !allowRetained && m.Retained() {
			return
		}
		h(Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()})
	}
	token := c.mqtt.Subscribe(topic, qos, cb)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Dropped reports how many outbound messages were discarded because the
// queue was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Close flushes the outbound queue and disconnects. Safe to call twice.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.drained.Wait()
	c.mqtt.Disconnect(250)
}
