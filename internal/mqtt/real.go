package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/piece-counter/internal/logic"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	DefaultBufferSize = 256
)

// client is the subset of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Options configure a RealPublisher.
type Options struct {
	ClientID   string
	BufferSize int // messages held while disconnected; 0 means DefaultBufferSize
	Logger     *slog.Logger

	// OnConnectionChange is called from paho's goroutines when the broker
	// connection comes up or drops.
	OnConnectionChange func(connected bool)
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the broker is unreachable are held in a backlog and replayed in order
// once the connection is re-established.
type RealPublisher struct {
	client client
	topic  string
	log    *slog.Logger
	onConn func(bool)

	mu            sync.Mutex
	held          *backlog
	everConnected bool
}

// NewRealPublisher creates a publisher for the given broker. An unreachable
// broker is not an error: paho keeps retrying in the background and messages
// are buffered until it connects.
func NewRealPublisher(broker string, o Options) (*RealPublisher, error) {
	if o.ClientID == "" {
		o.ClientID = "piece-counter"
	}
	p := newPublisher(nil, o)

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, willPayload(), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.handleConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.handleLost(err) })

	c := paho.NewClient(opts)
	p.client = c

	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn("mqtt broker not reachable yet, buffering", "broker", broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(c client, o Options) *RealPublisher {
	size := o.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RealPublisher{
		client: c,
		topic:  Topic,
		log:    log,
		onConn: o.OnConnectionChange,
		held:   newBacklog(size),
	}
}

// Publish sends a detection to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	// QoS 0 (at-most-once), not retained
	return p.send(outbound{topic: p.topic, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events
	return p.send(outbound{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) send(msg outbound) error {
	if !p.client.IsConnectionOpen() {
		p.buffer(msg)
		return nil
	}

	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

func (p *RealPublisher) buffer(msg outbound) {
	p.mu.Lock()
	first := p.held.hold(msg)
	n := p.held.pending()
	p.mu.Unlock()

	if first {
		p.log.Warn("mqtt backlog full, oldest detections will be lost", "limit", n)
	}
	p.log.Debug("mqtt disconnected, message held", "topic", msg.topic, "held", n)
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held.pending()
}

func (p *RealPublisher) handleConnect() {
	p.mu.Lock()
	reconnect := p.everConnected
	p.everConnected = true
	lost := p.held.dropped()
	pending := p.held.flush()
	p.mu.Unlock()

	p.log.Info("mqtt connected", "replaying", len(pending), "lost", lost)
	if p.onConn != nil {
		p.onConn(true)
	}

	// Clear the retained will left by the previous disconnect.
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		pending = append([]outbound{{topic: TopicSystem, payload: payload, qos: 1, retained: true}}, pending...)
	}

	for i, msg := range pending {
		token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.log.Warn("mqtt replay interrupted", "sent", i, "remaining", len(pending)-i)
			p.mu.Lock()
			for _, m := range pending[i:] {
				p.held.hold(m)
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *RealPublisher) handleLost(err error) {
	p.log.Warn("mqtt connection lost", "error", err)
	if p.onConn != nil {
		p.onConn(false)
	}
}

// IsConnected reports whether the broker connection is currently open.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second quiesce
	return nil
}
